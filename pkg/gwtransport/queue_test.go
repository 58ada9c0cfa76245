package gwtransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
)

func TestQueue_EnqueueDequeueFIFO(t *testing.T) {
	q := NewQueue(1, "q", QueueAttr{Depth: 4})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Message{TransID: "a"}))
	require.NoError(t, q.Enqueue(ctx, Message{TransID: "b"}))

	m1, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", m1.TransID)

	m2, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", m2.TransID)
}

func TestQueue_DequeueTimeoutSurfacesQueueEmpty(t *testing.T) {
	q := NewQueue(1, "q", QueueAttr{Depth: 1})
	_, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, dflowerr.ErrQueueEmpty)
}

func TestQueue_OverwriteOldestDropsHead(t *testing.T) {
	q := NewQueue(1, "q", QueueAttr{Depth: 2, Overwrite: OverwriteOldest})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Message{TransID: "1"}))
	require.NoError(t, q.Enqueue(ctx, Message{TransID: "2"}))
	require.NoError(t, q.Enqueue(ctx, Message{TransID: "3"}))

	m, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2", m.TransID, "oldest message should have been evicted")
}

func TestQueue_CloseWakesWaiters(t *testing.T) {
	q := NewQueue(1, "q", QueueAttr{Depth: 1})
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}
