package gwtransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

var testDevice = flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: "node-0", DeviceID: 0}

func TestGateway_BindPumpsMessages(t *testing.T) {
	gw := New(logging.NewNopLogger())
	src, err := gw.CreateQueue(testDevice, "src", QueueAttr{Depth: 4})
	require.NoError(t, err)
	dst, err := gw.CreateQueue(testDevice, "dst", QueueAttr{Depth: 4})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, gw.Bind(ctx, src.ID, dst.ID))

	require.NoError(t, src.Enqueue(ctx, Message{TransID: "1", Data: []byte("hello")}))

	msg, err := dst.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg.Data))
}

func TestGateway_UnbindStopsPump(t *testing.T) {
	gw := New(logging.NewNopLogger())
	src, _ := gw.CreateQueue(testDevice, "src", QueueAttr{Depth: 4})
	dst, _ := gw.CreateQueue(testDevice, "dst", QueueAttr{Depth: 4})

	ctx := context.Background()
	require.NoError(t, gw.Bind(ctx, src.ID, dst.ID))
	require.NoError(t, gw.Unbind(src.ID, dst.ID))

	require.NoError(t, src.Enqueue(ctx, Message{TransID: "1"}))
	_, err := dst.Dequeue(ctx, 100*time.Millisecond)
	require.Error(t, err, "no message should arrive once unbound")
}

func TestGateway_GroupRejectsNestedGroups(t *testing.T) {
	gw := New(logging.NewNopLogger())
	q1, _ := gw.CreateQueue(testDevice, "q1", QueueAttr{Depth: 1})
	q2, _ := gw.CreateQueue(testDevice, "q2", QueueAttr{Depth: 1})

	inner, err := gw.CreateGroup([]uint32{q1.ID, q2.ID})
	require.NoError(t, err)

	_, err = gw.CreateGroup([]uint32{inner.ID})
	require.Error(t, err)
}

func TestGateway_LookupExternalQueueByName(t *testing.T) {
	gw := New(logging.NewNopLogger())
	q, err := gw.CreateQueue(testDevice, "named", QueueAttr{Depth: 1})
	require.NoError(t, err)

	found, err := gw.LookupExternalQueue(testDevice, "named")
	require.NoError(t, err)
	assert.Equal(t, q.ID, found.ID)

	_, err = gw.LookupExternalQueue(testDevice, "missing")
	assert.Error(t, err)
}
