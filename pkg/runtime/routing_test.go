package runtime

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

func gobEncode(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(v))
	return buf.Bytes()
}

func gobDecodeResponse(t *testing.T, data []byte) FlowgwResponse {
	t.Helper()
	var resp FlowgwResponse
	require.NoError(t, gob.NewDecoder(bytes.NewReader(data)).Decode(&resp))
	return resp
}

func TestRoutingThread_ResolvesRequestAndEnqueuesResponse(t *testing.T) {
	requestQ := gwtransport.NewQueue(1, "req", gwtransport.QueueAttr{Depth: 4})
	responseQ := gwtransport.NewQueue(2, "resp", gwtransport.QueueAttr{Depth: 4})

	groups := map[RouteGroupKey]*DstGroupInfo{
		{ModelUUID: "m", LogicGroupID: "g"}: {
			Routes: []RouteEntry{
				{GroupEntryIndex: 0, RouteLabel: 0, Healthy: true},
				{GroupEntryIndex: 1, RouteLabel: 1, Healthy: true},
			},
			GroupSize: 2,
		},
	}
	cache := NewRouteCache(4, nil)
	depths := fakeDepths{0: 9, 1: 2}
	thread := NewRoutingThread(requestQ, responseQ, groups, cache, depths, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		thread.Run(ctx)
		close(done)
	}()

	req := FlowgwRequest{InputIndex: 3, Entries: []FlowgwQueueInfo{
		{ModelUUID: "m", LogicGroupID: "g", TransID: "t1", RouteLabel: 7},
	}}
	require.NoError(t, requestQ.Enqueue(context.Background(), gwtransport.Message{Data: gobEncode(t, req)}))

	msg, err := responseQ.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)

	resp := gobDecodeResponse(t, msg.Data)
	assert.Equal(t, 3, resp.InputIndex)
	require.Len(t, resp.Resolved, 1)
	assert.Equal(t, 1, resp.Resolved[0].GroupEntryIndex, "shallowest depth member wins")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RoutingThread.Run did not return after context cancellation")
	}
}

func TestRoutingThread_DropsEntriesForUnknownGroup(t *testing.T) {
	requestQ := gwtransport.NewQueue(1, "req", gwtransport.QueueAttr{Depth: 4})
	responseQ := gwtransport.NewQueue(2, "resp", gwtransport.QueueAttr{Depth: 4})
	thread := NewRoutingThread(requestQ, responseQ, map[RouteGroupKey]*DstGroupInfo{}, NewRouteCache(4, nil), fakeDepths{}, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go thread.Run(ctx)

	req := FlowgwRequest{InputIndex: 0, Entries: []FlowgwQueueInfo{{ModelUUID: "unknown", LogicGroupID: "g", TransID: "t1"}}}
	require.NoError(t, requestQ.Enqueue(context.Background(), gwtransport.Message{Data: gobEncode(t, req)}))

	msg, err := responseQ.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	resp := gobDecodeResponse(t, msg.Data)
	assert.Empty(t, resp.Resolved)
}

func TestRoutingThread_ReturnsPromptlyOnContextCancellationWithNoTraffic(t *testing.T) {
	requestQ := gwtransport.NewQueue(1, "req", gwtransport.QueueAttr{Depth: 4})
	responseQ := gwtransport.NewQueue(2, "resp", gwtransport.QueueAttr{Depth: 4})
	thread := NewRoutingThread(requestQ, responseQ, map[RouteGroupKey]*DstGroupInfo{}, NewRouteCache(4, nil), fakeDepths{}, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- thread.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(routingDequeueTimeout * 2):
		t.Fatal("RoutingThread.Run did not observe cancellation within one dequeue timeout window")
	}
}
