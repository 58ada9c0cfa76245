package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

var execNode0 = flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: "node-0", DeviceID: 0}
var execNode0dev1 = flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: "node-0", DeviceID: 1}

func buildRoute(t *testing.T, gw *gwtransport.Gateway, plan *exchange.FlowRoutePlan) *exchange.Route {
	t.Helper()
	engine := exchange.NewEngine(gw, logging.NewNopLogger())
	route, err := engine.PreDeploy(context.Background(), plan)
	require.NoError(t, err)
	require.NoError(t, engine.Deploy(context.Background(), route, plan))
	return route
}

func TestModelExecutor_FeedFetchSingleQueueRoundTrips(t *testing.T) {
	gw := gwtransport.New(logging.NewNopLogger())
	plan := &exchange.FlowRoutePlan{
		NodeID: "node-0",
		Endpoints: []exchange.EndpointDesc{
			{Index: 0, Type: exchange.EndpointQueue, Name: "in", Device: execNode0, Attr: gwtransport.QueueAttr{Depth: 4}},
		},
	}
	route := buildRoute(t, gw, plan)
	exec := New(Config{NodeID: "node-0", Route: route, Gateway: gw, Logger: logging.NewNopLogger()})

	require.NoError(t, exec.Feed(context.Background(), []int{0}, [][]byte{[]byte("hello")}, map[string]string{"trans_id": "t1"}, time.Second))

	results, err := exec.Fetch(context.Background(), []int{0}, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []byte("hello"), results[0].Data)
}

func TestModelExecutor_FeedBroadcastsToEveryGroupMember(t *testing.T) {
	gw := gwtransport.New(logging.NewNopLogger())
	plan := &exchange.FlowRoutePlan{
		NodeID: "node-0",
		Endpoints: []exchange.EndpointDesc{
			{Index: 0, Type: exchange.EndpointQueue, Name: "d0", Device: execNode0, Attr: gwtransport.QueueAttr{Depth: 4}},
			{Index: 1, Type: exchange.EndpointQueue, Name: "d1", Device: execNode0dev1, Attr: gwtransport.QueueAttr{Depth: 4}},
			{Index: 2, Type: exchange.EndpointGroup, Name: "broadcast", Device: execNode0, GroupMembers: []int{0, 1}},
		},
	}
	route := buildRoute(t, gw, plan)
	exec := New(Config{NodeID: "node-0", Route: route, Gateway: gw, Logger: logging.NewNopLogger()})

	require.NoError(t, exec.Feed(context.Background(), []int{2}, [][]byte{[]byte("bcast")}, nil, time.Second))

	r0, err := exec.Fetch(context.Background(), []int{0}, time.Second)
	require.NoError(t, err)
	r1, err := exec.Fetch(context.Background(), []int{1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("bcast"), r0[0].Data)
	assert.Equal(t, []byte("bcast"), r1[0].Data)
}

func TestModelExecutor_FeedFusesIndexesSharingAPhysicalQueue(t *testing.T) {
	gw := gwtransport.New(logging.NewNopLogger())
	plan := &exchange.FlowRoutePlan{
		NodeID: "node-0",
		Endpoints: []exchange.EndpointDesc{
			{Index: 0, Type: exchange.EndpointQueue, Name: "base", Device: execNode0, Attr: gwtransport.QueueAttr{Depth: 4}},
			{Index: 1, Type: exchange.EndpointRefQueue, Name: "fused-alias", Device: execNode0, RefIndex: 0, Attr: gwtransport.QueueAttr{FusionOffset: 1}},
		},
	}
	route := buildRoute(t, gw, plan)
	exec := New(Config{NodeID: "node-0", Route: route, Gateway: gw, Logger: logging.NewNopLogger()})

	require.NoError(t, exec.Feed(context.Background(), []int{0, 1}, [][]byte{[]byte("a"), []byte("b")}, nil, time.Second))

	id, err := route.GetQueueId(0)
	require.NoError(t, err)
	q, ok := gw.Queue(id)
	require.True(t, ok)
	msg, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)

	segs, err := DecodeFusedSegments(msg.Data)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, []byte("a"), segs[0].Data)
	assert.Equal(t, []byte("b"), segs[1].Data)
	assert.Equal(t, int32(1), segs[1].Offset)
}

func TestModelExecutor_FetchAlignmentWaitsForEveryIndexBeforeReturning(t *testing.T) {
	gw := gwtransport.New(logging.NewNopLogger())
	plan := &exchange.FlowRoutePlan{
		NodeID: "node-0",
		Endpoints: []exchange.EndpointDesc{
			{Index: 0, Type: exchange.EndpointQueue, Name: "out0", Device: execNode0, Attr: gwtransport.QueueAttr{Depth: 4}},
			{Index: 1, Type: exchange.EndpointQueue, Name: "out1", Device: execNode0, Attr: gwtransport.QueueAttr{Depth: 4}},
		},
	}
	route := buildRoute(t, gw, plan)
	exec := New(Config{NodeID: "node-0", Route: route, Gateway: gw, AlignEnabled: true, AlignCapacity: 4, Logger: logging.NewNopLogger()})

	require.NoError(t, exec.Feed(context.Background(), []int{0}, [][]byte{[]byte("a")}, map[string]string{"trans_id": "t1"}, time.Second))

	done := make(chan struct{})
	var results []FetchResult
	var fetchErr error
	go func() {
		results, fetchErr = exec.Fetch(context.Background(), []int{0, 1}, 2*time.Second)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, exec.Feed(context.Background(), []int{1}, [][]byte{[]byte("b")}, map[string]string{"trans_id": "t1"}, time.Second))

	<-done
	require.NoError(t, fetchErr)
	require.Len(t, results, 2)
	assert.Equal(t, []byte("a"), results[0].Data)
	assert.Equal(t, []byte("b"), results[1].Data)
}

func TestModelExecutor_FetchTimesOutWhenAlignmentNeverCompletes(t *testing.T) {
	gw := gwtransport.New(logging.NewNopLogger())
	plan := &exchange.FlowRoutePlan{
		NodeID: "node-0",
		Endpoints: []exchange.EndpointDesc{
			{Index: 0, Type: exchange.EndpointQueue, Name: "out0", Device: execNode0, Attr: gwtransport.QueueAttr{Depth: 4}},
			{Index: 1, Type: exchange.EndpointQueue, Name: "out1", Device: execNode0, Attr: gwtransport.QueueAttr{Depth: 4}},
		},
	}
	route := buildRoute(t, gw, plan)
	exec := New(Config{NodeID: "node-0", Route: route, Gateway: gw, AlignEnabled: true, AlignCapacity: 4, Logger: logging.NewNopLogger()})

	require.NoError(t, exec.Feed(context.Background(), []int{0}, [][]byte{[]byte("a")}, map[string]string{"trans_id": "t1"}, time.Second))

	_, err := exec.Fetch(context.Background(), []int{0, 1}, 150*time.Millisecond)
	require.Error(t, err)
}

func TestModelExecutor_FeedFlowMsgRoundTripsEOS(t *testing.T) {
	gw := gwtransport.New(logging.NewNopLogger())
	plan := &exchange.FlowRoutePlan{
		NodeID: "node-0",
		Endpoints: []exchange.EndpointDesc{
			{Index: 0, Type: exchange.EndpointQueue, Name: "udf", Device: execNode0, Attr: gwtransport.QueueAttr{Depth: 4}},
		},
	}
	route := buildRoute(t, gw, plan)
	exec := New(Config{NodeID: "node-0", Route: route, Gateway: gw, Logger: logging.NewNopLogger()})

	require.NoError(t, exec.FeedFlowMsg(context.Background(), 0, FlowMsgEmpty, nil, nil, time.Second))

	kind, _, _, err := exec.FetchFlowMsg(context.Background(), 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, FlowMsgEmpty, kind)
}

func TestModelExecutor_FatalInvokesAbnormalCallbackExceptOnQueueEmpty(t *testing.T) {
	gw := gwtransport.New(logging.NewNopLogger())
	plan := &exchange.FlowRoutePlan{
		NodeID: "node-0",
		Endpoints: []exchange.EndpointDesc{
			{Index: 0, Type: exchange.EndpointQueue, Name: "in", Device: execNode0, Attr: gwtransport.QueueAttr{Depth: 4}},
		},
	}
	route := buildRoute(t, gw, plan)
	var called bool
	exec := New(Config{
		NodeID: "node-0", Route: route, Gateway: gw, Logger: logging.NewNopLogger(),
		DevAbnormalCallback: func(ctx context.Context, err error) { called = true },
	})

	_, err := exec.Fetch(context.Background(), []int{0}, 50*time.Millisecond)
	require.Error(t, err)
	assert.False(t, called, "queue-empty timeout is framework status, not an abnormal condition")

	_, err = exec.Fetch(context.Background(), []int{99}, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, called, "unknown endpoint is a real fault and must notify the abnormal callback")
}

func TestModelExecutor_ModelRunStartStopJoinsRoutingLoops(t *testing.T) {
	exec := New(Config{NodeID: "node-0", Route: &exchange.Route{}, Gateway: gwtransport.New(logging.NewNopLogger()), Logger: logging.NewNopLogger()})

	started := make(chan struct{})
	loop := loopFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	require.NoError(t, exec.ModelRunStart(context.Background(), loop))
	<-started
	exec.ModelRunStop()
}

type loopFunc func(ctx context.Context) error

func (f loopFunc) Run(ctx context.Context) error { return f(ctx) }
