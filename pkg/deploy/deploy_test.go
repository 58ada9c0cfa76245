package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/execfwk"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/planner"
	"github.com/sgl-project/ome-dflow/pkg/subprocmgr"
)

func buildLinearModel(t *testing.T) *flowmodel.FlowModel {
	t.Helper()
	m := flowmodel.New("s1")
	require.NoError(t, m.AddSubmodel(&flowmodel.Submodel{
		Name: "pc1", Engine: flowmodel.EngineNPU, Replicas: 1,
		Inputs:  []flowmodel.Port{{Name: "in"}},
		Outputs: []flowmodel.Port{{Name: "out"}},
	}))
	require.NoError(t, m.AddSubmodel(&flowmodel.Submodel{
		Name: "pc2", Engine: flowmodel.EngineNPU, Replicas: 1,
		Inputs: []flowmodel.Port{{Name: "in"}},
	}))
	require.NoError(t, m.AddEdge(flowmodel.Edge{SrcSubmodel: "", SrcPort: "data", DstSubmodel: "pc1", DstPort: "in"}))
	require.NoError(t, m.AddEdge(flowmodel.Edge{SrcSubmodel: "pc1", SrcPort: "out", DstSubmodel: "pc2", DstPort: "in"}))
	require.NoError(t, m.Compile())
	return m
}

func npuDevice(id int32) flowmodel.DeviceInfo {
	return flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: "node-0", DeviceID: id}
}

func npuExecutorKey(id int32) flowmodel.ExecutorKey {
	return flowmodel.ExecutorKey{DeviceType: "NPU", DeviceID: id, EngineName: "default"}
}

// startEchoHandler plays the part of a real executor process.
func startEchoHandler(ctx context.Context, reqQ, rspQ *gwtransport.Queue) *gwtransport.MessageServerHandler {
	return gwtransport.NewMessageServerHandler(ctx, reqQ, rspQ, func(ctx context.Context, req wire.Request) wire.Response {
		return wire.Response{}
	})
}

func TestDeployModel_SingleNodeLinearModelSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gwtransport.New(logging.NewNopLogger())
	procs := subprocmgr.New(logging.NewNopLogger())
	execs := execfwk.NewManager(gw, procs, logging.NewNopLogger())
	engine := exchange.NewEngine(gw, logging.NewNopLogger())

	// Pre-spawn and wire the two executors the plan will assign pc1/pc2 to,
	// so LocalDeployer.LoadSubmodels finds them already cached.
	for _, id := range []int32{0, 1} {
		key := npuExecutorKey(id)
		device := npuDevice(id)
		_, err := execs.GetOrCreateExecutorClient(ctx, key, subprocmgr.Config{Path: "/bin/sleep", Args: []string{"30"}}, device)
		require.NoError(t, err)

		reqQ, err := gw.LookupExternalQueue(device, key.String()+"/req")
		require.NoError(t, err)
		rspQ, err := gw.LookupExternalQueue(device, key.String()+"/rsp")
		require.NoError(t, err)
		handler := startEchoHandler(ctx, reqQ, rspQ)
		defer handler.Close()
	}

	spawn := func(key flowmodel.ExecutorKey, device flowmodel.DeviceInfo) subprocmgr.Config {
		return subprocmgr.Config{Path: "/bin/sleep", Args: []string{"30"}}
	}
	local := NewLocalDeployer("node-0", engine, execs, spawn, logging.NewNopLogger())

	rm := planner.NewStaticResourceManager("node-0", []planner.DeviceCapability{
		{Device: npuDevice(0), Available: true},
		{Device: npuDevice(1), Available: true},
	})

	deployer := NewDeployer(rm, map[string]NodeDeployer{"node-0": local}, logging.NewNopLogger())

	model := buildLinearModel(t)
	state, err := deployer.DeployModel(ctx, "sess1", model, nil, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"node-0"}, state.DeployedNodeIDs())
	route, ok := state.route("node-0")
	assert.True(t, ok)
	assert.NotNil(t, route)

	require.NoError(t, deployer.UndeployModel(ctx, "sess1"))
}

func TestDeployModel_LoadFailureUndeploysReachedNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gwtransport.New(logging.NewNopLogger())
	procs := subprocmgr.New(logging.NewNopLogger())
	execs := execfwk.NewManager(gw, procs, logging.NewNopLogger())
	engine := exchange.NewEngine(gw, logging.NewNopLogger())

	// No executor clients pre-created, and the spawn config names a binary
	// that does not exist: LoadSubmodels fails to fork the executor, so the
	// deploy fails before any node is marked loaded and the failure path
	// drops the session.
	spawn := func(key flowmodel.ExecutorKey, device flowmodel.DeviceInfo) subprocmgr.Config {
		return subprocmgr.Config{Path: "/bin/does-not-exist-binary"}
	}
	local := NewLocalDeployer("node-0", engine, execs, spawn, logging.NewNopLogger())

	rm := planner.NewStaticResourceManager("node-0", []planner.DeviceCapability{
		{Device: npuDevice(0), Available: true},
		{Device: npuDevice(1), Available: true},
	})
	deployer := NewDeployer(rm, map[string]NodeDeployer{"node-0": local}, logging.NewNopLogger())

	model := buildLinearModel(t)
	_, err := deployer.DeployModel(ctx, "sess2", model, nil, nil)
	assert.Error(t, err)

	_, ok := deployer.Session("sess2")
	assert.False(t, ok, "failed session should be dropped, not left half-deployed")
}
