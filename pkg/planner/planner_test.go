package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
)

func devices(n int, nodeID string) []DeviceCapability {
	out := make([]DeviceCapability, n)
	for i := 0; i < n; i++ {
		out[i] = DeviceCapability{
			Device:    flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: nodeID, DeviceID: int32(i)},
			Available: true,
		}
	}
	return out
}

// buildLinearModel mirrors engine_test.go's S1 scenario: data -> PC1 -> PC2.
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

func TestPlan_SingleNodeLinearModel(t *testing.T) {
	m := buildLinearModel(t)
	rm := NewStaticResourceManager("node-0", devices(2, "node-0"))

	result, err := Plan(m, rm)
	require.NoError(t, err)

	assert.Len(t, result.Plan.Assignment["pc1"], 1)
	assert.Len(t, result.Plan.Assignment["pc2"], 1)
	assert.Len(t, result.NodePlans, 1, "both submodels share node-0")

	nodePlan := result.NodePlans["node-0"]
	require.NoError(t, nodePlan.Validate())
	assert.Len(t, nodePlan.BeforeLoad, 2, "dummy->pc1.in and pc1.out->pc2.in")
}

func TestPlan_CrossNodeEdgeUsesExternalQueue(t *testing.T) {
	m := flowmodel.New("cross")
	require.NoError(t, m.AddSubmodel(&flowmodel.Submodel{
		Name: "producer", Replicas: 1, Outputs: []flowmodel.Port{{Name: "out"}},
		PinnedDevice: &flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: "node-a", DeviceID: 0},
	}))
	require.NoError(t, m.AddSubmodel(&flowmodel.Submodel{
		Name: "consumer", Replicas: 1, Inputs: []flowmodel.Port{{Name: "in"}},
		PinnedDevice: &flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: "node-b", DeviceID: 0},
	}))
	require.NoError(t, m.AddEdge(flowmodel.Edge{SrcSubmodel: "producer", SrcPort: "out", DstSubmodel: "consumer", DstPort: "in"}))
	require.NoError(t, m.Compile())

	inv := append(devices(1, "node-a"), devices(1, "node-b")...)
	rm := NewStaticResourceManager("node-a", inv)

	result, err := Plan(m, rm)
	require.NoError(t, err)
	require.Len(t, result.NodePlans, 2)

	consumerPlan := result.NodePlans["node-b"]
	require.NoError(t, consumerPlan.Validate())

	var sawExternal bool
	for _, ep := range consumerPlan.Endpoints {
		if ep.Type == exchange.EndpointExternalQueue {
			sawExternal = true
			assert.Equal(t, "node-a", ep.Device.NodeID)
		}
	}
	assert.True(t, sawExternal, "cross-node producer reference should be an ExternalQueue endpoint")
}

func TestPlan_MultiReplicaFanInEmitsGroup(t *testing.T) {
	m := flowmodel.New("fanin")
	require.NoError(t, m.AddSubmodel(&flowmodel.Submodel{
		Name: "pc1", Replicas: 2, Outputs: []flowmodel.Port{{Name: "out"}},
	}))
	require.NoError(t, m.AddSubmodel(&flowmodel.Submodel{
		Name: "pc2", Replicas: 1, Inputs: []flowmodel.Port{{Name: "in"}},
	}))
	require.NoError(t, m.AddEdge(flowmodel.Edge{SrcSubmodel: "pc1", SrcPort: "out", DstSubmodel: "pc2", DstPort: "in"}))
	require.NoError(t, m.Compile())

	rm := NewStaticResourceManager("node-0", devices(3, "node-0"))
	result, err := Plan(m, rm)
	require.NoError(t, err)

	plan := result.NodePlans["node-0"]
	require.NoError(t, plan.Validate())

	var sawGroup bool
	for _, ep := range plan.Endpoints {
		if ep.Type == exchange.EndpointGroup {
			sawGroup = true
			assert.Len(t, ep.GroupMembers, 2)
		}
	}
	assert.True(t, sawGroup)
}

func TestStaticResourceManager_PinnedDeviceHonored(t *testing.T) {
	inv := devices(2, "node-0")
	rm := NewStaticResourceManager("node-0", inv)

	pinned := flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: "node-0", DeviceID: 1}
	got, err := rm.Allocate(flowmodel.EngineNPU, 1, &pinned)
	require.NoError(t, err)
	assert.Equal(t, []flowmodel.DeviceInfo{pinned}, got)
}

func TestStaticResourceManager_InsufficientDevicesErrors(t *testing.T) {
	rm := NewStaticResourceManager("node-0", devices(1, "node-0"))
	_, err := rm.Allocate(flowmodel.EngineNPU, 2, nil)
	assert.Error(t, err)
}
