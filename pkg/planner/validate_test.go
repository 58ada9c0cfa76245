package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
)

func TestPlan_RejectsSubmodelWithUnknownModelType(t *testing.T) {
	m := flowmodel.New("bad")
	require.NoError(t, m.AddSubmodel(&flowmodel.Submodel{
		Name: "pc1", Replicas: 1, ModelType: "GPU",
	}))
	require.NoError(t, m.Compile())

	rm := NewStaticResourceManager("node-0", devices(1, "node-0"))
	_, err := Plan(m, rm)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pc1")
}

func TestPlan_RejectsSubmodelWithNegativeReplicas(t *testing.T) {
	m := flowmodel.New("bad")
	require.NoError(t, m.AddSubmodel(&flowmodel.Submodel{
		Name: "pc1", Replicas: -1,
	}))
	require.NoError(t, m.Compile())

	rm := NewStaticResourceManager("node-0", devices(1, "node-0"))
	_, err := Plan(m, rm)
	require.Error(t, err)
}

func TestValidatePlanShape_DetectsAssignmentWithoutPerDeviceEntry(t *testing.T) {
	dev := flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: "node-0", DeviceID: 0}
	plan := &DeployPlan{
		Assignment:         map[string][]flowmodel.DeviceInfo{"pc1": {dev}},
		PerDeviceSubmodels: map[flowmodel.DeviceInfo][]string{},
	}
	err := validatePlanShape(plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node-0")
}

func TestValidatePlanShape_AcceptsConsistentPlan(t *testing.T) {
	dev := flowmodel.DeviceInfo{DeviceType: "NPU", NodeID: "node-0", DeviceID: 0}
	plan := &DeployPlan{
		Assignment:         map[string][]flowmodel.DeviceInfo{"pc1": {dev}},
		PerDeviceSubmodels: map[flowmodel.DeviceInfo][]string{dev: {"pc1"}},
	}
	require.NoError(t, validatePlanShape(plan))
}
