package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFlowModel = `{
	"name": "s1",
	"submodels": [
		{"name": "pc1", "model_type": "NPU", "replicas": 1, "inputs": [{"name": "in"}], "outputs": [{"name": "out"}]},
		{"name": "pc2", "model_type": "NPU", "replicas": 1, "inputs": [{"name": "in"}]}
	],
	"edges": [
		{"src_submodel": "", "src_port": "data", "dst_submodel": "pc1", "dst_port": "in"},
		{"src_submodel": "pc1", "src_port": "out", "dst_submodel": "pc2", "dst_port": "in"}
	]
}`

func TestParseFlowModelManifest_BuildsCompilableFlowModel(t *testing.T) {
	manifest, err := ParseFlowModelManifest([]byte(sampleFlowModel))
	require.NoError(t, err)

	fm, err := manifest.ToFlowModel()
	require.NoError(t, err)
	require.NoError(t, fm.Compile())

	pc1, ok := fm.Submodel("pc1")
	require.True(t, ok)
	assert.Equal(t, 1, pc1.Replicas)
}

func TestParseFlowModelManifest_RejectsUnknownModelType(t *testing.T) {
	bad := `{"name": "s1", "submodels": [{"name": "pc1", "model_type": "GPU", "replicas": 1}]}`
	_, err := ParseFlowModelManifest([]byte(bad))
	require.Error(t, err)
}

func TestParseFlowModelManifest_RejectsMissingSubmodelName(t *testing.T) {
	bad := `{"name": "s1", "submodels": [{"replicas": 1}]}`
	_, err := ParseFlowModelManifest([]byte(bad))
	require.Error(t, err)
}

const sampleInventory = `{
	"devices": [
		{"device_type": "NPU", "node_id": "node-0", "device_id": 0},
		{"device_type": "NPU", "node_id": "node-0", "device_id": 1, "available": false}
	]
}`

func TestParseResourceInventoryManifest_DefaultsAvailableTrue(t *testing.T) {
	manifest, err := ParseResourceInventoryManifest([]byte(sampleInventory))
	require.NoError(t, err)

	caps := manifest.ToDeviceCapabilities()
	require.Len(t, caps, 2)
	assert.True(t, caps[0].Available)
	assert.False(t, caps[1].Available)
}

func TestParseResourceInventoryManifest_RejectsMissingNodeID(t *testing.T) {
	bad := `{"devices": [{"device_type": "NPU"}]}`
	_, err := ParseResourceInventoryManifest([]byte(bad))
	require.Error(t, err)
}
