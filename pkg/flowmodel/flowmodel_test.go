package flowmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceInfo_Ordering(t *testing.T) {
	a := DeviceInfo{DeviceType: "NPU", NodeID: "node-0", DeviceID: 1}
	b := DeviceInfo{DeviceType: "NPU", NodeID: "node-0", DeviceID: 2}
	c := DeviceInfo{DeviceType: "NPU", NodeID: "node-1", DeviceID: 0}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, b.Less(a))

	devices := []DeviceInfo{c, b, a}
	SortDeviceInfos(devices)
	assert.Equal(t, []DeviceInfo{a, b, c}, devices)
}

func TestEngineFor(t *testing.T) {
	tests := []struct {
		name         string
		modelType    string
		hostExecFlag bool
		want         EngineType
	}{
		{"explicit NPU", "NPU", false, EngineNPU},
		{"explicit CPU", "CPU", false, EngineCPU},
		{"explicit UDF", "udf", false, EngineUDF},
		{"default without host flag", "", false, EngineNPU},
		{"default with host flag", "", true, EngineCPU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EngineFor(tt.modelType, tt.hostExecFlag))
		})
	}
}

func TestExecutorKey_UDFIgnoresRankAndProcess(t *testing.T) {
	base := ExecutorKey{DeviceID: 0, DeviceType: "NPU", ContextID: "ctx", EngineName: "UDF"}
	withRank := base
	withRank.RankID = 3
	withRank.ProcessID = 99

	assert.Equal(t, base.String(), withRank.String())

	cpuKey := ExecutorKey{DeviceID: 0, DeviceType: "CPU", ContextID: "ctx", EngineName: "model_a", RankID: 1}
	cpuKey2 := cpuKey
	cpuKey2.RankID = 2
	assert.NotEqual(t, cpuKey.String(), cpuKey2.String())
}

func TestFlowModel_CompileValidatesPortCoverage(t *testing.T) {
	m := New("simple")
	require.NoError(t, m.AddSubmodel(&Submodel{
		Name:    "PC1",
		Outputs: []Port{{Name: "out0", Type: "tensor"}},
	}))
	require.NoError(t, m.AddSubmodel(&Submodel{
		Name:   "PC2",
		Inputs: []Port{{Name: "in0", Type: "tensor"}},
	}))

	require.NoError(t, m.AddEdge(Edge{SrcSubmodel: "PC1", SrcPort: "out0", DstSubmodel: "PC2", DstPort: "in0"}))
	require.NoError(t, m.Compile())
	assert.True(t, m.IsCompiled())
}

func TestFlowModel_CompileRejectsUncoveredPort(t *testing.T) {
	m := New("broken")
	require.NoError(t, m.AddSubmodel(&Submodel{
		Name:    "PC1",
		Outputs: []Port{{Name: "out0", Type: "tensor"}, {Name: "out1", Type: "tensor"}},
	}))
	require.NoError(t, m.AddSubmodel(&Submodel{
		Name:   "PC2",
		Inputs: []Port{{Name: "in0", Type: "tensor"}},
	}))
	require.NoError(t, m.AddEdge(Edge{SrcSubmodel: "PC1", SrcPort: "out0", DstSubmodel: "PC2", DstPort: "in0"}))

	err := m.Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out1")
}

func TestFlowModel_DummySourceHasNoProducerSubmodel(t *testing.T) {
	m := New("with-dummy")
	require.NoError(t, m.AddSubmodel(&Submodel{
		Name:          "Data",
		IsDummySource: true,
	}))
	require.NoError(t, m.AddSubmodel(&Submodel{
		Name:   "PC1",
		Inputs: []Port{{Name: "in0", Type: "tensor"}},
	}))
	require.NoError(t, m.AddEdge(Edge{SrcSubmodel: "", SrcPort: "", DstSubmodel: "PC1", DstPort: "in0"}))
	require.NoError(t, m.Compile())
}

func TestFlowModel_DuplicateSubmodelNameRejected(t *testing.T) {
	m := New("dup")
	require.NoError(t, m.AddSubmodel(&Submodel{Name: "A"}))
	err := m.AddSubmodel(&Submodel{Name: "A"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
