// Package config holds the deployer/executor daemon configuration
// structs (internal/config per SPEC_FULL.md's AMBIENT STACK section) and
// the JSON manifest DTOs that translate an operator-authored flow-model
// and resource inventory into the in-memory flowmodel.FlowModel and
// planner.DeviceCapability types those daemons drive.
package config

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/planner"
)

var dtoValidate = validator.New()

// PortManifest is one declared input/output port of a SubmodelManifest.
type PortManifest struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type"`
}

// SubmodelManifest is the JSON shape an operator writes for one submodel in
// a flow-model file. It mirrors flowmodel.Submodel's fields that are safe
// to author externally, ScopeTag included; the remaining fields
// (PinnedDevice, Attrs, IsDummySource, ProxyControlled) are left to defaults.
type SubmodelManifest struct {
	Name         string         `json:"name" validate:"required"`
	ModelType    string         `json:"model_type" validate:"omitempty,oneof=NPU CPU UDF"`
	HostExecFlag bool           `json:"host_exec_flag"`
	Inputs       []PortManifest `json:"inputs" validate:"dive"`
	Outputs      []PortManifest `json:"outputs" validate:"dive"`
	Replicas     int            `json:"replicas" validate:"gte=0"`
	Dynamic      bool           `json:"dynamic"`
	ScopeTag     string         `json:"scope_tag"`
}

// EdgeManifest is one producer-port -> consumer-port binding. An empty
// SrcSubmodel denotes an external/dummy producer, per flowmodel.Edge.
type EdgeManifest struct {
	SrcSubmodel string `json:"src_submodel"`
	SrcPort     string `json:"src_port" validate:"required"`
	DstSubmodel string `json:"dst_submodel" validate:"required"`
	DstPort     string `json:"dst_port" validate:"required"`
}

// FlowModelManifest is the top-level JSON document describing a flow
// model: its name, submodels, and relation-graph edges.
type FlowModelManifest struct {
	Name      string             `json:"name" validate:"required"`
	Submodels []SubmodelManifest `json:"submodels" validate:"required,dive"`
	Edges     []EdgeManifest     `json:"edges" validate:"dive"`
}

// ParseFlowModelManifest decodes and validates data as a FlowModelManifest.
func ParseFlowModelManifest(data []byte) (*FlowModelManifest, error) {
	var m FlowModelManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "config: decode flow model manifest")
	}
	if err := dtoValidate.Struct(&m); err != nil {
		return nil, errors.Wrap(err, "config: flow model manifest failed validation")
	}
	return &m, nil
}

// ToFlowModel builds a flowmodel.FlowModel from the manifest. The caller
// still owns calling Compile (planner.Plan does this itself if needed).
func (m *FlowModelManifest) ToFlowModel() (*flowmodel.FlowModel, error) {
	fm := flowmodel.New(m.Name)
	for _, sm := range m.Submodels {
		loadMode := flowmodel.LoadStatic
		if sm.Dynamic {
			loadMode = flowmodel.LoadDynamic
		}
		submodel := &flowmodel.Submodel{
			Name:         sm.Name,
			Engine:       flowmodel.EngineFor(sm.ModelType, sm.HostExecFlag),
			ModelType:    sm.ModelType,
			HostExecFlag: sm.HostExecFlag,
			Inputs:       portsOf(sm.Inputs),
			Outputs:      portsOf(sm.Outputs),
			Replicas:     sm.Replicas,
			LoadMode:     loadMode,
			ScopeTag:     sm.ScopeTag,
		}
		if err := fm.AddSubmodel(submodel); err != nil {
			return nil, errors.Wrapf(err, "config: submodel %q", sm.Name)
		}
	}
	for _, e := range m.Edges {
		if err := fm.AddEdge(flowmodel.Edge{
			SrcSubmodel: e.SrcSubmodel,
			SrcPort:     e.SrcPort,
			DstSubmodel: e.DstSubmodel,
			DstPort:     e.DstPort,
		}); err != nil {
			return nil, errors.Wrap(err, "config: edge")
		}
	}
	return fm, nil
}

func portsOf(ports []PortManifest) []flowmodel.Port {
	out := make([]flowmodel.Port, len(ports))
	for i, p := range ports {
		out[i] = flowmodel.Port{Name: p.Name, Type: p.Type}
	}
	return out
}

// DeviceManifest is one device entry of a ResourceInventoryManifest.
// Available defaults to true when omitted; set it to false explicitly to
// list a device as present but currently down.
type DeviceManifest struct {
	DeviceType string `json:"device_type" validate:"required"`
	NodeID     string `json:"node_id" validate:"required"`
	DeviceID   int32  `json:"device_id"`
	Available  *bool  `json:"available"`
}

// ResourceInventoryManifest is the static device fleet a deployer daemon
// is seeded with (spec §4.1's "device inventory with capabilities"),
// authored as JSON since this port has no live cluster-discovery source.
type ResourceInventoryManifest struct {
	Devices []DeviceManifest `json:"devices" validate:"required,dive"`
}

// ParseResourceInventoryManifest decodes and validates data as a
// ResourceInventoryManifest.
func ParseResourceInventoryManifest(data []byte) (*ResourceInventoryManifest, error) {
	var m ResourceInventoryManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "config: decode resource inventory manifest")
	}
	if err := dtoValidate.Struct(&m); err != nil {
		return nil, errors.Wrap(err, "config: resource inventory manifest failed validation")
	}
	return &m, nil
}

// ToDeviceCapabilities converts the manifest to planner.DeviceCapability
// values, defaulting Available to true when the manifest omits it.
func (m *ResourceInventoryManifest) ToDeviceCapabilities() []planner.DeviceCapability {
	out := make([]planner.DeviceCapability, len(m.Devices))
	for i, d := range m.Devices {
		available := true
		if d.Available != nil {
			available = *d.Available
		}
		out[i] = planner.DeviceCapability{
			Device: flowmodel.DeviceInfo{
				DeviceType: d.DeviceType,
				NodeID:     d.NodeID,
				DeviceID:   d.DeviceID,
			},
			Available: available,
		}
	}
	return out
}
