// Package flowmodel defines the directed-graph data model that the rest of
// the deployment and exchange runtime operates on: flow models, submodels,
// device identity, and the executor identity derived from a placement.
package flowmodel

import (
	"fmt"
	"sort"
	"strings"
)

// EngineType is the execution engine a submodel is compiled for.
type EngineType int

const (
	// EngineNPU is the default engine unless a submodel opts into host
	// execution via HostExecFlag.
	EngineNPU EngineType = iota
	EngineCPU
	EngineUDF
)

func (e EngineType) String() string {
	switch e {
	case EngineCPU:
		return "CPU"
	case EngineUDF:
		return "UDF"
	default:
		return "NPU"
	}
}

// EngineFor resolves the declared model_type/HostExecFlag pair to an engine,
// per spec §4.1 step 1: default NPU unless HostExecFlag is set.
func EngineFor(modelType string, hostExecFlag bool) EngineType {
	switch strings.ToUpper(modelType) {
	case "UDF":
		return EngineUDF
	case "CPU":
		return EngineCPU
	case "NPU":
		return EngineNPU
	}
	if hostExecFlag {
		return EngineCPU
	}
	return EngineNPU
}

// LoadMode controls whether a submodel is loaded once (Static) or may be
// reloaded/rerouted at runtime (Dynamic).
type LoadMode int

const (
	LoadStatic LoadMode = iota
	LoadDynamic
)

// DeviceInfo identifies a single device: its kind, the node that hosts it,
// and a device id unique within that node. It is totally ordered by its
// lexicographic string form so placement ties break deterministically.
type DeviceInfo struct {
	DeviceType string
	NodeID     string
	DeviceID   int32
}

// String renders the canonical, order-preserving form "type:node:-----id".
// The device id is zero-padded so that string order matches numeric order.
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s:%s:%010d", d.DeviceType, d.NodeID, d.DeviceID)
}

// Less implements the total order used for tie-breaking during placement.
func (d DeviceInfo) Less(o DeviceInfo) bool { return d.String() < o.String() }

// IsZero reports whether d is the zero-value DeviceInfo (unassigned).
func (d DeviceInfo) IsZero() bool {
	return d.DeviceType == "" && d.NodeID == "" && d.DeviceID == 0
}

// SortDeviceInfos sorts a slice of DeviceInfo in place using the canonical order.
func SortDeviceInfos(devices []DeviceInfo) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].Less(devices[j]) })
}

// Port is a single named, typed input or output of a submodel.
type Port struct {
	Name string `validate:"required"`
	Type string
}

// Submodel is an engine-typed executable unit in a FlowModel.
type Submodel struct {
	Name         string `validate:"required"`
	Engine       EngineType
	ModelType    string `validate:"omitempty,oneof=NPU CPU UDF"`
	HostExecFlag bool

	Inputs  []Port `validate:"dive"`
	Outputs []Port `validate:"dive"`

	Replicas int `validate:"gte=0"`
	LoadMode LoadMode

	// ScopeTag namespaces this submodel's exception routing (§3, §7 scope).
	ScopeTag string

	// ProxyControlled means the submodel's control plane lives in a proxy
	// process while its tensors live on device.
	ProxyControlled bool

	// IsDummySource marks a host-side "Data" producer that supplies
	// control-only data: its consumer's Queue is created but carries no
	// runtime traffic (spec §4.1 step 3).
	IsDummySource bool

	// PinnedDevice is a user hint; nil means "let the planner choose".
	PinnedDevice *DeviceInfo

	Attrs map[string]string
}

func (s *Submodel) attr(key string) (string, bool) {
	if s.Attrs == nil {
		return "", false
	}
	v, ok := s.Attrs[key]
	return v, ok
}

// Edge is a producer-port -> consumer-port binding in the model relation
// graph. SrcSubmodel == "" denotes an external/dummy producer (e.g. a
// host-side Data feed with no submodel behind it).
type Edge struct {
	SrcSubmodel string
	SrcPort     string
	DstSubmodel string
	DstPort     string
}

// SchedMeta carries optional per-submodel scheduling metadata.
type SchedMeta struct {
	Priority int
	Engine   EngineType
}

// ProcessMode is how an executor identity is hosted.
type ProcessMode int

const (
	ProcessModeThread ProcessMode = iota
	ProcessModeProcess
)

func (m ProcessMode) String() string {
	if m == ProcessModeThread {
		return "thread"
	}
	return "process"
}

// ExecutorKey is the identity of an executor process, per spec §3.
type ExecutorKey struct {
	DeviceID    int32
	DeviceType  string
	ContextID   string
	EngineName  string
	RankID      int32
	ProcessID   int32
	ProcessMode ProcessMode
	IsProxy     bool
}

// String renders the canonical form used for ordering and map keys. The UDF
// engine ignores rank and process id, per spec §3, so two UDF keys that
// differ only there compare equal.
func (k ExecutorKey) String() string {
	if strings.EqualFold(k.EngineName, "UDF") {
		return fmt.Sprintf("%s:%d:%s:%s:proxy=%t", k.DeviceType, k.DeviceID, k.ContextID, k.EngineName, k.IsProxy)
	}
	return fmt.Sprintf("%s:%d:%s:%s:%d:%d:%s:proxy=%t",
		k.DeviceType, k.DeviceID, k.ContextID, k.EngineName, k.RankID, k.ProcessID, k.ProcessMode, k.IsProxy)
}

// Less implements the lexicographic order over the canonical string form.
func (k ExecutorKey) Less(o ExecutorKey) bool { return k.String() < o.String() }

// DeviceStateList is the fleet health snapshot: DeviceInfo -> healthy?.
type DeviceStateList map[DeviceInfo]bool

// Abnormal returns the devices marked unhealthy.
func (d DeviceStateList) Abnormal() []DeviceInfo {
	var out []DeviceInfo
	for dev, healthy := range d {
		if !healthy {
			out = append(out, dev)
		}
	}
	SortDeviceInfos(out)
	return out
}
