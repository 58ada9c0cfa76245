package planner

import "github.com/sgl-project/ome-dflow/pkg/flowmodel"

// DeviceCapability describes one device in the fleet inventory a
// ResourceManager reports (spec §4.1's "device inventory with
// capabilities").
type DeviceCapability struct {
	Device       flowmodel.DeviceInfo
	SupportedEngines []flowmodel.EngineType
	Available    bool
}

// ResourceManager is the planner's collaborator for placement: it knows
// the local node id and the current device inventory, and commits
// allocations so that repeated planner runs do not double-book a device.
type ResourceManager interface {
	LocalNodeID() string
	Inventory() []DeviceCapability
	// Allocate reserves count devices capable of running engine, honoring
	// pinned as a hint (nil if none). Replicas are placed across distinct
	// device ids inside the same node when possible; ties break by lowest
	// DeviceInfo string form (spec §4.1 step 2).
	Allocate(engine flowmodel.EngineType, count int, pinned *flowmodel.DeviceInfo) ([]flowmodel.DeviceInfo, error)
}
