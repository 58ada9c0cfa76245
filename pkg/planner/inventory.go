package planner

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
)

// StaticResourceManager is a ResourceManager backed by a fixed device
// inventory, suitable for a single planning pass (tests, a deployer daemon
// seeded from a static cluster config). Allocation is first-fit over
// devices sorted by flowmodel.DeviceInfo's canonical order, so ties break
// by lowest DeviceInfo string form (spec §4.1 step 2); it marks allocated
// devices unavailable so a later submodel in the same plan does not double-
// book them.
type StaticResourceManager struct {
	localNodeID string
	devices     []DeviceCapability
}

// NewStaticResourceManager constructs a StaticResourceManager over a fixed
// snapshot of devices.
func NewStaticResourceManager(localNodeID string, devices []DeviceCapability) *StaticResourceManager {
	cp := append([]DeviceCapability(nil), devices...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Device.Less(cp[j].Device) })
	return &StaticResourceManager{localNodeID: localNodeID, devices: cp}
}

func deviceInfosOf(caps []DeviceCapability) []flowmodel.DeviceInfo {
	out := make([]flowmodel.DeviceInfo, len(caps))
	for i, c := range caps {
		out[i] = c.Device
	}
	return out
}

func (m *StaticResourceManager) LocalNodeID() string { return m.localNodeID }

func (m *StaticResourceManager) Inventory() []DeviceCapability {
	return append([]DeviceCapability(nil), m.devices...)
}

func supports(c DeviceCapability, engine flowmodel.EngineType) bool {
	if len(c.SupportedEngines) == 0 {
		return true
	}
	for _, e := range c.SupportedEngines {
		if e == engine {
			return true
		}
	}
	return false
}

// Allocate implements ResourceManager, per spec §4.1 step 2: pinned is
// honored first, then the remaining replicas take the first available
// distinct devices in lowest-DeviceInfo-string order (the inventory is kept
// pre-sorted), so one node's devices are used before the next node's.
func (m *StaticResourceManager) Allocate(engine flowmodel.EngineType, count int, pinned *flowmodel.DeviceInfo) ([]flowmodel.DeviceInfo, error) {
	var out []flowmodel.DeviceInfo

	if pinned != nil {
		for i := range m.devices {
			c := &m.devices[i]
			if c.Device == *pinned {
				if !c.Available || !supports(*c, engine) {
					return nil, errors.Errorf("planner: pinned device %s is unavailable or does not support engine %s", pinned, engine)
				}
				c.Available = false
				out = append(out, c.Device)
				break
			}
		}
		if len(out) == 0 {
			return nil, errors.Errorf("planner: pinned device %s not found in inventory", pinned)
		}
		count--
	}

	for i := range m.devices {
		if count <= 0 {
			break
		}
		c := &m.devices[i]
		if !c.Available || !supports(*c, engine) {
			continue
		}
		c.Available = false
		out = append(out, c.Device)
		count--
	}

	if count > 0 {
		return nil, errors.Errorf("planner: insufficient devices for engine %s: need %d more", engine, count)
	}
	return out, nil
}

// Release returns devices to the available pool, used when an Allocate call
// must be rolled back on a later planner failure (spec §4.1 "Failure
// semantics": any endpoint-building failure aborts the whole DeployPlan).
func (m *StaticResourceManager) Release(devices []flowmodel.DeviceInfo) {
	for i := range m.devices {
		for _, d := range devices {
			if m.devices[i].Device == d {
				m.devices[i].Available = true
			}
		}
	}
}
