package planner

import (
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
)

// DynamicSchedIndex is one dynamic-sched routing entry of spec §3: for a
// logical-group input/output port on a dynamic submodel, the candidate
// physical routes and the preferred subset.
type DynamicSchedIndex struct {
	Submodel     string
	Port         string
	Routes       []uint32 // candidate physical queue/group ids, in preference order
	PreferredLen int       // DstGroupInfo.group_size: routes[0:PreferredLen] are preferred
}

// DeployPlan is the Deployment Planner's output (spec §3).
type DeployPlan struct {
	// Assignment maps a submodel name to its placed device(s), one per
	// replica, in replica-index order.
	Assignment map[string][]flowmodel.DeviceInfo

	// PerDeviceSubmodels lists, for each device, the submodels placed on
	// it (by name; a submodel with N replicas appears on N devices).
	PerDeviceSubmodels map[flowmodel.DeviceInfo][]string

	DynamicSchedIndexes []DynamicSchedIndex
}

// Nodes returns the set of node ids present in the plan's device
// assignments (spec §8 invariant 1: this must equal the union of nodes in
// the per-node FlowRoutePlans).
func (p *DeployPlan) Nodes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, devices := range p.Assignment {
		for _, d := range devices {
			if !seen[d.NodeID] {
				seen[d.NodeID] = true
				out = append(out, d.NodeID)
			}
		}
	}
	return out
}
