package exchange

import (
	"fmt"
	"sort"

	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
)

// ResolvedEndpoint is the realized form of an EndpointDesc: every field that
// PreDeploy determined (role, physical id) is now fixed.
type ResolvedEndpoint struct {
	EndpointDesc
	PhysicalID uint32 // queue id, tag id, or group id depending on Type
	ToDelete   bool   // marked by UpdateExceptionRoutes, spec §4.2 exception update
}

// Route is the realized FlowRoutePlan: spec §3's ExchangeRoute. It is owned
// by the session's DeployContext and destroyed at undeploy.
type Route struct {
	NodeID    string
	endpoints map[int]*ResolvedEndpoint
	pairs     map[[2]int]struct{} // materialized (src, dst) index pairs still active
}

func newRoute(nodeID string) *Route {
	return &Route{
		NodeID:    nodeID,
		endpoints: make(map[int]*ResolvedEndpoint),
		pairs:     make(map[[2]int]struct{}),
	}
}

// Endpoint returns the resolved endpoint at idx.
func (r *Route) Endpoint(idx int) (*ResolvedEndpoint, bool) {
	e, ok := r.endpoints[idx]
	return e, ok
}

// Pairs returns the currently active (src, dst) index pairs, sorted for
// deterministic iteration.
func (r *Route) Pairs() [][2]int {
	out := make([][2]int, 0, len(r.pairs))
	for p := range r.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// GetQueueId returns the physical queue id for a Queue/RefQueue/DummyQueue
// endpoint, mirroring ExchangeRoute::GetQueueId in the original source.
func (r *Route) GetQueueId(index int) (uint32, error) {
	e, ok := r.endpoints[index]
	if !ok {
		return 0, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("unknown endpoint index %d", index))
	}
	if e.Type != EndpointQueue && e.Type != EndpointRefQueue && e.Type != EndpointDummyQueue {
		return 0, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("endpoint %d is not a queue-family type (%s)", index, e.Type))
	}
	return e.PhysicalID, nil
}

// GetQueueIds resolves a batch of endpoint indices.
func (r *Route) GetQueueIds(indices []int) ([]uint32, error) {
	out := make([]uint32, 0, len(indices))
	for _, idx := range indices {
		id, err := r.GetQueueId(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// AllQueueIds returns every Queue/RefQueue physical id in the route.
func (r *Route) AllQueueIds() []uint32 {
	var out []uint32
	for _, e := range r.endpoints {
		if e.Type == EndpointQueue || e.Type == EndpointRefQueue {
			out = append(out, e.PhysicalID)
		}
	}
	return out
}

// GetFusionOffset returns the fusion offset recorded for a queue-family
// endpoint.
func (r *Route) GetFusionOffset(index int) (int32, error) {
	e, ok := r.endpoints[index]
	if !ok {
		return 0, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("unknown endpoint index %d", index))
	}
	return e.Attr.FusionOffset, nil
}

// GetFusionOffsets resolves a batch of fusion offsets.
func (r *Route) GetFusionOffsets(indices []int) ([]int32, error) {
	out := make([]int32, 0, len(indices))
	for _, idx := range indices {
		off, err := r.GetFusionOffset(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, off)
	}
	return out, nil
}

// IsProxyQueue reports whether index names a Queue endpoint not on a CPU
// device: such queues need proxy-process wiring (supplemented from
// original_source's ExchangeRoute::IsProxyQueue).
func (r *Route) IsProxyQueue(index int) bool {
	e, ok := r.endpoints[index]
	if !ok {
		return false
	}
	return e.Type == EndpointQueue && e.Device.DeviceType != "CPU"
}

// GroupMemberCount returns the live member count of a Group endpoint,
// reflecting any UpdateExceptionRoutes reduction (spec scenario S2).
func (r *Route) GroupMemberCount(index int) (int, error) {
	e, ok := r.endpoints[index]
	if !ok {
		return 0, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("unknown endpoint index %d", index))
	}
	if e.Type != EndpointGroup {
		return 0, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("endpoint %d is not a Group", index))
	}
	return len(e.GroupMembers), nil
}

// GroupMemberPhysicalIDs resolves the physical ids of a Group endpoint's
// current members, in order, used to populate a DynamicSchedIndex's
// candidate route list (spec §3).
func (r *Route) GroupMemberPhysicalIDs(index int) ([]uint32, error) {
	e, ok := r.endpoints[index]
	if !ok {
		return nil, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("unknown endpoint index %d", index))
	}
	if e.Type != EndpointGroup {
		return nil, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("endpoint %d is not a Group", index))
	}
	out := make([]uint32, 0, len(e.GroupMembers))
	for _, m := range e.GroupMembers {
		member, ok := r.endpoints[m]
		if !ok {
			return nil, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("group %d references unknown member %d", index, m))
		}
		out = append(out, member.PhysicalID)
	}
	return out, nil
}

// GroupMemberEndpointIndices resolves a Group endpoint's current members to
// their own endpoint indices within this Route, in order. Unlike
// GroupMemberPhysicalIDs (which returns gateway-wide physical queue ids for
// spec §3's DynamicSchedIndex candidate list), this stays in the endpoint
// index space GetQueueId/GetFusionOffset expect, which is what a local
// ModelExecutor's DstGroupInfo needs to call Depth(groupEntryIndex) on its
// own deployed Route.
func (r *Route) GroupMemberEndpointIndices(index int) ([]int, error) {
	e, ok := r.endpoints[index]
	if !ok {
		return nil, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("unknown endpoint index %d", index))
	}
	if e.Type != EndpointGroup {
		return nil, dflowerr.New(dflowerr.CodeParamInvalid, fmt.Sprintf("endpoint %d is not a Group", index))
	}
	out := make([]int, len(e.GroupMembers))
	copy(out, e.GroupMembers)
	return out, nil
}

func devicesOf(r *Route, idx int) (flowmodel.DeviceInfo, bool) {
	e, ok := r.endpoints[idx]
	if !ok {
		return flowmodel.DeviceInfo{}, false
	}
	return e.Device, true
}
