package exchange

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
)

// Engine is the Exchange Route Engine of spec §4.2: it realizes a
// FlowRoutePlan against a shared Gateway, in a PreDeploy/Deploy two-phase
// split, and supports Undeploy and online exception rerouting.
type Engine struct {
	gw     *gwtransport.Gateway
	logger logging.Interface
	metric *metrics.Metrics
}

// NewEngine constructs an Engine bound to gw.
func NewEngine(gw *gwtransport.Gateway, logger logging.Interface) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Engine{gw: gw, logger: logger}
}

// SetMetrics attaches m so every exception-driven route update is counted
// by node id. Optional; nil is a safe no-op.
func (e *Engine) SetMetrics(metric *metrics.Metrics) { e.metric = metric }

// PreDeploy is idempotent and may be called once before submodel load. It
// determines each endpoint's push/pull role, creates queues/tags/ref-queues/
// groups, and installs before-load bindings (spec §4.2).
func (e *Engine) PreDeploy(ctx context.Context, plan *FlowRoutePlan) (*Route, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	pushIndices := make(map[int]bool)
	for _, b := range plan.AllBindings() {
		pushIndices[b.SrcIndex] = true
	}

	route := newRoute(plan.NodeID)

	for _, desc := range plan.Endpoints {
		desc := desc
		if pushIndices[desc.Index] {
			desc.Attr.Mode = gwtransport.ModePush
		} else {
			desc.Attr.Mode = gwtransport.ModePull
		}

		resolved := &ResolvedEndpoint{EndpointDesc: desc}

		switch desc.Type {
		case EndpointQueue, EndpointDummyQueue:
			q, err := e.gw.CreateQueue(desc.Device, desc.Name, desc.Attr)
			if err != nil {
				return nil, errors.Wrapf(err, "exchange: create queue for endpoint %d", desc.Index)
			}
			resolved.PhysicalID = q.ID

		case EndpointExternalQueue:
			q, err := e.gw.LookupExternalQueue(desc.Device, desc.Name)
			if err != nil {
				return nil, errors.Wrapf(err, "exchange: resolve external queue for endpoint %d", desc.Index)
			}
			resolved.PhysicalID = q.ID

		case EndpointRefQueue:
			ref, ok := route.Endpoint(desc.RefIndex)
			if !ok {
				return nil, invalidRefIndex(desc)
			}
			resolved.PhysicalID = ref.PhysicalID

		case EndpointTag:
			tag, err := e.gw.CreateTag(desc.Device, desc.TagPeerDevice, desc.Attr.Depth)
			if err != nil {
				return nil, errors.Wrapf(err, "exchange: create tag for endpoint %d", desc.Index)
			}
			resolved.PhysicalID = tag.TagID

		case EndpointGroup:
			memberIDs, err := resolvedMemberIDs(route, desc.GroupMembers)
			if err != nil {
				return nil, err
			}
			if len(memberIDs) == 1 {
				// Single-instance group: elide the wrapper, resolve
				// straight to the member (spec §8 boundary behavior).
				resolved.PhysicalID = memberIDs[0]
			} else {
				grp, err := e.gw.CreateGroup(memberIDs)
				if err != nil {
					return nil, errors.Wrapf(err, "exchange: create group for endpoint %d", desc.Index)
				}
				resolved.PhysicalID = grp.ID
			}
		}

		route.endpoints[desc.Index] = resolved
	}

	for _, b := range plan.BeforeLoad {
		if err := e.bindPair(ctx, route, b); err != nil {
			return nil, err
		}
	}

	return route, nil
}

// Deploy installs after-load bindings once executors are loaded (spec
// §4.2).
func (e *Engine) Deploy(ctx context.Context, route *Route, plan *FlowRoutePlan) error {
	for _, b := range plan.AfterLoad {
		if err := e.bindPair(ctx, route, b); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) bindPair(ctx context.Context, route *Route, b BindingDesc) error {
	src, ok := route.Endpoint(b.SrcIndex)
	if !ok {
		return errors.Errorf("exchange: bind references unknown src endpoint %d", b.SrcIndex)
	}
	dst, ok := route.Endpoint(b.DstIndex)
	if !ok {
		return errors.Errorf("exchange: bind references unknown dst endpoint %d", b.DstIndex)
	}
	if src.Type == EndpointDummyQueue {
		// No runtime traffic flows over a dummy producer (spec §4.1 step 3).
		route.pairs[[2]int{b.SrcIndex, b.DstIndex}] = struct{}{}
		return nil
	}
	if err := e.gw.Bind(ctx, src.PhysicalID, dst.PhysicalID); err != nil {
		return errors.Wrapf(err, "exchange: bind endpoint %d -> %d", b.SrcIndex, b.DstIndex)
	}
	route.pairs[[2]int{b.SrcIndex, b.DstIndex}] = struct{}{}
	return nil
}

// Undeploy unbinds all pairs, destroys groups, and destroys queues created
// by this route. Tags are not destroyed; their hcom lifetime is managed
// separately (spec §4.2).
func (e *Engine) Undeploy(ctx context.Context, route *Route, plan *FlowRoutePlan) error {
	for _, pair := range route.Pairs() {
		src, _ := route.Endpoint(pair[0])
		dst, _ := route.Endpoint(pair[1])
		if src != nil && src.Type != EndpointDummyQueue && dst != nil {
			if err := e.gw.Unbind(src.PhysicalID, dst.PhysicalID); err != nil {
				e.logger.WithError(err).Warnf("exchange: unbind %d->%d failed during undeploy", pair[0], pair[1])
			}
		}
		delete(route.pairs, pair)
	}

	for _, ep := range route.endpoints {
		switch ep.Type {
		case EndpointGroup:
			if len(ep.GroupMembers) > 1 {
				if err := e.gw.DestroyGroup(ep.PhysicalID); err != nil {
					e.logger.WithError(err).Warnf("exchange: destroy group %d failed", ep.PhysicalID)
				}
			}
		case EndpointQueue, EndpointDummyQueue, EndpointRefQueue:
			if ep.Type == EndpointRefQueue {
				continue // shares the referent's physical queue; destroyed once
			}
			if err := e.gw.DestroyQueue(ep.PhysicalID); err != nil {
				e.logger.WithError(err).Warnf("exchange: destroy queue %d failed", ep.PhysicalID)
			}
		}
	}
	return nil
}

// UpdateExceptionRoutes implements the exception update of spec §4.2: given
// the current device health snapshot, it marks failed endpoints to-delete,
// drops pairs touching them, shrinks (rather than fully drops) groups with
// surviving members, and returns the set of pairs removed and the set of
// groups whose membership was rerouted.
func (e *Engine) UpdateExceptionRoutes(ctx context.Context, route *Route, devices flowmodel.DeviceStateList) (removed [][2]int, reroutedGroups []int, err error) {
	isFailed := func(d flowmodel.DeviceInfo) bool {
		healthy, known := devices[d]
		return known && !healthy
	}

	for idx, ep := range route.endpoints {
		switch ep.Type {
		case EndpointTag:
			if isFailed(ep.Device) || isFailed(ep.TagPeerDevice) {
				ep.ToDelete = true
			}
		case EndpointGroup:
			// Handled below once member liveness is known.
			_ = idx
		default:
			if isFailed(ep.Device) {
				ep.ToDelete = true
			}
		}
	}

	for idx, ep := range route.endpoints {
		if ep.Type != EndpointGroup {
			continue
		}
		var survivors []int
		for _, m := range ep.GroupMembers {
			member, ok := route.endpoints[m]
			if !ok || member.ToDelete {
				continue
			}
			survivors = append(survivors, m)
		}
		if len(survivors) == 0 {
			ep.ToDelete = true
			continue
		}
		if len(survivors) < len(ep.GroupMembers) {
			ep.GroupMembers = survivors
			memberIDs, mErr := resolvedMemberIDs(route, survivors)
			if mErr != nil {
				return nil, nil, mErr
			}
			if len(memberIDs) == 1 {
				ep.PhysicalID = memberIDs[0]
			} else if err2 := e.gw.UpdateGroupMembers(ep.PhysicalID, memberIDs); err2 != nil {
				return nil, nil, errors.Wrapf(err2, "exchange: reroute group endpoint %d", idx)
			}
			reroutedGroups = append(reroutedGroups, idx)
		}
	}

	for _, pair := range route.Pairs() {
		src, _ := route.Endpoint(pair[0])
		dst, _ := route.Endpoint(pair[1])
		if (src != nil && src.ToDelete) || (dst != nil && dst.ToDelete) {
			if src != nil && dst != nil && src.Type != EndpointDummyQueue {
				_ = e.gw.Unbind(src.PhysicalID, dst.PhysicalID)
			}
			delete(route.pairs, pair)
			removed = append(removed, pair)
		}
	}

	if e.metric != nil && (len(removed) > 0 || len(reroutedGroups) > 0) {
		e.metric.ExceptionReroutesTotal.WithLabelValues(route.NodeID).Inc()
	}

	return removed, reroutedGroups, nil
}

func resolvedMemberIDs(route *Route, members []int) ([]uint32, error) {
	ids := make([]uint32, 0, len(members))
	for _, m := range members {
		ep, ok := route.Endpoint(m)
		if !ok {
			return nil, errors.Errorf("exchange: group references unknown member endpoint %d", m)
		}
		ids = append(ids, ep.PhysicalID)
	}
	return ids, nil
}
