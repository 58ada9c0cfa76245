// Package exchange implements the Exchange Route Engine (spec §4.2): it
// turns a FlowRoutePlan into a live ExchangeRoute of resolved endpoints and
// active gateway bindings, and supports online exception rerouting.
package exchange

import (
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
)

// EndpointType is the kind of runtime port an endpoint realizes (spec §3).
type EndpointType int

const (
	EndpointQueue EndpointType = iota
	EndpointExternalQueue
	EndpointRefQueue
	EndpointDummyQueue
	EndpointTag
	EndpointGroup
)

func (t EndpointType) String() string {
	switch t {
	case EndpointQueue:
		return "Queue"
	case EndpointExternalQueue:
		return "ExternalQueue"
	case EndpointRefQueue:
		return "RefQueue"
	case EndpointDummyQueue:
		return "DummyQueue"
	case EndpointTag:
		return "Tag"
	case EndpointGroup:
		return "Group"
	default:
		return "Unknown"
	}
}

// EndpointDesc is a single planned endpoint, indexed by its position in a
// FlowRoutePlan (spec §3).
type EndpointDesc struct {
	Index  int
	Type   EndpointType
	Name   string
	Device flowmodel.DeviceInfo

	// Queue-family attributes. Mode is computed during PreDeploy step a,
	// not supplied by the planner.
	Attr gwtransport.QueueAttr

	// RefIndex is meaningful for EndpointRefQueue: it must resolve to an
	// earlier Queue endpoint in the same plan (spec §3 invariant).
	RefIndex int

	// TagPeerDevice is meaningful for EndpointTag: the far side of the
	// cross-node pair this tag connects.
	TagPeerDevice flowmodel.DeviceInfo

	// GroupMembers is meaningful for EndpointGroup: indices of the member
	// endpoints (which must not themselves be Group endpoints).
	GroupMembers []int
}

// BindingDesc is a planned producer->consumer pair, referencing endpoint
// indices within the same FlowRoutePlan.
type BindingDesc struct {
	SrcIndex int
	DstIndex int
}

// FlowRoutePlan is the endpoint/binding graph realized on a single node
// (spec §3). BeforeLoad bindings must exist before submodel load; AfterLoad
// bindings are completed once executors report their queues up.
type FlowRoutePlan struct {
	NodeID      string
	Endpoints   []EndpointDesc
	BeforeLoad  []BindingDesc
	AfterLoad   []BindingDesc
}

// Endpoint returns the endpoint at idx, or false if out of range.
func (p *FlowRoutePlan) Endpoint(idx int) (EndpointDesc, bool) {
	if idx < 0 || idx >= len(p.Endpoints) {
		return EndpointDesc{}, false
	}
	return p.Endpoints[idx], true
}

// AllBindings returns BeforeLoad followed by AfterLoad.
func (p *FlowRoutePlan) AllBindings() []BindingDesc {
	out := make([]BindingDesc, 0, len(p.BeforeLoad)+len(p.AfterLoad))
	out = append(out, p.BeforeLoad...)
	out = append(out, p.AfterLoad...)
	return out
}

// Validate checks the plan-level invariants of spec §3 before PreDeploy
// resolves anything: RefQueue endpoints must reference an earlier Queue
// endpoint, and Group members must not themselves be Group endpoints.
func (p *FlowRoutePlan) Validate() error {
	for _, e := range p.Endpoints {
		switch e.Type {
		case EndpointRefQueue:
			if e.RefIndex < 0 || e.RefIndex >= e.Index {
				return invalidRefIndex(e)
			}
			ref, ok := p.Endpoint(e.RefIndex)
			if !ok || ref.Type != EndpointQueue {
				return invalidRefIndex(e)
			}
		case EndpointGroup:
			for _, m := range e.GroupMembers {
				member, ok := p.Endpoint(m)
				if !ok {
					return invalidGroupMember(e, m)
				}
				if member.Type == EndpointGroup {
					return invalidGroupMember(e, m)
				}
			}
		}
	}
	return nil
}
