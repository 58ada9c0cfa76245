// Package planner implements the Deployment Planner/Router of spec §4.1:
// it resolves a compiled flowmodel.FlowModel to concrete device placements
// and a DeployPlan, and partitions the endpoint/binding graph into one
// exchange.FlowRoutePlan per node.
//
// Cross-node edges are realized as exchange.EndpointExternalQueue
// references resolved by name against the producer's device, rather than
// exchange.EndpointTag hcom pairs: the hcom transport itself is explicitly
// out of scope (spec §1), and ExternalQueue name-registry lookup is the
// mechanism spec §4.2b already describes and this module already wires
// end-to-end through a single shared gwtransport.Gateway. This is recorded
// as an Open Question decision in DESIGN.md.
package planner

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
)

// DefaultQueueDepth is used for every Queue endpoint the planner emits,
// absent a more specific per-submodel override.
const DefaultQueueDepth = 16

// DynamicSchedCandidate is a planner-time placeholder for a
// DynamicSchedIndex entry (spec §3): it names the logical group endpoint
// before PreDeploy has resolved physical ids. Call Resolve once every
// plan's Route exists to get the final DynamicSchedIndex.
type DynamicSchedCandidate struct {
	Submodel     string
	Port         string
	NodeID       string
	EndpointIdx  int
	PreferredLen int
}

// Resolve turns a candidate into a DynamicSchedIndex once route, the
// candidate's node's ExchangeRoute, has been through PreDeploy.
func (c DynamicSchedCandidate) Resolve(route *exchange.Route) (DynamicSchedIndex, error) {
	ids, err := route.GroupMemberPhysicalIDs(c.EndpointIdx)
	if err != nil {
		return DynamicSchedIndex{}, errors.Wrapf(err, "planner: resolve dynamic-sched candidate %s.%s", c.Submodel, c.Port)
	}
	return DynamicSchedIndex{Submodel: c.Submodel, Port: c.Port, Routes: ids, PreferredLen: c.PreferredLen}, nil
}

// Result is the planner's full output: the DeployPlan, one
// exchange.FlowRoutePlan per node, and the unresolved dynamic-sched
// candidates to finalize once every node's PreDeploy has run.
type Result struct {
	Plan                *DeployPlan
	NodePlans           map[string]*exchange.FlowRoutePlan
	SchedCandidates     []DynamicSchedCandidate
}

type builder struct {
	nodePlans map[string]*exchange.FlowRoutePlan
	// producerIndex maps a submodel/port/device key to its Queue endpoint's
	// index within that device's node plan.
	producerIndex map[string]int
	// externalIndex caches ExternalQueue endpoints created to reference a
	// remote producer queue by name, keyed by (consumerNodeID, producerKey).
	externalIndex map[string]int
	// consumerIndex caches the single input Queue endpoint created per
	// (submodel, port, device) on the consumer side.
	consumerIndex map[string]int
}

func newBuilder() *builder {
	return &builder{
		nodePlans:     make(map[string]*exchange.FlowRoutePlan),
		producerIndex: make(map[string]int),
		externalIndex: make(map[string]int),
		consumerIndex: make(map[string]int),
	}
}

func (b *builder) plan(nodeID string) *exchange.FlowRoutePlan {
	p, ok := b.nodePlans[nodeID]
	if !ok {
		p = &exchange.FlowRoutePlan{NodeID: nodeID}
		b.nodePlans[nodeID] = p
	}
	return p
}

func (b *builder) addEndpoint(nodeID string, desc exchange.EndpointDesc) int {
	p := b.plan(nodeID)
	desc.Index = len(p.Endpoints)
	p.Endpoints = append(p.Endpoints, desc)
	return desc.Index
}

func queueKey(submodel, port string, device flowmodel.DeviceInfo) string {
	return submodel + "#" + port + "@" + device.String()
}

// Plan executes the algorithm of spec §4.1 against model, using rm for
// device placement.
func Plan(model *flowmodel.FlowModel, rm ResourceManager) (*Result, error) {
	if !model.IsCompiled() {
		if err := model.Compile(); err != nil {
			return nil, errors.Wrap(err, "planner: model failed validation")
		}
	}
	if err := validateSubmodels(model); err != nil {
		return nil, err
	}

	assignment, perDevice, err := allocateAll(model, rm)
	if err != nil {
		return nil, err
	}

	b := newBuilder()

	// Step 3 (first half): one Queue endpoint per producer port per device.
	for name, sm := range model.Submodels() {
		for _, port := range sm.Outputs {
			for _, dev := range assignment[name] {
				idx := b.addEndpoint(dev.NodeID, exchange.EndpointDesc{
					Type:   exchange.EndpointQueue,
					Name:   fmt.Sprintf("%s.%s", name, port.Name),
					Device: dev,
					Attr:   gwtransport.QueueAttr{Depth: DefaultQueueDepth},
				})
				b.producerIndex[queueKey(name, port.Name, dev)] = idx
			}
		}
	}

	var candidates []DynamicSchedCandidate

	for _, edge := range model.Edges() {
		if edge.SrcSubmodel == "" {
			if err := b.wireDummyEdge(edge, assignment); err != nil {
				return nil, err
			}
			continue
		}

		cands, err := b.wireEdge(edge, model, assignment)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cands...)
	}

	plan := &DeployPlan{Assignment: assignment, PerDeviceSubmodels: perDevice}
	if err := validatePlanShape(plan); err != nil {
		return nil, err
	}
	return &Result{Plan: plan, NodePlans: b.nodePlans, SchedCandidates: candidates}, nil
}

func allocateAll(model *flowmodel.FlowModel, rm ResourceManager) (map[string][]flowmodel.DeviceInfo, map[flowmodel.DeviceInfo][]string, error) {
	assignment := make(map[string][]flowmodel.DeviceInfo)
	perDevice := make(map[flowmodel.DeviceInfo][]string)

	for name, sm := range model.Submodels() {
		engine := sm.Engine
		if meta, ok := model.SchedMeta(name); ok {
			engine = meta.Engine
		} else if sm.ModelType != "" || sm.HostExecFlag {
			engine = flowmodel.EngineFor(sm.ModelType, sm.HostExecFlag)
		}

		replicas := sm.Replicas
		if replicas <= 0 {
			replicas = 1
		}

		devices, err := rm.Allocate(engine, replicas, sm.PinnedDevice)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "planner: allocate devices for submodel %q", name)
		}
		if len(devices) != replicas {
			return nil, nil, errors.Errorf("planner: resource manager returned %d devices for submodel %q, wanted %d", len(devices), name, replicas)
		}

		assignment[name] = devices
		for _, d := range devices {
			perDevice[d] = append(perDevice[d], name)
		}
	}
	return assignment, perDevice, nil
}

// wireDummyEdge handles spec §4.1 step 3's dummy-producer case: the
// consumer's Queue is still created but no runtime traffic flows over it.
func (b *builder) wireDummyEdge(edge flowmodel.Edge, assignment map[string][]flowmodel.DeviceInfo) error {
	consumerDevices, ok := assignment[edge.DstSubmodel]
	if !ok {
		return errors.Errorf("planner: edge references unknown consumer submodel %q", edge.DstSubmodel)
	}

	for _, cd := range consumerDevices {
		dummyIdx := b.addEndpoint(cd.NodeID, exchange.EndpointDesc{
			Type:   exchange.EndpointDummyQueue,
			Name:   fmt.Sprintf("dummy.%s", edge.SrcPort),
			Device: cd,
			Attr:   gwtransport.QueueAttr{Depth: DefaultQueueDepth},
		})
		consumerIdx := b.ensureConsumerQueue(edge.DstSubmodel, edge.DstPort, cd)
		p := b.plan(cd.NodeID)
		p.BeforeLoad = append(p.BeforeLoad, exchange.BindingDesc{SrcIndex: dummyIdx, DstIndex: consumerIdx})
	}
	return nil
}

func (b *builder) ensureConsumerQueue(submodel, port string, device flowmodel.DeviceInfo) int {
	key := queueKey(submodel, port, device)
	if idx, ok := b.consumerIndex[key]; ok {
		return idx
	}
	idx := b.addEndpoint(device.NodeID, exchange.EndpointDesc{
		Type:   exchange.EndpointQueue,
		Name:   fmt.Sprintf("%s.%s.in", submodel, port),
		Device: device,
		Attr:   gwtransport.QueueAttr{Depth: DefaultQueueDepth},
	})
	b.consumerIndex[key] = idx
	return idx
}

// wireEdge implements spec §4.1 steps 3-4 for a real producer->consumer
// edge: one binding (or Group binding, with single-member elision handled
// downstream by the Exchange Route Engine) per consumer device.
func (b *builder) wireEdge(edge flowmodel.Edge, model *flowmodel.FlowModel, assignment map[string][]flowmodel.DeviceInfo) ([]DynamicSchedCandidate, error) {
	producerDevices, ok := assignment[edge.SrcSubmodel]
	if !ok || len(producerDevices) == 0 {
		return nil, errors.Errorf("planner: edge references unplaced producer submodel %q", edge.SrcSubmodel)
	}
	consumerDevices, ok := assignment[edge.DstSubmodel]
	if !ok || len(consumerDevices) == 0 {
		return nil, errors.Errorf("planner: edge references unplaced consumer submodel %q", edge.DstSubmodel)
	}

	dstSubmodel, _ := model.Submodel(edge.DstSubmodel)
	var candidates []DynamicSchedCandidate

	for _, cd := range consumerDevices {
		consumerIdx := b.ensureConsumerQueue(edge.DstSubmodel, edge.DstPort, cd)

		var sourceIndices []int
		for _, pd := range producerDevices {
			srcIdx, err := b.resolveProducerReference(edge, pd, cd)
			if err != nil {
				return nil, err
			}
			sourceIndices = append(sourceIndices, srcIdx)
		}

		p := b.plan(cd.NodeID)
		if len(sourceIndices) == 1 {
			p.BeforeLoad = append(p.BeforeLoad, exchange.BindingDesc{SrcIndex: sourceIndices[0], DstIndex: consumerIdx})
			continue
		}

		// Step 4: aggregate multiple producer replicas behind one Group.
		groupIdx := b.addEndpoint(cd.NodeID, exchange.EndpointDesc{
			Type:         exchange.EndpointGroup,
			Name:         fmt.Sprintf("%s.%s.group", edge.DstSubmodel, edge.DstPort),
			Device:       cd,
			GroupMembers: sourceIndices,
		})
		p.BeforeLoad = append(p.BeforeLoad, exchange.BindingDesc{SrcIndex: groupIdx, DstIndex: consumerIdx})

		if dstSubmodel != nil && dstSubmodel.LoadMode == flowmodel.LoadDynamic {
			preferred := len(sourceIndices)
			if preferred > 1 {
				preferred = 1 // at least one preferred route; callers may widen via SchedMeta in a fuller model
			}
			candidates = append(candidates, DynamicSchedCandidate{
				Submodel: edge.DstSubmodel, Port: edge.DstPort,
				NodeID: cd.NodeID, EndpointIdx: groupIdx, PreferredLen: preferred,
			})
		}
	}

	return candidates, nil
}

// resolveProducerReference returns a local endpoint index, within cd's node
// plan, that the engine can bind from: the producer's own Queue endpoint
// when producer and consumer share a node, or a cached ExternalQueue
// reference to it otherwise.
func (b *builder) resolveProducerReference(edge flowmodel.Edge, pd, cd flowmodel.DeviceInfo) (int, error) {
	producerKey := queueKey(edge.SrcSubmodel, edge.SrcPort, pd)
	producerIdx, ok := b.producerIndex[producerKey]
	if !ok {
		return 0, errors.Errorf("planner: no producer queue registered for %s.%s@%s", edge.SrcSubmodel, edge.SrcPort, pd)
	}

	if pd.NodeID == cd.NodeID {
		return producerIdx, nil
	}

	externalKey := cd.NodeID + "|" + producerKey
	if idx, ok := b.externalIndex[externalKey]; ok {
		return idx, nil
	}
	producerPlan := b.plan(pd.NodeID)
	producerName := producerPlan.Endpoints[producerIdx].Name

	idx := b.addEndpoint(cd.NodeID, exchange.EndpointDesc{
		Type:   exchange.EndpointExternalQueue,
		Name:   producerName,
		Device: pd,
	})
	b.externalIndex[externalKey] = idx
	return idx, nil
}
