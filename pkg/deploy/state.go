package deploy

import (
	"sync"

	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/planner"
)

// TransferBundle is everything the orchestrator pushes to one node in
// step 4 of spec §4.5: the node's slice of the plan, the artifacts its
// submodels need, the shared-variable snapshot, and the dynamic-sched
// candidates it must finalize once PreDeploy has run.
type TransferBundle struct {
	SessionID      string
	RootModel      string
	FlowRoutePlan  *exchange.FlowRoutePlan
	DeployPlan     *planner.DeployPlan
	SubmodelPaths  map[string]string // submodel name -> local artifact path
	VarManager     interface{}
	SchedCandidates []planner.DynamicSchedCandidate
}

// DeployState is the per-session bookkeeping a Deployer keeps while a
// model is loaded, including the deployed_node_ids invariant of spec §8:
// DeployedNodeIDs never includes a node that has not completed LoadSubmodels.
type DeployState struct {
	SessionID string
	RootModel string
	Model     *flowmodel.FlowModel

	mu sync.Mutex

	Plan      *planner.DeployPlan
	NodePlans map[string]*exchange.FlowRoutePlan
	Routes    map[string]*exchange.Route
	SchedIndexes []planner.DynamicSchedIndex

	deployedNodeIDs map[string]bool
}

func newDeployState(sessionID string, model *flowmodel.FlowModel, plan *planner.DeployPlan, nodePlans map[string]*exchange.FlowRoutePlan) *DeployState {
	return &DeployState{
		SessionID:       sessionID,
		RootModel:       model.Name,
		Model:           model,
		Plan:            plan,
		NodePlans:       nodePlans,
		Routes:          make(map[string]*exchange.Route),
		deployedNodeIDs: make(map[string]bool),
	}
}

// RoutesSnapshot returns a copy of the per-node Route map built so far.
func (s *DeployState) RoutesSnapshot() map[string]*exchange.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*exchange.Route, len(s.Routes))
	for k, v := range s.Routes {
		out[k] = v
	}
	return out
}

func (s *DeployState) markLoaded(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployedNodeIDs[nodeID] = true
}

// DeployedNodeIDs returns the nodes that have confirmed LoadSubmodels,
// i.e. the set a failure-path Undeploy must target (spec §4.5).
func (s *DeployState) DeployedNodeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.deployedNodeIDs))
	for id := range s.deployedNodeIDs {
		out = append(out, id)
	}
	return out
}

func (s *DeployState) setRoute(nodeID string, route *exchange.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Routes[nodeID] = route
}

func (s *DeployState) route(nodeID string) (*exchange.Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Routes[nodeID]
	return r, ok
}

func (s *DeployState) appendSchedIndex(idx planner.DynamicSchedIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SchedIndexes = append(s.SchedIndexes, idx)
}

// executorAssignment pairs a device with the flowmodel.ExecutorKey of the
// executor placed on it. The orchestrator does not build it:
// loadSubmodels derives its per-node ExecutorKey lists from
// DeployPlan.Assignment.
type executorAssignment struct {
	device flowmodel.DeviceInfo
	key    flowmodel.ExecutorKey
}
