// Package deploy implements the Heterogeneous Model Deployer orchestrator
// of spec §4.5: it strings the Deployment Planner, Exchange Route Engine,
// Executor Manager, and file transport together into the seven-step
// deploy routine, and undoes exactly the nodes that reached "loaded" on
// failure.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
	"github.com/sgl-project/ome-dflow/pkg/planner"
)

// SubmodelArtifact locates the local file a submodel was built from, used
// to populate TransferBundle.SubmodelPaths and BatchLoadModelEntry.Path.
type SubmodelArtifact struct {
	Submodel string
	Path     string
}

// Deployer is the orchestrator of spec §4.5. One Deployer instance is
// shared across sessions; per-deploy state lives in DeployState.
type Deployer struct {
	rm     planner.ResourceManager
	nodes  map[string]NodeDeployer
	logger logging.Interface
	metric *metrics.Metrics
	maint  wire.DownloadDevMaintenanceCfgRequest

	mu       sync.Mutex
	sessions map[string]*DeployState

	inFlight atomic.Int32
}

// InFlight reports whether a DeployModel call is currently running. The
// Abnormal Status Handler waits for this to clear before evaluating a new
// failure, per spec §4.6 step 1.
func (d *Deployer) InFlight() bool { return d.inFlight.Load() > 0 }

// Sessions returns every currently deployed session's state, used by the
// Abnormal Status Handler to project device failures onto root models.
func (d *Deployer) Sessions() []*DeployState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*DeployState, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

// SetMetrics attaches m so every DeployModel/UndeployModel outcome is
// counted. Optional; nil is a safe no-op.
func (d *Deployer) SetMetrics(metric *metrics.Metrics) { d.metric = metric }

// NewDeployer constructs a Deployer. nodes must contain one NodeDeployer
// per node name the ResourceManager's inventory can place work on,
// including the local node.
func NewDeployer(rm planner.ResourceManager, nodes map[string]NodeDeployer, logger logging.Interface) *Deployer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Deployer{rm: rm, nodes: nodes, logger: logger, sessions: make(map[string]*DeployState)}
}

// DeployModel runs the seven-step routine of spec §4.5 against model,
// compensating with Undeploy on any step's failure.
func (d *Deployer) DeployModel(ctx context.Context, sessionID string, model *flowmodel.FlowModel, artifacts []SubmodelArtifact, varManager interface{}) (*DeployState, error) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	artifactPaths := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		artifactPaths[a.Submodel] = a.Path
	}

	// Step 1: BuildDeployPlan. Step 2: ResolveFlowRoutePlans (per-node
	// split) -- planner.Plan does both in one pass.
	result, err := planner.Plan(model, d.rm)
	if err != nil {
		return nil, errors.Wrap(err, "deploy: build plan")
	}

	state := newDeployState(sessionID, model, result.Plan, result.NodePlans)
	d.mu.Lock()
	d.sessions[sessionID] = state
	d.mu.Unlock()

	// Step 3: DeployDevMaintenanceCfg.
	d.mu.Lock()
	maint := d.maint
	d.mu.Unlock()
	for nodeID, node := range d.nodesInUse(result.NodePlans) {
		if err := node.ConfigureMaintenance(ctx, maint); err != nil {
			return state, d.fail(ctx, state, errors.Wrapf(err, "deploy: configure maintenance on %s", nodeID))
		}
	}

	// Step 4: transfer plan/artifacts/var manager/sched candidates to
	// each node.
	schedByNode := groupSchedCandidatesByNode(result.SchedCandidates)
	for nodeID, node := range d.nodesInUse(result.NodePlans) {
		bundle := TransferBundle{
			SessionID:       sessionID,
			RootModel:       model.Name,
			FlowRoutePlan:   result.NodePlans[nodeID],
			DeployPlan:      result.Plan,
			SubmodelPaths:   artifactPaths,
			VarManager:      varManager,
			SchedCandidates: schedByNode[nodeID],
		}
		if err := node.Transfer(ctx, bundle); err != nil {
			return state, d.fail(ctx, state, errors.Wrapf(err, "deploy: transfer to %s", nodeID))
		}
	}

	// Step 5: PreDeployLocalFlowRoute -- run for every node's slice (the
	// "master" distinction is a placement detail the ResourceManager's
	// local-node-id captures; every node still PreDeploys its own plan).
	for nodeID, node := range d.nodesInUse(result.NodePlans) {
		route, err := node.PreDeployFlowRoute(ctx, result.NodePlans[nodeID])
		if err != nil {
			return state, d.fail(ctx, state, errors.Wrapf(err, "deploy: predeploy on %s", nodeID))
		}
		state.setRoute(nodeID, route)
	}

	// Resolve dynamic-sched candidates now that every node's Route exists.
	for nodeID, cands := range schedByNode {
		route, ok := state.route(nodeID)
		if !ok {
			continue
		}
		for _, c := range cands {
			idx, err := c.Resolve(route)
			if err != nil {
				return state, d.fail(ctx, state, errors.Wrapf(err, "deploy: resolve sched candidate on %s", nodeID))
			}
			state.appendSchedIndex(idx)
		}
	}

	// Step 6: LoadSubmodels, fanned out to every unique node.
	if err := d.loadSubmodels(ctx, state, result.Plan, artifactPaths); err != nil {
		return state, d.fail(ctx, state, err)
	}

	// Step 7: DeployLocalFlowRoute finalizes after-load bindings.
	for nodeID, node := range d.nodesInUse(result.NodePlans) {
		route, _ := state.route(nodeID)
		if err := node.DeployFlowRoute(ctx, route, result.NodePlans[nodeID]); err != nil {
			return state, d.fail(ctx, state, errors.Wrapf(err, "deploy: deploy flow route on %s", nodeID))
		}
	}

	if d.metric != nil {
		d.metric.DeploysTotal.WithLabelValues("success").Inc()
	}
	return state, nil
}

// loadSubmodels fans BatchLoadModel requests out to every unique node in
// a pool sized to |unique_nodes| (spec §4.5 step 6), aggregating failures
// and marking each node loaded only once its call succeeds.
func (d *Deployer) loadSubmodels(ctx context.Context, state *DeployState, plan *planner.DeployPlan, artifactPaths map[string]string) error {
	perNode := make(map[string][]wire.BatchLoadModelEntry)
	assignByNode := make(map[string][]flowmodel.ExecutorKey)

	for submodel, devices := range plan.Assignment {
		for i, dev := range devices {
			key := flowmodel.ExecutorKey{DeviceID: dev.DeviceID, DeviceType: dev.DeviceType, EngineName: "default"}
			entry := wire.BatchLoadModelEntry{
				SubmodelName: submodel,
				Path:         artifactPaths[submodel],
				ReplicaIndex: i,
				ReplicaCount: len(devices),
			}
			perNode[dev.NodeID] = append(perNode[dev.NodeID], entry)
			assignByNode[dev.NodeID] = append(assignByNode[dev.NodeID], key)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(perNode))
	for nodeID, entries := range perNode {
		nodeID, entries := nodeID, entries
		node, ok := d.nodes[nodeID]
		if !ok {
			return errors.Errorf("deploy: no NodeDeployer registered for node %q", nodeID)
		}
		assignments := assignByNode[nodeID]
		g.Go(func() error {
			if err := node.LoadSubmodels(gctx, state.SessionID, entries, assignments); err != nil {
				return errors.Wrapf(err, "deploy: load submodels on %s", nodeID)
			}
			state.markLoaded(nodeID)
			return nil
		})
	}
	return g.Wait()
}

// fail runs the compensating Undeploy across exactly the nodes DeployState
// recorded as loaded, then returns cause so the caller's error chain is
// preserved (spec §4.5: "never leaves a half-loaded mesh").
func (d *Deployer) fail(ctx context.Context, state *DeployState, cause error) error {
	for _, nodeID := range state.DeployedNodeIDs() {
		node, ok := d.nodes[nodeID]
		if !ok {
			continue
		}
		route, _ := state.route(nodeID)
		plan := state.NodePlans[nodeID]
		if err := node.UndeployFlowRoute(ctx, route, plan); err != nil {
			d.logger.WithField("node", nodeID).WithError(err).Warn("deploy: compensating undeploy failed")
		}
	}
	d.mu.Lock()
	delete(d.sessions, state.SessionID)
	d.mu.Unlock()
	if d.metric != nil {
		d.metric.DeploysTotal.WithLabelValues("failed").Inc()
	}
	return cause
}

// NodesFor returns the NodeDeployer for every node state's plan touched,
// used by the Abnormal Status Handler to fan a model-wide clear sweep out
// to exactly the nodes a session was deployed onto.
func (d *Deployer) NodesFor(state *DeployState) map[string]NodeDeployer {
	return d.nodesInUse(state.NodePlans)
}

func (d *Deployer) nodesInUse(nodePlans map[string]*exchange.FlowRoutePlan) map[string]NodeDeployer {
	out := make(map[string]NodeDeployer, len(nodePlans))
	for nodeID := range nodePlans {
		if node, ok := d.nodes[nodeID]; ok {
			out[nodeID] = node
		}
	}
	return out
}

func groupSchedCandidatesByNode(cands []planner.DynamicSchedCandidate) map[string][]planner.DynamicSchedCandidate {
	out := make(map[string][]planner.DynamicSchedCandidate)
	for _, c := range cands {
		out[c.NodeID] = append(out[c.NodeID], c)
	}
	return out
}

// SetMaintenanceConfig updates the log/dump/profiling knobs pushed to
// nodes in step 3 of every subsequent DeployModel call.
func (d *Deployer) SetMaintenanceConfig(cfg wire.DownloadDevMaintenanceCfgRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maint = cfg
}

// Session returns the DeployState for sessionID, if it is currently
// deployed.
func (d *Deployer) Session(sessionID string) (*DeployState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	return s, ok
}

// UndeployModel reverses a successful DeployModel, undeploying every node
// the session touched.
func (d *Deployer) UndeployModel(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	state, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return errors.Errorf("deploy: unknown session %q", sessionID)
	}

	var firstErr error
	for _, nodeID := range state.DeployedNodeIDs() {
		node, ok := d.nodes[nodeID]
		if !ok {
			continue
		}
		route, _ := state.route(nodeID)
		plan := state.NodePlans[nodeID]
		if err := node.UndeployFlowRoute(ctx, route, plan); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deploy: undeploy %s: %w", nodeID, err)
		}
	}

	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()

	if d.metric != nil {
		result := "success"
		if firstErr != nil {
			result = "failed"
		}
		d.metric.UndeploysTotal.WithLabelValues(result).Inc()
	}
	return firstErr
}
