package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/execfwk"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/subprocmgr"
)

// ExecutorSpawnFunc builds the fork configuration for an executor process,
// given its identity and assigned device. Binary paths and launch
// arguments are deployment-environment specific and not named by the spec,
// so this is supplied by the caller rather than hardcoded.
type ExecutorSpawnFunc func(key flowmodel.ExecutorKey, device flowmodel.DeviceInfo) subprocmgr.Config

// LocalDeployer is the in-process NodeDeployer for the node this process
// runs on: it drives pkg/exchange and pkg/execfwk directly instead of
// reaching a remote deployer over RPC.
type LocalDeployer struct {
	nodeID string
	engine *exchange.Engine
	execs  *execfwk.Manager
	spawn  ExecutorSpawnFunc
	logger logging.Interface

	mu    sync.Mutex
	maint wire.DownloadDevMaintenanceCfgRequest
}

// NewLocalDeployer constructs a LocalDeployer for nodeID.
func NewLocalDeployer(nodeID string, engine *exchange.Engine, execs *execfwk.Manager, spawn ExecutorSpawnFunc, logger logging.Interface) *LocalDeployer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &LocalDeployer{nodeID: nodeID, engine: engine, execs: execs, spawn: spawn, logger: logger}
}

func (d *LocalDeployer) NodeID() string { return d.nodeID }

// ConfigureMaintenance records cfg; it is merged into every executor this
// deployer forks from this point on.
func (d *LocalDeployer) ConfigureMaintenance(ctx context.Context, cfg wire.DownloadDevMaintenanceCfgRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maint = cfg
	return nil
}

func (d *LocalDeployer) spawnConfig(key flowmodel.ExecutorKey, device flowmodel.DeviceInfo) subprocmgr.Config {
	cfg := d.spawn(key, device)
	d.mu.Lock()
	maint := d.maint
	d.mu.Unlock()

	if cfg.Env == nil {
		cfg.Env = make(map[string]string)
	}
	cfg.Env["DFLOW_LOG_LEVEL"] = maint.LogLevel
	cfg.Env["DFLOW_DUMP_ENABLED"] = fmt.Sprintf("%t", maint.DumpEnabled)
	cfg.Env["DFLOW_PROFILING_ENABLED"] = fmt.Sprintf("%t", maint.ProfilingEnabled)
	return cfg
}

// Transfer is a no-op for the local node: submodel artifacts referenced
// by bundle.SubmodelPaths already live on local disk, and the plan/var
// manager/sched candidates are passed directly in-process by the
// orchestrator rather than over a transfer queue.
func (d *LocalDeployer) Transfer(ctx context.Context, bundle TransferBundle) error {
	return nil
}

func (d *LocalDeployer) PreDeployFlowRoute(ctx context.Context, plan *exchange.FlowRoutePlan) (*exchange.Route, error) {
	return d.engine.PreDeploy(ctx, plan)
}

func (d *LocalDeployer) DeployFlowRoute(ctx context.Context, route *exchange.Route, plan *exchange.FlowRoutePlan) error {
	return d.engine.Deploy(ctx, route, plan)
}

func (d *LocalDeployer) UndeployFlowRoute(ctx context.Context, route *exchange.Route, plan *exchange.FlowRoutePlan) error {
	return d.engine.Undeploy(ctx, route, plan)
}

// LoadSubmodels ensures an executor client exists for every assigned key,
// forking fresh processes as needed, then fans the batch out via
// execfwk.Manager.BatchLoadAll.
func (d *LocalDeployer) LoadSubmodels(ctx context.Context, sessionID string, entries []wire.BatchLoadModelEntry, assignments []flowmodel.ExecutorKey) error {
	if len(entries) != len(assignments) {
		return errors.New("deploy: entries/assignments length mismatch")
	}

	seen := make(map[string]bool)
	for _, key := range assignments {
		if seen[key.String()] {
			continue
		}
		seen[key.String()] = true
		if _, ok := d.execs.GetExecutorClient(key); ok {
			continue
		}
		device := flowmodel.DeviceInfo{DeviceType: key.DeviceType, DeviceID: key.DeviceID, NodeID: d.nodeID}
		if _, err := d.execs.GetOrCreateExecutorClient(ctx, key, d.spawnConfig(key, device), device); err != nil {
			return errors.Wrapf(err, "deploy: start executor %s on %s", key, d.nodeID)
		}
	}

	if err := d.execs.BatchLoadAll(ctx, assignments, wire.BatchLoadModelRequest{SessionID: sessionID, Entries: entries}); err != nil {
		d.logger.WithField("session", sessionID).WithError(err).Warn("deploy: LoadSubmodels failed")
		return err
	}
	d.logger.WithField("session", sessionID).WithField("node", d.nodeID).Info("deploy: submodels loaded")
	return nil
}

// ClearModelData fans a STOP or CLEAR sweep out to every executor client
// this node hosts. It does not filter by modelName: a node's executor
// clients are already scoped to the sessions loaded onto them, and the
// underlying wire.ClearModelDataRequest carries modelName for the
// executor side to act on.
func (d *LocalDeployer) ClearModelData(ctx context.Context, sessionID, modelName string, kind wire.ClearKind) error {
	var firstErr error
	for _, c := range d.execs.Clients() {
		if err := c.ClearModelRunningData(ctx, sessionID, modelName, kind); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "deploy: clear model data on %s", c.Key())
		}
	}
	return firstErr
}

// Heartbeat answers the Abnormal Status Handler's periodic poll (spec
// §4.6) by scanning every executor client this node hosts and reporting
// the ones subprocmgr has marked dead.
func (d *LocalDeployer) Heartbeat(ctx context.Context, req wire.HeartbeatRequest) (wire.Response, error) {
	var abnormal []string
	submodels := make(map[string]bool)
	for _, c := range d.execs.Clients() {
		alive, reason := c.Alive()
		if alive {
			continue
		}
		key := c.Key()
		device := flowmodel.DeviceInfo{DeviceType: key.DeviceType, DeviceID: key.DeviceID, NodeID: d.nodeID}
		d.logger.WithField("executor", key.String()).WithField("reason", reason).Warn("deploy: heartbeat found dead executor")
		abnormal = append(abnormal, device.String())
		submodels[key.String()] = false
	}
	return wire.Response{AbnormalDevices: abnormal, AbnormalSubmodels: submodels, AbnormalType: "executor_exit"}, nil
}
