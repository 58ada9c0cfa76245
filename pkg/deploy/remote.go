package deploy

import (
	"context"

	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
)

// NodeDeployer is one node's deployer daemon, local or remote, driven
// through the steps of spec §4.5. The wire encoding a remote
// implementation would use to reach its node is out of scope (spec §1);
// this module only specifies the operations a node deployer must expose
// and ships the one in-process implementation, LocalDeployer.
type NodeDeployer interface {
	NodeID() string

	// ConfigureMaintenance pushes the log/dump/profiling knobs that must
	// be in effect before any executor on this node is next forked
	// (spec §4.5 step 3).
	ConfigureMaintenance(ctx context.Context, cfg wire.DownloadDevMaintenanceCfgRequest) error

	// Transfer delivers bundle's plan, submodel artifacts, and
	// shared-variable snapshot to this node (spec §4.5 step 4).
	Transfer(ctx context.Context, bundle TransferBundle) error

	// PreDeployFlowRoute runs the Exchange Route Engine's PreDeploy phase
	// for this node's slice of the plan and returns the resulting Route.
	PreDeployFlowRoute(ctx context.Context, plan *exchange.FlowRoutePlan) (*exchange.Route, error)

	// LoadSubmodels loads this node's assigned submodels onto their
	// executors (spec §4.5 step 6).
	LoadSubmodels(ctx context.Context, sessionID string, entries []wire.BatchLoadModelEntry, assignments []flowmodel.ExecutorKey) error

	// DeployFlowRoute finalizes after-load bindings (spec §4.5 step 7).
	DeployFlowRoute(ctx context.Context, route *exchange.Route, plan *exchange.FlowRoutePlan) error

	// UndeployFlowRoute reverses a PreDeploy/Deploy pair; used on the
	// compensating path when a later step fails (spec §4.5).
	UndeployFlowRoute(ctx context.Context, route *exchange.Route, plan *exchange.FlowRoutePlan) error

	// ClearModelData forwards a STOP or CLEAR sweep to every executor this
	// node hosts for sessionID/modelName, used by the Abnormal Status
	// Handler's dynamic-sched recovery path (spec §4.6 step 3).
	ClearModelData(ctx context.Context, sessionID, modelName string, kind wire.ClearKind) error
}
