// Command dflow-executor runs the Exchange Route Engine and Heterogeneous
// Model Executor runtime side of the framework (spec §4.2, §4.7) for one
// node: it realizes the flow model's route graph against an in-process
// exchange gateway and drives the dynamic-sched routing loop for whatever
// groups this node owns.
//
// The reference design's planner deliberately resolves cross-node edges
// against a single shared gwtransport.Gateway rather than a distributed
// broker (pkg/planner's package doc, DESIGN.md). This binary follows the
// same simplification: it deploys every node's FlowRoutePlan into its own
// in-process Gateway, standing in for the whole cluster's exchange
// substrate, and runs dynamic-sched routing only for the groups whose
// DynamicSchedCandidate names this process's configured node id. Actual
// submodel subprocesses are out of reach without real executor binaries
// (see cmd/dflow-deployer's doc comment); this binary exercises the route
// graph and routing loop in isolation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
	"github.com/sgl-project/ome-dflow/pkg/planner"
	"github.com/sgl-project/ome-dflow/pkg/runtime"
	"github.com/sgl-project/ome-dflow/pkg/version"

	"github.com/sgl-project/ome-dflow/internal/config"
)

var configFilePath string

func main() {
	cmd := &cobra.Command{
		Use:     "dflow-executor",
		Short:   "Run the dflow Exchange Route Engine and Model Executor runtime",
		Version: fmt.Sprintf("gitVersion=%s, gitCommit=%s", version.GitVersion, version.GitCommit),
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
	cmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() {
	options := []fx.Option{
		configProvider(),
		logging.Module,
		config.ExecutorModule,
		fx.Provide(func() *metrics.Metrics { return metrics.New(nil) }),
		fx.Provide(deployTopology),
		fx.Invoke(startExecutor),
	}
	app := fx.New(fx.Options(options...))
	app.Run()
	_ = app.Stop(context.Background())
}

func configProvider() fx.Option {
	return fx.Provide(func() (*viper.Viper, error) {
		v := viper.GetViper()
		v.SetEnvPrefix("DFLOW_EXECUTOR")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		if configFilePath != "" {
			v.SetConfigFile(configFilePath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("dflow-executor: read config file: %w", err)
			}
		}
		return v, nil
	})
}

// deployedTopology is every artifact deployTopology produces: the shared
// gateway and engine, this node's own realized Route, and the planner's
// unresolved dynamic-sched candidates scoped down to this node.
type deployedTopology struct {
	gw     *gwtransport.Gateway
	engine *exchange.Engine
	route  *exchange.Route

	localCandidates []planner.DynamicSchedCandidate
}

func deployTopology(cfg *config.ExecutorConfig, metric *metrics.Metrics, logger logging.Interface) (*deployedTopology, error) {
	modelData, err := os.ReadFile(cfg.FlowModelPath)
	if err != nil {
		return nil, fmt.Errorf("dflow-executor: read flow model manifest: %w", err)
	}
	modelManifest, err := config.ParseFlowModelManifest(modelData)
	if err != nil {
		return nil, err
	}
	model, err := modelManifest.ToFlowModel()
	if err != nil {
		return nil, err
	}

	invData, err := os.ReadFile(cfg.ResourceConfigPath)
	if err != nil {
		return nil, fmt.Errorf("dflow-executor: read resource inventory manifest: %w", err)
	}
	invManifest, err := config.ParseResourceInventoryManifest(invData)
	if err != nil {
		return nil, err
	}
	rm := planner.NewStaticResourceManager(cfg.NodeID, invManifest.ToDeviceCapabilities())

	result, err := planner.Plan(model, rm)
	if err != nil {
		return nil, fmt.Errorf("dflow-executor: plan: %w", err)
	}

	gw := gwtransport.New(logger)
	engine := exchange.NewEngine(gw, logger)
	engine.SetMetrics(metric)

	ctx := context.Background()
	routes := make(map[string]*exchange.Route, len(result.NodePlans))
	for nodeID, plan := range result.NodePlans {
		route, err := engine.PreDeploy(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("dflow-executor: PreDeploy node %s: %w", nodeID, err)
		}
		routes[nodeID] = route
	}
	for nodeID, plan := range result.NodePlans {
		if err := engine.Deploy(ctx, routes[nodeID], plan); err != nil {
			return nil, fmt.Errorf("dflow-executor: Deploy node %s: %w", nodeID, err)
		}
	}

	localRoute, ok := routes[cfg.NodeID]
	if !ok {
		return nil, fmt.Errorf("dflow-executor: node %q has no route plan in this flow model", cfg.NodeID)
	}

	var local []planner.DynamicSchedCandidate
	for _, c := range result.SchedCandidates {
		if c.NodeID == cfg.NodeID {
			local = append(local, c)
		}
	}

	return &deployedTopology{gw: gw, engine: engine, route: localRoute, localCandidates: local}, nil
}

func startExecutor(lc fx.Lifecycle, cfg *config.ExecutorConfig, topo *deployedTopology, metric *metrics.Metrics, logger logging.Interface) error {
	executor := runtime.New(runtime.Config{
		NodeID:             cfg.NodeID,
		Route:              topo.route,
		Gateway:            topo.gw,
		AlignEnabled:              cfg.AlignEnabled,
		AlignCapacity:             cfg.AlignCapacity,
		RouteCacheCapacity:        cfg.RouteCacheCapacity,
		DataFlowExceptionCapacity: cfg.DataFlowExceptionCapacity,
		DevAbnormalCallback: func(ctx context.Context, err error) {
			logger.WithError(err).Warn("dflow-executor: abnormal runtime error")
		},
		Logger: logger,
		Metric: metric,
	})

	groups, requestQueue, responseQueue, err := buildRoutingTables(topo, cfg.NodeID, logger)
	if err != nil {
		return err
	}

	var routers []runtime.RoutingLoop
	if len(groups) > 0 {
		routers = append(routers, runtime.NewRoutingThread(requestQueue, responseQueue, groups, executor.RouteCache(), executor, logger))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := executor.ModelRunStart(context.Background(), routers...); err != nil {
				return err
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.WithError(err).Error("dflow-executor: metrics server failed")
				}
			}()
			logger.WithField("node_id", cfg.NodeID).WithField("routing_threads", len(routers)).Infof("dflow-executor: serving /metrics and /healthz on %s", cfg.MetricsAddr)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			executor.ModelRunStop()
			return server.Shutdown(stopCtx)
		},
	})

	return nil
}

// buildRoutingTables turns this node's DynamicSchedCandidates into the
// DstGroupInfo table and gateway-request/response queue pair a
// RoutingThread needs. model_uuid/logic_group_id (spec §4.7) have no
// externally-authored identity in this manifest-driven setup, so they are
// derived deterministically from the submodel/port the candidate names
// (DESIGN.md Open Question decision).
func buildRoutingTables(topo *deployedTopology, nodeID string, logger logging.Interface) (map[runtime.RouteGroupKey]*runtime.DstGroupInfo, *gwtransport.Queue, *gwtransport.Queue, error) {
	groups := make(map[runtime.RouteGroupKey]*runtime.DstGroupInfo, len(topo.localCandidates))
	for _, c := range topo.localCandidates {
		memberIndices, err := topo.route.GroupMemberEndpointIndices(c.EndpointIdx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dflow-executor: resolve dynamic-sched candidate %s.%s: %w", c.Submodel, c.Port, err)
		}
		routes := make([]runtime.RouteEntry, len(memberIndices))
		for i, idx := range memberIndices {
			routes[i] = runtime.RouteEntry{GroupEntryIndex: idx, RouteLabel: int32(i), Healthy: true}
		}
		runtime.SortRoutesByLabel(routes)

		preferred := c.PreferredLen
		if preferred <= 0 || preferred > len(routes) {
			preferred = len(routes)
		}
		key := runtime.RouteGroupKey{ModelUUID: modelUUIDFor(c.Submodel), LogicGroupID: c.Port}
		groups[key] = &runtime.DstGroupInfo{Routes: routes, GroupSize: preferred}
	}

	if len(groups) == 0 {
		return groups, nil, nil, nil
	}

	device := flowmodel.DeviceInfo{NodeID: nodeID, DeviceType: "GW"}
	reqQueue, err := topo.gw.CreateQueue(device, "dflow:gwreq:"+nodeID, gwtransport.QueueAttr{Depth: 256})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dflow-executor: create gateway-request queue: %w", err)
	}
	respQueue, err := topo.gw.CreateQueue(device, "dflow:gwresp:"+nodeID, gwtransport.QueueAttr{Depth: 256})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dflow-executor: create gateway-response queue: %w", err)
	}
	logger.WithField("groups", len(groups)).Info("dflow-executor: dynamic-sched routing table ready")
	return groups, reqQueue, respQueue, nil
}

func modelUUIDFor(submodel string) string { return submodel }
