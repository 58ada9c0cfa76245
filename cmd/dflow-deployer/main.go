// Command dflow-deployer runs the Deployment Planner/Router and Abnormal
// Status Handler side of the framework (spec §4.1, §4.6): it loads a flow
// model and resource inventory, computes a DeployPlan, and supervises the
// cluster's health so a real deployer could drive redeploys from its
// output.
//
// Driving deploy.Deployer.DeployModel end to end needs every submodel's
// compiled executor binary and a real ExecutorSpawnFunc pointing at it;
// this environment has neither, so this daemon stops at the planning and
// health-supervision boundary and logs the plan it would hand to a real
// deployer (see DESIGN.md).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/sgl-project/ome-dflow/pkg/abnormal"
	"github.com/sgl-project/ome-dflow/pkg/deploy"
	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
	"github.com/sgl-project/ome-dflow/pkg/planner"
	"github.com/sgl-project/ome-dflow/pkg/version"

	"github.com/sgl-project/ome-dflow/internal/config"
)

var configFilePath string

func main() {
	cmd := &cobra.Command{
		Use:     "dflow-deployer",
		Short:   "Run the dflow Deployment Planner and Abnormal Status Handler",
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
		config.DeployerModule,
		fx.Provide(func() *metrics.Metrics { return metrics.New(nil) }),
		fx.Provide(loadPlan),
		fx.Invoke(startDeployer),
	}
	app := fx.New(fx.Options(options...))
	app.Run()
	_ = app.Stop(context.Background())
}

func configProvider() fx.Option {
	return fx.Provide(func() (*viper.Viper, error) {
		v := viper.GetViper()
		v.SetEnvPrefix("DFLOW_DEPLOYER")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		if configFilePath != "" {
			v.SetConfigFile(configFilePath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("dflow-deployer: read config file: %w", err)
			}
		}
		return v, nil
	})
}

// plannedTopology bundles a computed plan with the resource manager it was
// computed against, so startDeployer can hand both to the components that
// need them.
type plannedTopology struct {
	result *planner.Result
	rm     *planner.StaticResourceManager
}

func loadPlan(cfg *config.DeployerConfig) (*plannedTopology, error) {
	modelData, err := os.ReadFile(cfg.FlowModelPath)
	if err != nil {
		return nil, fmt.Errorf("dflow-deployer: read flow model manifest: %w", err)
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
		return nil, fmt.Errorf("dflow-deployer: read resource inventory manifest: %w", err)
	}
	invManifest, err := config.ParseResourceInventoryManifest(invData)
	if err != nil {
		return nil, err
	}
	rm := planner.NewStaticResourceManager(cfg.NodeID, invManifest.ToDeviceCapabilities())

	result, err := planner.Plan(model, rm)
	if err != nil {
		return nil, fmt.Errorf("dflow-deployer: plan: %w", err)
	}
	return &plannedTopology{result: result, rm: rm}, nil
}

func startDeployer(lc fx.Lifecycle, cfg *config.DeployerConfig, topo *plannedTopology, metric *metrics.Metrics, logger logging.Interface) error {
	logPlanSummary(logger, topo.result)

	// No real NodeDeployer exists without spawned executor binaries (see
	// package doc); the Handler still supervises health against an empty
	// session set, the way it would immediately after startup before any
	// DeployModel has completed.
	deployer := deploy.NewDeployer(topo.rm, map[string]deploy.NodeDeployer{}, logger)
	deployer.SetMetrics(metric)

	handler := abnormal.NewHandler(deployer, cfg.MasterNodeID, cfg.AbnormalConfigPath, metric, logger)

	watcher, err := abnormal.NewConfigWatcher(cfg.AbnormalConfigPath, logger)
	if err != nil {
		return fmt.Errorf("dflow-deployer: config watcher: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.WithError(err).Error("dflow-deployer: metrics server failed")
				}
			}()
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					logger.WithError(err).Warn("dflow-deployer: config watcher exited")
				}
			}()
			go func() {
				for range watcher.Trigger() {
					if err := handler.HandleConfigTrigger(ctx); err != nil {
						logger.WithError(err).Warn("dflow-deployer: config-triggered recovery failed")
					}
				}
			}()
			logger.Infof("dflow-deployer: serving /metrics and /healthz on %s", cfg.MetricsAddr)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return server.Shutdown(stopCtx)
		},
	})

	return nil
}

func logPlanSummary(logger logging.Interface, result *planner.Result) {
	for nodeID, plan := range result.NodePlans {
		logger.WithField("node_id", nodeID).WithField("endpoints", len(plan.Endpoints)).Info("dflow-deployer: computed node route plan")
	}
	for submodel, devices := range result.Plan.Assignment {
		placements := make([]string, 0, len(devices))
		for _, d := range devices {
			placements = append(placements, d.String())
		}
		logger.WithField("submodel", submodel).WithField("devices", strings.Join(placements, ",")).Info("dflow-deployer: submodel placement")
	}
	if b, err := json.Marshal(result.Plan.Nodes()); err == nil {
		logger.Infof("dflow-deployer: plan spans nodes %s", string(b))
	}
}
