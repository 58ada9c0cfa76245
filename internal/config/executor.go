package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/sgl-project/ome-dflow/pkg/configutils"
)

// ExecutorConfig is the dflow-executor daemon's configuration: the node
// it runs on, the resource/flow-model manifests it deploys locally, and
// the ModelExecutor/RoutingThread tuning knobs of spec §4.7.
type ExecutorConfig struct {
	NodeID              string `mapstructure:"node_id" validate:"required"`
	FlowModelPath       string `mapstructure:"flow_model_path" validate:"required"`
	ResourceConfigPath  string `mapstructure:"resource_config_path" validate:"required"`
	MetricsAddr         string `mapstructure:"metrics_addr"`
	AlignEnabled              bool `mapstructure:"align_enabled"`
	AlignCapacity             int  `mapstructure:"align_capacity" validate:"gte=0"`
	RouteCacheCapacity        int  `mapstructure:"route_cache_capacity" validate:"gte=0"`
	DataFlowExceptionCapacity int  `mapstructure:"data_flow_exception_capacity" validate:"gte=0"`
	FeedFetchTimeoutMs        int  `mapstructure:"feed_fetch_timeout_ms" validate:"gt=0"`
}

func defaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MetricsAddr:               ":9091",
		AlignEnabled:              true,
		AlignCapacity:             1024,
		RouteCacheCapacity:        1024,
		DataFlowExceptionCapacity: 1024,
		FeedFetchTimeoutMs:        5000,
	}
}

// Validate checks ExecutorConfig's struct tags.
func (c *ExecutorConfig) Validate() error {
	return validator.New().Struct(c)
}

// NewExecutorConfig unmarshals and validates an ExecutorConfig from v.
func NewExecutorConfig(v *viper.Viper) (*ExecutorConfig, error) {
	c := defaultExecutorConfig()
	if err := configutils.BindEnvsRecursive(v, c, ""); err != nil {
		return nil, fmt.Errorf("config: bind executor env vars: %w", err)
	}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: unmarshal executor config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid executor config: %w", err)
	}
	return c, nil
}

// ExecutorModule provides an *ExecutorConfig from the ambient *viper.Viper.
var ExecutorModule fx.Option = fx.Provide(NewExecutorConfig)
