package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/sgl-project/ome-dflow/pkg/configutils"
)

// DeployerConfig is the dflow-deployer daemon's configuration, bound from
// viper the way internal/ome-agent/replica.Config is: mapstructure tags
// for unmarshalling, validate tags checked once at startup.
type DeployerConfig struct {
	NodeID              string `mapstructure:"node_id" validate:"required"`
	MasterNodeID        string `mapstructure:"master_node_id" validate:"required"`
	FlowModelPath       string `mapstructure:"flow_model_path" validate:"required"`
	ResourceConfigPath  string `mapstructure:"resource_config_path" validate:"required"`
	AbnormalConfigPath  string `mapstructure:"abnormal_config_path" validate:"required"`
	MetricsAddr         string `mapstructure:"metrics_addr"`
	HeartbeatIntervalMs int    `mapstructure:"heartbeat_interval_ms" validate:"gt=0"`
}

func defaultDeployerConfig() *DeployerConfig {
	return &DeployerConfig{
		MetricsAddr:         ":9090",
		HeartbeatIntervalMs: 1000,
	}
}

// Validate checks DeployerConfig's struct tags.
func (c *DeployerConfig) Validate() error {
	return validator.New().Struct(c)
}

// NewDeployerConfig unmarshals and validates a DeployerConfig from v.
func NewDeployerConfig(v *viper.Viper) (*DeployerConfig, error) {
	c := defaultDeployerConfig()
	if err := configutils.BindEnvsRecursive(v, c, ""); err != nil {
		return nil, fmt.Errorf("config: bind deployer env vars: %w", err)
	}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: unmarshal deployer config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid deployer config: %w", err)
	}
	return c, nil
}

// DeployerModule provides a *DeployerConfig from the ambient *viper.Viper.
var DeployerModule fx.Option = fx.Provide(NewDeployerConfig)
