package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeployerConfig_AppliesDefaultsAndValidates(t *testing.T) {
	v := viper.New()
	v.Set("node_id", "node-0")
	v.Set("master_node_id", "node-0")
	v.Set("flow_model_path", "/tmp/model.json")
	v.Set("resource_config_path", "/tmp/inventory.json")
	v.Set("abnormal_config_path", "/tmp/abnormal.json")

	c, err := NewDeployerConfig(v)
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.MetricsAddr)
	assert.Equal(t, 1000, c.HeartbeatIntervalMs)
}

func TestNewDeployerConfig_RejectsMissingRequiredField(t *testing.T) {
	v := viper.New()
	v.Set("node_id", "node-0")

	_, err := NewDeployerConfig(v)
	require.Error(t, err)
}

func TestNewExecutorConfig_AppliesDefaultsAndValidates(t *testing.T) {
	v := viper.New()
	v.Set("node_id", "node-0")
	v.Set("flow_model_path", "/tmp/model.json")
	v.Set("resource_config_path", "/tmp/inventory.json")

	c, err := NewExecutorConfig(v)
	require.NoError(t, err)
	assert.True(t, c.AlignEnabled)
	assert.Equal(t, 1024, c.AlignCapacity)
	assert.Equal(t, ":9091", c.MetricsAddr)
}

func TestNewExecutorConfig_RejectsMissingNodeID(t *testing.T) {
	v := viper.New()
	v.Set("flow_model_path", "/tmp/model.json")
	v.Set("resource_config_path", "/tmp/inventory.json")

	_, err := NewExecutorConfig(v)
	require.Error(t, err)
}
