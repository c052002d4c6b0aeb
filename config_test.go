package rcpilot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValues(t *testing.T) {
	d := DefaultConfig()
	assert.Equal(t, 5*time.Second, d.RefreshTimeout)
	assert.Equal(t, 5*time.Second, d.BatchPeriod)
	assert.Equal(t, 60*time.Second, d.ReshardInterval)
	assert.Equal(t, 300*time.Second, d.ReshardTimeout)
	assert.Equal(t, 60*time.Second, d.MigrateSlotTimeout)
	assert.Equal(t, 6379, d.DefaultPort)
	assert.Equal(t, 60*time.Minute, d.TopologyRefreshInterval)
}

func TestApplyDefaultsFillsZeroFields(t *testing.T) {
	cfg := applyDefaults(Config{ReshardInterval: 10 * time.Second})
	assert.Equal(t, 10*time.Second, cfg.ReshardInterval)
	assert.Equal(t, DefaultConfig().RefreshTimeout, cfg.RefreshTimeout)
	assert.Equal(t, DefaultConfig().DefaultPort, cfg.DefaultPort)
}

func TestLoadConfigParsesFlags(t *testing.T) {
	cfg, err := LoadConfig([]string{
		"-redis-cluster-seed-servers", "10.0.0.1:7000,10.0.0.2:7000",
		"-reshard-interval", "30s",
		"-redis-cluster-server-port", "7001",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, cfg.SeedServers)
	assert.Equal(t, 30*time.Second, cfg.ReshardInterval)
	assert.Equal(t, 7001, cfg.DefaultPort)
	// unspecified fields still get defaults
	assert.Equal(t, DefaultConfig().RefreshTimeout, cfg.RefreshTimeout)
}

func TestLoadConfigRejectsUnknownFlag(t *testing.T) {
	_, err := LoadConfig([]string{"-not-a-real-flag", "x"})
	assert.Error(t, err)
}
