package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/scheduler/config"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)

	cfg := config.Load(v)
	assert.Equal(t, "*/5 * * * *", cfg.ReconcileSchedule)
	assert.Equal(t, 30*time.Second, cfg.ProjectTimeout)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, ":9093", cfg.MetricsAddr)
	assert.InDelta(t, 1.0, cfg.OTelSampleRatio, 1e-9)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
reconcile_schedule: "@hourly"
project_timeout: 5s
otel_sample_ratio: 0.25
critical_priority_threshold: 2
`)))

	cfg := config.Load(v)
	assert.Equal(t, "@hourly", cfg.ReconcileSchedule)
	assert.Equal(t, 5*time.Second, cfg.ProjectTimeout)
	assert.InDelta(t, 0.25, cfg.OTelSampleRatio, 1e-9)
	assert.Equal(t, 2, cfg.CriticalPriorityThreshold)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
}
