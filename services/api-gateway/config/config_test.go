package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/api-gateway/config"
)

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
store_backend: memory
lock_backend: local
lock_timeout: 2s
coalesce_window: 100ms
preview_rate_limit: 0
`)))

	cfg := config.Load(v)
	assert.Equal(t, config.BackendMemory, cfg.StoreBackend)
	assert.Equal(t, config.BackendLocal, cfg.LockBackend)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.CoalesceWindow)
	assert.Zero(t, cfg.PreviewRateLimit)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, 1, cfg.CriticalPriorityThreshold)
	assert.Equal(t, "tasks.changes", cfg.ChangeTopic)
}
