package chrome

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapforge/engine/internal/common/config"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"pool min zero", func(c *Config) { c.PoolMin = 0 }, "pool min"},
		{"max below min", func(c *Config) { c.PoolMin = 4; c.PoolMax = 2 }, "pool max"},
		{"scale threshold zero", func(c *Config) { c.ScaleThreshold = 0 }, "scale threshold"},
		{"scale threshold above one", func(c *Config) { c.ScaleThreshold = 1.5 }, "scale threshold"},
		{"scale factor zero", func(c *Config) { c.ScaleFactor = 0 }, "scale factor"},
		{"wait attempts zero", func(c *Config) { c.MaxWaitAttempts = 0 }, "wait attempts"},
		{"tab cap zero with reuse", func(c *Config) { c.MaxTabsPerBrowser = 0 }, "tabs per browser"},
		{"tab cap ignored without reuse", func(c *Config) { c.TabReuseEnabled = false; c.MaxTabsPerBrowser = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewConfigMapsApplicationSettings(t *testing.T) {
	app := &config.Config{
		Pool: config.PoolConfig{
			Min:             3,
			Max:             12,
			IdleTimeout:     4 * time.Minute,
			MaxAge:          20 * time.Minute,
			CleanupInterval: 45 * time.Second,
			ScaleThreshold:  0.8,
			ScaleFactor:     3,
			MaxWaitAttempts: 7,
		},
		Tabs: config.TabConfig{
			ReuseEnabled:    true,
			MaxPerBrowser:   15,
			IdleTimeout:     90 * time.Second,
			MaxAge:          8 * time.Minute,
			CleanupInterval: 2 * time.Minute,
			AcquireTimeout:  4 * time.Second,
		},
		Capture: config.CaptureConfig{
			PageCreationTimeout:    6 * time.Second,
			ContextCreationTimeout: 7 * time.Second,
			UserAgent:              "SnapForge/1.0",
		},
	}

	cfg := NewConfig(app)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.PoolMin)
	assert.Equal(t, 12, cfg.PoolMax, "explicit pool max must pass through unchanged")
	assert.Equal(t, 45*time.Second, cfg.CleanupInterval)
	assert.Equal(t, 0.8, cfg.ScaleThreshold)
	assert.Equal(t, 7, cfg.MaxWaitAttempts)
	assert.Equal(t, 15, cfg.MaxTabsPerBrowser)
	assert.Equal(t, 4*time.Second, cfg.TabAcquireTimeout)
	assert.Equal(t, 7*time.Second, cfg.ContextCreationTimeout)
	assert.Equal(t, "SnapForge/1.0", cfg.UserAgent)
	assert.Equal(t, defaultHealthErrorThreshold, cfg.HealthErrorThreshold)
	assert.Equal(t, defaultMaxPagesPerBrowser, cfg.MaxPagesPerBrowser)
}
