package chrome

import (
	"fmt"
	"time"

	"github.com/snapforge/engine/internal/common/config"
)

// Config tunes the browser pool and tab reuse. It is derived from the
// application configuration so the chrome package never reads the
// environment itself.
type Config struct {
	// Pool sizing and lifecycle.
	PoolMin         int
	PoolMax         int
	IdleTimeout     time.Duration
	MaxAge          time.Duration
	CleanupInterval time.Duration
	ScaleThreshold  float64
	ScaleFactor     int
	MaxWaitAttempts int

	// Browser health. A browser failing either bound is replaced on
	// its next release instead of returning to rotation.
	HealthErrorThreshold int
	MaxPagesPerBrowser   int

	// Tab reuse within an acquired browser.
	TabReuseEnabled    bool
	MaxTabsPerBrowser  int
	TabIdleTimeout     time.Duration
	TabMaxAge          time.Duration
	TabCleanupInterval time.Duration
	TabAcquireTimeout  time.Duration

	// Page and context creation bounds.
	PageCreationTimeout    time.Duration
	ContextCreationTimeout time.Duration

	UserAgent string

	ShutdownTimeout time.Duration
}

// Browser replacement defaults. Matching knobs are deliberately not
// exposed through the environment; these bounds exist to cap slow leaks
// in long-lived Chrome processes, not to be tuned per deployment.
const (
	defaultHealthErrorThreshold = 5
	defaultMaxPagesPerBrowser   = 100
	defaultShutdownTimeout      = 10 * time.Second
)

// NewConfig maps the application configuration onto pool settings,
// resolving the auto-sized pool max.
func NewConfig(app *config.Config) *Config {
	return &Config{
		PoolMin:         app.Pool.Min,
		PoolMax:         app.EffectivePoolMax(),
		IdleTimeout:     app.Pool.IdleTimeout,
		MaxAge:          app.Pool.MaxAge,
		CleanupInterval: app.Pool.CleanupInterval,
		ScaleThreshold:  app.Pool.ScaleThreshold,
		ScaleFactor:     app.Pool.ScaleFactor,
		MaxWaitAttempts: app.Pool.MaxWaitAttempts,

		HealthErrorThreshold: defaultHealthErrorThreshold,
		MaxPagesPerBrowser:   defaultMaxPagesPerBrowser,

		TabReuseEnabled:    app.Tabs.ReuseEnabled,
		MaxTabsPerBrowser:  app.Tabs.MaxPerBrowser,
		TabIdleTimeout:     app.Tabs.IdleTimeout,
		TabMaxAge:          app.Tabs.MaxAge,
		TabCleanupInterval: app.Tabs.CleanupInterval,
		TabAcquireTimeout:  app.Tabs.AcquireTimeout,

		PageCreationTimeout:    app.Capture.PageCreationTimeout,
		ContextCreationTimeout: app.Capture.ContextCreationTimeout,

		UserAgent: app.Capture.UserAgent,

		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// DefaultConfig returns settings suitable for tests: a small pool with
// short waits so exhaustion paths run in milliseconds.
func DefaultConfig() *Config {
	return &Config{
		PoolMin:         1,
		PoolMax:         3,
		IdleTimeout:     5 * time.Minute,
		MaxAge:          30 * time.Minute,
		CleanupInterval: time.Minute,
		ScaleThreshold:  0.7,
		ScaleFactor:     2,
		MaxWaitAttempts: 5,

		HealthErrorThreshold: defaultHealthErrorThreshold,
		MaxPagesPerBrowser:   defaultMaxPagesPerBrowser,

		TabReuseEnabled:    true,
		MaxTabsPerBrowser:  20,
		TabIdleTimeout:     time.Minute,
		TabMaxAge:          10 * time.Minute,
		TabCleanupInterval: time.Minute,
		TabAcquireTimeout:  3 * time.Second,

		PageCreationTimeout:    5 * time.Second,
		ContextCreationTimeout: 5 * time.Second,

		ShutdownTimeout: defaultShutdownTimeout,
	}
}

// Validate checks internal consistency of the pool settings.
func (c *Config) Validate() error {
	if c.PoolMin < 1 {
		return fmt.Errorf("pool min must be at least 1, got %d", c.PoolMin)
	}
	if c.PoolMax < c.PoolMin {
		return fmt.Errorf("pool max (%d) must be >= pool min (%d)", c.PoolMax, c.PoolMin)
	}
	if c.ScaleThreshold <= 0 || c.ScaleThreshold > 1 {
		return fmt.Errorf("scale threshold must be in (0, 1], got %.2f", c.ScaleThreshold)
	}
	if c.ScaleFactor < 1 {
		return fmt.Errorf("scale factor must be at least 1, got %d", c.ScaleFactor)
	}
	if c.MaxWaitAttempts < 1 {
		return fmt.Errorf("max wait attempts must be at least 1, got %d", c.MaxWaitAttempts)
	}
	if c.TabReuseEnabled && c.MaxTabsPerBrowser < 1 {
		return fmt.Errorf("max tabs per browser must be at least 1, got %d", c.MaxTabsPerBrowser)
	}
	return nil
}
