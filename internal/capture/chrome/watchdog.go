package chrome

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/config"
)

// memoryRecycleLimit caps how many idle browsers one watchdog pass may
// recycle for memory pressure, so relief stays gradual.
const memoryRecycleLimit = 2

// ScanReport summarizes one watchdog pass.
type ScanReport struct {
	ForceReleased  int `json:"force_released"`
	ForceRecycled  int `json:"force_recycled"`
	Restarted      int `json:"restarted"`
	TabsClosed     int `json:"tabs_closed"`
	MemoryRecycled int `json:"memory_recycled"`
}

func (r ScanReport) any() bool {
	return r.ForceReleased > 0 || r.ForceRecycled > 0 || r.Restarted > 0 ||
		r.TabsClosed > 0 || r.MemoryRecycled > 0
}

// Watchdog periodically repairs pool state that normal request flow can
// no longer fix: leases whose holders died, wedged devtools connections,
// stale warm tabs, aged browsers, and system memory pressure.
type Watchdog struct {
	cfg    *config.WatchdogConfig
	pool   *Pool
	logger *zap.Logger

	// memoryUsedFraction reads system memory pressure as 0..1. Seam for
	// tests; defaults to gopsutil.
	memoryUsedFraction func() (float64, error)

	passes atomic.Int64
}

func NewWatchdog(cfg *config.WatchdogConfig, pool *Pool, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		cfg:                cfg,
		pool:               pool,
		logger:             logger,
		memoryUsedFraction: systemMemoryUsedFraction,
	}
}

func systemMemoryUsedFraction() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100.0, nil
}

// Run executes one scan per interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan()
		}
	}
}

// Passes returns how many scans have completed.
func (w *Watchdog) Passes() int64 {
	return w.passes.Load()
}

// Scan runs one watchdog pass. Exported so tests and the admin debug
// endpoint can trigger a pass directly.
//
// Ordering matters: a browser past HardStuckAfter must be torn down, not
// merely force-released, so the hard check wins when both apply.
func (w *Watchdog) Scan() ScanReport {
	var report ScanReport

	for _, info := range w.pool.Snapshot() {
		switch {
		case info.InUse && info.IdleFor >= w.cfg.HardStuckAfter:
			if w.pool.ForceRecycle(info.ID) {
				report.ForceRecycled++
			}
		case info.InUse && info.IdleFor >= w.cfg.ForceReleaseAfter:
			if w.pool.ForceRelease(info.ID) {
				report.ForceReleased++
			}
		case !info.InUse && info.Age >= w.cfg.ForceBrowserRestartInterval:
			w.pool.Recycle(info.ID)
			report.Restarted++
		}
	}

	report.TabsClosed = w.pool.SweepTabs()

	if w.cfg.MemoryCleanupThreshold > 0 {
		used, err := w.memoryUsedFraction()
		switch {
		case err != nil:
			w.logger.Warn("Could not read system memory", zap.Error(err))
		case used >= w.cfg.MemoryCleanupThreshold:
			for report.MemoryRecycled < memoryRecycleLimit && w.pool.RecycleOldestIdle() {
				report.MemoryRecycled++
			}
			w.logger.Warn("Memory pressure relief",
				zap.Float64("used_fraction", used),
				zap.Float64("threshold", w.cfg.MemoryCleanupThreshold),
				zap.Int("recycled", report.MemoryRecycled))
		}
	}

	w.passes.Add(1)
	if report.any() {
		w.logger.Info("Watchdog pass repaired pool state",
			zap.Int("force_released", report.ForceReleased),
			zap.Int("force_recycled", report.ForceRecycled),
			zap.Int("restarted", report.Restarted),
			zap.Int("tabs_closed", report.TabsClosed),
			zap.Int("memory_recycled", report.MemoryRecycled))
	}
	return report
}
