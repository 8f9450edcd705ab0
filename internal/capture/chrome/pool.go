package chrome

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/capture/metrics"
)

const (
	acquireBackoffBase = 50 * time.Millisecond
	acquireBackoffCap  = 2 * time.Second
	probeTimeout       = 2 * time.Second
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size          int   `json:"size"`
	InUse         int   `json:"in_use"`
	Available     int   `json:"available"`
	Errors        int64 `json:"errors"`
	CreatedTotal  int64 `json:"created_total"`
	RecycledTotal int64 `json:"recycled_total"`
}

// BrowserInfo is the watchdog's view of one pooled browser.
type BrowserInfo struct {
	ID        int
	InUse     bool
	IdleFor   time.Duration
	Age       time.Duration
	RequestID string
}

// Pool owns every Chrome process. A single mutex guards membership, the
// free list, and holder bookkeeping; it is always dropped before
// launching, probing, sleeping, or tearing down, so one wedged browser
// can never stall unrelated acquisitions.
type Pool struct {
	cfg       *Config
	collector *metrics.Collector
	logger    *zap.Logger

	// launch spawns one browser. Tests swap it for a stub.
	launch func(id int, cfg *Config, logger *zap.Logger) (*Browser, error)

	mu       sync.Mutex
	browsers map[int]*Browser
	free     []int          // IDs ready to hand out, oldest release first
	heldBy   map[int]string // browser ID -> request ID while acquired
	nextID   int
	spawning int // launches in flight, counted against PoolMax
	shutdown bool

	createdTotal  atomic.Int64
	recycledTotal atomic.Int64
	errorsTotal   atomic.Int64

	wg sync.WaitGroup
}

// NewPool builds an empty pool. Call Start to populate it.
func NewPool(cfg *Config, collector *metrics.Collector, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		collector: collector,
		logger:    logger,
		launch:    launchBrowser,
		browsers:  make(map[int]*Browser),
		heldBy:    make(map[int]string),
	}
}

// Start launches the minimum population. Individual launch failures are
// tolerated as long as at least one browser comes up.
func (p *Pool) Start(ctx context.Context) error {
	started := 0
	for i := 0; i < p.cfg.PoolMin; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.spawn(); err != nil {
			p.logger.Error("Browser launch failed during startup", zap.Error(err))
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("browser pool: could not start any of %d browsers", p.cfg.PoolMin)
	}
	p.publishStats()
	p.logger.Info("Browser pool started",
		zap.Int("browsers", started),
		zap.Int("min", p.cfg.PoolMin),
		zap.Int("max", p.cfg.PoolMax))
	return nil
}

// Acquire hands out an exclusive browser. It prefers an idle one, spawns
// when the pool has room, and otherwise waits with jittered exponential
// backoff for up to MaxWaitAttempts sleeps before giving up.
func (p *Pool) Acquire(ctx context.Context, requestID string) (*Browser, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = acquireBackoffBase
	bo.MaxInterval = acquireBackoffCap
	bo.MaxElapsedTime = 0

	waits := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return nil, ErrPoolShutdown
		}
		b := p.popFreeLocked(requestID)
		canSpawn := len(p.browsers)+p.spawning < p.cfg.PoolMax
		p.mu.Unlock()

		if b != nil {
			if p.verifyAcquired(b) {
				b.touch()
				p.maybeScaleUp()
				p.publishStats()
				return b, nil
			}
			p.logger.Warn("Acquired browser failed health check, recycling",
				zap.Int("browser_id", b.ID))
			p.releaseDead(b)
			continue
		}

		if canSpawn {
			if _, err := p.spawn(); err == nil {
				continue
			} else if errors.Is(err, ErrPoolShutdown) {
				return nil, err
			}
			// Launch failed; fall through to waiting so a browser
			// released in the meantime can still serve us.
		}

		if waits >= p.cfg.MaxWaitAttempts {
			return nil, fmt.Errorf("%w after %d wait attempts", ErrPoolExhausted, waits)
		}
		waits++
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a browser to the pool. It always succeeds immediately;
// an unhealthy browser is retired and replaced in the background instead
// of blocking the caller on teardown.
func (p *Pool) Release(b *Browser) {
	if b == nil {
		return
	}
	b.touch()

	p.mu.Lock()
	if _, ok := p.browsers[b.ID]; !ok {
		// Force-recycled while held; nothing left to return.
		b.inUse.Store(false)
		delete(p.heldBy, b.ID)
		p.mu.Unlock()
		return
	}
	b.inUse.Store(false)
	delete(p.heldBy, b.ID)
	healthy := !p.shutdown && b.withinLimits(p.cfg)
	if healthy {
		p.free = append(p.free, b.ID)
	} else {
		b.retiring.Store(true)
	}
	p.mu.Unlock()

	if !healthy {
		p.recycleAsync(b.ID)
	}
	p.publishStats()
}

// Recycle replaces a browser. A browser currently held is only marked;
// the swap happens on its release so the holder is never yanked
// mid-capture. Use ForceRecycle for that.
func (p *Pool) Recycle(id int) {
	p.mu.Lock()
	b, ok := p.browsers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	if b.inUse.Load() {
		b.retiring.Store(true)
		p.mu.Unlock()
		return
	}
	delete(p.browsers, id)
	p.removeFreeLocked(id)
	p.mu.Unlock()

	b.retiring.Store(true)
	b.terminate()
	p.recycledTotal.Add(1)
	if p.collector != nil {
		p.collector.BrowserRecycled()
	}
	p.logger.Info("Browser recycled", zap.Int("browser_id", id))
	p.replaceIfBelowMin()
	p.publishStats()
}

// ForceRelease returns a browser that a dead caller never gave back. The
// browser is presumed poisoned and is replaced rather than reused. The
// holder's eventual Release collapses to a no-op.
func (p *Pool) ForceRelease(id int) bool {
	p.mu.Lock()
	b, ok := p.browsers[id]
	if !ok || !b.inUse.Load() {
		p.mu.Unlock()
		return false
	}
	requestID := p.heldBy[id]
	b.inUse.Store(false)
	b.retiring.Store(true)
	delete(p.heldBy, id)
	p.mu.Unlock()

	p.logger.Warn("Force-released stuck browser",
		zap.Int("browser_id", id),
		zap.String("request_id", requestID),
		zap.Duration("idle", b.IdleFor()))
	p.recycleAsync(id)
	p.publishStats()
	return true
}

// ForceRecycle tears a browser down even while held, for hard-stuck
// captures where the devtools connection is presumed wedged. Cancelling
// the browser context aborts whatever the holder was running.
func (p *Pool) ForceRecycle(id int) bool {
	p.mu.Lock()
	b, ok := p.browsers[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.browsers, id)
	p.removeFreeLocked(id)
	delete(p.heldBy, id)
	p.mu.Unlock()

	b.retiring.Store(true)
	b.terminate()
	p.recycledTotal.Add(1)
	if p.collector != nil {
		p.collector.BrowserRecycled()
	}
	p.logger.Warn("Force-recycled browser", zap.Int("browser_id", id))
	p.replaceIfBelowMin()
	p.publishStats()
	return true
}

// Utilization is the fraction of maximum capacity currently held.
func (p *Pool) Utilization() float64 {
	if p.cfg.PoolMax == 0 {
		return 0
	}
	p.mu.Lock()
	inUse := len(p.heldBy)
	p.mu.Unlock()
	return float64(inUse) / float64(p.cfg.PoolMax)
}

// Stats counts pool membership. Retiring browsers awaiting their
// background recycle appear in Size but in neither InUse nor Available.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	size := len(p.browsers)
	inUse := len(p.heldBy)
	available := 0
	for _, id := range p.free {
		if b, ok := p.browsers[id]; ok && !b.retiring.Load() {
			available++
		}
	}
	p.mu.Unlock()

	return Stats{
		Size:          size,
		InUse:         inUse,
		Available:     available,
		Errors:        p.errorsTotal.Load(),
		CreatedTotal:  p.createdTotal.Load(),
		RecycledTotal: p.recycledTotal.Load(),
	}
}

// Snapshot lists every pooled browser, ordered by ID, for the watchdog
// scan and the admin debug endpoint.
func (p *Pool) Snapshot() []BrowserInfo {
	p.mu.Lock()
	infos := make([]BrowserInfo, 0, len(p.browsers))
	for id, b := range p.browsers {
		infos = append(infos, BrowserInfo{
			ID:        id,
			InUse:     b.inUse.Load(),
			IdleFor:   b.IdleFor(),
			Age:       b.Age(),
			RequestID: p.heldBy[id],
		})
	}
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SweepTabs closes idle or aged warm tabs across all browsers.
func (p *Pool) SweepTabs() int {
	p.mu.Lock()
	browsers := make([]*Browser, 0, len(p.browsers))
	for _, b := range p.browsers {
		browsers = append(browsers, b)
	}
	p.mu.Unlock()

	closed := 0
	for _, b := range browsers {
		if b.tabs != nil {
			closed += b.tabs.sweep()
		}
	}
	return closed
}

// RecycleOldestIdle recycles the longest-idle available browser, keeping
// at least PoolMin alive. The watchdog calls it under memory pressure.
func (p *Pool) RecycleOldestIdle() bool {
	p.mu.Lock()
	if len(p.browsers) <= p.cfg.PoolMin {
		p.mu.Unlock()
		return false
	}
	var victim *Browser
	for _, id := range p.free {
		b, ok := p.browsers[id]
		if !ok || b.retiring.Load() {
			continue
		}
		if victim == nil || b.lastUsed.Load() < victim.lastUsed.Load() {
			victim = b
		}
	}
	if victim == nil {
		p.mu.Unlock()
		return false
	}
	victim.retiring.Store(true)
	p.mu.Unlock()

	p.Recycle(victim.ID)
	return true
}

// Run reaps browsers idle past IdleTimeout, keeping PoolMin warm. It
// blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.reapIdle(); n > 0 {
				p.logger.Info("Reaped idle browsers", zap.Int("count", n))
			}
		}
	}
}

// Shutdown stops handing out browsers, waits up to ShutdownTimeout for
// holders to finish, then terminates everything.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.free = nil
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		busy := len(p.heldBy)
		p.mu.Unlock()
		if busy == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	p.mu.Lock()
	browsers := p.browsers
	p.browsers = make(map[int]*Browser)
	p.heldBy = make(map[int]string)
	p.mu.Unlock()

	for _, b := range browsers {
		b.terminate()
	}
	p.wg.Wait()
	p.logger.Info("Browser pool shut down")
}

// popFreeLocked removes the first live idle browser from the free list
// and marks it held. IDs recycled while queued are skipped.
func (p *Pool) popFreeLocked(requestID string) *Browser {
	for len(p.free) > 0 {
		id := p.free[0]
		p.free = p.free[1:]
		b, ok := p.browsers[id]
		if !ok || b.retiring.Load() {
			continue
		}
		b.inUse.Store(true)
		p.heldBy[id] = requestID
		return b
	}
	return nil
}

// verifyAcquired runs the health checks on a just-popped browser. The
// devtools probe happens while the caller, not the pool lock, owns it.
func (p *Pool) verifyAcquired(b *Browser) bool {
	if !b.withinLimits(p.cfg) {
		return false
	}
	return b.Connected(probeTimeout)
}

// releaseDead drops the hold on a browser that failed its acquire-time
// health check and queues it for replacement.
func (p *Pool) releaseDead(b *Browser) {
	p.recordBrowserError(b)
	b.retiring.Store(true)

	p.mu.Lock()
	b.inUse.Store(false)
	delete(p.heldBy, b.ID)
	p.mu.Unlock()

	p.recycleAsync(b.ID)
}

// recordBrowserError charges one failure against the browser's health
// budget and the pool-wide error counter.
func (p *Pool) recordBrowserError(b *Browser) {
	b.recordError()
	p.errorsTotal.Add(1)
}

// spawn reserves a capacity slot, launches a browser outside the lock,
// and registers it as available.
func (p *Pool) spawn() (*Browser, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	if len(p.browsers)+p.spawning >= p.cfg.PoolMax {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.spawning++
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	b, err := p.launch(id, p.cfg, p.logger)

	p.mu.Lock()
	p.spawning--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.shutdown {
		p.mu.Unlock()
		b.terminate()
		return nil, ErrPoolShutdown
	}
	p.browsers[id] = b
	p.free = append(p.free, id)
	p.mu.Unlock()

	p.createdTotal.Add(1)
	if p.collector != nil {
		p.collector.BrowserCreated()
	}
	p.publishStats()
	return b, nil
}

func (p *Pool) spawnAsync() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.spawn(); err != nil &&
			!errors.Is(err, ErrPoolShutdown) && !errors.Is(err, ErrPoolExhausted) {
			p.logger.Error("Background browser launch failed", zap.Error(err))
		}
	}()
}

func (p *Pool) recycleAsync(id int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Recycle(id)
	}()
}

// maybeScaleUp spawns extra browsers in the background once utilization
// crosses the scale threshold, so bursts find warm capacity waiting.
func (p *Pool) maybeScaleUp() {
	if p.Utilization() < p.cfg.ScaleThreshold {
		return
	}
	p.mu.Lock()
	room := p.cfg.PoolMax - (len(p.browsers) + p.spawning)
	p.mu.Unlock()

	n := p.cfg.ScaleFactor
	if n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		p.spawnAsync()
	}
}

// replaceIfBelowMin restores the minimum population after a recycle.
func (p *Pool) replaceIfBelowMin() {
	p.mu.Lock()
	need := p.cfg.PoolMin - (len(p.browsers) + p.spawning)
	shutdown := p.shutdown
	p.mu.Unlock()

	if shutdown {
		return
	}
	for i := 0; i < need; i++ {
		p.spawnAsync()
	}
}

// reapIdle retires browsers idle past IdleTimeout, never dropping the
// pool below PoolMin.
func (p *Pool) reapIdle() int {
	p.mu.Lock()
	excess := len(p.browsers) - p.cfg.PoolMin
	if excess <= 0 {
		p.mu.Unlock()
		return 0
	}
	var victims []int
	for _, id := range p.free {
		if len(victims) >= excess {
			break
		}
		b, ok := p.browsers[id]
		if !ok || b.retiring.Load() {
			continue
		}
		if b.IdleFor() >= p.cfg.IdleTimeout {
			b.retiring.Store(true)
			victims = append(victims, id)
		}
	}
	p.mu.Unlock()

	for _, id := range victims {
		p.Recycle(id)
	}
	return len(victims)
}

func (p *Pool) removeFreeLocked(id int) {
	for i, fid := range p.free {
		if fid == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

func (p *Pool) publishStats() {
	if p.collector == nil {
		return
	}
	s := p.Stats()
	p.collector.UpdatePool(metrics.PoolGauges{
		Size:          s.Size,
		InUse:         s.InUse,
		Available:     s.Available,
		Errors:        s.Errors,
		CreatedTotal:  s.CreatedTotal,
		RecycledTotal: s.RecycledTotal,
	})
}
