package chrome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapforge/engine/pkg/types"
)

// fakeLauncher builds browsers backed by plain contexts so pool logic
// runs without any Chrome process.
func fakeLauncher(id int, cfg *Config, logger *zap.Logger) (*Browser, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Browser{
		ID:        id,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
	b.probe = func(context.Context) error { return nil }
	b.tabs = newTabSet(cfg, logger)
	b.tabs.openPage = fakeOpenPage
	b.tabs.resetPage = func(context.Context, time.Duration) error { return nil }
	b.touch()
	return b, nil
}

func fakeOpenPage(parent context.Context, _ time.Duration) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, cancel, nil
}

func newTestPool(t *testing.T, cfg *Config) *Pool {
	t.Helper()
	p := NewPool(cfg, nil, zap.NewNop())
	p.launch = fakeLauncher
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Shutdown)
	return p
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// assertPoolInvariant checks that every live browser is either held or
// on the free list exactly once, never both, never neither.
func assertPoolInvariant(t *testing.T, p *Pool) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	onFreeList := make(map[int]int)
	for _, id := range p.free {
		onFreeList[id]++
	}
	for id := range onFreeList {
		_, ok := p.browsers[id]
		assert.True(t, ok, "free list references unknown browser %d", id)
	}
	for id, b := range p.browsers {
		if b.retiring.Load() {
			continue
		}
		if b.inUse.Load() {
			assert.Zero(t, onFreeList[id], "browser %d held but also on the free list", id)
		} else {
			assert.Equal(t, 1, onFreeList[id], "browser %d idle but on the free list %d times", id, onFreeList[id])
		}
	}
}

func TestPoolStartPopulatesMin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolMin = 2
	cfg.PoolMax = 4
	p := newTestPool(t, cfg)

	s := p.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 2, s.Available)
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, int64(2), s.CreatedTotal)
	assertPoolInvariant(t, p)
}

func TestPoolStartFailsWhenNothingLaunches(t *testing.T) {
	p := NewPool(DefaultConfig(), nil, zap.NewNop())
	p.launch = func(int, *Config, *zap.Logger) (*Browser, error) {
		return nil, errors.New("chrome missing")
	}
	require.Error(t, p.Start(context.Background()))
}

func TestPoolAcquireRelease(t *testing.T) {
	p := newTestPool(t, DefaultConfig())

	b, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	assert.True(t, b.inUse.Load())

	s := p.Stats()
	assert.Equal(t, 1, s.InUse)
	assert.Equal(t, 0, s.Available)
	assertPoolInvariant(t, p)

	p.Release(b)
	assert.False(t, b.inUse.Load())

	s = p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 1, s.Available)
	assertPoolInvariant(t, p)

	p.Release(nil) // must be harmless
}

func TestPoolAcquireSpawnsOnDemand(t *testing.T) {
	p := newTestPool(t, DefaultConfig()) // min 1, max 3

	b1, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	b2, err := p.Acquire(context.Background(), "req-2")
	require.NoError(t, err)
	assert.NotEqual(t, b1.ID, b2.ID)

	s := p.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 2, s.InUse)
	assert.Equal(t, int64(2), s.CreatedTotal)
	assertPoolInvariant(t, p)

	p.Release(b1)
	p.Release(b2)
}

func TestPoolAcquireExhaustionGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 1
	cfg.MaxWaitAttempts = 2
	p := newTestPool(t, cfg)

	b, err := p.Acquire(context.Background(), "holder")
	require.NoError(t, err)
	defer p.Release(b)

	start := time.Now()
	_, err = p.Acquire(context.Background(), "starved")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, types.KindAcquireFailed, Classify(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 1
	cfg.MaxWaitAttempts = 10
	p := newTestPool(t, cfg)

	b, err := p.Acquire(context.Background(), "holder")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Release(b)
	}()

	waited, err := p.Acquire(context.Background(), "waiter")
	require.NoError(t, err)
	assert.Equal(t, b.ID, waited.ID)
	p.Release(waited)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 1
	cfg.MaxWaitAttempts = 1000
	p := newTestPool(t, cfg)

	b, err := p.Acquire(context.Background(), "holder")
	require.NoError(t, err)
	defer p.Release(b)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "cancelled")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolReleaseUnhealthyNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	p := newTestPool(t, cfg)

	b, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	b.errorCount.Store(int32(cfg.HealthErrorThreshold))

	start := time.Now()
	p.Release(b)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "release must not wait on recycling")
	assert.True(t, b.retiring.Load())

	// The replacement arrives in the background.
	waitUntil(t, time.Second, func() bool {
		s := p.Stats()
		return s.RecycledTotal == 1 && s.Size == 1 && s.Available == 1
	})
	assertPoolInvariant(t, p)
}

func TestPoolRecycleWhileHeldDefersSwap(t *testing.T) {
	p := newTestPool(t, DefaultConfig())

	b, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)

	p.Recycle(b.ID)
	assert.True(t, b.retiring.Load())
	assert.Equal(t, int64(0), p.Stats().RecycledTotal, "held browser must not be torn down")
	assert.NoError(t, b.ctx.Err(), "held browser context must stay alive")

	p.Release(b)
	waitUntil(t, time.Second, func() bool {
		s := p.Stats()
		return s.RecycledTotal == 1 && s.Size == 1
	})
	assert.Error(t, b.ctx.Err())
	assertPoolInvariant(t, p)
}

func TestPoolForceRelease(t *testing.T) {
	p := newTestPool(t, DefaultConfig())

	b, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)

	assert.True(t, p.ForceRelease(b.ID))
	assert.Equal(t, 0, p.Stats().InUse)

	// The real holder coming back later is a no-op.
	p.Release(b)
	assert.Equal(t, 0, p.Stats().InUse)

	waitUntil(t, time.Second, func() bool {
		s := p.Stats()
		return s.RecycledTotal == 1 && s.Size == 1
	})
	assertPoolInvariant(t, p)

	// Only held browsers can be force-released.
	assert.False(t, p.ForceRelease(999))
	fresh, err := p.Acquire(context.Background(), "req-2")
	require.NoError(t, err)
	p.Release(fresh)
	assert.False(t, p.ForceRelease(fresh.ID))
}

func TestPoolForceRecycleWhileHeld(t *testing.T) {
	p := newTestPool(t, DefaultConfig())

	b, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)

	assert.True(t, p.ForceRecycle(b.ID))
	assert.Error(t, b.ctx.Err(), "force recycle must cancel the browser context")

	p.Release(b) // holder comes back to a gone browser
	waitUntil(t, time.Second, func() bool {
		s := p.Stats()
		return s.Size == 1 && s.InUse == 0
	})
	assertPoolInvariant(t, p)
}

func TestPoolAcquireSkipsDeadBrowser(t *testing.T) {
	cfg := DefaultConfig()
	p := newTestPool(t, cfg)

	p.mu.Lock()
	dead := p.browsers[0]
	p.mu.Unlock()
	require.NotNil(t, dead)
	dead.probe = func(context.Context) error { return errors.New("devtools gone") }

	b, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	assert.NotEqual(t, dead.ID, b.ID)
	assert.Equal(t, int64(1), p.Stats().Errors)
	p.Release(b)

	waitUntil(t, time.Second, func() bool {
		return p.Stats().RecycledTotal == 1
	})
	assertPoolInvariant(t, p)
}

func TestPoolScaleUpPreemptive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 4
	cfg.ScaleThreshold = 0.2
	cfg.ScaleFactor = 2
	p := newTestPool(t, cfg)

	b, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	defer p.Release(b)

	// One of four held crosses the 0.2 threshold; two more spawn.
	waitUntil(t, time.Second, func() bool {
		return p.Stats().Size == 3
	})
	assertPoolInvariant(t, p)
}

func TestPoolReapIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	p := newTestPool(t, cfg)

	b1, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	b2, err := p.Acquire(context.Background(), "req-2")
	require.NoError(t, err)
	p.Release(b1)
	p.Release(b2)
	require.Equal(t, 2, p.Stats().Size)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, p.reapIdle(), "one browser above the minimum should be reaped")

	waitUntil(t, time.Second, func() bool {
		s := p.Stats()
		return s.Size == 1 && s.RecycledTotal == 1
	})
	assertPoolInvariant(t, p)
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolMin = 2
	cfg.PoolMax = 4
	cfg.MaxWaitAttempts = 50
	p := newTestPool(t, cfg)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b, err := p.Acquire(context.Background(), fmt.Sprintf("w%d-%d", worker, i))
				if err != nil {
					continue
				}
				time.Sleep(time.Millisecond)
				p.Release(b)
			}
		}(worker)
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, s.Size, s.Available)
	assertPoolInvariant(t, p)
}

func TestPoolShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	p := NewPool(cfg, nil, zap.NewNop())
	p.launch = fakeLauncher
	require.NoError(t, p.Start(context.Background()))

	b, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)

	p.Shutdown() // holder never returns in time; shutdown proceeds anyway
	assert.Error(t, b.ctx.Err(), "shutdown must terminate held browsers after the grace period")
	assert.Equal(t, 0, p.Stats().Size)

	p.Release(b) // late release is a no-op

	_, err = p.Acquire(context.Background(), "req-2")
	assert.ErrorIs(t, err, ErrPoolShutdown)

	p.Shutdown() // idempotent
}

func TestPoolUtilization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolMin = 2
	cfg.PoolMax = 4
	cfg.ScaleThreshold = 0.99 // keep scale-up out of this test
	p := newTestPool(t, cfg)

	assert.Zero(t, p.Utilization())

	b1, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, p.Utilization(), 0.001)

	b2, err := p.Acquire(context.Background(), "req-2")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.Utilization(), 0.001)

	p.Release(b1)
	p.Release(b2)
	assert.Zero(t, p.Utilization())
}
