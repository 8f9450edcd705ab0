package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/capture/admission"
	"github.com/snapforge/engine/internal/capture/batch"
	"github.com/snapforge/engine/internal/capture/chrome"
	"github.com/snapforge/engine/internal/capture/health"
	"github.com/snapforge/engine/internal/capture/metrics"
	"github.com/snapforge/engine/internal/capture/pipeline"
	"github.com/snapforge/engine/internal/capture/rescache"
	"github.com/snapforge/engine/internal/capture/resultcache"
	"github.com/snapforge/engine/internal/capture/rewrite"
	"github.com/snapforge/engine/internal/capture/service"
	"github.com/snapforge/engine/internal/common/config"
	logutil "github.com/snapforge/engine/internal/common/logger"
	"github.com/snapforge/engine/internal/common/metricsserver"
	"github.com/snapforge/engine/internal/common/redis"
)

func main() {
	configPath := flag.String("c", "", "Path to YAML config overlay (defaults to CONFIG_FILE)")
	flag.Parse()

	// Initialize logger (will be reconfigured from config)
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Reconfigure logger based on config settings (uses INFO level during
	// startup if configured level is higher)
	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}

	logger := dynamicLogger.Logger

	logger.Info("Capture service starting",
		zap.String("server_id", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.Int("pool_min", cfg.Pool.Min),
		zap.Int("pool_max", cfg.EffectivePoolMax()))

	collector := metrics.NewCollector("capture_service", logger)

	// Redis is only dialed when the result cache actually needs it.
	var redisClient *redis.Client
	if cfg.ResultCache.Backend == config.ResultCacheBackendRedis {
		redisClient, err = redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	resultCache, err := resultcache.New(&cfg.ResultCache, redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to create result cache", zap.Error(err))
	}

	resourceCache, err := rescache.New(&cfg.ResourceCache, logger)
	if err != nil {
		logger.Fatal("Failed to open resource cache", zap.Error(err))
	}

	blocklist := chrome.NewBlocklist(&cfg.Interceptor)
	interceptor := chrome.NewInterceptor(resourceCache, blocklist, logger)

	chromeCfg := chrome.NewConfig(cfg)
	if err := chromeCfg.Validate(); err != nil {
		logger.Fatal("Invalid browser pool configuration", zap.Error(err))
	}

	pool := chrome.NewPool(chromeCfg, collector, logger)

	// Browser launches are the slow part of startup; bound them so a hung
	// Chrome cannot wedge the process before it ever serves.
	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = pool.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Fatal("Failed to start browser pool", zap.Error(err))
	}

	acquirer := chrome.NewAcquirer(pool, chromeCfg, logger)
	watchdog := chrome.NewWatchdog(&cfg.Watchdog, pool, logger)

	publisher, err := pipeline.NewLocalPublisher(cfg.Capture.ArtifactDir, cfg.Capture.ArtifactURLPrefix)
	if err != nil {
		logger.Fatal("Failed to create artifact publisher", zap.Error(err))
	}

	pipe := pipeline.New(&cfg.Capture, pipeline.Deps{
		Acquirer:    acquirer,
		Interceptor: interceptor,
		Publisher:   publisher,
		Utilization: pool.Utilization,
		Collector:   collector,
	}, logger)

	rewriter := rewrite.New(cfg.Rewrite.Rules, logger)
	ctrl := admission.New(&cfg.Admission, pool.Utilization, collector, logger)
	engine := service.NewEngine(&cfg.Capture, rewriter, resultCache, ctrl, pipe, logger)

	store, err := batch.NewStore(&cfg.Batch, logger)
	if err != nil {
		logger.Fatal("Failed to open batch job store", zap.Error(err))
	}
	manager := batch.NewManager(&cfg.Batch, cfg.Capture.RequestDeadline, store, engine.Capture, admission.Classify, logger)

	prober := health.NewProber(&cfg.Health, engine.Capture, logger)

	srv := service.NewServer(cfg, service.Components{
		Engine:        engine,
		Pool:          pool,
		Admission:     ctrl,
		Batch:         manager,
		Prober:        prober,
		ResultCache:   resultCache,
		ResourceCache: resourceCache,
		Rewriter:      rewriter,
		Collector:     collector,
		Redis:         redisClient,
	}, logger)

	metricsSrv := metricsserver.New(cfg.Server.MetricsListen, collector.PromHandler(), collector.SnapshotJSON, logger)
	metricsSrv.Start()

	// Background maintenance loops, all stopped through one context.
	maintCtx, maintCancel := context.WithCancel(context.Background())
	go pool.Run(maintCtx)
	go acquirer.Run(maintCtx)
	go watchdog.Run(maintCtx)
	go store.Run(maintCtx)
	if cfg.ResourceCache.Enabled {
		go resourceCache.Run(maintCtx)
	}

	prober.Start()

	// Start server in background goroutine
	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			serverErrCh <- err
		}
	}()

	// Wait briefly for the listener, then check it did not fail outright
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrCh:
		logger.Fatal("API server failed to start", zap.Error(err))
	default:
	}

	logger.Info("Capture service ready",
		zap.String("server_id", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.String("metrics_listen", cfg.Server.MetricsListen),
		zap.Int("browsers", pool.Stats().Size))

	// Switch to configured log level after startup is complete
	dynamicLogger.SwitchToConfiguredLevel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		logger.Error("Server error", zap.Error(err))
	}

	dynamicLogger.EnsureInfoLevelForShutdown()
	logger.Info("Shutting down gracefully...")

	// Stop intake first so the drains below only see in-flight work.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", zap.Error(err))
	}
	shutdownCancel()

	prober.Shutdown()

	// Let running batch items finish; jobs still open after the wait stay
	// persisted and are closed out as interrupted on the next start.
	batchCtx, batchCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.Shutdown(batchCtx); err != nil {
		logger.Error("Batch manager shutdown error", zap.Error(err))
	}
	batchCancel()

	maintCancel()
	pool.Shutdown()

	metricsCtx, metricsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := metricsSrv.Shutdown(metricsCtx); err != nil {
		logger.Error("Metrics server shutdown error", zap.Error(err))
	}
	metricsCancel()

	logger.Info("Capture service stopped")
	_ = logger.Sync()
}
