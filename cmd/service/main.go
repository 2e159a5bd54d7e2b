package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/status-poller/internal/cache"
	"github.com/kjstillabower/status-poller/internal/circuitbreaker"
	"github.com/kjstillabower/status-poller/internal/client"
	"github.com/kjstillabower/status-poller/internal/config"
	httphandler "github.com/kjstillabower/status-poller/internal/http"
	"github.com/kjstillabower/status-poller/internal/lifecycle"
	"github.com/kjstillabower/status-poller/internal/observability"
	"github.com/kjstillabower/status-poller/internal/poller"
	"github.com/kjstillabower/status-poller/internal/service"
	"github.com/kjstillabower/status-poller/internal/store"
	"github.com/kjstillabower/status-poller/internal/traffic"
)

// closingCache is a cache backend that holds network connections.
type closingCache interface {
	cache.Cache
	cache.Pinger
	Close() error
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath, store.Config{
		BusyTimeout:  cfg.DatabaseBusyTimeout,
		MaxOpenConns: cfg.DatabaseMaxConns,
	})
	if err != nil {
		logger.Fatal("store", zap.Error(err), zap.String("path", cfg.DatabasePath))
	}
	if err := st.SyncTargets(ctx, cfg.Targets); err != nil {
		logger.Fatal("sync targets", zap.Error(err))
	}
	logger.Info("store ready", zap.String("path", cfg.DatabasePath), zap.Int("targets", len(cfg.Targets)))

	var cacheSvc cache.Cache
	var netCache closingCache
	switch cfg.CacheBackend {
	case "memcached":
		netCache = cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		cacheSvc = netCache
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "redis":
		netCache = cache.NewRedisCache(cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  cfg.RedisTimeout,
		})
		cacheSvc = netCache
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	prober := client.NewHTTPProber(client.Options{
		DefaultTimeout: cfg.PollTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		UserAgent:      cfg.UserAgent,
	})
	if cfg.CircuitBreakerEnabled {
		breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(name, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(name, observability.CircuitBreakerStateValue(int(to)))
				logger.Warn("circuit breaker state change",
					zap.String("target", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		for _, t := range cfg.Targets {
			observability.SetCircuitBreakerStateGauge(t.Name, 0)
		}
		prober.SetCircuitBreakers(breakers)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	latest, err := st.LatestChecks(ctx)
	if err != nil {
		logger.Warn("load latest checks failed", zap.Error(err))
	}
	warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
	if _, err := cache.NewWarmer(st, cacheSvc, cfg.CacheTTL, logger).Warm(warmCtx); err != nil {
		logger.Warn("cache warming failed", zap.Error(err))
	}
	warmCancel()

	scheduler := poller.NewScheduler(cfg.Targets, prober, st, cacheSvc, poller.Config{
		StartJitter:   cfg.PollStartJitter,
		MaxConcurrent: cfg.PollMaxConcurrent,
		CacheTTL:      cfg.CacheTTL,
	}, logger)
	scheduler.Seed(latest)
	if err := scheduler.Start(context.Background()); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	var pruneWG sync.WaitGroup
	pruneWG.Add(1)
	go func() {
		defer pruneWG.Done()
		pruner := poller.NewPruner(st, cfg.RetentionMaxAge, cfg.RetentionPruneInterval, logger)
		if err := pruner.Run(pruneCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("pruner stopped", zap.Error(err))
		}
	}()

	statusSvc := service.NewStatusService(st, cacheSvc, scheduler, service.Options{
		CacheTTL:    cfg.CacheTTL,
		Window:      cfg.SummaryWindow,
		StaleFactor: cfg.StaleFactor,
	}, logger)

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		StorePing:        st.Ping,
	}
	if netCache != nil {
		healthConfig.CachePing = netCache.Ping
	}
	handler := httphandler.NewHandler(statusSvc, healthConfig, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		CheckTimeout: cfg.RequestTimeout,
		Limiter:      limiter,
	}, logger)

	traffic.EnsureMaxAge(cfg.DegradedWindow)
	observability.RegisterTrafficGauges(cfg.DegradedWindow)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	scheduler.Stop()
	pruneCancel()
	pruneWG.Wait()

	if netCache != nil {
		if err := netCache.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
