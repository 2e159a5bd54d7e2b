// Package poller runs the background probe workers and the retention pruner.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/status-poller/internal/cache"
	"github.com/kjstillabower/status-poller/internal/client"
	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/observability"
	"github.com/kjstillabower/status-poller/internal/traffic"
)

var (
	// ErrUnknownTarget is returned by CheckNow for a name that is not scheduled.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrNotRunning is returned by CheckNow before Start or after Stop.
	ErrNotRunning = errors.New("scheduler not running")
)

// CheckRecorder persists checks. Implemented by *store.Store.
type CheckRecorder interface {
	RecordCheck(ctx context.Context, c models.Check) error
}

// Config tunes a Scheduler. Zero values get defaults.
type Config struct {
	// StartJitter delays each worker's first probe by a random amount up to this value.
	StartJitter time.Duration
	// MaxConcurrent bounds probes in flight across all targets.
	MaxConcurrent int
	CacheTTL      time.Duration
}

// Scheduler owns one worker goroutine per target.
type Scheduler struct {
	targets []models.Target
	byName  map[string]models.Target
	prober  client.Prober
	store   CheckRecorder
	cache   cache.Cache
	cfg     Config
	logger  *zap.Logger
	sem     *semaphore.Weighted
	flights singleflight.Group

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool

	statusMu   sync.Mutex
	lastStatus map[string]models.CheckStatus

	jitter func(max time.Duration) time.Duration
}

// NewScheduler creates a Scheduler for targets. c may be nil to skip caching.
func NewScheduler(targets []models.Target, prober client.Prober, store CheckRecorder, c cache.Cache, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]models.Target, len(targets))
	for _, t := range targets {
		byName[t.Name] = t
	}
	return &Scheduler{
		targets:    targets,
		byName:     byName,
		prober:     prober,
		store:      store,
		cache:      c,
		cfg:        cfg,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		lastStatus: make(map[string]models.CheckStatus),
		jitter:     randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Seed records the last known status per target so the first probe after a
// restart only logs a transition when the status actually changed.
func (s *Scheduler) Seed(latest map[string]models.Check) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for name, c := range latest {
		s.lastStatus[name] = c.Status
	}
}

// Start launches the workers. Calling Start twice, or after Stop, is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrNotRunning
	}
	if s.runCtx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.group = &errgroup.Group{}
	for _, t := range s.targets {
		t := t
		s.group.Go(func() error {
			s.worker(s.runCtx, t)
			return nil
		})
	}
	s.logger.Info("scheduler started",
		zap.Int("targets", len(s.targets)),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
	)
	return nil
}

// Stop cancels all workers and waits for them to exit. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) running() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil || s.stopped {
		return nil, false
	}
	return s.runCtx, true
}

func (s *Scheduler) worker(ctx context.Context, t models.Target) {
	observability.SchedulerWorkers.Inc()
	defer observability.SchedulerWorkers.Dec()

	if d := s.jitter(s.cfg.StartJitter); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	s.logger.Debug("worker started", zap.String("target", t.Name), zap.Duration("interval", t.Interval))
	s.runShared(ctx, t, uuid.NewString())

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runShared(ctx, t, uuid.NewString())
		}
	}
}

// runShared probes t, joining an in-flight probe of the same target if one exists.
func (s *Scheduler) runShared(ctx context.Context, t models.Target, corrID string) (models.Check, bool, error) {
	v, err, shared := s.flights.Do(t.Name, func() (any, error) {
		return s.probe(observability.ContextWithCorrelationID(ctx, corrID), t)
	})
	if err != nil {
		return models.Check{}, shared, err
	}
	return v.(models.Check), shared, nil
}

// CheckNow probes name immediately and returns the resulting check. A down
// check is a result, not an error. Callers that arrive while a probe of the
// same target is running share its result. The probe itself runs on the
// scheduler's context, so it completes and persists even if ctx ends first.
func (s *Scheduler) CheckNow(ctx context.Context, name string) (models.Check, error) {
	t, ok := s.byName[name]
	if !ok {
		return models.Check{}, fmt.Errorf("%s: %w", name, ErrUnknownTarget)
	}
	runCtx, ok := s.running()
	if !ok {
		return models.Check{}, ErrNotRunning
	}

	corrID := observability.CorrelationIDFromContext(ctx)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	ch := s.flights.DoChan(t.Name, func() (any, error) {
		return s.probe(observability.ContextWithCorrelationID(runCtx, corrID), t)
	})

	select {
	case <-ctx.Done():
		observability.ManualChecksTotal.WithLabelValues("error").Inc()
		return models.Check{}, fmt.Errorf("check %s: %w", name, ctx.Err())
	case res := <-ch:
		if res.Shared {
			observability.CoalescedChecksTotal.Inc()
		}
		if res.Err != nil {
			observability.ManualChecksTotal.WithLabelValues("error").Inc()
			return models.Check{}, fmt.Errorf("check %s: %w", name, res.Err)
		}
		check := res.Val.(models.Check)
		observability.ManualChecksTotal.WithLabelValues(string(check.Status)).Inc()
		return check, nil
	}
}

// probe runs one check and records it. It returns an error only when the
// probe could not run (shutdown); a failed probe is a down check.
func (s *Scheduler) probe(ctx context.Context, t models.Target) (models.Check, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return models.Check{}, fmt.Errorf("acquire probe slot: %w", err)
	}
	check, probeErr := s.prober.Probe(ctx, t)
	s.sem.Release(1)

	logger := s.logger.With(
		zap.String("target", t.Name),
		zap.String("correlation_id", observability.CorrelationIDFromContext(ctx)),
	)
	if ctx.Err() != nil {
		logger.Debug("probe abandoned on shutdown", zap.Error(probeErr))
		return models.Check{}, ctx.Err()
	}

	s.record(ctx, logger, check)
	if probeErr != nil {
		logger.Debug("probe failed",
			zap.String("category", check.ErrorCategory),
			zap.Int("status_code", check.StatusCode),
			zap.Error(probeErr),
		)
	}
	return check, nil
}

func (s *Scheduler) record(ctx context.Context, logger *zap.Logger, check models.Check) {
	if err := s.store.RecordCheck(ctx, check); err != nil {
		logger.Error("persist check failed", zap.String("check_id", check.ID), zap.Error(err))
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, check.Target, check, s.cfg.CacheTTL); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			logger.Warn("cache set failed", zap.Error(err))
		}
	}
	traffic.RecordProbe(check.Status == models.StatusUp)
	observability.RecordProbe(check)
	s.logTransition(logger, check)
}

func (s *Scheduler) logTransition(logger *zap.Logger, check models.Check) {
	s.statusMu.Lock()
	prev, seen := s.lastStatus[check.Target]
	s.lastStatus[check.Target] = check.Status
	s.statusMu.Unlock()

	if seen && prev == check.Status {
		return
	}
	switch check.Status {
	case models.StatusDown:
		logger.Warn("target down",
			zap.String("previous", string(prev)),
			zap.String("category", check.ErrorCategory),
			zap.String("error", check.Error),
		)
	case models.StatusUp:
		if seen {
			logger.Info("target recovered", zap.Duration("latency", check.Latency))
		} else {
			logger.Info("target up", zap.Duration("latency", check.Latency))
		}
	}
}
