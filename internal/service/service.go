package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/status-poller/internal/cache"
	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/observability"
	"github.com/kjstillabower/status-poller/internal/poller"
	"github.com/kjstillabower/status-poller/internal/store"
)

// ErrTargetNotFound is returned for names that are not configured.
var ErrTargetNotFound = errors.New("target not found")

// Store is the read side of the check store. Implemented by *store.Store.
type Store interface {
	ListTargets(ctx context.Context) ([]models.Target, error)
	GetTarget(ctx context.Context, name string) (models.Target, error)
	LatestCheck(ctx context.Context, name string) (models.Check, error)
	History(ctx context.Context, name string, limit int) ([]models.Check, error)
	Uptime(ctx context.Context, name string, since time.Time) (up, total int, err error)
	ConsecutiveFailures(ctx context.Context, name string) (int, error)
}

// Checker runs an on-demand probe. Implemented by *poller.Scheduler.
type Checker interface {
	CheckNow(ctx context.Context, name string) (models.Check, error)
}

// Options configures a StatusService.
type Options struct {
	CacheTTL time.Duration
	// Window is the span uptime is computed over.
	Window time.Duration
	// StaleFactor flags a target stale when its last check is older than StaleFactor*Interval.
	StaleFactor int
}

// StatusService answers status queries from the latest-status cache with the
// store as source of truth.
type StatusService struct {
	store   Store
	cache   cache.Cache
	checker Checker
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// NewStatusService creates a StatusService. logger may be nil.
func NewStatusService(st Store, c cache.Cache, checker Checker, opts Options, logger *zap.Logger) *StatusService {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.StaleFactor <= 0 {
		opts.StaleFactor = 3
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusService{store: st, cache: c, checker: checker, opts: opts, logger: logger, now: time.Now}
}

// Overview returns every target with its derived status, sorted by name.
func (s *StatusService) Overview(ctx context.Context) (models.Summary, error) {
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return models.Summary{}, fmt.Errorf("overview: %w", err)
	}

	summary := models.Summary{
		Targets:     make([]models.TargetStatus, 0, len(targets)),
		Window:      s.opts.Window.String(),
		GeneratedAt: s.now().UTC(),
	}
	for _, t := range targets {
		ts, err := s.targetStatus(ctx, t)
		if err != nil {
			return models.Summary{}, fmt.Errorf("overview: %w", err)
		}
		switch ts.Status {
		case models.StatusUp:
			summary.Up++
		case models.StatusDown:
			summary.Down++
		default:
			summary.Unknown++
		}
		summary.Targets = append(summary.Targets, ts)
	}
	return summary, nil
}

// TargetDetail returns the status of name and up to limit recent checks, newest first.
func (s *StatusService) TargetDetail(ctx context.Context, name string, limit int) (models.TargetStatus, []models.Check, error) {
	t, err := s.store.GetTarget(ctx, name)
	if err != nil {
		return models.TargetStatus{}, nil, s.mapNotFound(name, err)
	}
	ts, err := s.targetStatus(ctx, t)
	if err != nil {
		return models.TargetStatus{}, nil, err
	}
	history, err := s.store.History(ctx, name, limit)
	if err != nil {
		return models.TargetStatus{}, nil, fmt.Errorf("target detail %s: %w", name, err)
	}
	return ts, history, nil
}

// CheckNow probes name immediately.
func (s *StatusService) CheckNow(ctx context.Context, name string) (models.Check, error) {
	if _, err := s.store.GetTarget(ctx, name); err != nil {
		return models.Check{}, s.mapNotFound(name, err)
	}
	check, err := s.checker.CheckNow(ctx, name)
	if errors.Is(err, poller.ErrUnknownTarget) {
		return models.Check{}, fmt.Errorf("%w: %s", ErrTargetNotFound, name)
	}
	if err != nil {
		return models.Check{}, err
	}
	observability.LoggerFromContext(ctx, s.logger).Info("manual check",
		zap.String("target", name),
		zap.String("status", string(check.Status)),
		zap.Duration("latency", check.Latency),
	)
	return check, nil
}

func (s *StatusService) mapNotFound(name string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrTargetNotFound, err)
	}
	return fmt.Errorf("target %s: %w", name, err)
}

func (s *StatusService) targetStatus(ctx context.Context, t models.Target) (models.TargetStatus, error) {
	ts := models.TargetStatus{Target: t, Status: models.StatusUnknown}

	last, ok, err := s.latest(ctx, t.Name)
	if err != nil {
		return models.TargetStatus{}, err
	}
	now := s.now()
	if ok {
		ts.LastCheck = &last
		ts.Status = last.Status
		ts.Stale = now.Sub(last.CheckedAt) > time.Duration(s.opts.StaleFactor)*t.Interval
	}

	up, total, err := s.store.Uptime(ctx, t.Name, now.Add(-s.opts.Window))
	if err != nil {
		return models.TargetStatus{}, err
	}
	if total > 0 {
		pct := float64(up) * 100 / float64(total)
		ts.UptimePct = &pct
	}

	ts.ConsecutiveFailures, err = s.store.ConsecutiveFailures(ctx, t.Name)
	if err != nil {
		return models.TargetStatus{}, err
	}
	return ts, nil
}

// latest reads the cache first and falls back to the store, refilling the cache.
// Cache errors are counted and treated as misses.
func (s *StatusService) latest(ctx context.Context, name string) (models.Check, bool, error) {
	logger := observability.LoggerFromContext(ctx, s.logger)
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, name)
		switch {
		case err != nil:
			observability.CacheErrorsTotal.WithLabelValues("get").Inc()
			logger.Warn("cache get failed", zap.String("target", name), zap.Error(err))
		case ok:
			observability.CacheHitsTotal.Inc()
			return cached, true, nil
		default:
			observability.CacheMissesTotal.Inc()
		}
	}

	check, err := s.store.LatestCheck(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return models.Check{}, false, nil
	}
	if err != nil {
		return models.Check{}, false, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, name, check, s.opts.CacheTTL); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("set").Inc()
			logger.Debug("cache refill failed", zap.String("target", name), zap.Error(err))
		}
	}
	return check, true, nil
}
