package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/status-poller/internal/models"
)

// CheckSource provides the latest persisted check per target.
// Implemented by *store.Store.
type CheckSource interface {
	LatestChecks(ctx context.Context) (map[string]models.Check, error)
}

// Warmer fills the cache from persisted checks so the dashboard has data
// before the first probe of each target lands.
type Warmer struct {
	source CheckSource
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewWarmer creates a Warmer. logger may be nil.
func NewWarmer(source CheckSource, c Cache, ttl time.Duration, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{source: source, cache: c, ttl: ttl, logger: logger}
}

// Warm loads the latest check of every target into the cache and returns how
// many were cached. Set failures are collected; the remaining targets are
// still warmed.
func (w *Warmer) Warm(ctx context.Context) (int, error) {
	start := time.Now()
	latest, err := w.source.LatestChecks(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache warming: %w", err)
	}

	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		warmed int
		failed []string
		last   error
	)
	for _, name := range names {
		if err := w.cache.Set(ctx, name, latest[name], w.ttl); err != nil {
			failed = append(failed, name)
			last = err
			continue
		}
		warmed++
	}

	w.logger.Info("cache warming complete",
		zap.Int("warmed", warmed),
		zap.Int("errors", len(failed)),
		zap.Duration("duration", time.Since(start)),
	)
	if len(failed) > 0 {
		return warmed, fmt.Errorf("cache warming: %d of %d targets failed %v: %w", len(failed), len(names), failed, last)
	}
	return warmed, nil
}
