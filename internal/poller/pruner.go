package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/status-poller/internal/observability"
)

// CheckPruner deletes checks older than a cutoff. Implemented by *store.Store.
type CheckPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Pruner enforces check retention on a fixed interval.
type Pruner struct {
	store    CheckPruner
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewPruner creates a Pruner. logger may be nil.
func NewPruner(store CheckPruner, maxAge, interval time.Duration, logger *zap.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{store: store, maxAge: maxAge, interval: interval, logger: logger, now: time.Now}
}

// PruneOnce deletes checks older than maxAge. A non-positive maxAge keeps everything.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	if p.maxAge <= 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.maxAge)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	observability.ChecksPrunedTotal.Add(float64(n))
	if n > 0 {
		p.logger.Info("pruned checks", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Run prunes immediately, then every interval until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	if _, err := p.PruneOnce(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("initial prune failed", zap.Error(err))
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PruneOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("periodic prune failed", zap.Error(err))
			}
		}
	}
}
