package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventPruner is the journal as seen by the retention worker.
type EventPruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// RetentionConfig configures the journal retention worker.
type RetentionConfig struct {
	// Interval is the time between prune passes.
	// Default: 1 hour.
	Interval time.Duration

	// MaxAge is how long journal entries are kept.
	// Default: 30 days.
	MaxAge time.Duration
}

// Retention deletes journal entries older than MaxAge.
type Retention struct {
	store  EventPruner
	config RetentionConfig
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetention creates a new retention worker.
func NewRetention(store EventPruner, config RetentionConfig, logger *slog.Logger) *Retention {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.MaxAge == 0 {
		config.MaxAge = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		store:  store,
		config: config,
		logger: logger.With("component", "retention"),
		now:    time.Now,
	}
}

// Start begins the retention background goroutine.
func (r *Retention) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.PruneNow(r.ctx)

		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.PruneNow(r.ctx)
			}
		}
	}()

	r.logger.Info("retention started", "interval", r.config.Interval, "max_age", r.config.MaxAge)
}

// Stop stops the worker.
func (r *Retention) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("retention stopped")
}

// PruneNow runs one prune pass and returns the number of deleted entries.
func (r *Retention) PruneNow(ctx context.Context) int64 {
	cutoff := r.now().Add(-r.config.MaxAge)
	n, err := r.store.PruneEvents(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to prune events", "error", err, "cutoff", cutoff)
		return 0
	}
	if n > 0 {
		r.logger.Info("pruned journal entries", "count", n, "cutoff", cutoff)
	}
	return n
}
