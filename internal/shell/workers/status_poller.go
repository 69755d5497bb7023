// Package workers contains background workers for GSM.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/status"
)

// StatusSource is the status cache as seen by the poller.
type StatusSource interface {
	Get(ctx context.Context, forceRefresh bool) (*domain.AggregateStatus, status.Freshness, error)
}

// StatusPollerConfig configures the status poller worker.
type StatusPollerConfig struct {
	// Interval is the time between polls. Polls inside the cache TTL are
	// served from the cache, so the effective refresh rate is the slower of
	// Interval and the TTL.
	// Default: 60 seconds.
	Interval time.Duration

	// Timeout bounds a single poll.
	// Default: 30 seconds.
	Timeout time.Duration
}

// DefaultStatusPollerConfig returns the default configuration.
func DefaultStatusPollerConfig() StatusPollerConfig {
	return StatusPollerConfig{
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
	}
}

// StatusPoller keeps the status cache warm so state transitions are
// detected, and alerted on, even when no client is asking.
type StatusPoller struct {
	source StatusSource
	config StatusPollerConfig
	logger *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusPoller creates a new status poller worker.
func NewStatusPoller(source StatusSource, config StatusPollerConfig, logger *slog.Logger) *StatusPoller {
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &StatusPoller{
		source: source,
		config: config,
		logger: logger.With("component", "status_poller"),
	}
}

// Start begins the poller background goroutine.
func (p *StatusPoller) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go p.run()

	p.logger.Info("status poller started", "interval", p.config.Interval)
}

// Stop stops the poller and waits for an in-progress poll to return.
func (p *StatusPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("status poller stopped")
}

func (p *StatusPoller) run() {
	defer p.wg.Done()

	// Run immediately on start
	p.poll()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// poll reads the aggregate once. A stale cache triggers a refresh, which in
// turn notifies the cache observers.
func (p *StatusPoller) poll() {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
	defer cancel()

	agg, fresh, err := p.source.Get(ctx, false)
	if err != nil {
		if p.ctx.Err() == nil {
			p.logger.Error("status poll failed", "error", err)
		}
		return
	}

	p.logger.Debug("status polled",
		"cached", fresh.Cached,
		"running", agg.Summary.Running,
		"total", agg.Summary.Total,
	)
}
