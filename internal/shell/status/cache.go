// Package status computes and caches the aggregate health of the configured
// game servers.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/core/monitoring"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Dependencies
// =============================================================================

// ProcessProbe checks port liveness and resolves processes.
type ProcessProbe interface {
	IsPortBound(ctx context.Context, port int) bool
	FindProcess(ctx context.Context, server domain.ServerConfig) *domain.ProcessSample
}

// ResourceSampler reads usage for a resolved process.
type ResourceSampler interface {
	Sample(ctx context.Context, process *domain.ProcessSample) *domain.ResourceSample
}

// LogTailer returns recent server output.
type LogTailer interface {
	Tail(ctx context.Context, server domain.ServerConfig, maxLines int) []string
}

// SystemSampler reads host metrics.
type SystemSampler interface {
	Sample(ctx context.Context) domain.SystemMetrics
	Invalidate()
}

// Observer is notified after every fresh computation. Implementations must
// return quickly; they run on the refresh goroutine.
type Observer interface {
	OnStatusComputed(prev, cur *domain.AggregateStatus)
}

// Recorder receives refresh timings and cache hit counts.
type Recorder interface {
	RecordRefresh(d time.Duration)
	RecordCacheHit()
}

// =============================================================================
// Cache
// =============================================================================

// Config configures the status cache.
type Config struct {
	// TTL is how long an aggregate is served without recomputation.
	// Default: 5 minutes.
	TTL time.Duration

	// RefreshTimeout bounds a full refresh. The refresh runs detached from
	// the caller, so abandoned requests still populate the cache.
	// Default: 30 seconds.
	RefreshTimeout time.Duration

	// MaxConcurrent bounds per-server pipelines running at once.
	// Default: 8.
	MaxConcurrent int

	// LogLines is how many log lines are read to decide log presence.
	// Default: 5.
	LogLines int

	Thresholds monitoring.Thresholds
}

// Freshness describes how a Get result was produced.
type Freshness struct {
	Cached bool
	Age    time.Duration
}

type snapshot struct {
	status *domain.AggregateStatus
	gen    uint64
}

// Cache memoizes the aggregate status for TTL with at most one refresh in
// flight.
type Cache struct {
	servers *domain.ServerSet
	probe   ProcessProbe
	sampler ResourceSampler
	logs    LogTailer
	system  SystemSampler
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	group   singleflight.Group
	current atomic.Pointer[snapshot]
	gen     atomic.Uint64

	// publishMu orders publication and observer notification across
	// flights of different generations.
	publishMu sync.Mutex

	mu        sync.RWMutex
	observers []Observer
	recorder  Recorder
}

// New creates a status cache.
func New(servers *domain.ServerSet, probe ProcessProbe, sampler ResourceSampler, logs LogTailer, system SystemSampler, config Config, logger *slog.Logger) *Cache {
	if config.TTL == 0 {
		config.TTL = 5 * time.Minute
	}
	if config.RefreshTimeout == 0 {
		config.RefreshTimeout = 30 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}
	if config.LogLines <= 0 {
		config.LogLines = 5
	}
	if config.Thresholds == (monitoring.Thresholds{}) {
		config.Thresholds = monitoring.DefaultThresholds()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		servers: servers,
		probe:   probe,
		sampler: sampler,
		logs:    logs,
		system:  system,
		config:  config,
		logger:  logger.With("component", "status_cache"),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Subscribe registers an observer for fresh computations.
func (c *Cache) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// SetRecorder registers a metrics recorder.
func (c *Cache) SetRecorder(r Recorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration {
	return c.config.TTL
}

// Servers returns the configured server set.
func (c *Cache) Servers() *domain.ServerSet {
	return c.servers
}

// Get returns the aggregate status, recomputing when it is stale, was
// invalidated, or forceRefresh is set. Concurrent callers share one refresh
// per generation, so a call made after Invalidate never joins a refresh that
// started before it.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) (*domain.AggregateStatus, Freshness, error) {
	if !forceRefresh {
		if snap := c.current.Load(); snap != nil && c.fresh(snap) {
			if r := c.getRecorder(); r != nil {
				r.RecordCacheHit()
			}
			return snap.status, Freshness{Cached: true, Age: c.now().Sub(snap.status.ComputedAt)}, nil
		}
	}

	gen := c.gen.Load()
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), gen), nil
	})

	select {
	case res := <-ch:
		return res.Val.(*domain.AggregateStatus), Freshness{}, nil
	case <-ctx.Done():
		return nil, Freshness{}, ctx.Err()
	}
}

// Peek returns the last published aggregate without triggering a refresh.
func (c *Cache) Peek() *domain.AggregateStatus {
	if snap := c.current.Load(); snap != nil {
		return snap.status
	}
	return nil
}

// Invalidate forces the next Get to recompute. A refresh already in flight
// publishes a result that is considered stale on arrival.
func (c *Cache) Invalidate() {
	c.gen.Add(1)
	if c.system != nil {
		c.system.Invalidate()
	}
	c.logger.Debug("status cache invalidated")
}

func (c *Cache) fresh(snap *snapshot) bool {
	return snap.gen == c.gen.Load() && c.now().Sub(snap.status.ComputedAt) < c.config.TTL
}

func (c *Cache) getRecorder() Recorder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recorder
}

// refresh computes a new aggregate for generation gen, publishes it and
// notifies observers. A result overtaken by a newer generation is returned
// to its callers but not published.
func (c *Cache) refresh(ctx context.Context, gen uint64) *domain.AggregateStatus {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.config.RefreshTimeout)
	defer cancel()

	servers := c.servers.All()
	results := make([]domain.ServerStatus, len(servers))

	var (
		system   domain.SystemMetrics
		systemWG sync.WaitGroup
	)
	systemWG.Add(1)
	go func() {
		defer systemWG.Done()
		if c.system != nil {
			system = c.system.Sample(ctx)
		}
	}()

	g := new(errgroup.Group)
	g.SetLimit(c.config.MaxConcurrent)
	for i, srv := range servers {
		g.Go(func() error {
			results[i] = c.computeServer(ctx, srv)
			return nil
		})
	}
	_ = g.Wait()
	systemWG.Wait()

	agg := &domain.AggregateStatus{
		Servers:       make(map[int]domain.ServerStatus, len(results)),
		SystemMetrics: system,
		ComputedAt:    c.now(),
	}
	for _, st := range results {
		agg.Servers[st.Port] = st
	}
	agg.Summary = monitoring.Summarize(agg.Servers)

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	prev := c.current.Load()
	if prev != nil && prev.gen > gen {
		c.logger.Debug("discarding status overtaken by a newer refresh", "generation", gen)
		return agg
	}
	c.current.Store(&snapshot{status: agg, gen: gen})

	elapsed := time.Since(start)
	c.logger.Info("status refreshed",
		"servers", agg.Summary.Total,
		"running", agg.Summary.Running,
		"critical", agg.Summary.Critical,
		"duration", elapsed,
	)

	c.mu.RLock()
	observers := c.observers
	recorder := c.recorder
	c.mu.RUnlock()

	if recorder != nil {
		recorder.RecordRefresh(elapsed)
	}
	var prevStatus *domain.AggregateStatus
	if prev != nil {
		prevStatus = prev.status
	}
	for _, o := range observers {
		o.OnStatusComputed(prevStatus, agg)
	}
	return agg
}

// =============================================================================
// Per-Server Pipeline
// =============================================================================

// computeServer runs probe, sample, tail and score for one server. Panics and
// timeouts degrade the entry to an error status.
func (c *Cache) computeServer(ctx context.Context, server domain.ServerConfig) (st domain.ServerStatus) {
	st = domain.ServerStatus{
		Port: server.Port,
		Name: server.Name,
		Type: server.Type,
	}
	if server.Manager != nil {
		st.Manager = server.Manager.String()
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("server status pipeline panicked", "server", server.Name, "port", server.Port, "panic", r)
			st = errorStatus(st, fmt.Errorf("status pipeline panicked: %v", r), c.now())
		}
	}()

	running := c.probe.IsPortBound(ctx, server.Port)

	var (
		proc *domain.ProcessSample
		res  *domain.ResourceSample
	)
	if running {
		proc = c.probe.FindProcess(ctx, server)
		res = c.sampler.Sample(ctx, proc)
	}
	logs := c.logs.Tail(ctx, server, c.config.LogLines)

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("status refresh timed out after %s", c.config.RefreshTimeout)
		}
		c.logger.Warn("server status incomplete", "server", server.Name, "error", err)
		return errorStatus(st, err, c.now())
	}

	return c.assemble(st, running, proc, res, logs)
}

func (c *Cache) assemble(st domain.ServerStatus, running bool, proc *domain.ProcessSample, res *domain.ResourceSample, logs []string) domain.ServerStatus {
	st.Running = running
	st.Status = domain.StateStopped
	if running {
		st.Status = domain.StateRunning
	}
	st.Process = proc
	st.Resources = res
	st.LogCount = len(logs)
	st.RecentLogAvailable = len(logs) > 0
	st.HealthScore, st.HealthTier = c.config.Thresholds.Score(running, res, st.RecentLogAvailable)
	if proc != nil {
		st.ManagedBy = domain.ManagedByDirect
		if proc.ManagedExternally {
			st.ManagedBy = domain.ManagedByExternal
		}
	}
	st.LastChecked = c.now()
	return st
}

func errorStatus(st domain.ServerStatus, err error, at time.Time) domain.ServerStatus {
	st.Running = false
	st.Status = domain.StateError
	st.HealthScore = 0
	st.HealthTier = domain.HealthTierCritical
	st.Process = nil
	st.Resources = nil
	st.Error = err.Error()
	st.LastChecked = at
	return st
}
