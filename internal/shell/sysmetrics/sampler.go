// Package sysmetrics samples host-wide CPU, memory, disk, load and uptime.
package sysmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// UnknownUptime is reported when host uptime cannot be read.
const UnknownUptime = "unknown"

// Config configures the sampler.
type Config struct {
	// DiskPath is the mount point whose usage is reported.
	// Default: "/".
	DiskPath string

	// TTL is how long a sample is served from cache.
	// Default: 5 minutes.
	TTL time.Duration

	// Timeout bounds each gopsutil query.
	// Default: 5 seconds.
	Timeout time.Duration

	// CPUInterval is the window CPU utilisation is measured over.
	// Default: 500 milliseconds.
	CPUInterval time.Duration
}

// Sampler reads host metrics with gopsutil and caches them for TTL.
type Sampler struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	cached *domain.SystemMetrics
	gen    uint64

	// Collection functions for mocking
	getCPUPercent func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	getMemStats   func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	getDiskUsage  func(ctx context.Context, path string) (*disk.UsageStat, error)
	getLoadAvg    func(ctx context.Context) (*load.AvgStat, error)
	getUptime     func(ctx context.Context) (uint64, error)
}

// New creates a sampler.
func New(config Config, logger *slog.Logger) *Sampler {
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	if config.TTL == 0 {
		config.TTL = 5 * time.Minute
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.CPUInterval == 0 {
		config.CPUInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		config:        config,
		logger:        logger.With("component", "sysmetrics"),
		now:           time.Now,
		getCPUPercent: cpu.PercentWithContext,
		getMemStats:   mem.VirtualMemoryWithContext,
		getDiskUsage:  disk.UsageWithContext,
		getLoadAvg:    load.AvgWithContext,
		getUptime:     host.UptimeWithContext,
	}
}

// Sample returns cached metrics when younger than TTL, otherwise collects a
// fresh sample. Concurrent callers share one collection.
func (s *Sampler) Sample(ctx context.Context) domain.SystemMetrics {
	s.mu.Lock()
	if s.cached != nil && s.now().Sub(s.cached.SampledAt) < s.config.TTL {
		m := *s.cached
		s.mu.Unlock()
		return m
	}
	gen := s.gen
	s.mu.Unlock()

	v, _, _ := s.group.Do("sample", func() (any, error) {
		m := s.collect(context.WithoutCancel(ctx))

		s.mu.Lock()
		if s.gen == gen {
			s.cached = &m
		}
		s.mu.Unlock()
		return m, nil
	})
	return v.(domain.SystemMetrics)
}

// Invalidate drops the cached sample.
func (s *Sampler) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.gen++
}

// collect runs every sub-query concurrently. A failed query leaves its field
// at the zero value or UnknownUptime.
func (s *Sampler) collect(ctx context.Context) domain.SystemMetrics {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout+s.config.CPUInterval)
	defer cancel()

	m := domain.SystemMetrics{Uptime: UnknownUptime}
	var g errgroup.Group

	g.Go(func() error {
		pct, err := s.getCPUPercent(ctx, s.config.CPUInterval, false)
		if err != nil || len(pct) == 0 {
			s.logger.Warn("failed to collect cpu usage", "error", err)
			return nil
		}
		m.CPUPercent = round1(pct[0])
		return nil
	})

	g.Go(func() error {
		v, err := s.getMemStats(ctx)
		if err != nil {
			s.logger.Warn("failed to collect memory stats", "error", err)
			return nil
		}
		m.Memory = domain.MemoryMetrics{
			Percent: round1(v.UsedPercent),
			UsedMB:  math.Round(float64(v.Used) / (1024 * 1024)),
			TotalMB: math.Round(float64(v.Total) / (1024 * 1024)),
		}
		return nil
	})

	g.Go(func() error {
		d, err := s.getDiskUsage(ctx, s.config.DiskPath)
		if err != nil {
			s.logger.Warn("failed to collect disk usage", "path", s.config.DiskPath, "error", err)
			return nil
		}
		m.DiskPercent = round1(d.UsedPercent)
		return nil
	})

	g.Go(func() error {
		l, err := s.getLoadAvg(ctx)
		if err != nil {
			s.logger.Warn("failed to collect load average", "error", err)
			return nil
		}
		m.LoadAverage = math.Round(l.Load1*100) / 100
		return nil
	})

	g.Go(func() error {
		secs, err := s.getUptime(ctx)
		if err != nil {
			s.logger.Warn("failed to collect host uptime", "error", err)
			return nil
		}
		m.Uptime = FormatUptime(time.Duration(secs) * time.Second)
		return nil
	})

	_ = g.Wait()
	m.SampledAt = s.now()
	return m
}

// FormatUptime renders d as "up 3 days, 4 hours, 12 minutes".
func FormatUptime(d time.Duration) string {
	total := int64(d.Minutes())
	days := total / (24 * 60)
	hours := (total % (24 * 60)) / 60
	minutes := total % 60

	out := "up"
	sep := " "
	if days > 0 {
		out += sep + plural(days, "day")
		sep = ", "
	}
	if hours > 0 {
		out += sep + plural(hours, "hour")
		sep = ", "
	}
	if minutes > 0 || (days == 0 && hours == 0) {
		out += sep + plural(minutes, "minute")
	}
	return out
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
