package probe

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcStats is a point-in-time OS reading for one pid.
type ProcStats struct {
	CPUPercent    float64
	MemoryPercent float64
	RSSBytes      uint64
	CreatedAt     time.Time
}

// ResourceSampler reads CPU, memory and uptime for a resolved process.
type ResourceSampler struct {
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// Collection functions for mocking
	readProcess func(ctx context.Context, pid int) (*ProcStats, error)
	totalMemory func(ctx context.Context) (uint64, error)
}

// NewResourceSampler creates a sampler backed by gopsutil.
func NewResourceSampler(config Config, logger *slog.Logger) *ResourceSampler {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceSampler{
		timeout:     config.Timeout,
		logger:      logger.With("component", "resource_sampler"),
		now:         time.Now,
		readProcess: readProcess,
		totalMemory: totalMemory,
	}
}

// Sample returns resource usage for sample's process, or nil when unknown.
// Manager counters are used as-is; otherwise the OS is queried.
func (s *ResourceSampler) Sample(ctx context.Context, sample *domain.ProcessSample) *domain.ResourceSample {
	if sample == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if sample.ManagedExternally && sample.Counters != nil {
		return s.fromCounters(ctx, sample)
	}

	if !sample.HasPID() {
		return nil
	}

	st, err := s.readProcess(ctx, *sample.PID)
	if err != nil {
		s.logger.Debug("process sample failed", "pid", *sample.PID, "error", err)
		return nil
	}

	res := &domain.ResourceSample{
		CPUPercent:    round2(st.CPUPercent),
		MemoryPercent: round2(st.MemoryPercent),
		MemoryMB:      bytesToMB(st.RSSBytes),
	}
	started := st.CreatedAt
	if sample.StartedAt != nil {
		started = *sample.StartedAt
	}
	s.setUptime(res, started)
	return res
}

func (s *ResourceSampler) fromCounters(ctx context.Context, sample *domain.ProcessSample) *domain.ResourceSample {
	c := sample.Counters
	res := &domain.ResourceSample{
		CPUPercent: round2(c.CPUPercent),
		MemoryMB:   bytesToMB(c.MemoryBytes),
	}

	switch {
	case c.MemoryPercent > 0:
		res.MemoryPercent = round2(c.MemoryPercent)
	case c.MemoryBytes > 0:
		total, err := s.totalMemory(ctx)
		if err != nil || total == 0 {
			s.logger.Debug("total memory unavailable", "error", err)
			break
		}
		res.MemoryPercent = round2(float64(c.MemoryBytes) / float64(total) * 100)
	}

	if sample.StartedAt != nil {
		s.setUptime(res, *sample.StartedAt)
	}
	return res
}

func (s *ResourceSampler) setUptime(res *domain.ResourceSample, started time.Time) {
	if started.IsZero() {
		return
	}
	elapsed := s.now().Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}
	res.UptimeSeconds = int64(elapsed.Seconds())
	res.Uptime = FormatElapsed(elapsed)
}

// FormatElapsed renders d like ps etime: [d-]hh:mm:ss.
func FormatElapsed(d time.Duration) string {
	total := int64(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

func bytesToMB(b uint64) float64 {
	return round2(float64(b) / (1024 * 1024))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// =============================================================================
// gopsutil readers
// =============================================================================

func readProcess(ctx context.Context, pid int) (*ProcStats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	st := &ProcStats{}
	if st.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
		return nil, err
	}
	if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
		st.MemoryPercent = float64(pct)
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		st.RSSBytes = mi.RSS
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		st.CreatedAt = time.UnixMilli(ms)
	}
	return st, nil
}

func totalMemory(ctx context.Context) (uint64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.Total, nil
}
