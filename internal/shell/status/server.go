package status

import (
	"context"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/core/monitoring"
)

// RecentLogCount is how many of the read lines a server health view returns.
const RecentLogCount = 5

// ServerHealth is a freshly probed view of one server.
type ServerHealth struct {
	Status          domain.ServerStatus         `json:"status"`
	RecentLogs      []string                    `json:"recentLogs"`
	Recommendations []monitoring.Recommendation `json:"recommendations"`
}

// Server probes one server directly, bypassing the cache. logLines lines are
// read for scoring and the last RecentLogCount are returned.
func (c *Cache) Server(ctx context.Context, port, logLines int) (*ServerHealth, error) {
	server, ok := c.servers.Get(port)
	if !ok {
		return nil, domain.ErrServerNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RefreshTimeout)
	defer cancel()

	st := domain.ServerStatus{
		Port: server.Port,
		Name: server.Name,
		Type: server.Type,
	}
	if server.Manager != nil {
		st.Manager = server.Manager.String()
	}

	running := c.probe.IsPortBound(ctx, server.Port)
	var (
		proc *domain.ProcessSample
		res  *domain.ResourceSample
	)
	if running {
		proc = c.probe.FindProcess(ctx, server)
		res = c.sampler.Sample(ctx, proc)
	}
	logs := c.logs.Tail(ctx, server, logLines)
	st = c.assemble(st, running, proc, res, logs)

	recent := logs
	if len(recent) > RecentLogCount {
		recent = recent[len(recent)-RecentLogCount:]
	}
	if recent == nil {
		recent = []string{}
	}

	return &ServerHealth{
		Status:          st,
		RecentLogs:      recent,
		Recommendations: monitoring.Recommendations(running, res, st.HealthScore),
	}, nil
}
