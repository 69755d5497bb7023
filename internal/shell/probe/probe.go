// Package probe answers two questions about a configured game server: is its
// port bound, and which process serves it.
package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/procmgr"
	"github.com/shirou/gopsutil/v3/net"
)

// Config configures probing.
type Config struct {
	// Timeout bounds every individual OS or manager query.
	// Default: 5 seconds.
	Timeout time.Duration
}

// Probe checks port liveness and resolves server processes.
type Probe struct {
	resolvers []Resolver
	timeout   time.Duration
	logger    *slog.Logger

	// Collection function for mocking
	listConnections func(ctx context.Context, kind string) ([]net.ConnectionStat, error)
}

// New creates a probe that resolves processes through resolvers in order.
func New(config Config, logger *slog.Logger, resolvers ...Resolver) *Probe {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		resolvers:       resolvers,
		timeout:         config.Timeout,
		logger:          logger.With("component", "probe"),
		listConnections: net.ConnectionsWithContext,
	}
}

// NewDefault creates a probe with the managed resolver backed by registry,
// falling back to the heuristic resolver over the OS process table.
func NewDefault(config Config, registry *procmgr.Registry, logger *slog.Logger) *Probe {
	return New(config, logger,
		NewManagedResolver(registry),
		NewHeuristicResolver(procmgr.NewOSProcessTable()),
	)
}

// IsPortBound reports whether a TCP socket is listening on port or a UDP
// socket is bound to it. Query failures count as not bound.
func (p *Probe) IsPortBound(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conns, err := p.listConnections(ctx, "inet")
	if err != nil {
		p.logger.Debug("connection list failed", "port", port, "error", err)
		return false
	}
	return portBound(conns, port)
}

// Unreal dedicated servers bind UDP only, so an unconnected UDP socket counts.
func portBound(conns []net.ConnectionStat, port int) bool {
	for _, c := range conns {
		if int(c.Laddr.Port) != port {
			continue
		}
		switch c.Type {
		case sockStream:
			if c.Status == "LISTEN" {
				return true
			}
		case sockDgram:
			return true
		}
	}
	return false
}

const (
	sockStream = 1
	sockDgram  = 2
)

// FindProcess returns the first resolver's answer, or nil when no resolver
// finds the server.
func (p *Probe) FindProcess(ctx context.Context, server domain.ServerConfig) *domain.ProcessSample {
	for _, r := range p.resolvers {
		qctx, cancel := context.WithTimeout(ctx, p.timeout)
		sample, err := r.Resolve(qctx, server)
		cancel()
		if err != nil {
			p.logger.Debug("resolver miss", "resolver", r.Name(), "server", server.Name, "error", err)
			continue
		}
		if sample != nil {
			return sample
		}
	}
	return nil
}
