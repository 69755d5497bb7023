package probe

import (
	"context"
	"fmt"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/procmgr"
)

// Resolver maps a server to its process.
type Resolver interface {
	Name() string
	// Resolve returns the server's process, or an error when it cannot be
	// identified. A nil sample with nil error also means not found.
	Resolve(ctx context.Context, server domain.ServerConfig) (*domain.ProcessSample, error)
}

// =============================================================================
// Managed Resolver
// =============================================================================

// ManagedResolver asks the server's process manager. Only authoritative
// managers are consulted, and only entries the manager reports online count.
type ManagedResolver struct {
	registry *procmgr.Registry
}

// NewManagedResolver creates a resolver over registry.
func NewManagedResolver(registry *procmgr.Registry) *ManagedResolver {
	return &ManagedResolver{registry: registry}
}

// Name implements Resolver.
func (r *ManagedResolver) Name() string { return "managed" }

// Resolve implements Resolver.
func (r *ManagedResolver) Resolve(ctx context.Context, server domain.ServerConfig) (*domain.ProcessSample, error) {
	m, ok := r.registry.For(server)
	if !ok || !procmgr.IsAuthoritative(m) {
		return nil, nil
	}
	proc, err := m.Lookup(ctx, server)
	if err != nil {
		return nil, err
	}
	if !proc.Online {
		return nil, fmt.Errorf("%s reports %s as %q: %w", m.Kind(), proc.Name, proc.Status, procmgr.ErrProcessNotFound)
	}
	return proc.Sample(true), nil
}

// =============================================================================
// Heuristic Resolver
// =============================================================================

// HeuristicResolver matches the server's token against OS process command
// lines. Overlapping tokens can resolve to the wrong process.
type HeuristicResolver struct {
	table procmgr.ProcessTable
}

// NewHeuristicResolver creates a resolver over table.
func NewHeuristicResolver(table procmgr.ProcessTable) *HeuristicResolver {
	return &HeuristicResolver{table: table}
}

// Name implements Resolver.
func (r *HeuristicResolver) Name() string { return "heuristic" }

// Resolve implements Resolver.
func (r *HeuristicResolver) Resolve(ctx context.Context, server domain.ServerConfig) (*domain.ProcessSample, error) {
	proc, err := r.table.FindByToken(ctx, server.MatchToken())
	if err != nil {
		return nil, err
	}
	return proc.Sample(false), nil
}
