// Package procmgr defines the process-manager capability used to observe and
// control game-server processes, with pm2 and direct-signaling backends.
package procmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrAlreadyRunning  = errors.New("process is already running")
	ErrCommandFailed   = errors.New("process manager command failed")
	ErrBadOutput       = errors.New("unexpected process manager output")
)

// ManagerError wraps a process-manager failure with its diagnostic output.
type ManagerError struct {
	Op      string
	Manager domain.ManagerKind
	Name    string
	Command string
	Output  string
	Err     error
}

func (e *ManagerError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Manager, e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Manager, e.Op, e.Err)
}

func (e *ManagerError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Manager Interface
// =============================================================================

// Process is a process-manager table entry.
type Process struct {
	Name          string
	PID           int
	Status        string
	Online        bool
	StartedAt     *time.Time
	Restarts      int
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryPercent float64
	Command       string
}

// Sample converts the entry to a domain process sample.
func (p *Process) Sample(external bool) *domain.ProcessSample {
	s := &domain.ProcessSample{
		StartedAt:         p.StartedAt,
		ManagedExternally: external,
		ManagerStatus:     p.Status,
		Restarts:          p.Restarts,
		Command:           p.Command,
	}
	if p.PID > 0 {
		pid := p.PID
		s.PID = &pid
	}
	if external {
		s.Counters = &domain.ManagerCounters{
			CPUPercent:    p.CPUPercent,
			MemoryBytes:   p.MemoryBytes,
			MemoryPercent: p.MemoryPercent,
		}
	}
	return s
}

// Output is the raw result of a control command.
type Output struct {
	Command string
	Output  string
}

// Manager observes and controls processes of one kind.
type Manager interface {
	Kind() domain.ManagerKind
	// Available reports whether the manager can be used right now.
	Available(ctx context.Context) bool
	// Lookup returns the entry for the server, or ErrProcessNotFound.
	Lookup(ctx context.Context, server domain.ServerConfig) (*Process, error)
	// Control performs action and returns the command output.
	Control(ctx context.Context, server domain.ServerConfig, action domain.Action) (Output, error)
}

// LogSource is implemented by managers that buffer process output.
type LogSource interface {
	Logs(ctx context.Context, server domain.ServerConfig, lines int) ([]string, error)
}

// Authoritative is implemented by managers whose process table is the source
// of truth for pid and counters.
type Authoritative interface {
	Authoritative() bool
}

// IsAuthoritative reports whether m's table should be trusted over OS lookups.
func IsAuthoritative(m Manager) bool {
	a, ok := m.(Authoritative)
	return ok && a.Authoritative()
}

// =============================================================================
// Registry
// =============================================================================

// Registry maps manager kinds to implementations.
type Registry struct {
	managers map[domain.ManagerKind]Manager
}

// NewRegistry creates a registry from the given managers. Nil entries are
// skipped so optional backends can be passed unconditionally.
func NewRegistry(managers ...Manager) *Registry {
	r := &Registry{managers: make(map[domain.ManagerKind]Manager)}
	for _, m := range managers {
		if m == nil {
			continue
		}
		r.managers[m.Kind()] = m
	}
	return r
}

// For returns the manager bound to the server, if any.
func (r *Registry) For(server domain.ServerConfig) (Manager, bool) {
	if r == nil || server.Manager == nil {
		return nil, false
	}
	m, ok := r.managers[server.Manager.Kind]
	return m, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []domain.ManagerKind {
	out := make([]domain.ManagerKind, 0, len(r.managers))
	for k := range r.managers {
		out = append(out, k)
	}
	return out
}
