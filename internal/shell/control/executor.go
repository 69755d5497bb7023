// Package control executes start, stop and restart actions against game
// servers through their process manager.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/procmgr"
	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

// ControlError reports a manager command that failed. Output carries the raw
// diagnostic text for the API response.
type ControlError struct {
	Op      string
	Port    int
	Action  domain.Action
	Command string
	Output  string
	Err     error
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("%s %s on port %d: %v", e.Op, e.Action, e.Port, e.Err)
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Dependencies
// =============================================================================

// Prober re-checks a server after a control action.
type Prober interface {
	IsPortBound(ctx context.Context, port int) bool
	FindProcess(ctx context.Context, server domain.ServerConfig) *domain.ProcessSample
}

// Invalidator drops cached status after a successful action.
type Invalidator interface {
	Invalidate()
}

// Journal records control attempts.
type Journal interface {
	CreateEvent(ctx context.Context, event *domain.Event) error
}

// Recorder counts control outcomes.
type Recorder interface {
	RecordControl(action domain.Action, success bool)
}

// =============================================================================
// Executor
// =============================================================================

// Config configures the executor.
type Config struct {
	// CommandTimeout bounds the manager command.
	// Default: 60 seconds.
	CommandTimeout time.Duration

	// SettleDelay is how long to wait before re-probing the server.
	// Default: 2 seconds.
	SettleDelay time.Duration

	// ProbeTimeout bounds the post-action re-probe.
	// Default: 10 seconds.
	ProbeTimeout time.Duration
}

// Executor validates and runs control actions.
type Executor struct {
	servers  *domain.ServerSet
	registry *procmgr.Registry
	probe    Prober
	cache    Invalidator
	journal  Journal
	recorder Recorder
	config   Config
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// NewExecutor creates a control executor. cache, journal may be nil.
func NewExecutor(servers *domain.ServerSet, registry *procmgr.Registry, probe Prober, cache Invalidator, journal Journal, config Config, logger *slog.Logger) *Executor {
	if config.CommandTimeout == 0 {
		config.CommandTimeout = 60 * time.Second
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = 2 * time.Second
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		servers:  servers,
		registry: registry,
		probe:    probe,
		cache:    cache,
		journal:  journal,
		config:   config,
		logger:   logger.With("component", "control"),
		now:      time.Now,
		sleep:    sleepContext,
		newID:    uuid.NewString,
	}
}

// SetRecorder registers a metrics recorder.
func (e *Executor) SetRecorder(r Recorder) {
	e.recorder = r
}

// SetSleep replaces the settle wait.
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

// Resolve returns the server and manager for a control request, applying the
// validation order: unknown port, invalid action, no manager binding,
// manager unavailable.
func (e *Executor) Resolve(ctx context.Context, port int, action domain.Action) (domain.ServerConfig, procmgr.Manager, error) {
	server, ok := e.servers.Get(port)
	if !ok {
		return domain.ServerConfig{}, nil, fmt.Errorf("port %d: %w", port, domain.ErrServerNotFound)
	}
	if !action.IsValid() {
		return server, nil, fmt.Errorf("%q: %w", action, domain.ErrInvalidAction)
	}
	mgr, ok := e.registry.For(server)
	if !ok {
		return server, nil, fmt.Errorf("server %s: %w", server.Name, domain.ErrUnsupported)
	}
	if !mgr.Available(ctx) {
		return server, nil, fmt.Errorf("%s: %w", mgr.Kind(), domain.ErrManagerUnavailable)
	}
	return server, mgr, nil
}

// Execute runs action against the server on port, waits for the server to
// settle and reports the observed state. Validation failures return one of
// the domain sentinel errors. A failed command returns the result together
// with a *ControlError.
func (e *Executor) Execute(ctx context.Context, port int, action domain.Action) (*domain.ControlResult, error) {
	server, mgr, err := e.Resolve(ctx, port, action)
	if err != nil {
		e.logger.Info("control request rejected", "port", port, "action", action, "error", err)
		return nil, err
	}

	result := &domain.ControlResult{
		ID:         e.newID(),
		Port:       port,
		ServerName: server.Name,
		Action:     action,
		Manager:    server.Manager.String(),
		StartedAt:  e.now(),
	}

	e.logger.Info("control action started", "server", server.Name, "port", port, "action", action, "manager", result.Manager)

	cmdCtx, cancel := context.WithTimeout(ctx, e.config.CommandTimeout)
	out, cmdErr := mgr.Control(cmdCtx, server, action)
	cancel()

	result.Command = out.Command
	result.Output = out.Output

	// The action has been issued; finish observing and journaling even if
	// the caller goes away.
	post := context.WithoutCancel(ctx)

	if cmdErr != nil {
		var mErr *procmgr.ManagerError
		if errors.As(cmdErr, &mErr) {
			if result.Command == "" {
				result.Command = mErr.Command
			}
			if result.Output == "" {
				result.Output = mErr.Output
			}
		}
		result.Error = cmdErr.Error()
		result.FinishedAt = e.now()
		e.finish(post, server, result)

		return result, &ControlError{
			Op:      "Execute",
			Port:    port,
			Action:  action,
			Command: result.Command,
			Output:  result.Output,
			Err:     cmdErr,
		}
	}

	if err := e.sleep(post, e.config.SettleDelay); err != nil {
		e.logger.Debug("settle wait interrupted", "error", err)
	}

	e.observe(post, server, mgr, result)
	result.Success = true
	result.FinishedAt = e.now()

	if e.cache != nil {
		e.cache.Invalidate()
	}
	e.finish(post, server, result)

	return result, nil
}

// observe re-probes the server after the settle delay.
func (e *Executor) observe(ctx context.Context, server domain.ServerConfig, mgr procmgr.Manager, result *domain.ControlResult) {
	ctx, cancel := context.WithTimeout(ctx, e.config.ProbeTimeout)
	defer cancel()

	result.Running = e.probe.IsPortBound(ctx, server.Port)
	if result.Running {
		if proc := e.probe.FindProcess(ctx, server); proc.HasPID() {
			pid := *proc.PID
			result.PID = &pid
		}
	}

	entry, err := mgr.Lookup(ctx, server)
	switch {
	case err == nil:
		result.ManagerStatus = entry.Status
		if result.PID == nil && entry.Online && entry.PID > 0 {
			pid := entry.PID
			result.PID = &pid
		}
	case errors.Is(err, procmgr.ErrProcessNotFound):
		result.ManagerStatus = "not found"
	default:
		e.logger.Debug("manager lookup after control failed", "server", server.Name, "error", err)
	}
}

// finish logs, counts and journals a completed attempt.
func (e *Executor) finish(ctx context.Context, server domain.ServerConfig, result *domain.ControlResult) {
	if result.Success {
		e.logger.Info("control action completed",
			"server", server.Name,
			"port", result.Port,
			"action", result.Action,
			"running", result.Running,
			"duration", result.Duration(),
		)
	} else {
		e.logger.Error("control action failed",
			"server", server.Name,
			"port", result.Port,
			"action", result.Action,
			"command", result.Command,
			"error", result.Error,
		)
	}

	if e.recorder != nil {
		e.recorder.RecordControl(result.Action, result.Success)
	}
	if e.journal == nil {
		return
	}

	details, err := json.Marshal(journalDetails{
		Manager:       result.Manager,
		Command:       result.Command,
		Output:        result.Output,
		Running:       result.Running,
		PID:           result.PID,
		ManagerStatus: result.ManagerStatus,
		DurationMs:    result.Duration().Milliseconds(),
	})
	if err != nil {
		details = nil
	}

	message := fmt.Sprintf("%s %s", result.Action, server.Name)
	if result.Error != "" {
		message = result.Error
	}

	event := &domain.Event{
		ID:         result.ID,
		Kind:       domain.EventControl,
		Port:       result.Port,
		ServerName: server.Name,
		Action:     string(result.Action),
		Success:    result.Success,
		Message:    message,
		Details:    details,
		CreatedAt:  result.StartedAt,
	}
	if err := e.journal.CreateEvent(ctx, event); err != nil {
		e.logger.Warn("failed to journal control action", "id", result.ID, "error", err)
	}
}

type journalDetails struct {
	Manager       string `json:"manager"`
	Command       string `json:"command"`
	Output        string `json:"output,omitempty"`
	Running       bool   `json:"running"`
	PID           *int   `json:"pid,omitempty"`
	ManagerStatus string `json:"managerStatus,omitempty"`
	DurationMs    int64  `json:"durationMs"`
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
