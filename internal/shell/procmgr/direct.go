package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/shirou/gopsutil/v3/process"
)

// Signaler delivers termination signals to a pid.
type Signaler interface {
	Terminate(ctx context.Context, pid int) error
	Kill(ctx context.Context, pid int) error
	Alive(ctx context.Context, pid int) bool
}

// Spawner launches a server's configured command and returns its pid.
type Spawner func(ctx context.Context, server domain.ServerConfig, logPath string) (int, error)

// DirectConfig configures direct process management.
type DirectConfig struct {
	// LogDir holds server-<port>.log files that spawned processes append to.
	LogDir string

	// StopGrace is how long to wait after SIGTERM before SIGKILL.
	// Default: 10 seconds.
	StopGrace time.Duration

	// PollInterval is how often liveness is checked during StopGrace.
	// Default: 250 milliseconds.
	PollInterval time.Duration
}

// Direct manages servers without a supervisor: it launches the configured
// command itself and stops processes by signaling the matched pid.
type Direct struct {
	table    ProcessTable
	signaler Signaler
	spawn    Spawner
	config   DirectConfig
	logger   *slog.Logger
}

// NewDirect creates a direct manager. Nil dependencies get OS-backed defaults.
func NewDirect(table ProcessTable, signaler Signaler, spawn Spawner, config DirectConfig, logger *slog.Logger) *Direct {
	if table == nil {
		table = NewOSProcessTable()
	}
	if signaler == nil {
		signaler = osSignaler{}
	}
	if spawn == nil {
		spawn = spawnDetached
	}
	if config.StopGrace == 0 {
		config.StopGrace = 10 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{
		table:    table,
		signaler: signaler,
		spawn:    spawn,
		config:   config,
		logger:   logger.With("component", "direct_manager"),
	}
}

// Kind implements Manager.
func (d *Direct) Kind() domain.ManagerKind {
	return domain.ManagerDirect
}

// Available implements Manager. Direct management needs nothing external.
func (d *Direct) Available(ctx context.Context) bool {
	return true
}

// Lookup finds the server's process by its match token.
func (d *Direct) Lookup(ctx context.Context, server domain.ServerConfig) (*Process, error) {
	return d.table.FindByToken(ctx, server.MatchToken())
}

// Control starts, stops or restarts the server.
func (d *Direct) Control(ctx context.Context, server domain.ServerConfig, action domain.Action) (Output, error) {
	switch action {
	case domain.ActionStart:
		if proc, err := d.Lookup(ctx, server); err == nil {
			return Output{}, d.fail(action, server, "", fmt.Sprintf("pid %d", proc.PID), ErrAlreadyRunning)
		}
		return d.start(ctx, server)

	case domain.ActionStop:
		return d.stop(ctx, server)

	case domain.ActionRestart:
		stopOut, err := d.stop(ctx, server)
		if err != nil && !errors.Is(err, ErrProcessNotFound) {
			return stopOut, err
		}
		startOut, err := d.start(ctx, server)
		return Output{
			Command: joinNonEmpty("; ", stopOut.Command, startOut.Command),
			Output:  joinNonEmpty("\n", stopOut.Output, startOut.Output),
		}, err

	default:
		return Output{}, domain.ErrInvalidAction
	}
}

func (d *Direct) start(ctx context.Context, server domain.ServerConfig) (Output, error) {
	command := strings.Join(server.Manager.Command, " ")
	logPath := server.LogPath(d.config.LogDir)

	d.logger.Info("spawning server", "server", server.Name, "command", command, "log", logPath)

	pid, err := d.spawn(ctx, server, logPath)
	if err != nil {
		return Output{Command: command}, d.fail(domain.ActionStart, server, command, err.Error(), errors.Join(ErrCommandFailed, err))
	}
	return Output{Command: command, Output: fmt.Sprintf("spawned pid %d, output appended to %s", pid, logPath)}, nil
}

func (d *Direct) stop(ctx context.Context, server domain.ServerConfig) (Output, error) {
	proc, err := d.Lookup(ctx, server)
	if err != nil {
		return Output{}, d.fail(domain.ActionStop, server, "", "", ErrProcessNotFound)
	}

	command := fmt.Sprintf("kill -TERM %d", proc.PID)
	d.logger.Info("stopping server", "server", server.Name, "pid", proc.PID)

	if err := d.signaler.Terminate(ctx, proc.PID); err != nil {
		return Output{Command: command}, d.fail(domain.ActionStop, server, command, err.Error(), errors.Join(ErrCommandFailed, err))
	}

	if d.waitExit(ctx, proc.PID) {
		return Output{Command: command, Output: fmt.Sprintf("pid %d exited", proc.PID)}, nil
	}

	command += fmt.Sprintf("; kill -KILL %d", proc.PID)
	d.logger.Warn("server ignored SIGTERM, killing", "server", server.Name, "pid", proc.PID, "grace", d.config.StopGrace)
	if err := d.signaler.Kill(ctx, proc.PID); err != nil {
		return Output{Command: command}, d.fail(domain.ActionStop, server, command, err.Error(), errors.Join(ErrCommandFailed, err))
	}
	return Output{Command: command, Output: fmt.Sprintf("pid %d killed after %s", proc.PID, d.config.StopGrace)}, nil
}

// waitExit polls until pid is gone or the grace period or ctx ends.
func (d *Direct) waitExit(ctx context.Context, pid int) bool {
	deadline := time.NewTimer(d.config.StopGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		if !d.signaler.Alive(ctx, pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

func (d *Direct) fail(action domain.Action, server domain.ServerConfig, command, output string, err error) error {
	return &ManagerError{
		Op:      string(action),
		Manager: domain.ManagerDirect,
		Name:    server.Name,
		Command: command,
		Output:  output,
		Err:     err,
	}
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

// =============================================================================
// OS Implementations
// =============================================================================

// spawnDetached starts the command outside the request context and in its
// own session so the game server outlives both the call and the monitor.
// Output is appended to logPath.
func spawnDetached(_ context.Context, server domain.ServerConfig, logPath string) (int, error) {
	args := server.Manager.Command
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = server.Manager.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, err
	}

	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	return cmd.Process.Pid, nil
}

type osSignaler struct{}

func (osSignaler) Terminate(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

func (osSignaler) Kill(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

func (osSignaler) Alive(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunningWithContext(ctx)
	return err == nil && running
}
