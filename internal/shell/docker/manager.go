package docker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/procmgr"
)

// ManagerConfig configures the container process manager.
type ManagerConfig struct {
	// StopTimeout is passed to docker stop/restart before SIGKILL.
	// Default: 10 seconds.
	StopTimeout time.Duration

	// PingTimeout bounds the availability check.
	// Default: 3 seconds.
	PingTimeout time.Duration
}

// Manager drives game servers packaged as named containers.
// It satisfies procmgr.Manager, procmgr.LogSource and procmgr.Authoritative.
type Manager struct {
	client *Client
	config ManagerConfig
	logger *slog.Logger
}

// NewManager creates a container process manager.
func NewManager(client *Client, config ManagerConfig, logger *slog.Logger) *Manager {
	if config.StopTimeout == 0 {
		config.StopTimeout = 10 * time.Second
	}
	if config.PingTimeout == 0 {
		config.PingTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client: client,
		config: config,
		logger: logger.With("component", "docker_manager"),
	}
}

// Kind implements procmgr.Manager.
func (m *Manager) Kind() domain.ManagerKind {
	return domain.ManagerDocker
}

// Authoritative implements procmgr.Authoritative.
func (m *Manager) Authoritative() bool {
	return true
}

// Available pings the daemon.
func (m *Manager) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
	defer cancel()
	return m.client.Ping(ctx) == nil
}

// Lookup inspects the server's container. Running containers also get a
// one-shot stats reading; a stats failure leaves counters at zero.
func (m *Manager) Lookup(ctx context.Context, server domain.ServerConfig) (*procmgr.Process, error) {
	name := containerName(server)

	info, err := m.client.InspectContainer(ctx, name)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return nil, &procmgr.ManagerError{Op: "lookup", Manager: domain.ManagerDocker, Name: name, Err: errors.Join(procmgr.ErrProcessNotFound, err)}
		}
		return nil, &procmgr.ManagerError{Op: "lookup", Manager: domain.ManagerDocker, Name: name, Err: err}
	}

	proc := &procmgr.Process{
		Name:     info.Name,
		Status:   string(info.Status),
		Online:   info.Running,
		Restarts: info.RestartCount,
		Command:  info.Image,
	}
	if !info.Running {
		return proc, nil
	}

	proc.PID = info.PID
	proc.StartedAt = info.StartedAt

	if !info.Publishes(server.Port) {
		m.logger.Warn("container does not publish server port", "container", name, "port", server.Port)
	}

	stats, err := m.client.ContainerStats(ctx, name)
	if err != nil {
		m.logger.Debug("container stats unavailable", "container", name, "error", err)
		return proc, nil
	}
	proc.CPUPercent = stats.CPUPercent
	proc.MemoryBytes = stats.MemoryBytes
	proc.MemoryPercent = stats.MemoryPercent
	return proc, nil
}

// Control runs docker start|stop|restart on the server's container.
func (m *Manager) Control(ctx context.Context, server domain.ServerConfig, action domain.Action) (procmgr.Output, error) {
	name := containerName(server)
	command := "docker " + string(action) + " " + name
	timeout := m.config.StopTimeout

	m.logger.Info("executing container action", "action", action, "container", name, "server", server.Name)

	var err error
	switch action {
	case domain.ActionStart:
		err = m.client.StartContainer(ctx, name)
	case domain.ActionStop:
		err = m.client.StopContainer(ctx, name, &timeout)
	case domain.ActionRestart:
		err = m.client.RestartContainer(ctx, name, &timeout)
	default:
		return procmgr.Output{}, domain.ErrInvalidAction
	}

	out := procmgr.Output{Command: command}
	if err != nil {
		out.Output = err.Error()
		return out, &procmgr.ManagerError{
			Op:      string(action),
			Manager: domain.ManagerDocker,
			Name:    name,
			Command: command,
			Output:  out.Output,
			Err:     errors.Join(procmgr.ErrCommandFailed, err),
		}
	}
	out.Output = name
	return out, nil
}

// Logs implements procmgr.LogSource.
func (m *Manager) Logs(ctx context.Context, server domain.ServerConfig, lines int) ([]string, error) {
	name := containerName(server)
	info, err := m.client.InspectContainer(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.client.ContainerLogs(ctx, name, lines, info.Tty)
}

func containerName(server domain.ServerConfig) string {
	if server.Manager != nil && server.Manager.Name != "" {
		return server.Manager.Name
	}
	return server.Name
}
