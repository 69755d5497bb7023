package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// API is the subset of the Docker Engine SDK used by the client.
// *client.Client satisfies it.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// =============================================================================
// Docker Client Implementation
// =============================================================================

// Client wraps the Docker SDK with container operations keyed by name.
type Client struct {
	api API
}

// NewClient wraps an existing API implementation.
func NewClient(api API) *Client {
	return &Client{api: api}
}

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(host string) (*Client, error) {
	var opts []client.Opt
	opts = append(opts, client.FromEnv)
	opts = append(opts, client.WithAPIVersionNegotiation())

	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, pingErr := cli.Ping(ctx); pingErr != nil && host == "" {
		// Default socket failed, try the Docker Desktop socket
		homeDir, _ := os.UserHomeDir()
		dockerDesktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

		cli2, err2 := client.NewClientWithOpts(
			client.WithHost(dockerDesktopSocket),
			client.WithAPIVersionNegotiation(),
		)
		if err2 == nil {
			if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
				cli.Close()
				return &Client{api: cli2}, nil
			}
			cli2.Close()
		}
	}

	return &Client{api: cli}, nil
}

// Ping checks if Docker daemon is reachable.
func (d *Client) Ping(ctx context.Context) error {
	_, err := d.api.Ping(ctx)
	if err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *Client) Close() error {
	return d.api.Close()
}

// =============================================================================
// Container Operations
// =============================================================================

// StartContainer starts a stopped container.
func (d *Client) StartContainer(ctx context.Context, name string) error {
	err := d.api.ContainerStart(ctx, name, container.StartOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("StartContainer", "container", name, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is already running") {
			return NewDockerError("StartContainer", "container", name, "container is already running", ErrContainerAlreadyRunning)
		}
		return NewDockerError("StartContainer", "container", name, err.Error(), err)
	}
	return nil
}

// StopContainer stops a running container.
func (d *Client) StopContainer(ctx context.Context, name string, timeout *time.Duration) error {
	err := d.api.ContainerStop(ctx, name, stopOptions(timeout))
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("StopContainer", "container", name, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return NewDockerError("StopContainer", "container", name, "container is not running", ErrContainerNotRunning)
		}
		return NewDockerError("StopContainer", "container", name, err.Error(), err)
	}
	return nil
}

// RestartContainer stops and starts a container.
func (d *Client) RestartContainer(ctx context.Context, name string, timeout *time.Duration) error {
	err := d.api.ContainerRestart(ctx, name, stopOptions(timeout))
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError("RestartContainer", "container", name, "container not found", ErrContainerNotFound)
		}
		return NewDockerError("RestartContainer", "container", name, err.Error(), err)
	}
	return nil
}

func stopOptions(timeout *time.Duration) container.StopOptions {
	opts := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		opts.Timeout = &seconds
	}
	return opts
}

// InspectContainer returns detailed information about a container.
func (d *Client) InspectContainer(ctx context.Context, name string) (*ContainerInfo, error) {
	resp, err := d.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("InspectContainer", "container", name, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("InspectContainer", "container", name, err.Error(), err)
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return nil, NewDockerError("InspectContainer", "container", name, "inspect returned no state", ErrContainerNotFound)
	}

	info := &ContainerInfo{
		ID:           resp.ID,
		Name:         strings.TrimPrefix(resp.Name, "/"),
		Status:       ContainerStatus(resp.State.Status),
		Running:      resp.State.Running,
		PID:          resp.State.Pid,
		RestartCount: resp.RestartCount,
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Tty = resp.Config.Tty
	}
	if resp.HostConfig != nil {
		info.HostNetwork = resp.HostConfig.NetworkMode.IsHost()
	}

	if resp.State.StartedAt != "" && resp.State.StartedAt != "0001-01-01T00:00:00Z" {
		if t, err := time.Parse(time.RFC3339Nano, resp.State.StartedAt); err == nil {
			info.StartedAt = &t
		}
	}

	if resp.NetworkSettings != nil {
		info.Ports = portBindings(resp.NetworkSettings.Ports)
	}

	return info, nil
}

func portBindings(ports nat.PortMap) []PortBinding {
	var out []PortBinding
	for containerPort, bindings := range ports {
		port, proto := containerPort.Port(), containerPort.Proto()
		containerPortInt, _ := strconv.Atoi(port)
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			out = append(out, PortBinding{
				ContainerPort: containerPortInt,
				HostPort:      hostPort,
				Protocol:      proto,
				HostIP:        binding.HostIP,
			})
		}
	}
	return out
}

// ContainerStats returns a one-shot CPU and memory reading.
func (d *Client) ContainerStats(ctx context.Context, name string) (*Stats, error) {
	resp, err := d.api.ContainerStatsOneShot(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("ContainerStats", "container", name, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("ContainerStats", "container", name, err.Error(), err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, NewDockerError("ContainerStats", "container", name, err.Error(), errors.Join(ErrBadStats, err))
	}
	return statsFrom(raw), nil
}

// statsFrom applies the docker CLI formulas. Page cache is excluded from
// memory usage (inactive_file on cgroup v2, cache on v1).
func statsFrom(raw container.StatsResponse) *Stats {
	s := &Stats{}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	if cpuDelta > 0 && sysDelta > 0 {
		s.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}

	used := raw.MemoryStats.Usage
	if v, ok := raw.MemoryStats.Stats["inactive_file"]; ok && v < used {
		used -= v
	} else if v, ok := raw.MemoryStats.Stats["cache"]; ok && v < used {
		used -= v
	}
	s.MemoryBytes = used
	if raw.MemoryStats.Limit > 0 {
		s.MemoryPercent = float64(used) / float64(raw.MemoryStats.Limit) * 100
	}
	return s
}

// ContainerLogs returns the last tail lines of a container's output.
// Multiplexed streams are split with stdcopy; TTY containers are read raw.
func (d *Client) ContainerLogs(ctx context.Context, name string, tail int, tty bool) ([]string, error) {
	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	}

	reader, err := d.api.ContainerLogs(ctx, name, logOpts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("ContainerLogs", "container", name, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("ContainerLogs", "container", name, err.Error(), err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if tty {
		_, err = io.Copy(&buf, reader)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, reader)
	}
	if err != nil {
		return nil, NewDockerError("ContainerLogs", "container", name, err.Error(), err)
	}

	var lines []string
	for _, line := range strings.Split(buf.String(), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}
