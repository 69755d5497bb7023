package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/procmgr"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type notFoundError struct{ msg string }

func (e notFoundError) Error() string { return e.msg }
func (e notFoundError) NotFound()     {}

type fakeAPI struct {
	pingErr  error
	inspect  map[string]container.InspectResponse
	stats    map[string]container.StatsResponse
	logs     map[string][]byte
	startErr error
	calls    []string
}

func (f *fakeAPI) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	resp, ok := f.inspect[id]
	if !ok {
		return container.InspectResponse{}, notFoundError{"No such container: " + id}
	}
	return resp, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.calls = append(f.calls, "start "+id)
	return f.startErr
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.calls = append(f.calls, "stop "+id)
	if options.Timeout == nil || *options.Timeout != 10 {
		return errors.New("unexpected stop timeout")
	}
	return nil
}

func (f *fakeAPI) ContainerRestart(ctx context.Context, id string, options container.StopOptions) error {
	f.calls = append(f.calls, "restart "+id)
	return nil
}

func (f *fakeAPI) ContainerStatsOneShot(ctx context.Context, id string) (container.StatsResponseReader, error) {
	s, ok := f.stats[id]
	if !ok {
		return container.StatsResponseReader{}, errors.New("stats unavailable")
	}
	body, _ := json.Marshal(s)
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs[id])), nil
}

func (f *fakeAPI) Close() error { return nil }

func runningContainer(name string, pid int, hostPort string) container.InspectResponse {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:           "abc123",
			Name:         "/" + name,
			RestartCount: 2,
			State: &container.State{
				Status:    "running",
				Running:   true,
				Pid:       pid,
				StartedAt: "2025-10-01T12:00:00.5Z",
			},
			HostConfig: &container.HostConfig{},
		},
		Config: &container.Config{Image: "gsm/mainworld:latest"},
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{
				Ports: nat.PortMap{
					"7777/udp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}},
				},
			},
		},
	}
}

func dockerServer(name string, port int) domain.ServerConfig {
	return domain.ServerConfig{
		Name:    name,
		Port:    port,
		Manager: &domain.ManagerHandle{Kind: domain.ManagerDocker, Name: name},
	}
}

// =============================================================================
// Client Tests
// =============================================================================

func TestInspectContainer(t *testing.T) {
	api := &fakeAPI{inspect: map[string]container.InspectResponse{
		"main": runningContainer("main", 321, "8080"),
	}}
	cli := NewClient(api)

	info, err := cli.InspectContainer(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "main", info.Name)
	assert.True(t, info.Running)
	assert.Equal(t, 321, info.PID)
	assert.Equal(t, 2, info.RestartCount)
	require.NotNil(t, info.StartedAt)
	require.Len(t, info.Ports, 1)
	assert.Equal(t, PortBinding{ContainerPort: 7777, HostPort: 8080, Protocol: "udp", HostIP: "0.0.0.0"}, info.Ports[0])
	assert.True(t, info.Publishes(8080))
	assert.False(t, info.Publishes(8081))

	_, err = cli.InspectContainer(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestStatsFrom(t *testing.T) {
	var raw container.StatsResponse
	raw.CPUStats.CPUUsage.TotalUsage = 400
	raw.PreCPUStats.CPUUsage.TotalUsage = 200
	raw.CPUStats.SystemUsage = 2000
	raw.PreCPUStats.SystemUsage = 1000
	raw.CPUStats.OnlineCPUs = 2
	raw.MemoryStats.Usage = 600
	raw.MemoryStats.Limit = 1000
	raw.MemoryStats.Stats = map[string]uint64{"inactive_file": 100}

	s := statsFrom(raw)
	assert.InDelta(t, 40.0, s.CPUPercent, 0.001)
	assert.Equal(t, uint64(500), s.MemoryBytes)
	assert.InDelta(t, 50.0, s.MemoryPercent, 0.001)

	empty := statsFrom(container.StatsResponse{})
	assert.Zero(t, empty.CPUPercent)
	assert.Zero(t, empty.MemoryPercent)
}

func TestContainerLogs_Multiplexed(t *testing.T) {
	var buf bytes.Buffer
	stdout := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	_, _ = stdout.Write([]byte("LogNet: listening on 7777\n"))
	_, _ = stderr.Write([]byte("Warning: slow tick\n"))
	_, _ = stdout.Write([]byte("Player joined\n"))

	api := &fakeAPI{logs: map[string][]byte{"main": buf.Bytes()}}
	lines, err := NewClient(api).ContainerLogs(context.Background(), "main", 2, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Warning: slow tick", "Player joined"}, lines)
}

func TestContainerLogs_TTY(t *testing.T) {
	api := &fakeAPI{logs: map[string][]byte{"main": []byte("a\r\nb\r\n")}}
	lines, err := NewClient(api).ContainerLogs(context.Background(), "main", 10, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestManager_LookupRunning(t *testing.T) {
	var st container.StatsResponse
	st.MemoryStats.Usage = 256 * 1024 * 1024
	st.MemoryStats.Limit = 1024 * 1024 * 1024

	api := &fakeAPI{
		inspect: map[string]container.InspectResponse{"main": runningContainer("main", 321, "8080")},
		stats:   map[string]container.StatsResponse{"main": st},
	}
	m := NewManager(NewClient(api), ManagerConfig{}, nil)

	proc, err := m.Lookup(context.Background(), dockerServer("main", 8080))
	require.NoError(t, err)
	assert.True(t, proc.Online)
	assert.Equal(t, 321, proc.PID)
	assert.Equal(t, "gsm/mainworld:latest", proc.Command)
	assert.Equal(t, uint64(256*1024*1024), proc.MemoryBytes)
	assert.InDelta(t, 25.0, proc.MemoryPercent, 0.001)
	assert.True(t, procmgr.IsAuthoritative(m))
}

func TestManager_LookupStoppedAndMissing(t *testing.T) {
	stopped := runningContainer("main", 0, "8080")
	stopped.State.Running = false
	stopped.State.Status = "exited"

	api := &fakeAPI{inspect: map[string]container.InspectResponse{"main": stopped}}
	m := NewManager(NewClient(api), ManagerConfig{}, nil)

	proc, err := m.Lookup(context.Background(), dockerServer("main", 8080))
	require.NoError(t, err)
	assert.False(t, proc.Online)
	assert.Zero(t, proc.PID)
	assert.Equal(t, "exited", proc.Status)

	_, err = m.Lookup(context.Background(), dockerServer("other", 8081))
	assert.ErrorIs(t, err, procmgr.ErrProcessNotFound)
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestManager_Control(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(NewClient(api), ManagerConfig{}, nil)
	srv := dockerServer("main", 8080)

	for _, a := range []domain.Action{domain.ActionStart, domain.ActionStop, domain.ActionRestart} {
		out, err := m.Control(context.Background(), srv, a)
		require.NoError(t, err, a)
		assert.Equal(t, "docker "+string(a)+" main", out.Command)
	}
	assert.Equal(t, []string{"start main", "stop main", "restart main"}, api.calls)
}

func TestManager_ControlFailure(t *testing.T) {
	api := &fakeAPI{startErr: errors.New("driver failed programming external connectivity")}
	m := NewManager(NewClient(api), ManagerConfig{}, nil)

	out, err := m.Control(context.Background(), dockerServer("main", 8080), domain.ActionStart)
	assert.ErrorIs(t, err, procmgr.ErrCommandFailed)
	assert.Contains(t, out.Output, "external connectivity")
}

func TestManager_Available(t *testing.T) {
	api := &fakeAPI{}
	m := NewManager(NewClient(api), ManagerConfig{}, nil)
	assert.True(t, m.Available(context.Background()))

	api.pingErr = errors.New("connection refused")
	assert.False(t, m.Available(context.Background()))
}
