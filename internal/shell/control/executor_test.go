package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/procmgr"
	"github.com/artpar/gsm/internal/shell/status"
	"github.com/artpar/gsm/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

type fakeProbe struct {
	mu    sync.Mutex
	bound map[int]bool
}

func (p *fakeProbe) IsPortBound(ctx context.Context, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bound[port]
}

func (p *fakeProbe) FindProcess(ctx context.Context, server domain.ServerConfig) *domain.ProcessSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bound[server.Port] {
		return nil
	}
	pid := 4242
	return &domain.ProcessSample{PID: &pid, ManagedExternally: true}
}

func (p *fakeProbe) set(port int, bound bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound[port] = bound
}

type fakeManager struct {
	mu        sync.Mutex
	kind      domain.ManagerKind
	available bool
	err       error
	calls     []domain.Action
	onControl func(server domain.ServerConfig, action domain.Action)
}

func (m *fakeManager) Kind() domain.ManagerKind {
	return m.kind
}

func (m *fakeManager) Available(ctx context.Context) bool {
	return m.available
}

func (m *fakeManager) Lookup(ctx context.Context, server domain.ServerConfig) (*procmgr.Process, error) {
	return &procmgr.Process{Name: server.Manager.Name, PID: 4242, Status: "online", Online: true}, nil
}

func (m *fakeManager) Control(ctx context.Context, server domain.ServerConfig, action domain.Action) (procmgr.Output, error) {
	m.mu.Lock()
	m.calls = append(m.calls, action)
	m.mu.Unlock()

	cmd := "pm2 " + string(action) + " " + server.Manager.Name
	if m.err != nil {
		return procmgr.Output{}, &procmgr.ManagerError{
			Op:      string(action),
			Manager: m.kind,
			Name:    server.Manager.Name,
			Command: cmd,
			Output:  "[PM2][ERROR] Process or Namespace not found",
			Err:     m.err,
		}
	}
	if m.onControl != nil {
		m.onControl(server, action)
	}
	return procmgr.Output{Command: cmd, Output: "[PM2] Applying action " + string(action)}, nil
}

func (m *fakeManager) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type countingInvalidator struct {
	calls int
}

func (c *countingInvalidator) Invalidate() {
	c.calls++
}

type recordingRecorder struct {
	results []bool
}

func (r *recordingRecorder) RecordControl(action domain.Action, success bool) {
	r.results = append(r.results, success)
}

func noSleep(ctx context.Context, d time.Duration) error {
	return nil
}

func testServers(t *testing.T) *domain.ServerSet {
	t.Helper()
	set, err := domain.NewServerSet([]domain.ServerConfig{
		{Name: "01_MAINWORLD", Port: 8080, Type: "main", Manager: &domain.ManagerHandle{Kind: domain.ManagerPM2, Name: "mainworld"}},
		{Name: "SKYNOVAbyNOVA", Port: 8090, Type: "artist", Manager: &domain.ManagerHandle{Kind: domain.ManagerDocker, Name: "skynova"}},
		{Name: "MALL_DOWNTOWNCITYMALL", Port: 8091, Type: "social"},
	})
	require.NoError(t, err)
	return set
}

type fixture struct {
	exec    *Executor
	probe   *fakeProbe
	manager *fakeManager
	cache   *countingInvalidator
	store   store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	probe := &fakeProbe{bound: map[int]bool{}}
	mgr := &fakeManager{kind: domain.ManagerPM2, available: true}
	mgr.onControl = func(server domain.ServerConfig, action domain.Action) {
		probe.set(server.Port, action != domain.ActionStop)
	}
	cache := &countingInvalidator{}

	exec := NewExecutor(testServers(t), procmgr.NewRegistry(mgr), probe, cache, st, Config{}, nil)
	exec.SetSleep(noSleep)
	return &fixture{exec: exec, probe: probe, manager: mgr, cache: cache, store: st}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestExecute_UnknownPortInvokesNothing(t *testing.T) {
	f := newFixture(t)

	result, err := f.exec.Execute(context.Background(), 9999, domain.ActionRestart)
	assert.ErrorIs(t, err, domain.ErrServerNotFound)
	assert.Nil(t, result)
	assert.Equal(t, 0, f.manager.callCount())
	assert.Equal(t, 0, f.cache.calls)
}

func TestExecute_ValidationOrder(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		action  domain.Action
		setup   func(f *fixture)
		wantErr error
	}{
		{"unknown port wins over bad action", 9999, "reboot", nil, domain.ErrServerNotFound},
		{"invalid action", 8080, "reboot", nil, domain.ErrInvalidAction},
		{"invalid action wins over missing manager", 8091, "reboot", nil, domain.ErrInvalidAction},
		{"no manager binding", 8091, domain.ActionStart, nil, domain.ErrUnsupported},
		{"manager kind not registered", 8090, domain.ActionStart, nil, domain.ErrUnsupported},
		{"manager unavailable", 8080, domain.ActionStart, func(f *fixture) { f.manager.available = false }, domain.ErrManagerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.exec.Execute(context.Background(), tt.port, tt.action)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, f.manager.callCount())
		})
	}
}

// =============================================================================
// Execution Tests
// =============================================================================

func TestExecute_RestartReportsObservedState(t *testing.T) {
	f := newFixture(t)
	recorder := &recordingRecorder{}
	f.exec.SetRecorder(recorder)

	var slept time.Duration
	f.exec.SetSleep(func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	})

	result, err := f.exec.Execute(context.Background(), 8080, domain.ActionRestart)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, slept)
	assert.True(t, result.Success)
	assert.True(t, result.Running)
	require.NotNil(t, result.PID)
	assert.Equal(t, 4242, *result.PID)
	assert.Equal(t, "online", result.ManagerStatus)
	assert.Equal(t, "pm2 restart mainworld", result.Command)
	assert.Equal(t, "pm2:mainworld", result.Manager)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, 1, f.cache.calls)
	assert.Equal(t, []bool{true}, recorder.results)
}

func TestExecute_StopObservesPortReleased(t *testing.T) {
	f := newFixture(t)
	f.probe.set(8080, true)

	result, err := f.exec.Execute(context.Background(), 8080, domain.ActionStop)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Running)
	assert.Nil(t, result.PID)
}

func TestExecute_CommandFailure(t *testing.T) {
	f := newFixture(t)
	f.manager.err = procmgr.ErrCommandFailed

	result, err := f.exec.Execute(context.Background(), 8080, domain.ActionStart)
	require.Error(t, err)

	var ctrlErr *ControlError
	require.ErrorAs(t, err, &ctrlErr)
	assert.Equal(t, "pm2 start mainworld", ctrlErr.Command)
	assert.Contains(t, ctrlErr.Output, "not found")
	assert.ErrorIs(t, err, procmgr.ErrCommandFailed)

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, 0, f.cache.calls)
	assert.Equal(t, 1, f.manager.callCount())
}

func TestExecute_JournalsEveryAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.exec.Execute(ctx, 8080, domain.ActionRestart)
	require.NoError(t, err)

	f.manager.err = procmgr.ErrCommandFailed
	failed, err := f.exec.Execute(ctx, 8080, domain.ActionStop)
	require.Error(t, err)

	_, err = f.exec.Execute(ctx, 9999, domain.ActionStop)
	require.Error(t, err)

	events, err := f.store.ListEvents(ctx, domain.EventFilter{Kind: domain.EventControl})
	require.NoError(t, err)
	require.Len(t, events, 2)

	byID := map[string]domain.Event{}
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	okEvent := byID[ok.ID]
	assert.True(t, okEvent.Success)
	assert.Equal(t, "restart", okEvent.Action)
	assert.Equal(t, 8080, okEvent.Port)

	var details journalDetails
	require.NoError(t, json.Unmarshal(okEvent.Details, &details))
	assert.Equal(t, "pm2 restart mainworld", details.Command)
	assert.True(t, details.Running)

	failedEvent := byID[failed.ID]
	assert.False(t, failedEvent.Success)
	assert.Contains(t, failedEvent.Message, "process manager command failed")
}

func TestExecute_CompletesAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.exec.SetSleep(func(sctx context.Context, d time.Duration) error {
		cancel()
		return sctx.Err()
	})

	result, err := f.exec.Execute(ctx, 8080, domain.ActionStart)
	require.NoError(t, err)
	assert.True(t, result.Running)

	events, err := f.store.ListEvents(context.Background(), domain.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// =============================================================================
// Cache Interaction
// =============================================================================

type emptySampler struct{}

func (emptySampler) Sample(ctx context.Context, proc *domain.ProcessSample) *domain.ResourceSample {
	if !proc.HasPID() {
		return nil
	}
	return &domain.ResourceSample{CPUPercent: 10, MemoryPercent: 20}
}

type staticLogs struct{}

func (staticLogs) Tail(ctx context.Context, server domain.ServerConfig, maxLines int) []string {
	return []string{"LogInit: Display: Engine is initialized"}
}

func TestExecute_RestartThenGetIsFresh(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	servers := testServers(t)
	probe := &fakeProbe{bound: map[int]bool{}}
	mgr := &fakeManager{kind: domain.ManagerPM2, available: true}
	mgr.onControl = func(server domain.ServerConfig, action domain.Action) {
		probe.set(server.Port, true)
	}

	cache := status.New(servers, probe, emptySampler{}, staticLogs{}, nil, status.Config{TTL: time.Hour}, nil)
	exec := NewExecutor(servers, procmgr.NewRegistry(mgr), probe, cache, st, Config{}, nil)
	exec.SetSleep(noSleep)

	ctx := context.Background()
	before, _, err := cache.Get(ctx, false)
	require.NoError(t, err)
	assert.False(t, before.Servers[8080].Running)

	_, fresh, err := cache.Get(ctx, false)
	require.NoError(t, err)
	require.True(t, fresh.Cached)

	_, err = exec.Execute(ctx, 8080, domain.ActionRestart)
	require.NoError(t, err)

	after, fresh, err := cache.Get(ctx, false)
	require.NoError(t, err)
	assert.False(t, fresh.Cached)
	assert.True(t, after.Servers[8080].Running)
	assert.Equal(t, domain.HealthTierHealthy, after.Servers[8080].HealthTier)
	assert.NotSame(t, before, after)
}

func TestControlError_Unwrap(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &ControlError{Op: "Execute", Port: 8080, Action: domain.ActionStop, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "Execute stop on port 8080: exit status 1", err.Error())
}
