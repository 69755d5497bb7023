package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/core/monitoring"
	"github.com/artpar/gsm/internal/shell/api/middleware"
	"github.com/artpar/gsm/internal/shell/control"
	"github.com/artpar/gsm/internal/shell/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

const testAPIKey = "gsm_test_key"

var computedAt = time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)

type stubStatus struct {
	servers     *domain.ServerSet
	agg         *domain.AggregateStatus
	fresh       status.Freshness
	err         error
	forced      []bool
	invalidated int
}

func (s *stubStatus) Get(ctx context.Context, forceRefresh bool) (*domain.AggregateStatus, status.Freshness, error) {
	s.forced = append(s.forced, forceRefresh)
	if s.err != nil {
		return nil, status.Freshness{}, s.err
	}
	return s.agg, s.fresh, nil
}

func (s *stubStatus) Server(ctx context.Context, port, logLines int) (*status.ServerHealth, error) {
	st, ok := s.agg.Servers[port]
	if !ok {
		return nil, domain.ErrServerNotFound
	}
	return &status.ServerHealth{
		Status:          st,
		RecentLogs:      []string{"LogNet: Join succeeded"},
		Recommendations: monitoring.Recommendations(st.Running, st.Resources, st.HealthScore),
	}, nil
}

func (s *stubStatus) Invalidate() {
	s.invalidated++
}

func (s *stubStatus) Servers() *domain.ServerSet {
	return s.servers
}

type stubControl struct {
	result *domain.ControlResult
	err    error
	calls  int
	action domain.Action
}

func (c *stubControl) Execute(ctx context.Context, port int, action domain.Action) (*domain.ControlResult, error) {
	c.calls++
	c.action = action
	return c.result, c.err
}

type stubLogs struct {
	asked int
}

func (l *stubLogs) Tail(ctx context.Context, server domain.ServerConfig, maxLines int) []string {
	l.asked = maxLines
	return []string{"line 1", "line 2"}
}

type stubSystem struct{}

func (stubSystem) Sample(ctx context.Context) domain.SystemMetrics {
	return domain.SystemMetrics{CPUPercent: 17.5, Uptime: "up 3 days, 2 hours"}
}

type stubAlerts struct {
	err error
}

func (a *stubAlerts) SendTest(ctx context.Context) error { return a.err }

func (a *stubAlerts) Channel() string { return "telegram" }

type stubEvents struct {
	filter domain.EventFilter
}

func (e *stubEvents) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	e.filter = filter
	return []domain.Event{{ID: "ev-1", Kind: domain.EventControl, Port: 8080, Action: "restart", Success: true}}, nil
}

type testEnv struct {
	handler http.Handler
	status  *stubStatus
	control *stubControl
	logs    *stubLogs
	alerts  *stubAlerts
	events  *stubEvents
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	set, err := domain.NewServerSet([]domain.ServerConfig{
		{Name: "01_MAINWORLD", Port: 8080, Type: "main"},
		{Name: "ART_EXHIBITIONSARTLOBBY", Port: 8081, Type: "exhibition"},
	})
	require.NoError(t, err)

	agg := &domain.AggregateStatus{
		Servers: map[int]domain.ServerStatus{
			8080: {
				Port: 8080, Name: "01_MAINWORLD", Type: "main", Running: true,
				Status: domain.StateRunning, HealthScore: 100, HealthTier: domain.HealthTierHealthy,
				Resources: &domain.ResourceSample{CPUPercent: 20, MemoryPercent: 30, Uptime: "01:02:03"},
			},
			8081: {
				Port: 8081, Name: "ART_EXHIBITIONSARTLOBBY", Type: "exhibition",
				Status: domain.StateStopped, HealthTier: domain.HealthTierStopped,
			},
		},
		Summary:    domain.Summary{Total: 2, Running: 1, Stopped: 1, Healthy: 1},
		ComputedAt: computedAt,
	}

	auth, err := middleware.NewAuthMiddleware(middleware.AuthConfig{
		APIKey:     testAPIKey,
		AllowedIPs: []string{"192.0.2.0/24"},
	})
	require.NoError(t, err)

	env := &testEnv{
		status:  &stubStatus{servers: set, agg: agg, fresh: status.Freshness{Cached: true, Age: 90 * time.Second}},
		control: &stubControl{},
		logs:    &stubLogs{},
		alerts:  &stubAlerts{},
		events:  &stubEvents{},
	}
	env.handler = NewHandler(Config{
		Status:  env.status,
		Control: env.control,
		Logs:    env.logs,
		System:  stubSystem{},
		Alerts:  env.alerts,
		Events:  env.events,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			w.Write([]byte("gsm_status_refreshes_total 1\n"))
		}),
		Auth:    auth,
		Version: "1.2.3",
	}).Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:40000"
	req.Header.Set("X-API-Key", testAPIKey)

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

// =============================================================================
// Health & Auth
// =============================================================================

func TestHealth_IsPublic(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.1:1234"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, ServiceName, body.Service)
	assert.Equal(t, "1.2.3", body.Version)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/servers/status", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/servers/status", nil)
	req.RemoteAddr = "198.51.100.1:1234"
	req.Header.Set("X-API-Key", testAPIKey)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// Status Endpoints
// =============================================================================

func TestServersStatus(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/servers/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["cached"])

	servers := body["servers"].(map[string]any)
	assert.Len(t, servers, 2)
	main := servers["8080"].(map[string]any)
	assert.Equal(t, "healthy", main["healthTier"])
	assert.Equal(t, float64(100), main["healthScore"])

	summary := body["summary"].(map[string]any)
	assert.Equal(t, float64(2), summary["total"])
}

func TestServersStatus_Timeout(t *testing.T) {
	env := newTestEnv(t)
	env.status.err = context.DeadlineExceeded

	rec, body := env.do(t, http.MethodGet, "/servers/status", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, false, body["ok"])
}

func TestServerHealth(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/servers/8080/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	server := body["server"].(map[string]any)
	assert.Equal(t, "01_MAINWORLD", server["name"])
	assert.Equal(t, []any{"LogNet: Join succeeded"}, server["recentLogs"])
	recs := server["recommendations"].([]any)
	require.NotEmpty(t, recs)

	rec, body = env.do(t, http.MethodGet, "/servers/9999/health", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Server port not configured", body["error"])

	rec, _ = env.do(t, http.MethodGet, "/servers/abc/health", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerLogs(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/servers/8080/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, env.logs.asked)
	assert.Equal(t, float64(2), body["lines"])
	assert.Equal(t, "01_MAINWORLD", body["serverName"])

	env.do(t, http.MethodGet, "/servers/8080/logs?lines=9000", "")
	assert.Equal(t, 500, env.logs.asked)

	env.do(t, http.MethodGet, "/servers/8080/logs?lines=20", "")
	assert.Equal(t, 20, env.logs.asked)

	rec, _ = env.do(t, http.MethodGet, "/servers/8080/logs?lines=many", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/servers/8085/logs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSystemMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/system/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	system := body["system"].(map[string]any)
	assert.Equal(t, 17.5, system["cpu"])
	assert.Equal(t, "up 3 days, 2 hours", system["uptime"])
}

func TestDashboardSummary(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/dashboard/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rows := body["servers"].([]any)
	require.Len(t, rows, 2)
	first := rows[0].(map[string]any)
	assert.Equal(t, float64(8080), first["port"])
	assert.Equal(t, float64(20), first["cpu"])
	assert.Equal(t, "01:02:03", first["uptime"])
	second := rows[1].(map[string]any)
	assert.Equal(t, "0:00", second["uptime"])

	alerts := body["alerts"].([]any)
	require.Len(t, alerts, 1)
	assert.Equal(t, float64(8081), alerts[0].(map[string]any)["port"])

	cache := body["cacheStatus"].(map[string]any)
	assert.Equal(t, true, cache["wasCached"])
	assert.Equal(t, float64(90000), cache["cacheAge"])
	assert.Equal(t, []bool{false}, env.status.forced)

	env.do(t, http.MethodGet, "/dashboard/summary?refresh=true", "")
	assert.Equal(t, []bool{false, true}, env.status.forced)

	rec, _ = env.do(t, http.MethodGet, "/dashboard/summary?refresh=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheInvalidate(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/cache/invalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.status.invalidated)
	assert.Equal(t, float64(2), body["serversChecked"])
}

// =============================================================================
// Control Endpoint
// =============================================================================

func TestControl_Success(t *testing.T) {
	env := newTestEnv(t)
	pid := 31337
	env.control.result = &domain.ControlResult{
		ID:            "ctl-1",
		Port:          8080,
		ServerName:    "01_MAINWORLD",
		Action:        domain.ActionRestart,
		Manager:       "pm2:mainworld",
		Success:       true,
		Running:       true,
		PID:           &pid,
		ManagerStatus: "online",
		Command:       "pm2 restart mainworld",
		Output:        "[PM2] Applying action restartProcessId on app [mainworld]",
		StartedAt:     computedAt,
		FinishedAt:    computedAt.Add(2500 * time.Millisecond),
	}

	rec, body := env.do(t, http.MethodPost, "/servers/8080/control", `{"action":"restart"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ActionRestart, env.control.action)
	assert.Equal(t, "online", body["managerStatus"])
	assert.Equal(t, float64(31337), body["pid"])
	assert.Equal(t, float64(2500), body["durationMs"])
	execution := body["execution"].(map[string]any)
	assert.Equal(t, "pm2 restart mainworld", execution["command"])
}

func TestControl_ActionFromQuery(t *testing.T) {
	env := newTestEnv(t)
	env.control.result = &domain.ControlResult{Port: 8080, Action: domain.ActionStop, Success: true}

	rec, _ := env.do(t, http.MethodPost, "/servers/8080/control?action=stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ActionStop, env.control.action)
}

func TestControl_ErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		err   error
		want  int
		calls int
	}{
		{"port below range", "/servers/999/control", nil, http.StatusBadRequest, 0},
		{"port not numeric", "/servers/x/control", nil, http.StatusBadRequest, 0},
		{"not found", "/servers/9999/control", domain.ErrServerNotFound, http.StatusNotFound, 1},
		{"invalid action", "/servers/8080/control", domain.ErrInvalidAction, http.StatusBadRequest, 1},
		{"unsupported", "/servers/8080/control", domain.ErrUnsupported, http.StatusNotImplemented, 1},
		{"manager unavailable", "/servers/8080/control", domain.ErrManagerUnavailable, http.StatusServiceUnavailable, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.control.err = tt.err

			rec, body := env.do(t, http.MethodPost, tt.path, `{"action":"restart"}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tt.calls, env.control.calls)
		})
	}
}

func TestControl_CommandFailureCarriesDetails(t *testing.T) {
	env := newTestEnv(t)
	env.control.result = &domain.ControlResult{ID: "ctl-9", Port: 8080, Action: domain.ActionStart}
	env.control.err = &control.ControlError{
		Op:      "Execute",
		Port:    8080,
		Action:  domain.ActionStart,
		Command: "pm2 start /home/gsm/ecosystem.config.js --only mainworld",
		Output:  "[PM2][ERROR] File ecosystem.config.js not found",
		Err:     errors.New("exit status 1"),
	}

	rec, body := env.do(t, http.MethodPost, "/servers/8080/control", `{"action":"start"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	details := body["details"].(map[string]any)
	assert.Equal(t, "ctl-9", details["id"])
	assert.Contains(t, details["output"], "not found")
}

func TestControl_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/servers/8080/control", `{"action":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.control.calls)
}

// =============================================================================
// Alerts, Events & Metrics
// =============================================================================

func TestAlertTest(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/alerts/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "telegram", body["channel"])

	env.alerts.err = errors.New("Unauthorized")
	rec, body = env.do(t, http.MethodPost, "/alerts/test", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Unauthorized", body["details"])
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/events?limit=10&port=8080&kind=control", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, domain.EventFilter{Kind: domain.EventControl, Port: 8080, Limit: 10}, env.events.filter)

	rec, _ = env.do(t, http.MethodGet, "/events?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/events?kind=audit", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gsm_status_refreshes_total")
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/v1/templates", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["ok"])
}
