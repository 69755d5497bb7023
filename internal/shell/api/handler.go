// Package api provides HTTP handlers for the GSM API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/core/monitoring"
	"github.com/artpar/gsm/internal/shell/api/middleware"
	"github.com/artpar/gsm/internal/shell/control"
	"github.com/artpar/gsm/internal/shell/logtail"
	"github.com/artpar/gsm/internal/shell/status"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// ServiceName is reported by the liveness endpoint.
const ServiceName = "Game Server Manager"

// healthLogLines is how many log lines the single-server report reads.
const healthLogLines = 20

// =============================================================================
// Dependencies
// =============================================================================

// StatusService serves the cached aggregate and single-server reports.
type StatusService interface {
	Get(ctx context.Context, forceRefresh bool) (*domain.AggregateStatus, status.Freshness, error)
	Server(ctx context.Context, port, logLines int) (*status.ServerHealth, error)
	Invalidate()
	Servers() *domain.ServerSet
}

// Controller executes control actions.
type Controller interface {
	Execute(ctx context.Context, port int, action domain.Action) (*domain.ControlResult, error)
}

// LogTailer returns recent server output.
type LogTailer interface {
	Tail(ctx context.Context, server domain.ServerConfig, maxLines int) []string
}

// SystemSampler reads host metrics.
type SystemSampler interface {
	Sample(ctx context.Context) domain.SystemMetrics
}

// AlertTester sends the notification test message.
type AlertTester interface {
	SendTest(ctx context.Context) error
	Channel() string
}

// EventLister lists journal entries.
type EventLister interface {
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
}

// =============================================================================
// Handler
// =============================================================================

// Config holds the handler dependencies.
type Config struct {
	Status  StatusService
	Control Controller
	Logs    LogTailer
	System  SystemSampler
	Alerts  AlertTester
	Events  EventLister
	Metrics http.Handler
	Auth    *middleware.AuthMiddleware
	Logger  *slog.Logger

	Version   string
	StartedAt time.Time
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	status    StatusService
	control   Controller
	logs      LogTailer
	system    SystemSampler
	alerts    AlertTester
	events    EventLister
	metrics   http.Handler
	auth      *middleware.AuthMiddleware
	logger    *slog.Logger
	version   string
	startedAt time.Time
	now       func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Handler{
		status:    cfg.Status,
		control:   cfg.Control,
		logs:      cfg.Logs,
		system:    cfg.System,
		alerts:    cfg.Alerts,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		auth:      cfg.Auth,
		logger:    cfg.Logger.With("component", "api"),
		version:   cfg.Version,
		startedAt: cfg.StartedAt,
		now:       time.Now,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Public
	r.Get("/health", h.handleHealth)

	// Protected
	r.Group(func(r chi.Router) {
		if h.auth != nil {
			r.Use(h.auth.Handler)
		}

		r.Get("/servers/status", h.handleStatus)
		r.Get("/servers/{port}/health", h.handleServerHealth)
		r.Get("/servers/{port}/logs", h.handleServerLogs)
		r.Post("/servers/{port}/control", h.handleControl)
		r.Get("/system/metrics", h.handleSystemMetrics)
		r.Get("/dashboard/summary", h.handleDashboard)
		r.Post("/cache/invalidate", h.handleInvalidate)
		r.Post("/alerts/test", h.handleAlertTest)
		r.Get("/events", h.handleEvents)
		if h.metrics != nil {
			r.Method(http.MethodGet, "/metrics", h.metrics)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, "endpoint not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	h.writeJSON(w, http.StatusOK, HealthResponse{
		OK:        true,
		Service:   ServiceName,
		Version:   h.version,
		Uptime:    now.Sub(h.startedAt).Seconds(),
		Timestamp: now.UTC(),
	})
}

// =============================================================================
// Status Handlers
// =============================================================================

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	agg, fresh, err := h.status.Get(r.Context(), false)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{
		OK:            true,
		Servers:       agg.Servers,
		Summary:       agg.Summary,
		SystemMetrics: agg.SystemMetrics,
		LastUpdate:    agg.ComputedAt,
		Cached:        fresh.Cached,
	})
}

func (h *Handler) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	port, ok := h.parsePort(w, r)
	if !ok {
		return
	}

	report, err := h.status.Server(r.Context(), port, healthLogLines)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ServerHealthResponse{
		OK: true,
		Server: ServerHealthView{
			ServerStatus:    report.Status,
			RecentLogs:      report.RecentLogs,
			Recommendations: report.Recommendations,
		},
	})
}

func (h *Handler) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	port, ok := h.parsePort(w, r)
	if !ok {
		return
	}

	server, found := h.status.Servers().Get(port)
	if !found {
		h.writeDomainError(w, domain.ErrServerNotFound)
		return
	}

	lines := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "lines must be an integer", nil)
			return
		}
		lines = n
	}
	lines = logtail.ClampLines(lines)

	logs := h.logs.Tail(r.Context(), server, lines)
	h.writeJSON(w, http.StatusOK, LogsResponse{
		OK:         true,
		Port:       port,
		ServerName: server.Name,
		Lines:      len(logs),
		Logs:       logs,
		Timestamp:  h.now().UTC(),
	})
}

func (h *Handler) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, SystemMetricsResponse{
		OK:     true,
		System: h.system.Sample(r.Context()),
	})
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "refresh must be a boolean", nil)
			return
		}
		force = b
	}
	if force {
		h.logger.Info("dashboard force refresh requested", "ip", middleware.ClientIP(r))
	}

	agg, fresh, err := h.status.Get(r.Context(), force)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, DashboardResponse{
		OK:            true,
		Summary:       agg.Summary,
		Servers:       dashboardRows(agg.Servers),
		Alerts:        monitoring.DashboardAlerts(agg.Servers),
		SystemMetrics: agg.SystemMetrics,
		LastUpdate:    agg.ComputedAt,
		CacheStatus: CacheStatus{
			WasCached: fresh.Cached,
			CacheAge:  fresh.Age.Milliseconds(),
		},
	})
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("cache invalidation requested", "ip", middleware.ClientIP(r))
	h.status.Invalidate()

	agg, _, err := h.status.Get(r.Context(), false)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, InvalidateResponse{
		OK:             true,
		Message:        "Cache invalidated successfully",
		ServersChecked: len(agg.Servers),
		LastUpdate:     agg.ComputedAt,
		Timestamp:      h.now().UTC(),
	})
}

// =============================================================================
// Control Handlers
// =============================================================================

func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || domain.ValidateControlPort(port) != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid port number", nil)
		return
	}

	var req ControlRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", nil)
			return
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	action := domain.Action(strings.TrimSpace(req.Action))

	h.logger.Info("control action requested", "port", port, "action", action, "ip", middleware.ClientIP(r))

	result, err := h.control.Execute(r.Context(), port, action)
	if err != nil {
		h.writeControlError(w, result, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ControlResponse{
		OK:            true,
		ID:            result.ID,
		Action:        result.Action,
		Port:          result.Port,
		ServerName:    result.ServerName,
		Manager:       result.Manager,
		ManagerStatus: result.ManagerStatus,
		Running:       result.Running,
		PID:           result.PID,
		Message:       "Action '" + string(result.Action) + "' executed successfully for server on port " + strconv.Itoa(result.Port),
		DurationMs:    result.Duration().Milliseconds(),
		Timestamp:     result.FinishedAt.UTC(),
		Execution: ExecutionDetails{
			Command: result.Command,
			Output:  result.Output,
		},
	})
}

func (h *Handler) writeControlError(w http.ResponseWriter, result *domain.ControlResult, err error) {
	var ctrlErr *control.ControlError
	if !errors.As(err, &ctrlErr) {
		h.writeDomainError(w, err)
		return
	}

	details := map[string]any{
		"command": ctrlErr.Command,
		"output":  ctrlErr.Output,
	}
	if result != nil {
		details["id"] = result.ID
	}
	h.writeError(w, http.StatusInternalServerError, err.Error(), details)
}

// =============================================================================
// Alert & Event Handlers
// =============================================================================

func (h *Handler) handleAlertTest(w http.ResponseWriter, r *http.Request) {
	if err := h.alerts.SendTest(r.Context()); err != nil {
		h.logger.Error("test alert failed", "error", err)
		h.writeError(w, http.StatusBadGateway, "failed to send test alert", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, AlertTestResponse{
		OK:      true,
		Channel: h.alerts.Channel(),
		Message: "Test alert sent",
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter domain.EventFilter

	for name, dst := range map[string]*int{"limit": &filter.Limit, "port": &filter.Port} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				h.writeError(w, http.StatusBadRequest, name+" must be a non-negative integer", nil)
				return
			}
			*dst = n
		}
	}
	if kind := domain.EventKind(q.Get("kind")); kind != "" {
		if kind != domain.EventControl && kind != domain.EventAlert {
			h.writeError(w, http.StatusBadRequest, "kind must be control or alert", nil)
			return
		}
		filter.Kind = kind
	}

	events, err := h.events.ListEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list events", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list events", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, EventsResponse{
		OK:     true,
		Count:  len(events),
		Events: events,
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) parsePort(w http.ResponseWriter, r *http.Request) (int, bool) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid port number", nil)
		return 0, false
	}
	return port, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, details any) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}

// writeDomainError maps service errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrServerNotFound):
		h.writeError(w, http.StatusNotFound, "Server port not configured", nil)
	case errors.Is(err, domain.ErrInvalidAction):
		h.writeError(w, http.StatusBadRequest, "Invalid action. Must be: start, stop, or restart", nil)
	case errors.Is(err, domain.ErrInvalidPort):
		h.writeError(w, http.StatusBadRequest, "Invalid port number", nil)
	case errors.Is(err, domain.ErrUnsupported):
		h.writeError(w, http.StatusNotImplemented, "Server has no process manager configured", err.Error())
	case errors.Is(err, domain.ErrManagerUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "Process manager is not available", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "request timed out", nil)
	case errors.Is(err, context.Canceled):
		h.writeError(w, http.StatusServiceUnavailable, "request cancelled", nil)
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error(), nil)
	}
}

func dashboardRows(servers map[int]domain.ServerStatus) []DashboardServer {
	rows := make([]DashboardServer, 0, len(servers))
	for _, s := range servers {
		row := DashboardServer{
			Port:        s.Port,
			Name:        s.Name,
			Type:        s.Type,
			Status:      s.Status,
			HealthTier:  s.HealthTier,
			HealthScore: s.HealthScore,
			Uptime:      "0:00",
			ManagedBy:   s.ManagedBy,
			Manager:     s.Manager,
		}
		if s.Resources != nil {
			row.CPU = s.Resources.CPUPercent
			row.Memory = s.Resources.MemoryPercent
			row.Uptime = s.Resources.Uptime
		}
		if s.Process != nil {
			row.ManagerStatus = s.Process.ManagerStatus
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Port < rows[j].Port })
	return rows
}
