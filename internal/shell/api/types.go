package api

import (
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/core/monitoring"
)

// =============================================================================
// Request Types
// =============================================================================

// ControlRequest is the request body for a control action. The action may
// also be passed as the action query parameter.
type ControlRequest struct {
	Action string `json:"action"`
}

// =============================================================================
// Response Types
// =============================================================================

// HealthResponse is the response for the liveness endpoint.
type HealthResponse struct {
	OK        bool      `json:"ok"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Uptime    float64   `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the full aggregate status.
type StatusResponse struct {
	OK            bool                        `json:"ok"`
	Servers       map[int]domain.ServerStatus `json:"servers"`
	Summary       domain.Summary              `json:"summary"`
	SystemMetrics domain.SystemMetrics        `json:"systemMetrics"`
	LastUpdate    time.Time                   `json:"lastUpdate"`
	Cached        bool                        `json:"cached"`
}

// ServerHealthResponse is a fresh single-server report.
type ServerHealthResponse struct {
	OK     bool             `json:"ok"`
	Server ServerHealthView `json:"server"`
}

// ServerHealthView flattens a server status with its recent logs and hints.
type ServerHealthView struct {
	domain.ServerStatus
	RecentLogs      []string                    `json:"recentLogs"`
	Recommendations []monitoring.Recommendation `json:"recommendations"`
}

// LogsResponse is the response for the log tail endpoint.
type LogsResponse struct {
	OK         bool      `json:"ok"`
	Port       int       `json:"port"`
	ServerName string    `json:"serverName"`
	Lines      int       `json:"lines"`
	Logs       []string  `json:"logs"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemMetricsResponse wraps host metrics.
type SystemMetricsResponse struct {
	OK     bool                 `json:"ok"`
	System domain.SystemMetrics `json:"system"`
}

// DashboardServer is one row of the dashboard summary.
type DashboardServer struct {
	Port          int                `json:"port"`
	Name          string             `json:"name"`
	Type          string             `json:"type"`
	Status        domain.ServerState `json:"status"`
	HealthTier    domain.HealthTier  `json:"healthTier"`
	HealthScore   int                `json:"healthScore"`
	CPU           float64            `json:"cpu"`
	Memory        float64            `json:"memory"`
	Uptime        string             `json:"uptime"`
	ManagedBy     string             `json:"managedBy,omitempty"`
	Manager       string             `json:"manager,omitempty"`
	ManagerStatus string             `json:"managerStatus,omitempty"`
}

// CacheStatus reports how a dashboard response was produced.
type CacheStatus struct {
	WasCached bool `json:"wasCached"`
	// CacheAge is the age of the served aggregate in milliseconds.
	CacheAge int64 `json:"cacheAge"`
}

// DashboardResponse is the dashboard summary.
type DashboardResponse struct {
	OK            bool                        `json:"ok"`
	Summary       domain.Summary              `json:"summary"`
	Servers       []DashboardServer           `json:"servers"`
	Alerts        []monitoring.DashboardAlert `json:"alerts"`
	SystemMetrics domain.SystemMetrics        `json:"systemMetrics"`
	LastUpdate    time.Time                   `json:"lastUpdate"`
	CacheStatus   CacheStatus                 `json:"cacheStatus"`
}

// ExecutionDetails carries the raw manager command and output.
type ExecutionDetails struct {
	Command string `json:"command"`
	Output  string `json:"output"`
}

// ControlResponse is the response for a successful control action.
type ControlResponse struct {
	OK            bool             `json:"ok"`
	ID            string           `json:"id"`
	Action        domain.Action    `json:"action"`
	Port          int              `json:"port"`
	ServerName    string           `json:"serverName"`
	Manager       string           `json:"manager"`
	ManagerStatus string           `json:"managerStatus,omitempty"`
	Running       bool             `json:"running"`
	PID           *int             `json:"pid"`
	Message       string           `json:"message"`
	DurationMs    int64            `json:"durationMs"`
	Timestamp     time.Time        `json:"timestamp"`
	Execution     ExecutionDetails `json:"execution"`
}

// InvalidateResponse is the response for cache invalidation.
type InvalidateResponse struct {
	OK             bool      `json:"ok"`
	Message        string    `json:"message"`
	ServersChecked int       `json:"serversChecked"`
	LastUpdate     time.Time `json:"lastUpdate"`
	Timestamp      time.Time `json:"timestamp"`
}

// AlertTestResponse is the response for a test notification.
type AlertTestResponse struct {
	OK      bool   `json:"ok"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// EventsResponse lists journal entries.
type EventsResponse struct {
	OK     bool           `json:"ok"`
	Count  int            `json:"count"`
	Events []domain.Event `json:"events"`
}

// ErrorResponse is the response for errors.
type ErrorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
