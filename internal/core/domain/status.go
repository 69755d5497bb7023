package domain

import "time"

// =============================================================================
// Health Tier
// =============================================================================

// HealthTier is the coarse health classification of a server.
type HealthTier string

const (
	HealthTierHealthy  HealthTier = "healthy"
	HealthTierWarning  HealthTier = "warning"
	HealthTierCritical HealthTier = "critical"
	HealthTierStopped  HealthTier = "stopped"
)

// ServerState is the observed run state of a server.
type ServerState string

const (
	StateRunning ServerState = "running"
	StateStopped ServerState = "stopped"
	StateError   ServerState = "error"
)

// Values for ServerStatus.ManagedBy.
const (
	ManagedByExternal = "external-process-manager"
	ManagedByDirect   = "direct"
)

// =============================================================================
// Samples
// =============================================================================

// ManagerCounters are resource counters self-reported by a process manager.
type ManagerCounters struct {
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryPercent float64 // zero when the manager only reports bytes
}

// ProcessSample is the result of locating a server's process.
// A nil PID means the process could not be located.
type ProcessSample struct {
	PID               *int       `json:"pid,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	ManagedExternally bool       `json:"managedExternally"`
	Command           string     `json:"command,omitempty"`
	ManagerStatus     string     `json:"managerStatus,omitempty"`
	Restarts          int        `json:"restarts,omitempty"`

	Counters *ManagerCounters `json:"-"`
}

// HasPID reports whether the sample carries a pid.
func (p *ProcessSample) HasPID() bool {
	return p != nil && p.PID != nil && *p.PID > 0
}

// ResourceSample is the resource usage of a single process.
// A nil *ResourceSample means unknown, not zero load.
type ResourceSample struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"memory"`
	MemoryMB      float64 `json:"memoryMB"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}

// =============================================================================
// Server Status
// =============================================================================

// ServerStatus is the computed health of one server for one refresh cycle.
type ServerStatus struct {
	Port               int             `json:"port"`
	Name               string          `json:"name"`
	Type               string          `json:"type"`
	Running            bool            `json:"running"`
	Status             ServerState     `json:"status"`
	HealthScore        int             `json:"healthScore"`
	HealthTier         HealthTier      `json:"healthTier"`
	Process            *ProcessSample  `json:"process"`
	Resources          *ResourceSample `json:"resources"`
	RecentLogAvailable bool            `json:"recentLogAvailable"`
	LogCount           int             `json:"logCount"`
	ManagedBy          string          `json:"managedBy,omitempty"`
	Manager            string          `json:"manager,omitempty"`
	Error              string          `json:"error,omitempty"`
	LastChecked        time.Time       `json:"lastChecked"`
}

// Identity returns the name:port key of the server.
func (s ServerStatus) Identity() string {
	return Identity(s.Name, s.Port)
}

// Summary counts servers by state and tier.
type Summary struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Stopped  int `json:"stopped"`
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Errored  int `json:"errored"`
}

// MemoryMetrics is host memory usage.
type MemoryMetrics struct {
	Percent float64 `json:"percent"`
	UsedMB  float64 `json:"usedMB"`
	TotalMB float64 `json:"totalMB"`
}

// SystemMetrics is a host-wide resource snapshot.
type SystemMetrics struct {
	CPUPercent  float64       `json:"cpu"`
	Memory      MemoryMetrics `json:"memory"`
	DiskPercent float64       `json:"disk"`
	LoadAverage float64       `json:"loadAverage"`
	Uptime      string        `json:"uptime"`
	SampledAt   time.Time     `json:"timestamp"`
}

// AggregateStatus is the combined status of all configured servers plus host
// metrics. Instances are never mutated after they are published.
type AggregateStatus struct {
	Servers       map[int]ServerStatus `json:"servers"`
	Summary       Summary              `json:"summary"`
	SystemMetrics SystemMetrics        `json:"systemMetrics"`
	ComputedAt    time.Time            `json:"lastUpdate"`
}

// Server returns the status for port.
func (a *AggregateStatus) Server(port int) (ServerStatus, bool) {
	if a == nil {
		return ServerStatus{}, false
	}
	s, ok := a.Servers[port]
	return s, ok
}
