// Package monitoring provides pure functions for game-server health logic.
// This package contains NO I/O.
package monitoring

import (
	"fmt"
	"sort"

	"github.com/artpar/gsm/internal/core/domain"
)

// =============================================================================
// Thresholds
// =============================================================================

// Thresholds are the tuning constants of the health score. They are not
// derived from measurement; DefaultThresholds reproduces the deployed values.
type Thresholds struct {
	CPUSevere        float64 `mapstructure:"cpu_severe"`
	CPUHigh          float64 `mapstructure:"cpu_high"`
	MemSevere        float64 `mapstructure:"mem_severe"`
	MemHigh          float64 `mapstructure:"mem_high"`
	IdleCPU          float64 `mapstructure:"idle_cpu"`
	IdleMem          float64 `mapstructure:"idle_mem"`
	CPUSeverePenalty int     `mapstructure:"cpu_severe_penalty"`
	CPUHighPenalty   int     `mapstructure:"cpu_high_penalty"`
	MemSeverePenalty int     `mapstructure:"mem_severe_penalty"`
	MemHighPenalty   int     `mapstructure:"mem_high_penalty"`
	IdleBonus        int     `mapstructure:"idle_bonus"`
	NoLogsPenalty    int     `mapstructure:"no_logs_penalty"`
	HealthyMin       int     `mapstructure:"healthy_min"`
	WarningMin       int     `mapstructure:"warning_min"`
}

// DefaultThresholds returns the deployed scoring constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUSevere:        90,
		CPUHigh:          70,
		MemSevere:        95,
		MemHigh:          80,
		IdleCPU:          30,
		IdleMem:          50,
		CPUSeverePenalty: 30,
		CPUHighPenalty:   15,
		MemSeverePenalty: 25,
		MemHighPenalty:   10,
		IdleBonus:        5,
		NoLogsPenalty:    10,
		HealthyMin:       80,
		WarningMin:       60,
	}
}

// =============================================================================
// Health Score (Pure Functions)
// =============================================================================

// Score computes the health score and tier of a server with the default
// thresholds.
func Score(running bool, resources *domain.ResourceSample, hasRecentLogs bool) (int, domain.HealthTier) {
	return DefaultThresholds().Score(running, resources, hasRecentLogs)
}

// Score computes the health score and tier of a server.
// A stopped server always scores (0, stopped). Resource adjustments are only
// applied when resources are known.
func (t Thresholds) Score(running bool, resources *domain.ResourceSample, hasRecentLogs bool) (int, domain.HealthTier) {
	if !running {
		return 0, domain.HealthTierStopped
	}

	score := 100

	if resources != nil {
		cpu, mem := resources.CPUPercent, resources.MemoryPercent

		if cpu > t.CPUSevere {
			score -= t.CPUSeverePenalty
		} else if cpu > t.CPUHigh {
			score -= t.CPUHighPenalty
		}

		if mem > t.MemSevere {
			score -= t.MemSeverePenalty
		} else if mem > t.MemHigh {
			score -= t.MemHighPenalty
		}

		if cpu < t.IdleCPU && mem < t.IdleMem {
			score += t.IdleBonus
		}
	}

	if !hasRecentLogs {
		score -= t.NoLogsPenalty
	}

	score = clamp(score, 0, 100)
	return score, t.Tier(score)
}

// Tier maps a score of a running server to its tier.
func (t Thresholds) Tier(score int) domain.HealthTier {
	switch {
	case score >= t.HealthyMin:
		return domain.HealthTierHealthy
	case score >= t.WarningMin:
		return domain.HealthTierWarning
	default:
		return domain.HealthTierCritical
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// =============================================================================
// Summary (Pure Functions)
// =============================================================================

// Summarize counts servers by state and tier. Servers in the error state are
// counted as errored and critical, and neither running nor stopped.
func Summarize(servers map[int]domain.ServerStatus) domain.Summary {
	var s domain.Summary
	for _, srv := range servers {
		s.Total++
		switch {
		case srv.Status == domain.StateError:
			s.Errored++
			s.Critical++
		case srv.Running:
			s.Running++
			switch srv.HealthTier {
			case domain.HealthTierHealthy:
				s.Healthy++
			case domain.HealthTierWarning:
				s.Warning++
			default:
				s.Critical++
			}
		default:
			s.Stopped++
		}
	}
	return s
}

// =============================================================================
// Recommendations (Pure Functions)
// =============================================================================

// Severity levels shared by recommendations and dashboard alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Recommendation is an operator hint attached to a single-server health report.
type Recommendation struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// Recommendations derives operator hints from a server's state.
func Recommendations(running bool, resources *domain.ResourceSample, score int) []Recommendation {
	var recs []Recommendation

	if !running {
		recs = append(recs, Recommendation{
			Type:    SeverityCritical,
			Message: "Server is not running",
			Action:  "Start the server process",
		})
	}

	if resources != nil {
		if resources.CPUPercent > 90 {
			recs = append(recs, Recommendation{
				Type:    SeverityWarning,
				Message: "High CPU usage detected",
				Action:  "Check for runaway processes or consider a restart",
			})
		}
		if resources.MemoryPercent > 90 {
			recs = append(recs, Recommendation{
				Type:    SeverityCritical,
				Message: "High memory usage detected",
				Action:  "Restart the server to release memory",
			})
		}
	}

	if running && score < 60 {
		recs = append(recs, Recommendation{
			Type:    SeverityWarning,
			Message: "Low health score",
			Action:  "Review server logs and resource usage",
		})
	}

	if len(recs) == 0 {
		recs = append(recs, Recommendation{
			Type:    SeverityInfo,
			Message: "Server running normally",
			Action:  "No action required",
		})
	}

	return recs
}

// =============================================================================
// Dashboard Alerts (Pure Functions)
// =============================================================================

// DashboardAlert is a display-only alert row for the dashboard summary.
type DashboardAlert struct {
	Type    string `json:"type"`
	Port    int    `json:"port"`
	Server  string `json:"server"`
	Message string `json:"message"`
}

// DashboardAlerts lists the servers needing attention, ordered by port.
func DashboardAlerts(servers map[int]domain.ServerStatus) []DashboardAlert {
	ports := make([]int, 0, len(servers))
	for p := range servers {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	alerts := []DashboardAlert{}
	for _, p := range ports {
		srv := servers[p]
		switch {
		case srv.Status == domain.StateError:
			alerts = append(alerts, DashboardAlert{
				Type:    SeverityCritical,
				Port:    p,
				Server:  srv.Name,
				Message: fmt.Sprintf("Server %s could not be checked: %s", srv.Name, srv.Error),
			})
		case !srv.Running:
			alerts = append(alerts, DashboardAlert{
				Type:    SeverityCritical,
				Port:    p,
				Server:  srv.Name,
				Message: fmt.Sprintf("Server %s is stopped", srv.Name),
			})
		case srv.HealthTier == domain.HealthTierCritical:
			alerts = append(alerts, DashboardAlert{
				Type:    SeverityCritical,
				Port:    p,
				Server:  srv.Name,
				Message: fmt.Sprintf("Server %s health is critical (score %d)", srv.Name, srv.HealthScore),
			})
		case srv.HealthTier == domain.HealthTierWarning:
			alerts = append(alerts, DashboardAlert{
				Type:    SeverityWarning,
				Port:    p,
				Server:  srv.Name,
				Message: fmt.Sprintf("Server %s health is degraded (score %d)", srv.Name, srv.HealthScore),
			})
		}
	}
	return alerts
}
