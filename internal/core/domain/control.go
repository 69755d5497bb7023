package domain

import (
	"strings"
	"time"
)

// Action is a control action against a server.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// IsValid checks if the action is one of start, stop, restart.
func (a Action) IsValid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart:
		return true
	default:
		return false
	}
}

// ParseAction parses a user-supplied action. Matching is exact after trimming.
func ParseAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(s))
	if !a.IsValid() {
		return "", ErrInvalidAction
	}
	return a, nil
}

// Ports accepted by the control endpoint.
const (
	MinControlPort = 1000
	MaxControlPort = 65535
)

// ValidateControlPort checks that port is in the range accepted for control.
func ValidateControlPort(port int) error {
	if port < MinControlPort || port > MaxControlPort {
		return ErrInvalidPort
	}
	return nil
}

// ControlRequest names a target server and an action.
type ControlRequest struct {
	Port   int    `json:"port"`
	Action Action `json:"action"`
}

// ControlResult reports the observed state after a control action.
type ControlResult struct {
	ID            string    `json:"id"`
	Port          int       `json:"port"`
	ServerName    string    `json:"serverName"`
	Action        Action    `json:"action"`
	Manager       string    `json:"manager"`
	Success       bool      `json:"success"`
	Running       bool      `json:"running"`
	PID           *int      `json:"pid"`
	ManagerStatus string    `json:"managerStatus,omitempty"`
	Command       string    `json:"command"`
	Output        string    `json:"output"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// Duration returns how long the action took including the settle delay.
func (r *ControlResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
