// Package docker provides a Docker client for container lifecycle management.
package docker

import (
	"time"
)

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// PortBinding is a published container port.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 when not published
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// ContainerInfo is the subset of inspect output the manager needs.
type ContainerInfo struct {
	ID           string
	Name         string
	Image        string
	Status       ContainerStatus
	Running      bool
	PID          int
	StartedAt    *time.Time
	RestartCount int
	Tty          bool
	HostNetwork  bool
	Ports        []PortBinding
}

// Publishes reports whether the container publishes hostPort, or shares the
// host network namespace.
func (c *ContainerInfo) Publishes(hostPort int) bool {
	if c.HostNetwork {
		return true
	}
	for _, p := range c.Ports {
		if p.HostPort == hostPort {
			return true
		}
	}
	return false
}

// Stats is a one-shot resource reading.
type Stats struct {
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryPercent float64
}
