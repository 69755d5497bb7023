// Package domain contains the core domain types and validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// =============================================================================
// Server Errors
// =============================================================================

var (
	// Server configuration errors
	ErrServerNameRequired = errors.New("server name is required")
	ErrServerPortInvalid  = errors.New("server port must be between 1 and 65535")
	ErrDuplicatePort      = errors.New("server port is configured more than once")
	ErrManagerKindInvalid = errors.New("manager kind must be one of pm2, docker, direct")
	ErrManagerNameMissing = errors.New("manager name is required")
	ErrDirectCommand      = errors.New("direct manager requires a launch command")

	// Operation errors
	ErrServerNotFound     = errors.New("server not found in configuration")
	ErrInvalidAction      = errors.New("invalid action, must be one of: start, stop, restart")
	ErrInvalidPort        = errors.New("invalid port number")
	ErrUnsupported        = errors.New("server has no process manager binding")
	ErrManagerUnavailable = errors.New("process manager is not available")
)

// =============================================================================
// Manager Handle
// =============================================================================

// ManagerKind identifies the process manager that supervises a server.
type ManagerKind string

const (
	ManagerPM2    ManagerKind = "pm2"
	ManagerDocker ManagerKind = "docker"
	ManagerDirect ManagerKind = "direct"
)

// IsValid checks if the manager kind is known.
func (k ManagerKind) IsValid() bool {
	switch k {
	case ManagerPM2, ManagerDocker, ManagerDirect:
		return true
	default:
		return false
	}
}

// ManagerHandle binds a server to a process manager entry.
type ManagerHandle struct {
	Kind ManagerKind `json:"kind" yaml:"kind"`
	// Name is the pm2 app name or docker container name. For direct
	// management it is the token matched against process command lines.
	Name string `json:"name" yaml:"name"`
	// Command is the launch command for direct management.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`
	// WorkDir is the working directory for direct management.
	WorkDir string `json:"workDir,omitempty" yaml:"work_dir,omitempty"`
}

// String returns kind:name.
func (h ManagerHandle) String() string {
	return string(h.Kind) + ":" + h.Name
}

// Validate checks the handle for required fields.
func (h ManagerHandle) Validate() error {
	if !h.Kind.IsValid() {
		return ErrManagerKindInvalid
	}
	if h.Kind == ManagerDirect {
		if len(h.Command) == 0 {
			return ErrDirectCommand
		}
		return nil
	}
	if strings.TrimSpace(h.Name) == "" {
		return ErrManagerNameMissing
	}
	return nil
}

// =============================================================================
// Server Config
// =============================================================================

// ServerConfig identifies one managed game-server instance.
type ServerConfig struct {
	Name    string         `json:"name" yaml:"name"`
	Port    int            `json:"port" yaml:"port"`
	Type    string         `json:"type" yaml:"type"`
	Manager *ManagerHandle `json:"manager,omitempty" yaml:"manager,omitempty"`
	LogFile string         `json:"logFile,omitempty" yaml:"log_file,omitempty"`
}

// Validate checks the server config.
func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrServerNameRequired
	}
	if s.Port < 1 || s.Port > 65535 {
		return ErrServerPortInvalid
	}
	if s.Manager != nil {
		if err := s.Manager.Validate(); err != nil {
			return fmt.Errorf("server %s: %w", s.Name, err)
		}
	}
	return nil
}

// Identity returns the name:port key used for alert bookkeeping.
func Identity(name string, port int) string {
	return fmt.Sprintf("%s:%d", name, port)
}

// MatchToken returns the string matched against OS process command lines
// when no authoritative process table is available.
func (s ServerConfig) MatchToken() string {
	if s.Manager != nil && s.Manager.Kind == ManagerDirect && s.Manager.Name != "" {
		return s.Manager.Name
	}
	return s.Name
}

// LogPath returns the server's log file, defaulting to
// <logDir>/server-<port>.log.
func (s ServerConfig) LogPath(logDir string) string {
	if s.LogFile != "" {
		return s.LogFile
	}
	if logDir == "" {
		logDir = "."
	}
	return filepath.Join(logDir, fmt.Sprintf("server-%d.log", s.Port))
}

// ServerSet is the immutable set of configured servers, indexed by port.
type ServerSet struct {
	byPort map[int]ServerConfig
	ports  []int
}

// NewServerSet validates the given servers and builds a set.
func NewServerSet(servers []ServerConfig) (*ServerSet, error) {
	set := &ServerSet{byPort: make(map[int]ServerConfig, len(servers))}
	for _, s := range servers {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, exists := set.byPort[s.Port]; exists {
			return nil, fmt.Errorf("port %d: %w", s.Port, ErrDuplicatePort)
		}
		set.byPort[s.Port] = s
		set.ports = append(set.ports, s.Port)
	}
	sort.Ints(set.ports)
	return set, nil
}

// Get returns the server configured on port.
func (s *ServerSet) Get(port int) (ServerConfig, bool) {
	cfg, ok := s.byPort[port]
	return cfg, ok
}

// Ports returns the configured ports in ascending order.
func (s *ServerSet) Ports() []int {
	out := make([]int, len(s.ports))
	copy(out, s.ports)
	return out
}

// All returns the servers ordered by port.
func (s *ServerSet) All() []ServerConfig {
	out := make([]ServerConfig, 0, len(s.ports))
	for _, p := range s.ports {
		out = append(out, s.byPort[p])
	}
	return out
}

// Len returns the number of configured servers.
func (s *ServerSet) Len() int {
	return len(s.ports)
}

// DefaultServers returns the fleet the service was first deployed with.
func DefaultServers() []ServerConfig {
	return []ServerConfig{
		{Name: "01_MAINWORLD", Port: 8080, Type: "main"},
		{Name: "ART_EXHIBITIONSARTLOBBY", Port: 8081, Type: "exhibition"},
		{Name: "ART_EXHIBITIONS_AIArtists", Port: 8082, Type: "exhibition"},
		{Name: "ART_EXHIBITIONS_STRANGEWORLDS_", Port: 8083, Type: "exhibition"},
		{Name: "ART_EXHIBITIONS_4Deya", Port: 8084, Type: "exhibition"},
		{Name: "ART_Halloween2025_MULTIPLAYER", Port: 8086, Type: "seasonal"},
		{Name: "ART_JULIENVALLETakaBYJULES", Port: 8087, Type: "artist"},
		{Name: "SKYNOVAbyNOVA", Port: 8090, Type: "artist"},
		{Name: "MALL_DOWNTOWNCITYMALL", Port: 8091, Type: "social"},
	}
}
