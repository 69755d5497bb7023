package procmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/cmdexec"
)

// PM2Config configures the pm2 backend.
type PM2Config struct {
	// Binary is the pm2 executable.
	// Default: "pm2".
	Binary string

	// Ecosystem is the ecosystem file used to start apps that pm2 does not
	// know yet. When empty, start is issued by app name.
	Ecosystem string
}

// PM2 drives processes through the pm2 CLI.
type PM2 struct {
	runner cmdexec.Runner
	config PM2Config
	logger *slog.Logger
}

// NewPM2 creates a pm2 backend.
func NewPM2(runner cmdexec.Runner, config PM2Config, logger *slog.Logger) *PM2 {
	if runner == nil {
		runner = cmdexec.Default()
	}
	if config.Binary == "" {
		config.Binary = "pm2"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PM2{
		runner: runner,
		config: config,
		logger: logger.With("component", "pm2"),
	}
}

// Kind implements Manager.
func (p *PM2) Kind() domain.ManagerKind {
	return domain.ManagerPM2
}

// Authoritative implements Authoritative.
func (p *PM2) Authoritative() bool {
	return true
}

// Available runs pm2 --version.
func (p *PM2) Available(ctx context.Context) bool {
	if !p.runner.Exists(p.config.Binary) {
		return false
	}
	_, err := p.runner.Run(ctx, p.config.Binary, "--version")
	return err == nil
}

// =============================================================================
// Process Table
// =============================================================================

type pm2Entry struct {
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	PMID  int    `json:"pm_id"`
	Env   pm2Env `json:"pm2_env"`
	Monit struct {
		Memory uint64  `json:"memory"`
		CPU    float64 `json:"cpu"`
	} `json:"monit"`
}

type pm2Env struct {
	Status      string `json:"status"`
	PMUptime    int64  `json:"pm_uptime"`
	CreatedAt   int64  `json:"created_at"`
	RestartTime int    `json:"restart_time"`
	ExecPath    string `json:"pm_exec_path"`
}

// List returns the pm2 process table keyed by app name.
func (p *PM2) List(ctx context.Context) (map[string]*Process, error) {
	res, err := p.runner.Run(ctx, p.config.Binary, "jlist")
	if err != nil {
		return nil, &ManagerError{Op: "jlist", Manager: domain.ManagerPM2, Command: p.config.Binary + " jlist", Output: res.Combined(), Err: err}
	}

	entries, err := parseJList(res.Stdout)
	if err != nil {
		return nil, &ManagerError{Op: "jlist", Manager: domain.ManagerPM2, Command: p.config.Binary + " jlist", Output: res.Combined(), Err: err}
	}

	out := make(map[string]*Process, len(entries))
	for _, e := range entries {
		out[e.Name] = e.process()
	}
	return out, nil
}

// Lookup returns the pm2 entry of the server's app.
func (p *PM2) Lookup(ctx context.Context, server domain.ServerConfig) (*Process, error) {
	name := appName(server)
	table, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	proc, ok := table[name]
	if !ok {
		return nil, &ManagerError{Op: "lookup", Manager: domain.ManagerPM2, Name: name, Err: ErrProcessNotFound}
	}
	return proc, nil
}

// parseJList decodes pm2 jlist output. pm2 may print banner or warning lines
// before the JSON array, so decoding starts at the first '['.
func parseJList(out []byte) ([]pm2Entry, error) {
	start := bytes.IndexByte(out, '[')
	if start < 0 {
		return nil, ErrBadOutput
	}
	var entries []pm2Entry
	if err := json.Unmarshal(out[start:], &entries); err != nil {
		return nil, errors.Join(ErrBadOutput, err)
	}
	return entries, nil
}

func (e pm2Entry) process() *Process {
	proc := &Process{
		Name:        e.Name,
		PID:         e.PID,
		Status:      e.Env.Status,
		Online:      e.Env.Status == "online",
		Restarts:    e.Env.RestartTime,
		CPUPercent:  e.Monit.CPU,
		MemoryBytes: e.Monit.Memory,
		Command:     e.Env.ExecPath,
	}
	if proc.Online && e.Env.PMUptime > 0 {
		started := time.UnixMilli(e.Env.PMUptime)
		proc.StartedAt = &started
	}
	if !proc.Online {
		proc.PID = 0
	}
	return proc
}

// =============================================================================
// Control
// =============================================================================

// Control runs pm2 start|stop|restart for the server's app.
func (p *PM2) Control(ctx context.Context, server domain.ServerConfig, action domain.Action) (Output, error) {
	name := appName(server)

	var args []string
	switch action {
	case domain.ActionStart:
		if p.config.Ecosystem != "" {
			args = []string{"start", p.config.Ecosystem, "--only", name}
		} else {
			args = []string{"start", name}
		}
	case domain.ActionStop:
		args = []string{"stop", name}
	case domain.ActionRestart:
		args = []string{"restart", name}
	default:
		return Output{}, domain.ErrInvalidAction
	}

	command := p.config.Binary + " " + strings.Join(args, " ")
	p.logger.Info("executing pm2 command", "command", command, "server", server.Name)

	res, err := p.runner.Run(ctx, p.config.Binary, args...)
	out := Output{Command: command, Output: strings.TrimSpace(res.Combined())}
	if err != nil {
		return out, &ManagerError{
			Op:      string(action),
			Manager: domain.ManagerPM2,
			Name:    name,
			Command: command,
			Output:  out.Output,
			Err:     errors.Join(ErrCommandFailed, err),
		}
	}
	return out, nil
}

// =============================================================================
// Logs
// =============================================================================

// Logs returns the last lines of the app's pm2 log buffer.
func (p *PM2) Logs(ctx context.Context, server domain.ServerConfig, lines int) ([]string, error) {
	name := appName(server)
	res, err := p.runner.Run(ctx, p.config.Binary, "logs", name, "--lines", strconv.Itoa(lines), "--nostream", "--raw")
	if err != nil {
		return nil, &ManagerError{Op: "logs", Manager: domain.ManagerPM2, Name: name, Output: res.Combined(), Err: err}
	}
	return lastLines(filterPM2Headers(string(res.Stdout)), lines), nil
}

func filterPM2Headers(out string) []string {
	var kept []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "[TAILING]") {
			continue
		}
		if strings.Contains(trimmed, " last ") && strings.HasSuffix(trimmed, "lines:") {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

func lastLines(lines []string, n int) []string {
	if n > 0 && len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

func appName(server domain.ServerConfig) string {
	if server.Manager != nil && server.Manager.Name != "" {
		return server.Manager.Name
	}
	return server.Name
}
