package procmgr

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessTable finds OS processes by a token in their command line.
type ProcessTable interface {
	FindByToken(ctx context.Context, token string) (*Process, error)
}

// OSProcessTable scans the host process list with gopsutil.
//
// Matching is a plain substring test, so two servers whose tokens overlap
// (e.g. "ART_EXHIBITIONS" and "ART_EXHIBITIONS_AIArtists") can resolve to
// the same process. Tokens must be unique and non-overlapping. When several
// processes match, the lowest pid wins.
type OSProcessTable struct {
	self int32
}

// NewOSProcessTable creates a process table that ignores the current process.
func NewOSProcessTable() *OSProcessTable {
	return &OSProcessTable{self: int32(os.Getpid())}
}

// FindByToken returns the first process whose command line contains token.
func (t *OSProcessTable) FindByToken(ctx context.Context, token string) (*Process, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrProcessNotFound
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var (
		best    *process.Process
		bestCmd string
	)
	for _, p := range procs {
		if p.Pid == t.self {
			continue
		}
		if best != nil && p.Pid > best.Pid {
			continue
		}
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			cmd, _ = p.NameWithContext(ctx)
		}
		if strings.Contains(cmd, token) {
			best, bestCmd = p, cmd
		}
	}

	if best == nil {
		return nil, ErrProcessNotFound
	}

	proc := &Process{
		Name:    token,
		PID:     int(best.Pid),
		Status:  "running",
		Online:  true,
		Command: bestCmd,
	}
	if ms, err := best.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		started := time.UnixMilli(ms)
		proc.StartedAt = &started
	}
	return proc, nil
}
