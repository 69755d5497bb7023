// Package logtail reads the most recent output lines of a game server.
package logtail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/artpar/gsm/internal/shell/procmgr"
)

const (
	// DefaultLines is used when the caller asks for zero or fewer lines.
	DefaultLines = 50
	// MaxLines caps every request.
	MaxLines = 500

	blockSize = 8 * 1024
	// maxLineBytes bounds the bytes scanned per requested line.
	maxLineBytes = 4 * 1024
)

// Config configures log tailing.
type Config struct {
	// LogDir holds per-server log files named server-<port>.log.
	LogDir string
}

// Tailer returns the last lines of a server's output, preferring the process
// manager's buffer over the per-server log file.
type Tailer struct {
	registry *procmgr.Registry
	config   Config
	logger   *slog.Logger
}

// New creates a tailer.
func New(registry *procmgr.Registry, config Config, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		registry: registry,
		config:   config,
		logger:   logger.With("component", "logtail"),
	}
}

// ClampLines applies the default and the cap to a requested line count.
func ClampLines(n int) int {
	if n <= 0 {
		return DefaultLines
	}
	if n > MaxLines {
		return MaxLines
	}
	return n
}

// Tail returns up to maxLines non-empty lines, oldest first. A missing
// source yields an empty slice.
func (t *Tailer) Tail(ctx context.Context, server domain.ServerConfig, maxLines int) []string {
	n := ClampLines(maxLines)

	if m, ok := t.registry.For(server); ok {
		if src, ok := m.(procmgr.LogSource); ok {
			lines, err := src.Logs(ctx, server, n)
			if err == nil {
				return nonNil(lines)
			}
			t.logger.Debug("manager log buffer unavailable, reading file", "server", server.Name, "error", err)
		}
	}

	path := server.LogPath(t.config.LogDir)
	lines, err := TailFile(path, n)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Debug("log file unreadable", "server", server.Name, "path", path, "error", err)
		}
		return []string{}
	}
	return lines
}

// TailFile reads path backwards in blocks until n non-empty lines are found
// or n*4KiB have been scanned, and returns what it found.
func TailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	offset := info.Size()
	limit := int64(n) * maxLineBytes
	var (
		buf      []byte
		newlines int
	)
	for {
		exhausted := offset == 0 || int64(len(buf)) >= limit
		if newlines >= n || exhausted {
			lines := splitLines(buf, offset > 0)
			if len(lines) >= n || exhausted {
				if len(lines) > n {
					lines = lines[len(lines)-n:]
				}
				return nonNil(lines), nil
			}
		}

		size := int64(blockSize)
		if size > offset {
			size = offset
		}
		offset -= size

		block := make([]byte, size)
		if _, err := f.ReadAt(block, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		newlines += bytes.Count(block, []byte{'\n'})
		buf = append(block, buf...)
	}
}

// splitLines returns the non-empty lines of buf. When partialHead is set the
// first segment may be cut mid-line and is dropped.
func splitLines(buf []byte, partialHead bool) []string {
	segments := strings.Split(string(buf), "\n")
	if partialHead {
		segments = segments[1:]
	}
	var lines []string
	for _, line := range segments {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}
