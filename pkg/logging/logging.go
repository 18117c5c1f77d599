// Package logging builds the process-wide hclog logger shared by the
// directory, the cluster layer and raft.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"handoff/config"
)

// New returns a logger configured from cfg and a closer for its output file.
func New(name string, cfg config.LoggingConfig) (hclog.InterceptLogger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}
	return NewWithWriter(name, cfg, out), closer, nil
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(name string, cfg config.LoggingConfig, w io.Writer) hclog.InterceptLogger {
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:            name,
		Level:           ParseLevel(cfg.Level),
		Output:          w,
		JSONFormat:      strings.EqualFold(cfg.Format, "json"),
		IncludeLocation: false,
		TimeFormat:      "2006-01-02T15:04:05.000Z0700",
	})
}

// ParseLevel maps a level name to an hclog level, defaulting to info.
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(level)
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
