// Package telemetry builds the root logger and exports engine counters to
// Prometheus.
package telemetry

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/automoto/chrono/config"
)

// NewLogger returns the root logger for a binary. Components derive their
// own with Named.
func NewLogger(name string, cfg config.LogConfig) hclog.Logger {
	return newLogger(name, cfg, os.Stderr)
}

func newLogger(name string, cfg config.LogConfig, out io.Writer) hclog.Logger {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		JSONFormat: cfg.JSON,
		Output:     out,
	})
}
