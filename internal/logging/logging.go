package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/config"
)

// New builds the root logger. Components derive their own with Named.
func New(cfg config.LoggingConfig) hclog.Logger {
	return NewWithOutput(cfg, os.Stderr)
}

func NewWithOutput(cfg config.LoggingConfig, out io.Writer) hclog.Logger {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	opts := &hclog.LoggerOptions{
		Name:   "printfleet",
		Level:  level,
		Output: out,
	}

	switch cfg.Format {
	case "json":
		opts.JSONFormat = true
	case "plain":
		opts.Color = hclog.ColorOff
		opts.DisableTime = true
	default:
		opts.Color = hclog.AutoColor
	}

	return hclog.New(opts)
}

// OrNull returns l, or a logger that discards everything when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
