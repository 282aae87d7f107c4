// Package logger bootstraps the process-wide zerolog.Logger, the same
// console/json dual-mode reva's pkg/log builds by hand: human-readable
// ConsoleWriter output for local/dev runs, structured JSON for production,
// selected by internal/config's LogFormat.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/DioCrafts/OxiCloud-sub001/internal/config"
)

// New builds the root logger from cfg.LogLevel and cfg.LogFormat, writing
// to w (os.Stderr in production, a buffer in tests).
func New(cfg *config.Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = w
	if cfg.LogFormat == "" || cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "oxicloudd").
		Int("pid", os.Getpid()).
		Caller().
		Logger()
}
