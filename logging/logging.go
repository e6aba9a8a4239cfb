// Package logging builds the zerolog loggers of the tiler and the aggregator.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Console bool   `yaml:"console"`
}

type ctxKey string

const (
	ctxRunKey   ctxKey = "run_id"
	ctxLayerKey ctxKey = "layer_id"
)

// Build sets the global level and returns a timestamped logger writing to out,
// or to stderr when out is nil.
func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	return zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel falls back to info for unknown levels.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func WithRun(ctx context.Context, runID string, layer int64) context.Context {
	ctx = context.WithValue(ctx, ctxRunKey, runID)
	return context.WithValue(ctx, ctxLayerKey, layer)
}

// RunID returns the run id stored by WithRun, if any.
func RunID(ctx context.Context) string {
	if s, ok := ctx.Value(ctxRunKey).(string); ok {
		return s
	}
	return ""
}

// FromContext returns a child of parent carrying the run fields of ctx.
func FromContext(ctx context.Context, parent zerolog.Logger) zerolog.Logger {
	w := parent.With()
	if s := RunID(ctx); s != "" {
		w = w.Str("run_id", s)
	}
	if layer, ok := ctx.Value(ctxLayerKey).(int64); ok {
		w = w.Int64("layer_id", layer)
	}
	return w.Logger()
}
