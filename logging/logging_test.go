package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{in: "debug", want: zerolog.DebugLevel},
		{in: " WARN ", want: zerolog.WarnLevel},
		{in: "error", want: zerolog.ErrorLevel},
		{in: "info", want: zerolog.InfoLevel},
		{in: "", want: zerolog.InfoLevel},
		{in: "verbose", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := Build(Config{Level: "debug"}, &buf)
	ctx := WithRun(context.Background(), "abc", 7)
	assert.Equal(t, "abc", RunID(ctx))

	l := FromContext(ctx, logger)
	l.Info().Msg("tiling")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "abc", line["run_id"])
	assert.Equal(t, 7.0, line["layer_id"])
	assert.Equal(t, "tiling", line["message"])
	assert.Contains(t, line, "time")
}

func TestFromContextWithoutRun(t *testing.T) {
	var buf bytes.Buffer
	l := FromContext(context.Background(), zerolog.New(&buf))
	l.Info().Msg("x")
	assert.NotContains(t, buf.String(), "run_id")
	assert.Empty(t, RunID(context.Background()))
}
