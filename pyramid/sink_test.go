package pyramid

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/rasterpyramid/logging"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
)

func TestStatusSink(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	sink := NewStatusSink(s)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink.Now = func() time.Time { return now }

	zoom := uint(4)
	events := []Event{
		{LayerID: 1, RunID: "a", State: raster.Fetching, Message: "started"},
		{LayerID: 1, RunID: "a", State: raster.Tiling, Zoom: &zoom, Message: "zoom 4"},
		{LayerID: 2, RunID: "b", State: raster.Fetching, Message: "other layer"},
		{LayerID: 1, RunID: "a", State: raster.Failed, Message: "failed while tiling", Err: errors.New("boom")},
	}
	for _, e := range events {
		require.NoError(t, sink.Report(ctx, e))
	}

	st, found, err := s.LoadStatus(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, raster.Failed, st.State)
	assert.Equal(t, []string{"started", "zoom 4", "failed while tiling: boom"}, st.Log)
	require.NotNil(t, st.Zoom)
	assert.Equal(t, uint(4), *st.Zoom)
	assert.True(t, now.Equal(st.Updated))

	// a new run starts a new log
	require.NoError(t, sink.Report(ctx, Event{LayerID: 1, RunID: "c", State: raster.Fetching, Message: "again"}))
	st, _, err = s.LoadStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"again"}, st.Log)
	assert.Nil(t, st.Zoom)

	st, _, err = s.LoadStatus(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"other layer"}, st.Log)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: zerolog.New(&buf)}
	ctx := logging.WithRun(context.Background(), "run-1", 3)
	zoom := uint(7)

	require.NoError(t, sink.Report(ctx, Event{State: raster.Tiling, Zoom: &zoom, Message: "creating tiles"}))
	require.NoError(t, sink.Report(ctx, Event{State: raster.Failed, Message: "failed", Err: errors.New("boom")}))

	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-1"`)
	assert.Contains(t, out, `"layer_id":3`)
	assert.Contains(t, out, `"zoom":7`)
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"error":"boom"`)
}

type errSink struct{ err error }

func (s errSink) Report(context.Context, Event) error { return s.err }

func TestMultiSink(t *testing.T) {
	first, second := errors.New("first"), errors.New("second")
	rec := &recordingSink{}
	err := MultiSink{errSink{first}, rec, errSink{second}}.Report(context.Background(), Event{Message: "x"})
	require.ErrorIs(t, err, first)
	assert.Len(t, rec.events, 1)
	require.NoError(t, MultiSink{rec}.Report(context.Background(), Event{}))
}
