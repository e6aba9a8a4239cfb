package pyramid

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pdok/rasterpyramid/logging"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
)

// Event is one progress message of a run.
type Event struct {
	LayerID int64
	RunID   string
	Message string
	State   raster.State
	// Zoom is set while tiling
	Zoom *uint
	// Err is set on the Failed event
	Err error
}

// ProgressSink receives the progress of tiling runs. Sinks must be safe for
// concurrent use.
type ProgressSink interface {
	Report(ctx context.Context, e Event) error
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Report(ctx context.Context, e Event) error {
	l := logging.FromContext(ctx, s.Logger)
	var ev *zerolog.Event
	switch {
	case e.Err != nil:
		ev = l.Error().Err(e.Err)
	case e.State == raster.Tiling && e.Zoom == nil:
		ev = l.Debug()
	default:
		ev = l.Info()
	}
	ev = ev.Str("state", string(e.State))
	if e.Zoom != nil {
		ev = ev.Uint("zoom", *e.Zoom)
	}
	ev.Msg(e.Message)
	return nil
}

// StatusSink keeps the status of each layer's latest run in a StatusStore. The
// log restarts when a new run id shows up.
type StatusSink struct {
	Store store.StatusStore
	Now   func() time.Time

	mu       sync.Mutex
	statuses map[int64]*raster.Status
}

func NewStatusSink(s store.StatusStore) *StatusSink {
	return &StatusSink{Store: s, Now: time.Now, statuses: make(map[int64]*raster.Status)}
}

func (s *StatusSink) Report(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[e.LayerID]
	if !ok || st.RunID != e.RunID {
		st = &raster.Status{LayerID: e.LayerID, RunID: e.RunID}
		s.statuses[e.LayerID] = st
	}
	st.State = e.State
	if e.Zoom != nil {
		z := *e.Zoom
		st.Zoom = &z
	}
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	st.Log = append(st.Log, msg)
	st.Updated = s.Now()

	saved := *st
	saved.Log = append([]string(nil), st.Log...)
	return s.Store.SaveStatus(ctx, saved)
}

// MultiSink reports to every sink and returns the first error.
type MultiSink []ProgressSink

func (m MultiSink) Report(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Report(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
