package pyramid

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-spatial/geom/slippy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/rasterpyramid/fetch"
	"github.com/pdok/rasterpyramid/observability"
	"github.com/pdok/rasterpyramid/pyramid/pyramidtest"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/store/storetest"
	"github.com/pdok/rasterpyramid/tms20"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	onTile func()
}

func (s *recordingSink) Report(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if e.State == raster.Tiling && s.onTile != nil {
		s.onTile()
	}
	return nil
}

// states returns the distinct states in the order they were first reported
func (s *recordingSink) states() []raster.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var states []raster.State
	for _, e := range s.events {
		if len(states) == 0 || states[len(states)-1] != e.State {
			states = append(states, e.State)
		}
	}
	return states
}

type fixture struct {
	store   *store.Memory
	sink    *recordingSink
	builder *Builder
	grid    tms20.TileMatrixSet
	job     Job
	dataset *raster.Dataset
}

func newFixture(t *testing.T, opts Options) *fixture {
	grid := pyramidtest.Grid(t)
	ds := pyramidtest.Dataset(t)
	src := pyramidtest.WriteASCIIGrid(t, t.TempDir(), ds)
	s := store.NewMemory()
	sink := &recordingSink{}
	opts.WorkDir = t.TempDir()
	return &fixture{
		store:   s,
		sink:    sink,
		builder: New(s, fetch.LocalFetcher{WorkDir: opts.WorkDir}, MultiSink{sink, NewStatusSink(s)}, grid, opts),
		grid:    grid,
		dataset: ds,
		job: Job{
			LayerID:  1,
			Name:     "landuse",
			DataType: raster.Categorical,
			Source:   src,
			SRID:     raster.WebMercatorSRID,
		},
	}
}

func (f *fixture) tileCounts(t *testing.T) map[uint]int {
	counts := make(map[uint]int)
	for zoom := uint(0); zoom <= f.grid.MaxZoom(); zoom++ {
		size, _ := f.grid.Size(zoom)
		indices, err := f.store.ListTileIndices(context.Background(), f.job.LayerID,
			tms20.TileRange{Zoom: zoom, MaxX: size.X - 1, MaxY: size.Y - 1})
		require.NoError(t, err)
		if len(indices) > 0 {
			counts[zoom] = len(indices)
		}
	}
	return counts
}

func TestBuild(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, Options{Concurrency: 4, PageSize: 3, Metrics: observability.New(reg)})
	ctx := context.Background()

	res, err := f.builder.Build(ctx, f.job)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, uint(pyramidtest.NativeZoom), res.MaxZoom)
	assert.Equal(t, uint(pyramidtest.NativeZoom), res.FinestZoom)
	assert.Equal(t, 4, res.Dropped)

	// zoom 3 and coarser hold only no-data after sampling
	assert.Equal(t, map[uint]int{12: 4, 11: 1, 10: 1, 9: 1, 8: 1, 7: 1, 6: 1, 5: 1, 4: 1}, f.tileCounts(t))
	assert.Equal(t, 1, res.TilesPerZoom[0])

	meta, found, err := f.store.LoadLayerMetadata(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint(12), meta.MaxZoom)
	assert.Equal(t, uint(12), meta.FinestZoom)
	assert.Equal(t, uint(pyramidtest.TileSize), meta.TileSize)
	assert.Equal(t, raster.Categorical, meta.DataType)
	assert.Equal(t, 150, meta.Width)
	ext := f.dataset.Extent()
	assert.InDeltaSlice(t, ext[:], meta.Extent[:], 1e-6)

	// every valid source pixel ends up in the histogram exactly once
	band, found, err := f.store.LoadBandMetadata(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(149*150), band.Histogram.Total())
	assert.Equal(t, 1.0, band.Min)
	assert.Equal(t, 3.0, band.Max)
	assert.Equal(t, 100, band.Histogram.Bins())
	require.NotNil(t, band.NoData)
	assert.Equal(t, 255.0, *band.NoData)

	// the finest tiles hold the source pixels
	var counts = make(map[float64]uint64)
	for _, idx := range []slippy.Tile{{Z: 12, X: 2048, Y: 2048}, {Z: 12, X: 2048, Y: 2049}, {Z: 12, X: 2049, Y: 2048}, {Z: 12, X: 2049, Y: 2049}} {
		idx := idx
		tile, found, err := f.store.GetTile(ctx, 1, &idx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, raster.Int32, tile.PixelType)
		store.CountValues(counts, tile, 0)
	}
	assert.Equal(t, pyramidtest.Counts(f.dataset), counts)

	status, found, err := f.store.LoadStatus(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, status.Ready())
	assert.Equal(t, res.RunID, status.RunID)
	assert.Equal(t, "started tiling landuse from "+f.job.Source, status.Log[0])

	assert.Equal(t, []raster.State{
		raster.Fetching, raster.Opening, raster.Reprojecting, raster.Tiling,
		raster.DroppingEmptyTiles, raster.Cleanup, raster.Done,
	}, f.sink.states())
}

func TestBuildZoomDown(t *testing.T) {
	f := newFixture(t, Options{ZoomDown: true, Concurrency: 2, PageSize: 10})
	res, err := f.builder.Build(context.Background(), f.job)
	require.NoError(t, err)
	assert.Equal(t, uint(12), res.MaxZoom)
	assert.Equal(t, uint(11), res.FinestZoom)
	counts := f.tileCounts(t)
	assert.NotContains(t, counts, uint(12))
	assert.Equal(t, 1, counts[11])

	meta, _, err := f.store.LoadLayerMetadata(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint(12), meta.MaxZoom)
	assert.Equal(t, uint(11), meta.FinestZoom)
}

func TestBuildIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 3, PageSize: 2})
	ctx := context.Background()

	_, err := f.builder.Build(ctx, f.job)
	require.NoError(t, err)
	first := make(map[slippy.Tile]raster.Tile)
	for zoom := range f.tileCounts(t) {
		r, err := f.grid.TileIndexRange(f.dataset.Extent(), zoom)
		require.NoError(t, err)
		indices, err := f.store.ListTileIndices(ctx, 1, r)
		require.NoError(t, err)
		for i := range indices {
			tile, _, err := f.store.GetTile(ctx, 1, &indices[i])
			require.NoError(t, err)
			first[indices[i]] = tile
		}
	}
	band1, _, err := f.store.LoadBandMetadata(ctx, 1, 0)
	require.NoError(t, err)

	res, err := f.builder.Build(ctx, f.job)
	require.NoError(t, err)
	assert.Equal(t, 12, len(first))
	for idx, want := range first {
		idx := idx
		got, found, err := f.store.GetTile(ctx, 1, &idx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, want, got)
	}
	band2, _, err := f.store.LoadBandMetadata(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, band1.Histogram.Counts(), band2.Histogram.Counts())
	assert.Equal(t, band1.Histogram.Edges(), band2.Histogram.Edges())
	assert.Equal(t, band1.Histogram.Counts(), res.Histograms[0].Counts())

	// the second run restarted the status log
	status, _, err := f.store.LoadStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, status.RunID)
	assert.Equal(t, "started tiling landuse from "+f.job.Source, status.Log[0])
}

func TestConcurrencyDoesNotChangeHistogram(t *testing.T) {
	var totals []uint64
	for _, concurrency := range []int{1, 8} {
		f := newFixture(t, Options{Concurrency: concurrency, PageSize: 1})
		res, err := f.builder.Build(context.Background(), f.job)
		require.NoError(t, err)
		totals = append(totals, res.Histograms[0].Total())
	}
	assert.Equal(t, totals[0], totals[1])
	assert.Equal(t, uint64(149*150), totals[0])
}

func TestBuildFailures(t *testing.T) {
	tests := []struct {
		name       string
		change     func(j *Job)
		failedIn   raster.State
		check      func(t *testing.T, err error)
		keepsTiles bool
	}{
		{
			name:     "missing source",
			change:   func(j *Job) { j.Source = "/does/not/exist.asc" },
			failedIn: raster.Fetching,
			check: func(t *testing.T, err error) {
				var sre *raster.SourceReadError
				require.ErrorAs(t, err, &sre)
			},
			keepsTiles: true,
		},
		{
			name:     "unsupported srid",
			change:   func(j *Job) { j.SRID = 28992 },
			failedIn: raster.Reprojecting,
			check: func(t *testing.T, err error) {
				var re *raster.ReprojectionError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, 28992, re.SRID)
			},
			keepsTiles: true,
		},
		{
			name:   "invalid datatype",
			change: func(j *Job) { j.DataType = "nominal" },
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrInvalidJob)
			},
			keepsTiles: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{Concurrency: 2, PageSize: 5})
			ctx := context.Background()
			require.NoError(t, f.store.PutTile(ctx, storetest.Tile(1, 2, 0, 0, 7)))

			job := f.job
			tt.change(&job)
			_, err := f.builder.Build(ctx, job)
			require.Error(t, err)
			tt.check(t, err)

			status, found, err := f.store.LoadStatus(ctx, 1)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, raster.Failed, status.State)
			assert.False(t, status.Ready())
			last := f.sink.events[len(f.sink.events)-1]
			assert.Equal(t, raster.Failed, last.State)
			require.Error(t, last.Err)
			if tt.failedIn != "" {
				assert.Equal(t, "failed while "+string(tt.failedIn), last.Message)
			}
			assert.NotContains(t, f.sink.states(), raster.Done)

			has, err := f.store.HasTiles(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.keepsTiles, has)
		})
	}
}

func TestBuildCancelled(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 2, PageSize: 5})
	ctx, cancel := context.WithCancel(context.Background())
	f.sink.onTile = cancel

	_, err := f.builder.Build(ctx, f.job)
	require.ErrorIs(t, err, context.Canceled)

	status, found, err := f.store.LoadStatus(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, raster.Failed, status.State)
	assert.Contains(t, status.Log[len(status.Log)-1], context.Canceled.Error())
}

type failingSink struct{}

func (failingSink) Report(context.Context, Event) error {
	return errors.New("status store unavailable")
}

func TestSinkErrorFailsRun(t *testing.T) {
	f := newFixture(t, Options{})
	f.builder.sink = failingSink{}
	_, err := f.builder.Build(context.Background(), f.job)
	require.Error(t, err)
}

func TestRunsOfOneLayerAreSerialized(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 2, PageSize: 50})
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.builder.Build(context.Background(), f.job)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, map[uint]int{12: 4, 11: 1, 10: 1, 9: 1, 8: 1, 7: 1, 6: 1, 5: 1, 4: 1}, f.tileCounts(t))

	band, _, err := f.store.LoadBandMetadata(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(149*150), band.Histogram.Total())
}
