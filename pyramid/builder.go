// Package pyramid turns a source raster into a web mercator tile pyramid.
//
// A run walks through the states Fetching, Opening, Reprojecting, Tiling (from
// the finest zoom level down to 0), DroppingEmptyTiles and Cleanup, and ends
// in Done or Failed. Existing tiles of the layer are only deleted once the
// source has been read and can be reprojected.
package pyramid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/google/uuid"

	"github.com/pdok/rasterpyramid/fetch"
	"github.com/pdok/rasterpyramid/histogram"
	"github.com/pdok/rasterpyramid/logging"
	"github.com/pdok/rasterpyramid/observability"
	"github.com/pdok/rasterpyramid/processing"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/tms20"
)

const progressEvery = 250

var ErrInvalidJob = errors.New("invalid tiling job")

type Options struct {
	// ZoomDown stops tiling one level above the native zoom level
	ZoomDown bool
	// Resampling overrides the datatype default when set
	Resampling    raster.Resampling
	Concurrency   int
	HistogramBins int
	PageSize      int
	WorkDir       string
	Metrics       *observability.Metrics
}

// Job describes one processing run of a layer.
type Job struct {
	LayerID    int64
	Name       string
	DataType   raster.DataType
	Source     string
	SRID       int
	NoData     *float64
	Resampling raster.Resampling
}

func (j Job) normalize() (Job, error) {
	switch {
	case j.Source == "":
		return j, fmt.Errorf("%w: no source", ErrInvalidJob)
	case j.SRID <= 0:
		return j, fmt.Errorf("%w: no source srid", ErrInvalidJob)
	}
	dt, err := raster.ParseDataType(string(j.DataType))
	if err != nil {
		return j, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	j.DataType = dt
	return j, nil
}

// Result summarizes a successful run.
type Result struct {
	RunID string
	// MaxZoom matches the native resolution, FinestZoom is the finest zoom tiled
	MaxZoom      uint
	FinestZoom   uint
	TilesPerZoom map[uint]int
	Dropped      int
	Histograms   []*histogram.Histogram
}

type Builder struct {
	store   store.Store
	fetcher fetch.Fetcher
	sink    ProgressSink
	grid    tms20.TileMatrixSet
	opts    Options

	locks sync.Map
}

// New returns a builder producing tiles of grid.TileSize() pixels.
func New(s store.Store, fetcher fetch.Fetcher, sink ProgressSink, grid tms20.TileMatrixSet, opts Options) *Builder {
	if opts.HistogramBins < 1 {
		opts.HistogramBins = 100
	}
	return &Builder{store: s, fetcher: fetcher, sink: sink, grid: grid, opts: opts}
}

func (b *Builder) layerLock(layer int64) *sync.Mutex {
	l, _ := b.locks.LoadOrStore(layer, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// run holds the state of one Build call
type run struct {
	*Builder
	job   Job
	id    string
	state raster.State

	ws      *fetch.Workspace
	dataset *raster.Dataset
	warper  *raster.Warper
	extent  geom.Extent
	accs    []*histogram.Accumulator
	bands   []raster.BandMetadata
	result  Result
}

func (r *run) report(ctx context.Context, state raster.State, zoom *uint, format string, args ...any) error {
	r.state = state
	return r.sink.Report(ctx, Event{
		LayerID: r.job.LayerID,
		RunID:   r.id,
		Message: fmt.Sprintf(format, args...),
		State:   state,
		Zoom:    zoom,
	})
}

// Build runs one tiling job. Runs of the same layer are serialized. On
// failure the Failed event carries the error, which is also returned.
func (b *Builder) Build(ctx context.Context, job Job) (Result, error) {
	r := &run{Builder: b, job: job, id: uuid.NewString(), state: raster.Unprocessed}
	r.result = Result{RunID: r.id, TilesPerZoom: make(map[uint]int)}
	ctx = logging.WithRun(ctx, r.id, job.LayerID)
	start := time.Now()

	lock := b.layerLock(job.LayerID)
	lock.Lock()
	defer lock.Unlock()

	err := r.execute(ctx)
	// the terminal states are recorded even when ctx was cancelled
	done := context.WithoutCancel(ctx)
	if cerr := r.cleanup(done, err == nil); err == nil {
		err = cerr
	}
	if err != nil {
		failedIn := r.state
		_ = r.sink.Report(done, Event{
			LayerID: job.LayerID,
			RunID:   r.id,
			Message: fmt.Sprintf("failed while %s", failedIn),
			State:   raster.Failed,
			Err:     err,
		})
		b.opts.Metrics.RunFinished(string(raster.Failed), time.Since(start), true)
		return Result{RunID: r.id}, err
	}
	if err := r.report(done, raster.Done, nil, "successfully finished tiling %s", job.Name); err != nil {
		return r.result, err
	}
	b.opts.Metrics.RunFinished(string(raster.Done), time.Since(start), false)
	return r.result, nil
}

func (r *run) execute(ctx context.Context) error {
	job, err := r.job.normalize()
	if err != nil {
		return err
	}
	r.job = job
	if err := r.fetch(ctx); err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}
	if err := r.reproject(ctx); err != nil {
		return err
	}
	if err := r.tile(ctx); err != nil {
		return err
	}
	return r.dropEmptyTiles(ctx)
}

func (r *run) fetch(ctx context.Context) error {
	if err := r.report(ctx, raster.Fetching, nil, "started tiling %s from %s", r.job.Name, r.job.Source); err != nil {
		return err
	}
	ws, err := r.fetcher.Fetch(ctx, r.job.Source)
	if err != nil {
		return err
	}
	r.ws = ws
	for _, w := range ws.Warnings {
		if err := r.report(ctx, raster.Fetching, nil, "%s", w); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) open(ctx context.Context) error {
	if err := r.report(ctx, raster.Opening, nil, "opening %s", r.ws.File); err != nil {
		return err
	}
	ds, err := raster.ReadASCIIGridFile(r.ws.File, r.job.SRID)
	if err != nil {
		return err
	}
	if r.job.NoData != nil {
		ds.SetNoData(*r.job.NoData)
	}
	r.dataset = ds

	r.accs = make([]*histogram.Accumulator, len(ds.Bands))
	r.bands = make([]raster.BandMetadata, len(ds.Bands))
	for i, band := range ds.Bands {
		lo, hi, ok := band.MinMax()
		if !ok {
			return &raster.SourceReadError{Path: r.job.Source, Err: fmt.Errorf("band %d has no valid pixels", i)}
		}
		edges, err := histogram.EdgesFromRange(lo, hi, r.opts.HistogramBins)
		if err != nil {
			return &raster.SourceReadError{Path: r.job.Source, Err: err}
		}
		if r.accs[i], err = histogram.NewAccumulator(edges); err != nil {
			return err
		}
		r.bands[i] = raster.BandMetadata{LayerID: r.job.LayerID, Band: i, Min: lo, Max: hi}
	}
	return nil
}

func (r *run) resampling() raster.Resampling {
	switch {
	case r.job.Resampling != "":
		return r.job.Resampling
	case r.opts.Resampling != "":
		return r.opts.Resampling
	}
	return raster.DefaultResampling(r.job.DataType)
}

func (r *run) reproject(ctx context.Context) error {
	if err := r.report(ctx, raster.Reprojecting, nil, "reprojecting from EPSG:%d to EPSG:%d", r.job.SRID, raster.WebMercatorSRID); err != nil {
		return err
	}
	t, err := raster.TransformTo3857(r.job.SRID)
	if err != nil {
		return err
	}
	extent, err := raster.TransformedExtent(r.dataset, t)
	if err != nil {
		return err
	}
	r.extent = extent
	r.warper = raster.NewWarper(r.dataset, t, r.resampling())

	scale := (extent[2] - extent[0]) / float64(r.dataset.Width)
	r.result.MaxZoom = r.grid.ClosestZoomLevel(scale)
	r.result.FinestZoom = r.result.MaxZoom
	if r.opts.ZoomDown && r.result.MaxZoom > 0 {
		r.result.FinestZoom--
	}

	ds := r.dataset
	meta := raster.LayerMetadata{
		LayerID:    r.job.LayerID,
		Name:       r.job.Name,
		DataType:   r.job.DataType,
		OriginX:    ds.OriginX,
		OriginY:    ds.OriginY,
		Width:      ds.Width,
		Height:     ds.Height,
		ScaleX:     ds.ScaleX,
		ScaleY:     ds.ScaleY,
		SkewX:      ds.SkewX,
		SkewY:      ds.SkewY,
		NumBands:   len(ds.Bands),
		SRID:       ds.SRID,
		PixelType:  ds.PixelType,
		TileSize:   r.grid.TileSize(),
		MaxZoom:    r.result.MaxZoom,
		FinestZoom: r.result.FinestZoom,
		Extent:     extent,
	}
	if err := r.store.SaveLayerMetadata(ctx, meta); err != nil {
		return fmt.Errorf("save layer metadata: %w", err)
	}
	for i := range r.bands {
		nodata := r.warper.NoData(i)
		r.bands[i].NoData = &nodata
		r.bands[i].Histogram = r.accs[i].Snapshot()
		if err := r.store.SaveBandMetadata(ctx, r.bands[i]); err != nil {
			return fmt.Errorf("save metadata of band %d: %w", i, err)
		}
	}

	if err := r.store.DeleteAllTiles(ctx, r.job.LayerID); err != nil {
		return fmt.Errorf("delete previous tiles: %w", err)
	}
	return nil
}

func (r *run) tile(ctx context.Context) error {
	finest := r.result.FinestZoom
	if err := r.report(ctx, raster.Tiling, nil, "started creating tiles from zoom %d", finest); err != nil {
		return err
	}
	for zoom := int(finest); zoom >= 0; zoom-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.tileZoom(ctx, uint(zoom), uint(zoom) == finest); err != nil {
			return fmt.Errorf("zoom %d: %w", zoom, err)
		}
	}
	return nil
}

func (r *run) tileZoom(ctx context.Context, zoom uint, finest bool) error {
	tr, err := r.grid.TileIndexRange(r.extent, zoom)
	if err != nil {
		return err
	}
	z := zoom
	if err := r.report(ctx, raster.Tiling, &z, "creating %d tiles for zoom %d", tr.Count(), zoom); err != nil {
		return err
	}

	size := r.grid.TileSize()
	render := processing.RenderFunc(func(_ context.Context, index slippy.Tile) (raster.Tile, bool, error) {
		bounds, err := r.grid.TileBounds(&index)
		if err != nil {
			return raster.Tile{}, false, err
		}
		tile := raster.Tile{
			LayerID:   r.job.LayerID,
			Index:     index,
			Size:      size,
			Bounds:    bounds,
			PixelType: r.dataset.PixelType,
			Bands:     r.warper.Window(bounds, size),
		}
		if finest {
			for i, band := range tile.Bands {
				partial := r.accs[i].Partial()
				partial.Add(band.Data, band.NoData)
				if err := r.accs[i].Merge(partial); err != nil {
					return raster.Tile{}, false, err
				}
			}
		}
		return tile, true, nil
	})

	written, err := processing.ProcessTiles(ctx, tr, render, r.store, processing.Options{
		Concurrency:   r.opts.Concurrency,
		PageSize:      r.opts.PageSize,
		ProgressEvery: progressEvery,
		Progress: func(n int) {
			_ = r.report(ctx, raster.Tiling, &z, "%d tiles created at zoom %d", n, zoom)
		},
	})
	r.opts.Metrics.TilesWritten(zoom, written)
	if err != nil {
		return err
	}
	r.result.TilesPerZoom[zoom] = written

	if finest {
		r.result.Histograms = make([]*histogram.Histogram, len(r.accs))
		for i, acc := range r.accs {
			r.bands[i].Histogram = acc.Snapshot()
			r.result.Histograms[i] = r.bands[i].Histogram
			if err := r.store.SaveBandMetadata(ctx, r.bands[i]); err != nil {
				return fmt.Errorf("save histogram of band %d: %w", i, err)
			}
		}
	}
	return nil
}

func (r *run) dropEmptyTiles(ctx context.Context) error {
	if err := r.report(ctx, raster.DroppingEmptyTiles, nil, "dropping empty tiles"); err != nil {
		return err
	}
	n, err := r.store.DeleteEmptyTiles(ctx, r.job.LayerID)
	if err != nil {
		return fmt.Errorf("drop empty tiles: %w", err)
	}
	r.result.Dropped = n
	return r.report(ctx, raster.DroppingEmptyTiles, nil, "dropped %d empty tiles", n)
}

// cleanup removes the work dir. Failed runs skip the Cleanup state.
func (r *run) cleanup(ctx context.Context, succeeded bool) error {
	if succeeded {
		if err := r.report(ctx, raster.Cleanup, nil, "removing work dir"); err != nil {
			return err
		}
	}
	r.dataset = nil
	r.warper = nil
	if err := r.ws.Close(); err != nil {
		return fmt.Errorf("remove work dir: %w", err)
	}
	return nil
}
