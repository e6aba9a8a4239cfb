// Package aggregate counts the pixels of a formula over one or more tiled
// layers, grouped by value, histogram bin or legend rule.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pdok/rasterpyramid/formula"
	"github.com/pdok/rasterpyramid/geomhelp"
	"github.com/pdok/rasterpyramid/legend"
	"github.com/pdok/rasterpyramid/observability"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/tms20"
)

var (
	ErrInvalidGrouping = errors.New("invalid grouping")
	ErrLayerNotReady   = errors.New("layer not ready")
	ErrInvalidQuery    = errors.New("invalid query")
)

// AggregationError is returned when a query cannot be answered as asked.
type AggregationError struct {
	Err error
}

func (e *AggregationError) Error() string {
	return "aggregation: " + e.Err.Error()
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

func aggregationErrorf(sentinel error, format string, args ...any) error {
	return &AggregationError{Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

// Grouping names
const (
	Auto       = "auto"
	None       = "none"
	Discrete   = "discrete"
	Continuous = "continuous"
)

type Query struct {
	// Layers binds single letter formula variables to layer ids
	Layers  map[string]int64
	Formula string
	// Geometry in EPSG:3857, a (multi)polygon
	Geometry geom.Geometry
	// Zoom defaults to the coarsest of the finest tiled zooms of the layers
	Zoom     *uint
	Grouping string
	// Area reports square meters instead of pixel counts
	Area         bool
	RequireReady bool
}

// Result maps group labels to pixel counts or areas.
type Result map[string]float64

type Options struct {
	Concurrency int
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// Aggregator answers queries. It only reads from the store and is safe for
// concurrent use.
type Aggregator struct {
	store   store.Store
	grid    tms20.TileMatrixSet
	legends legend.Provider
	opts    Options
}

func New(s store.Store, grid tms20.TileMatrixSet, legends legend.Provider, opts Options) *Aggregator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Aggregator{store: s, grid: grid, legends: legends, opts: opts}
}

// layer is a query variable with its metadata
type layer struct {
	name string
	id   int64
	meta raster.LayerMetadata
}

type query struct {
	Query
	program *formula.Program
	// layers sorted by variable name
	layers  []layer
	grouper grouper
	mask    *geomhelp.Mask
	zoom    uint
}

func (a *Aggregator) Aggregate(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	pq, err := a.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	result, err := a.aggregate(ctx, pq)
	if err != nil {
		return nil, err
	}
	a.opts.Metrics.QueryDone(pq.grouper.name(), time.Since(start))
	a.opts.Logger.Debug().
		Str("formula", q.Formula).
		Str("grouping", pq.grouper.name()).
		Uint("zoom", pq.zoom).
		Int("groups", len(result)).
		Dur("took", time.Since(start)).
		Msg("aggregated")
	return result, nil
}

func (a *Aggregator) prepare(ctx context.Context, q Query) (*query, error) {
	if len(q.Layers) == 0 {
		return nil, aggregationErrorf(ErrInvalidQuery, "no layers")
	}
	pq := &query{Query: q}
	names := make(map[string]bool, len(q.Layers))
	for name, id := range q.Layers {
		if !validVariable(name) {
			return nil, aggregationErrorf(ErrInvalidQuery, "layer variable %q is not a single letter", name)
		}
		names[name] = true
		pq.layers = append(pq.layers, layer{name: name, id: id})
	}
	sort.Slice(pq.layers, func(i, j int) bool { return pq.layers[i].name < pq.layers[j].name })

	program, err := formula.Compile(q.Formula)
	if err != nil {
		return nil, err
	}
	if err := program.Check(names); err != nil {
		return nil, err
	}
	pq.program = program

	for i := range pq.layers {
		l := &pq.layers[i]
		meta, found, err := a.store.LoadLayerMetadata(ctx, l.id)
		if err != nil {
			return nil, fmt.Errorf("load metadata of layer %d: %w", l.id, err)
		}
		if !found {
			return nil, fmt.Errorf("layer %d: %w", l.id, store.ErrNotFound)
		}
		l.meta = meta
		if q.RequireReady {
			status, found, err := a.store.LoadStatus(ctx, l.id)
			if err != nil {
				return nil, fmt.Errorf("load status of layer %d: %w", l.id, err)
			}
			if !found || !status.Ready() {
				return nil, aggregationErrorf(ErrLayerNotReady, "layer %d is %s", l.id, stateOf(status, found))
			}
		}
	}

	if q.Geometry != nil {
		if pq.mask, err = geomhelp.NewMask(q.Geometry); err != nil {
			return nil, aggregationErrorf(ErrInvalidQuery, "geometry: %v", err)
		}
	}

	if q.Zoom != nil {
		pq.zoom = *q.Zoom
	} else {
		pq.zoom = pq.layers[0].meta.FinestZoom
		for _, l := range pq.layers[1:] {
			pq.zoom = min(pq.zoom, l.meta.FinestZoom)
		}
	}
	if pq.zoom > a.grid.MaxZoom() {
		return nil, aggregationErrorf(ErrInvalidQuery, "zoom %d beyond grid max zoom %d", pq.zoom, a.grid.MaxZoom())
	}

	if pq.grouper, err = a.resolveGrouping(ctx, pq); err != nil {
		return nil, err
	}
	return pq, nil
}

func validVariable(name string) bool {
	if len(name) != 1 {
		return false
	}
	c := name[0]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func stateOf(s raster.Status, found bool) raster.State {
	if !found {
		return raster.Unprocessed
	}
	return s.State
}

func (a *Aggregator) aggregate(ctx context.Context, q *query) (Result, error) {
	for _, l := range q.layers {
		ok, err := a.store.HasTiles(ctx, l.id)
		if err != nil {
			return nil, fmt.Errorf("check tiles of layer %d: %w", l.id, err)
		}
		if !ok {
			return Result{}, nil
		}
	}

	r, ok, err := a.tileRange(q)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Result{}, nil
	}

	var counts map[string]uint64
	if a.fastPath(q) {
		a.opts.Metrics.FastPathHit()
		counts, err = a.countValues(ctx, q, r)
	} else {
		counts, err = a.countPixels(ctx, q, r)
	}
	if err != nil {
		return nil, err
	}

	result := make(Result, len(counts))
	pixelArea := 1.
	if q.Area {
		s := a.grid.TileScale(q.zoom)
		pixelArea = s * s
	}
	for label, n := range counts {
		result[label] = float64(n) * pixelArea
	}
	return result, nil
}

// tileRange covers the layers, clipped to the geometry when there is one.
func (a *Aggregator) tileRange(q *query) (tms20.TileRange, bool, error) {
	ext := q.layers[0].meta.Extent
	for _, l := range q.layers[1:] {
		ext.Add(&l.meta.Extent)
	}
	if q.mask != nil {
		var ok bool
		if ext, ok = intersect(ext, q.mask.Extent()); !ok {
			return tms20.TileRange{}, false, nil
		}
	}
	r, err := a.grid.TileIndexRange(ext, q.zoom)
	if err != nil {
		return tms20.TileRange{}, false, fmt.Errorf("tile range at zoom %d: %w", q.zoom, err)
	}
	return r, true, nil
}

func intersect(a, b geom.Extent) (geom.Extent, bool) {
	e := geom.Extent{max(a[0], b[0]), max(a[1], b[1]), min(a[2], b[2]), min(a[3], b[3])}
	if e[0] > e[2] || e[1] > e[3] {
		return geom.Extent{}, false
	}
	return e, true
}

// fastPath reports whether the store can count the values itself.
func (a *Aggregator) fastPath(q *query) bool {
	if _, ok := a.store.(store.ValueCounter); !ok {
		return false
	}
	if q.mask != nil || len(q.layers) != 1 {
		return false
	}
	if _, ok := q.program.Identity(); !ok {
		return false
	}
	_, discrete := q.grouper.(discreteGrouper)
	return discrete && q.layers[0].meta.PixelType.Integer()
}

func (a *Aggregator) countValues(ctx context.Context, q *query, r tms20.TileRange) (map[string]uint64, error) {
	l := q.layers[0]
	values, err := a.store.(store.ValueCounter).ValueCounts(ctx, l.id, 0, r)
	if err != nil {
		return nil, fmt.Errorf("count values of layer %d: %w", l.id, err)
	}
	counts := make(map[string]uint64, len(values))
	for v, n := range values {
		counts[discreteLabel(v)] += n
	}
	return counts, nil
}

// countPixels evaluates the formula tile by tile. The tiles stored for the
// first layer drive the iteration, an index missing in any other layer is
// skipped.
func (a *Aggregator) countPixels(ctx context.Context, q *query, r tms20.TileRange) (map[string]uint64, error) {
	indices, err := a.store.ListTileIndices(ctx, q.layers[0].id, r)
	if err != nil {
		return nil, fmt.Errorf("list tiles of layer %d: %w", q.layers[0].id, err)
	}

	var mu sync.Mutex
	counts := make(map[string]uint64)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i := range indices {
		index := indices[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			partial, err := a.countTile(ctx, q, &index)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for label, n := range partial {
				counts[label] += n
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (a *Aggregator) countTile(ctx context.Context, q *query, index *slippy.Tile) (map[string]uint64, error) {
	tiles := make([]raster.Tile, len(q.layers))
	vars := make(map[string]formula.Array, len(q.layers))
	for i, l := range q.layers {
		tile, found, err := a.store.GetTile(ctx, l.id, index)
		if err != nil {
			return nil, fmt.Errorf("get tile %d/%d/%d of layer %d: %w", index.Z, index.X, index.Y, l.id, err)
		}
		if !found || len(tile.Bands) == 0 {
			return nil, nil
		}
		tiles[i] = tile
		kind := formula.Float
		if tile.PixelType.Integer() {
			kind = formula.Int
		}
		vars[l.name] = formula.Array{Values: tile.Bands[0].Data, Kind: kind}
	}

	out, err := q.program.Eval(vars)
	if err != nil {
		return nil, err
	}

	n := len(tiles[0].Bands[0].Data)
	values := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if !valid(tiles, i) {
			continue
		}
		v := out.Values[0]
		if out.Len() > 1 {
			v = out.Values[i]
		}
		if v != v { // NaN
			continue
		}
		if q.mask != nil {
			size := int(tiles[0].Size)
			x, y := tiles[0].Center(i%size, i/size)
			if !q.mask.Contains(x, y) {
				continue
			}
		}
		values = append(values, v)
	}
	return q.grouper.group(values), nil
}

// valid is true when pixel i holds data in every tile.
func valid(tiles []raster.Tile, i int) bool {
	for _, t := range tiles {
		b := t.Bands[0]
		if i >= len(b.Data) || !b.Valid(i) {
			return false
		}
	}
	return true
}
