// Package processing takes care of the logistics around rendering the tiles of
// one zoom level and writing them to a Target. Not the rendering itself.
package processing

import (
	"context"
	"fmt"

	"github.com/go-spatial/geom/slippy"
	"golang.org/x/sync/errgroup"

	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/tms20"
)

type Options struct {
	Concurrency int
	PageSize    int
	// ProgressEvery calls Progress each time that many tiles are rendered
	ProgressEvery int
	Progress      func(rendered int)
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.PageSize < 1 {
		o.PageSize = 1
	}
	return o
}

// renderTiles hands the indices to a bounded pool of renderers and sends the
// kept tiles on out. out is closed when all renderers are done. Cancelling ctx
// is reported as an error, the pool's own context ends with the pool.
func renderTiles(ctx context.Context, indices []slippy.Tile, r Renderer, concurrency int, out chan<- raster.Tile) error {
	defer close(out)
	workers, wctx := errgroup.WithContext(ctx)
	workers.SetLimit(concurrency)
	for _, index := range indices {
		if wctx.Err() != nil {
			break
		}
		index := index
		workers.Go(func() error {
			tile, keep, err := r.RenderTile(wctx, index)
			if err != nil {
				return fmt.Errorf("render tile %d/%d/%d: %w", index.Z, index.X, index.Y, err)
			}
			if !keep {
				return nil
			}
			select {
			case out <- tile:
				return nil
			case <-wctx.Done():
				return wctx.Err()
			}
		})
	}
	if err := workers.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// writeTiles collects the rendered tiles and passes them to the target per
// page. The last page may be smaller.
func writeTiles(ctx context.Context, in <-chan raster.Tile, target Target, opts Options) (int, error) {
	page := make([]raster.Tile, 0, opts.PageSize)
	written, rendered := 0, 0
	flush := func() error {
		if len(page) == 0 {
			return nil
		}
		if err := target.PutTiles(ctx, page); err != nil {
			return fmt.Errorf("write %d tiles: %w", len(page), err)
		}
		written += len(page)
		page = make([]raster.Tile, 0, opts.PageSize)
		return nil
	}
	for tile := range in {
		page = append(page, tile)
		rendered++
		if opts.Progress != nil && opts.ProgressEvery > 0 && rendered%opts.ProgressEvery == 0 {
			opts.Progress(rendered)
		}
		if len(page) == opts.PageSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if ctx.Err() != nil {
		return written, ctx.Err()
	}
	return written, flush()
}

// ProcessTiles renders every index of r and writes the kept tiles to target.
// It returns the number of tiles written. The first error cancels the rest.
func ProcessTiles(ctx context.Context, r tms20.TileRange, renderer Renderer, target Target, opts Options) (int, error) {
	opts = opts.withDefaults()
	g, ctx := errgroup.WithContext(ctx)
	tiles := make(chan raster.Tile, opts.Concurrency)

	var written int
	g.Go(func() error {
		var err error
		written, err = writeTiles(ctx, tiles, target, opts)
		return err
	})
	g.Go(func() error {
		return renderTiles(ctx, r.Tiles(), renderer, opts.Concurrency, tiles)
	})
	err := g.Wait()
	return written, err
}
