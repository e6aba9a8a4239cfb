package processing

import (
	"context"

	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/rasterpyramid/raster"
)

// Renderer produces the tile for one index. Returning keep == false drops the
// index without an error.
type Renderer interface {
	RenderTile(ctx context.Context, index slippy.Tile) (tile raster.Tile, keep bool, err error)
}

// RenderFunc adapts a function to a Renderer.
type RenderFunc func(ctx context.Context, index slippy.Tile) (raster.Tile, bool, error)

func (f RenderFunc) RenderTile(ctx context.Context, index slippy.Tile) (raster.Tile, bool, error) {
	return f(ctx, index)
}

// Target receives the rendered tiles a page at a time.
type Target interface {
	PutTiles(ctx context.Context, tiles []raster.Tile) error
}
