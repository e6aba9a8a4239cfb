package tms20

import (
	"fmt"

	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/rasterpyramid/mathhelp"
)

// TileRange is an inclusive rectangle of tile indices at one zoom level.
type TileRange struct {
	Zoom uint
	MinX uint
	MinY uint
	MaxX uint
	MaxY uint
}

func (r TileRange) String() string {
	return fmt.Sprintf("z%d [%d..%d]x[%d..%d]", r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
}

func (r TileRange) Width() uint {
	return r.MaxX - r.MinX + 1
}

func (r TileRange) Height() uint {
	return r.MaxY - r.MinY + 1
}

func (r TileRange) Count() uint {
	return r.Width() * r.Height()
}

func (r TileRange) Contains(x, y uint) bool {
	return mathhelp.BetweenInc(x, r.MinX, r.MaxX) && mathhelp.BetweenInc(y, r.MinY, r.MaxY)
}

func (r TileRange) Union(o TileRange) TileRange {
	return TileRange{
		Zoom: r.Zoom,
		MinX: min(r.MinX, o.MinX),
		MinY: min(r.MinY, o.MinY),
		MaxX: max(r.MaxX, o.MaxX),
		MaxY: max(r.MaxY, o.MaxY),
	}
}

func (r TileRange) Intersect(o TileRange) (TileRange, bool) {
	i := TileRange{
		Zoom: r.Zoom,
		MinX: max(r.MinX, o.MinX),
		MinY: max(r.MinY, o.MinY),
		MaxX: min(r.MaxX, o.MaxX),
		MaxY: min(r.MaxY, o.MaxY),
	}
	if r.Zoom != o.Zoom || i.MinX > i.MaxX || i.MinY > i.MaxY {
		return TileRange{}, false
	}
	return i, true
}

// Tiles lists the indices in the range, column by column.
func (r TileRange) Tiles() []slippy.Tile {
	tiles := make([]slippy.Tile, 0, r.Count())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, slippy.Tile{Z: r.Zoom, X: x, Y: y})
		}
	}
	return tiles
}
