// Package pyramidtest writes the source raster used by the tiling and
// aggregation tests.
package pyramidtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/tms20"
)

const (
	TileSize = 100
	// NativeZoom is the zoom level whose pixels match the fixture's pixels
	NativeZoom = 12
	Size       = 150
	NoData     = 255
)

// Grid returns the web mercator grid with 100 pixel tiles.
func Grid(t *testing.T) tms20.TileMatrixSet {
	grid, err := tms20.WebMercatorQuad(TileSize, 18)
	require.NoError(t, err)
	return grid
}

// Dataset is a 150x150 categorical raster in EPSG:3857 just south east of
// the origin. Its pixels line up with the tiles of zoom 12, offset by half a
// tile. The first row is no-data, the others cycle through 1, 2 and 3.
func Dataset(t *testing.T) *raster.Dataset {
	grid := Grid(t)
	s := grid.TileScale(NativeZoom)
	data := make([]float64, Size*Size)
	for row := 0; row < Size; row++ {
		for col := 0; col < Size; col++ {
			v := float64((row+col)%3 + 1)
			if row == 0 {
				v = NoData
			}
			data[row*Size+col] = v
		}
	}
	nodata := float64(NoData)
	return &raster.Dataset{
		OriginX:   50 * s,
		OriginY:   -50 * s,
		ScaleX:    s,
		ScaleY:    -s,
		SRID:      raster.WebMercatorSRID,
		Width:     Size,
		Height:    Size,
		PixelType: raster.Int32,
		Bands:     []raster.Band{{Data: data, NoData: &nodata}},
	}
}

// Counts returns the number of pixels per valid value of d.
func Counts(d *raster.Dataset) map[float64]uint64 {
	counts := make(map[float64]uint64)
	b := d.Bands[0]
	for i, v := range b.Data {
		if b.Valid(i) {
			counts[v]++
		}
	}
	return counts
}

// WriteASCIIGrid writes d into dir and returns the file path.
func WriteASCIIGrid(t *testing.T, dir string, d *raster.Dataset) string {
	path := filepath.Join(dir, "fixture.asc")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, raster.WriteASCIIGrid(f, d))
	return path
}
