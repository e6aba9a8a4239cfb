package store_test

import (
	"math"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return store.NewMemory() })
}

func ptr(f float64) *float64 {
	return &f
}

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		pixelType raster.PixelType
		values    []float64
		nodata    *float64
	}{
		{name: "uint8", pixelType: raster.UInt8, values: []float64{0, 1, 254, 255}, nodata: ptr(255)},
		{name: "uint16", pixelType: raster.UInt16, values: []float64{0, 65535, 300, 1}},
		{name: "int16", pixelType: raster.Int16, values: []float64{-32768, 32767, -1, 0}, nodata: ptr(-32768)},
		{name: "uint32", pixelType: raster.UInt32, values: []float64{0, math.MaxUint32, 70000, 1}},
		{name: "int32", pixelType: raster.Int32, values: []float64{math.MinInt32, -5, 5, math.MaxInt32}},
		{name: "float32", pixelType: raster.Float32, values: []float64{0.5, -9999, 1e10, -0.25}, nodata: ptr(-9999)},
		{name: "float64", pixelType: raster.Float64, values: []float64{math.Pi, -9999, 1e300, math.SmallestNonzeroFloat64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tile := raster.Tile{
				Index:     slippy.Tile{Z: 1, X: 1, Y: 0},
				Size:      2,
				Bounds:    geom.Extent{0, 0, 10, 10},
				PixelType: tt.pixelType,
				Bands: []raster.Band{
					{Data: tt.values, NoData: tt.nodata},
					{Data: []float64{1, 1, 1, 1}},
				},
			}
			blob, err := store.EncodeTile(tile)
			require.NoError(t, err)
			got, err := store.DecodeTile(blob)
			require.NoError(t, err)
			assert.Equal(t, tile.Bands, got.Bands)
			assert.Equal(t, tile.Bounds, got.Bounds)
			assert.Equal(t, tile.Size, got.Size)
			assert.Equal(t, tile.PixelType, got.PixelType)
		})
	}
}

func TestCodecErrors(t *testing.T) {
	_, err := store.DecodeTile([]byte("not zstd"))
	require.ErrorIs(t, err, store.ErrCorruptTile)

	_, err = store.EncodeTile(raster.Tile{Size: 2, PixelType: raster.UInt8, Bands: []raster.Band{{Data: []float64{1}}}})
	require.Error(t, err)
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    store.Location
		wantErr bool
	}{
		{in: "memory", want: store.Location{Driver: "memory"}},
		{in: "gpkg:/tmp/a.gpkg", want: store.Location{Driver: "gpkg", Path: "/tmp/a.gpkg"}},
		{in: "badger:data", want: store.Location{Driver: "badger", Path: "data"}},
		{in: "gpkg", wantErr: true},
		{in: "postgres:x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := store.ParseLocation(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}
