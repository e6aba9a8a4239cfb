// Package storetest checks store.Store implementations against the same
// fixtures.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/rasterpyramid/histogram"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/tms20"
)

const Size = 4

func ptr(f float64) *float64 {
	return &f
}

// Tile builds a single band UInt8 tile filled with value. A value equal to
// the no-data value 255 gives an empty tile.
func Tile(layer int64, z, x, y uint, value float64) raster.Tile {
	data := make([]float64, Size*Size)
	for i := range data {
		data[i] = value
	}
	return raster.Tile{
		LayerID:   layer,
		Index:     slippy.Tile{Z: z, X: x, Y: y},
		Size:      Size,
		Bounds:    geom.Extent{float64(x), float64(y), float64(x + 1), float64(y + 1)},
		PixelType: raster.UInt8,
		Bands:     []raster.Band{{Data: data, NoData: ptr(255)}},
	}
}

// Run exercises every Store operation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("tiles", func(t *testing.T) { testTiles(t, newStore(t)) })
	t.Run("delete empty tiles", func(t *testing.T) { testDeleteEmpty(t, newStore(t)) })
	t.Run("list indices", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("metadata", func(t *testing.T) { testMetadata(t, newStore(t)) })
	t.Run("status", func(t *testing.T) { testStatus(t, newStore(t)) })
	t.Run("concurrent writes", func(t *testing.T) { testConcurrentWrites(t, newStore(t)) })
	t.Run("value counts", func(t *testing.T) { testValueCounts(t, newStore(t)) })
}

func testTiles(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	has, err := s.HasTiles(ctx, 1)
	require.NoError(t, err)
	assert.False(t, has)

	want := Tile(1, 3, 2, 5, 7)
	want.Bands[0].Data[3] = 255
	require.NoError(t, s.PutTile(ctx, want))

	got, found, err := s.GetTile(ctx, 1, &slippy.Tile{Z: 3, X: 2, Y: 5})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)

	_, found, err = s.GetTile(ctx, 1, &slippy.Tile{Z: 3, X: 2, Y: 6})
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.GetTile(ctx, 2, &slippy.Tile{Z: 3, X: 2, Y: 5})
	require.NoError(t, err)
	assert.False(t, found)

	// overwrite
	replaced := Tile(1, 3, 2, 5, 9)
	require.NoError(t, s.PutTiles(ctx, []raster.Tile{replaced, Tile(2, 3, 2, 5, 1)}))
	got, found, err = s.GetTile(ctx, 1, &slippy.Tile{Z: 3, X: 2, Y: 5})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 9.0, got.Bands[0].Data[3])

	require.NoError(t, s.DeleteAllTiles(ctx, 1))
	has, err = s.HasTiles(ctx, 1)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = s.HasTiles(ctx, 2)
	require.NoError(t, err)
	assert.True(t, has)
}

func testDeleteEmpty(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	require.NoError(t, s.PutTiles(ctx, []raster.Tile{
		Tile(1, 2, 0, 0, 1),
		Tile(1, 2, 0, 1, 255),
		Tile(1, 2, 1, 0, 255),
		Tile(2, 2, 0, 0, 255),
	}))
	n, err := s.DeleteEmptyTiles(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	indices, err := s.ListTileIndices(ctx, 1, tms20.TileRange{Zoom: 2, MaxX: 3, MaxY: 3})
	require.NoError(t, err)
	assert.Equal(t, []slippy.Tile{{Z: 2, X: 0, Y: 0}}, indices)

	// other layers are untouched
	_, found, err := s.GetTile(ctx, 2, &slippy.Tile{Z: 2})
	require.NoError(t, err)
	assert.True(t, found)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	var tiles []raster.Tile
	for x := uint(0); x < 6; x++ {
		for y := uint(0); y < 6; y++ {
			tiles = append(tiles, Tile(1, 5, x, y, 1))
		}
	}
	tiles = append(tiles, Tile(1, 4, 1, 1, 1), Tile(3, 5, 2, 2, 1))
	require.NoError(t, s.PutTiles(ctx, tiles))

	indices, err := s.ListTileIndices(ctx, 1, tms20.TileRange{Zoom: 5, MinX: 1, MinY: 2, MaxX: 2, MaxY: 3})
	require.NoError(t, err)
	assert.Equal(t, []slippy.Tile{
		{Z: 5, X: 1, Y: 2}, {Z: 5, X: 1, Y: 3},
		{Z: 5, X: 2, Y: 2}, {Z: 5, X: 2, Y: 3},
	}, indices)

	indices, err = s.ListTileIndices(ctx, 1, tms20.TileRange{Zoom: 4, MaxX: 15, MaxY: 15})
	require.NoError(t, err)
	assert.Equal(t, []slippy.Tile{{Z: 4, X: 1, Y: 1}}, indices)

	indices, err = s.ListTileIndices(ctx, 2, tms20.TileRange{Zoom: 5, MaxX: 31, MaxY: 31})
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func testMetadata(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	_, found, err := s.LoadLayerMetadata(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	layer := raster.LayerMetadata{
		LayerID:    1,
		Name:       "landuse",
		DataType:   raster.Categorical,
		OriginX:    -10,
		OriginY:    20,
		Width:      30,
		Height:     40,
		ScaleX:     1,
		ScaleY:     -1,
		NumBands:   1,
		SRID:       3857,
		PixelType:  raster.UInt8,
		TileSize:   Size,
		MaxZoom:    12,
		FinestZoom: 11,
		Extent:     geom.Extent{-10, -20, 20, 20},
	}
	require.NoError(t, s.SaveLayerMetadata(ctx, layer))
	got, found, err := s.LoadLayerMetadata(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, layer, got)

	layer.MaxZoom = 13
	require.NoError(t, s.SaveLayerMetadata(ctx, layer))
	got, _, err = s.LoadLayerMetadata(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint(13), got.MaxZoom)
	assert.Equal(t, uint(11), got.FinestZoom)

	h, err := histogram.FromCounts([]float64{0, 1, 2}, []uint64{3, 4})
	require.NoError(t, err)
	band := raster.BandMetadata{LayerID: 1, Band: 0, NoData: ptr(255), Min: 0, Max: 2, Histogram: h}
	require.NoError(t, s.SaveBandMetadata(ctx, band))
	gotBand, found, err := s.LoadBandMetadata(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, band.NoData, gotBand.NoData)
	assert.Equal(t, band.Min, gotBand.Min)
	assert.Equal(t, band.Max, gotBand.Max)
	require.NotNil(t, gotBand.Histogram)
	assert.Equal(t, h.Edges(), gotBand.Histogram.Edges())
	assert.Equal(t, h.Counts(), gotBand.Histogram.Counts())

	_, found, err = s.LoadBandMetadata(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, found)

	// band without no-data
	require.NoError(t, s.SaveBandMetadata(ctx, raster.BandMetadata{LayerID: 1, Band: 1, Histogram: h}))
	gotBand, found, err = s.LoadBandMetadata(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, gotBand.NoData)
}

func testStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	zoom := uint(3)
	status := raster.Status{
		LayerID: 1,
		RunID:   "run",
		State:   raster.Tiling,
		Zoom:    &zoom,
		Log:     []string{"started", "tiling"},
		Updated: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, s.SaveStatus(ctx, status))
	got, found, err := s.LoadStatus(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, status.RunID, got.RunID)
	assert.Equal(t, status.State, got.State)
	assert.Equal(t, status.Zoom, got.Zoom)
	assert.Equal(t, status.Log, got.Log)
	assert.True(t, status.Updated.Equal(got.Updated))

	status.State = raster.Done
	status.Zoom = nil
	require.NoError(t, s.SaveStatus(ctx, status))
	got, _, err = s.LoadStatus(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Ready())
	assert.Nil(t, got.Zoom)

	_, found, err = s.LoadStatus(ctx, 2)
	require.NoError(t, err)
	assert.False(t, found)
}

func testConcurrentWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	var wg sync.WaitGroup
	for x := uint(0); x < 8; x++ {
		wg.Add(1)
		go func(x uint) {
			defer wg.Done()
			for y := uint(0); y < 8; y++ {
				assert.NoError(t, s.PutTile(ctx, Tile(1, 3, x, y, float64(x*8+y))))
			}
		}(x)
	}
	wg.Wait()

	indices, err := s.ListTileIndices(ctx, 1, tms20.TileRange{Zoom: 3, MaxX: 7, MaxY: 7})
	require.NoError(t, err)
	require.Len(t, indices, 64)
	for _, idx := range indices {
		idx := idx
		tile, found, err := s.GetTile(ctx, 1, &idx)
		require.NoError(t, err)
		require.True(t, found, fmt.Sprint(idx))
		assert.Equal(t, float64(idx.X*8+idx.Y), tile.Bands[0].Data[0])
	}
}

func testValueCounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	vc, ok := s.(store.ValueCounter)
	if !ok {
		t.Skip("store does not count values")
	}
	a := Tile(1, 2, 0, 0, 2)
	a.Bands[0].Data[0] = 4
	a.Bands[0].Data[1] = 255
	require.NoError(t, s.PutTiles(ctx, []raster.Tile{a, Tile(1, 2, 1, 0, 4), Tile(1, 2, 3, 3, 9)}))

	counts, err := vc.ValueCounts(ctx, 1, 0, tms20.TileRange{Zoom: 2, MaxX: 1, MaxY: 1})
	require.NoError(t, err)
	assert.Equal(t, map[float64]uint64{2: 14, 4: 17}, counts)

	counts, err = vc.ValueCounts(ctx, 1, 0, tms20.TileRange{Zoom: 2, MaxX: 3, MaxY: 3})
	require.NoError(t, err)
	assert.Equal(t, map[float64]uint64{2: 14, 4: 17, 9: 16}, counts)

	require.NoError(t, s.DeleteAllTiles(ctx, 1))
	counts, err = vc.ValueCounts(ctx, 1, 0, tms20.TileRange{Zoom: 2, MaxX: 3, MaxY: 3})
	require.NoError(t, err)
	assert.Empty(t, counts)
}
