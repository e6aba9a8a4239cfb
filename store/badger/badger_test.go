package badger

import (
	"context"
	"testing"

	"github.com/go-spatial/geom/slippy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/rasterpyramid/legend"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/store/storetest"
	"github.com/pdok/rasterpyramid/tms20"
)

func newStore(t *testing.T) *Store {
	s, err := Open("", zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newStore(t) })
}

func TestOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.PutTile(ctx, storetest.Tile(7, 10, 500, 300, 1)))
	require.NoError(t, s.Close())

	s, err = Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	_, found, err := s.GetTile(ctx, 7, &slippy.Tile{Z: 10, X: 500, Y: 300})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestScanSkipsTilesOutsideRange(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	// (3,0) and (0,3) have Morton codes between those of (1,1) and (2,2)
	// but lie outside the rectangle
	var tiles []raster.Tile
	for x := uint(0); x < 4; x++ {
		for y := uint(0); y < 4; y++ {
			tiles = append(tiles, storetest.Tile(1, 2, x, y, 1))
		}
	}
	require.NoError(t, s.PutTiles(ctx, tiles))

	indices, err := s.ListTileIndices(ctx, 1, tms20.TileRange{Zoom: 2, MinX: 1, MinY: 1, MaxX: 2, MaxY: 2})
	require.NoError(t, err)
	assert.Equal(t, []slippy.Tile{
		{Z: 2, X: 1, Y: 1}, {Z: 2, X: 1, Y: 2},
		{Z: 2, X: 2, Y: 1}, {Z: 2, X: 2, Y: 2},
	}, indices)
}

func TestLegends(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	first := &legend.Legend{Title: "landuse", Rules: []legend.Rule{
		{Name: "water", Expression: "x == 1", Color: "#0000ff"},
		{Name: "forest", Expression: "(x >= 2) & (x < 5)", Color: "#00ff00"},
	}}
	second := &legend.Legend{Title: "height", Rules: []legend.Rule{{Expression: "x > 10", Color: "#ffffff"}}}
	require.NoError(t, s.SaveLegend(ctx, first))
	require.NoError(t, s.SaveLegend(ctx, second))
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)

	tests := []struct {
		ref      string
		expected *legend.Legend
	}{
		{ref: "1", expected: first},
		{ref: "landuse", expected: first},
		{ref: "height", expected: second},
		{ref: "3", expected: nil},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			l, found, err := s.FindLegend(ctx, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.expected != nil, found)
			assert.Equal(t, tt.expected, l)
		})
	}

	rules, err := s.Resolve(ctx, "height")
	require.NoError(t, err)
	assert.Equal(t, second.Rules, rules)
	_, err = s.Resolve(ctx, "unknown")
	require.ErrorIs(t, err, legend.ErrNotFound)

	require.ErrorIs(t, s.SaveLegend(ctx, &legend.Legend{Title: "landuse"}), ErrDuplicateTitle)

	second.Title = "elevation"
	require.NoError(t, s.SaveLegend(ctx, second))
	_, found, err := s.FindLegend(ctx, "height")
	require.NoError(t, err)
	assert.False(t, found)
}
