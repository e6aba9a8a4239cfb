package processing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-spatial/geom/slippy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/tms20"
)

type recordingTarget struct {
	mu    sync.Mutex
	pages []int
	tiles map[slippy.Tile]bool
	err   error
}

func (t *recordingTarget) PutTiles(_ context.Context, tiles []raster.Tile) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if t.tiles == nil {
		t.tiles = make(map[slippy.Tile]bool)
	}
	t.pages = append(t.pages, len(tiles))
	for _, tile := range tiles {
		t.tiles[tile.Index] = true
	}
	return nil
}

func tileOf(index slippy.Tile) raster.Tile {
	return raster.Tile{Index: index, Size: 1, PixelType: raster.UInt8, Bands: []raster.Band{{Data: []float64{1}}}}
}

func TestProcessTiles(t *testing.T) {
	tests := []struct {
		name        string
		r           tms20.TileRange
		concurrency int
		pageSize    int
		skip        func(slippy.Tile) bool
		wantWritten int
		wantPages   int
	}{
		{name: "single worker", r: tms20.TileRange{Zoom: 3, MaxX: 3, MaxY: 3}, concurrency: 1, pageSize: 5, wantWritten: 16, wantPages: 4},
		{name: "many workers", r: tms20.TileRange{Zoom: 3, MaxX: 7, MaxY: 7}, concurrency: 8, pageSize: 10, wantWritten: 64, wantPages: 7},
		{name: "page equals count", r: tms20.TileRange{Zoom: 1, MaxX: 1, MaxY: 1}, concurrency: 2, pageSize: 4, wantWritten: 4, wantPages: 1},
		{
			name: "dropped tiles", r: tms20.TileRange{Zoom: 2, MaxX: 3, MaxY: 3}, concurrency: 3, pageSize: 100,
			skip:        func(idx slippy.Tile) bool { return idx.X == 0 },
			wantWritten: 12, wantPages: 1,
		},
		{name: "zero options", r: tms20.TileRange{Zoom: 2, MinX: 1, MinY: 1, MaxX: 2, MaxY: 2}, wantWritten: 4, wantPages: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &recordingTarget{}
			var progress []int
			renderer := RenderFunc(func(_ context.Context, idx slippy.Tile) (raster.Tile, bool, error) {
				if tt.skip != nil && tt.skip(idx) {
					return raster.Tile{}, false, nil
				}
				return tileOf(idx), true, nil
			})
			n, err := ProcessTiles(context.Background(), tt.r, renderer, target, Options{
				Concurrency:   tt.concurrency,
				PageSize:      tt.pageSize,
				ProgressEvery: 4,
				Progress:      func(rendered int) { progress = append(progress, rendered) },
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantWritten, n)
			assert.Len(t, target.tiles, tt.wantWritten)
			assert.Len(t, target.pages, tt.wantPages)
			assert.Len(t, progress, tt.wantWritten/4)
		})
	}
}

func TestProcessTilesRenderError(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int64
	renderer := RenderFunc(func(_ context.Context, idx slippy.Tile) (raster.Tile, bool, error) {
		calls.Add(1)
		if idx.X == 1 && idx.Y == 1 {
			return raster.Tile{}, false, boom
		}
		return tileOf(idx), true, nil
	})
	_, err := ProcessTiles(context.Background(), tms20.TileRange{Zoom: 5, MaxX: 31, MaxY: 31}, renderer, &recordingTarget{}, Options{Concurrency: 2, PageSize: 8})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "render tile 5/1/1")
	assert.Less(t, calls.Load(), int64(32*32))
}

func TestProcessTilesWriteError(t *testing.T) {
	boom := errors.New("disk full")
	renderer := RenderFunc(func(_ context.Context, idx slippy.Tile) (raster.Tile, bool, error) {
		return tileOf(idx), true, nil
	})
	_, err := ProcessTiles(context.Background(), tms20.TileRange{Zoom: 4, MaxX: 15, MaxY: 15}, renderer, &recordingTarget{err: boom}, Options{Concurrency: 4, PageSize: 3})
	require.ErrorIs(t, err, boom)
}

func TestProcessTilesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	renderer := RenderFunc(func(_ context.Context, idx slippy.Tile) (raster.Tile, bool, error) {
		return tileOf(idx), true, nil
	})
	_, err := ProcessTiles(ctx, tms20.TileRange{Zoom: 2, MaxX: 3, MaxY: 3}, renderer, &recordingTarget{}, Options{Concurrency: 2, PageSize: 2})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRenderTilesCompletes(t *testing.T) {
	tests := []struct {
		name        string
		indices     []slippy.Tile
		concurrency int
	}{
		{name: "none", concurrency: 1},
		{name: "single", indices: []slippy.Tile{{Z: 1, X: 0, Y: 0}}, concurrency: 1},
		{name: "2x2", indices: tms20.TileRange{Zoom: 1, MaxX: 1, MaxY: 1}.Tiles(), concurrency: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renderer := RenderFunc(func(_ context.Context, idx slippy.Tile) (raster.Tile, bool, error) {
				return tileOf(idx), true, nil
			})
			out := make(chan raster.Tile, len(tt.indices))
			err := renderTiles(context.Background(), tt.indices, renderer, tt.concurrency, out)
			require.NoError(t, err)
			var got []slippy.Tile
			for tile := range out {
				got = append(got, tile.Index)
			}
			assert.ElementsMatch(t, tt.indices, got)
		})
	}
}

func TestProcessTilesWritesEveryKeptTile(t *testing.T) {
	renderer := RenderFunc(func(_ context.Context, idx slippy.Tile) (raster.Tile, bool, error) {
		return tileOf(idx), true, nil
	})
	target := &recordingTarget{}
	n, err := ProcessTiles(context.Background(), tms20.TileRange{Zoom: 1, MaxX: 1, MaxY: 1}, renderer, target, Options{Concurrency: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, target.tiles, 4)
	assert.Equal(t, []int{4}, target.pages)
}
