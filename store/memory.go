package store

import (
	"context"
	"sort"
	"sync"

	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/tms20"
)

type tileKey struct {
	layer int64
	zoom  uint
	x, y  uint
}

type bandKey struct {
	layer int64
	band  int
}

// Memory is a Store kept in maps. Tiles are stored as encoded blobs so that
// callers never share pixel slices with the store.
type Memory struct {
	mu     sync.RWMutex
	tiles  map[tileKey][]byte
	layers map[int64]raster.LayerMetadata
	bands  map[bandKey]raster.BandMetadata
	status map[int64]raster.Status
}

func NewMemory() *Memory {
	return &Memory{
		tiles:  make(map[tileKey][]byte),
		layers: make(map[int64]raster.LayerMetadata),
		bands:  make(map[bandKey]raster.BandMetadata),
		status: make(map[int64]raster.Status),
	}
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) PutTile(ctx context.Context, tile raster.Tile) error {
	return m.PutTiles(ctx, []raster.Tile{tile})
}

func (m *Memory) PutTiles(_ context.Context, tiles []raster.Tile) error {
	blobs := make([][]byte, len(tiles))
	for i, t := range tiles {
		blob, err := EncodeTile(t)
		if err != nil {
			return err
		}
		blobs[i] = blob
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range tiles {
		m.tiles[tileKey{layer: t.LayerID, zoom: t.Index.Z, x: t.Index.X, y: t.Index.Y}] = blobs[i]
	}
	return nil
}

func (m *Memory) GetTile(_ context.Context, layer int64, index *slippy.Tile) (raster.Tile, bool, error) {
	m.mu.RLock()
	blob, ok := m.tiles[tileKey{layer: layer, zoom: index.Z, x: index.X, y: index.Y}]
	m.mu.RUnlock()
	if !ok {
		return raster.Tile{}, false, nil
	}
	t, err := DecodeTile(blob)
	if err != nil {
		return raster.Tile{}, false, err
	}
	t.LayerID = layer
	t.Index = *index
	return t, true, nil
}

func (m *Memory) DeleteAllTiles(_ context.Context, layer int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.tiles {
		if k.layer == layer {
			delete(m.tiles, k)
		}
	}
	return nil
}

func (m *Memory) DeleteEmptyTiles(_ context.Context, layer int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for k, blob := range m.tiles {
		if k.layer != layer {
			continue
		}
		t, err := DecodeTile(blob)
		if err != nil {
			return deleted, err
		}
		if t.ValidCount() == 0 {
			delete(m.tiles, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) ListTileIndices(_ context.Context, layer int64, r tms20.TileRange) ([]slippy.Tile, error) {
	m.mu.RLock()
	var indices []slippy.Tile
	for k := range m.tiles {
		if k.layer == layer && k.zoom == r.Zoom && r.Contains(k.x, k.y) {
			indices = append(indices, slippy.Tile{Z: k.zoom, X: k.x, Y: k.y})
		}
	}
	m.mu.RUnlock()
	SortIndices(indices)
	return indices, nil
}

func (m *Memory) HasTiles(_ context.Context, layer int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k := range m.tiles {
		if k.layer == layer {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ValueCounts(ctx context.Context, layer int64, band int, r tms20.TileRange) (map[float64]uint64, error) {
	indices, err := m.ListTileIndices(ctx, layer, r)
	if err != nil {
		return nil, err
	}
	counts := make(map[float64]uint64)
	for i := range indices {
		t, found, err := m.GetTile(ctx, layer, &indices[i])
		if err != nil {
			return nil, err
		}
		if found {
			CountValues(counts, t, band)
		}
	}
	return counts, nil
}

func (m *Memory) SaveLayerMetadata(_ context.Context, meta raster.LayerMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers[meta.LayerID] = meta
	return nil
}

func (m *Memory) LoadLayerMetadata(_ context.Context, layer int64) (raster.LayerMetadata, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.layers[layer]
	return meta, ok, nil
}

func (m *Memory) SaveBandMetadata(_ context.Context, meta raster.BandMetadata) error {
	if meta.Histogram != nil {
		meta.Histogram = meta.Histogram.Clone()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bands[bandKey{layer: meta.LayerID, band: meta.Band}] = meta
	return nil
}

func (m *Memory) LoadBandMetadata(_ context.Context, layer int64, band int) (raster.BandMetadata, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.bands[bandKey{layer: layer, band: band}]
	if ok && meta.Histogram != nil {
		meta.Histogram = meta.Histogram.Clone()
	}
	return meta, ok, nil
}

func (m *Memory) SaveStatus(_ context.Context, s raster.Status) error {
	s.Log = append([]string(nil), s.Log...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[s.LayerID] = s
	return nil
}

func (m *Memory) LoadStatus(_ context.Context, layer int64) (raster.Status, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.status[layer]
	s.Log = append([]string(nil), s.Log...)
	return s, ok, nil
}

// SortIndices orders tile indices by zoom, x and y.
func SortIndices(indices []slippy.Tile) {
	sort.Slice(indices, func(i, j int) bool {
		a, b := indices[i], indices[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
}
