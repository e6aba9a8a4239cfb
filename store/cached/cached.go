// Package cached wraps a store with a read-through tile cache.
package cached

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-spatial/geom/slippy"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/tms20"
)

type key struct {
	layer   int64
	z, x, y uint
}

type entry struct {
	gen   uint64
	tile  raster.Tile
	found bool
}

// Store caches GetTile results, absent tiles included. Every write or delete
// for a layer drops the cached tiles of that layer.
type Store struct {
	store.Store
	cache  *lru.Cache[key, entry]
	flight singleflight.Group

	mu   sync.Mutex
	gens map[int64]uint64
}

func New(inner store.Store, size int) (*Store, error) {
	cache, err := lru.New[key, entry](size)
	if err != nil {
		return nil, fmt.Errorf("create tile cache: %w", err)
	}
	return &Store{Store: inner, cache: cache, gens: make(map[int64]uint64)}, nil
}

func (s *Store) generation(layer int64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[layer]
}

func (s *Store) invalidate(layer int64) {
	s.mu.Lock()
	s.gens[layer]++
	s.mu.Unlock()
	for _, k := range s.cache.Keys() {
		if k.layer == layer {
			s.cache.Remove(k)
		}
	}
}

func (s *Store) GetTile(ctx context.Context, layer int64, index *slippy.Tile) (raster.Tile, bool, error) {
	k := key{layer: layer, z: index.Z, x: index.X, y: index.Y}
	gen := s.generation(layer)
	if e, ok := s.cache.Get(k); ok && e.gen == gen {
		return e.tile, e.found, nil
	}
	v, err, _ := s.flight.Do(fmt.Sprintf("%d/%d/%d/%d/%d", gen, layer, index.Z, index.X, index.Y), func() (interface{}, error) {
		tile, found, err := s.Store.GetTile(ctx, layer, index)
		if err != nil {
			return nil, err
		}
		e := entry{gen: gen, tile: tile, found: found}
		// a write that raced the read has bumped the generation
		if s.generation(layer) == gen {
			s.cache.Add(k, e)
		}
		return e, nil
	})
	if err != nil {
		return raster.Tile{}, false, err
	}
	e := v.(entry)
	return e.tile, e.found, nil
}

func (s *Store) PutTile(ctx context.Context, tile raster.Tile) error {
	defer s.invalidate(tile.LayerID)
	return s.Store.PutTile(ctx, tile)
}

func (s *Store) PutTiles(ctx context.Context, tiles []raster.Tile) error {
	layers := make(map[int64]bool)
	for _, t := range tiles {
		layers[t.LayerID] = true
	}
	defer func() {
		for layer := range layers {
			s.invalidate(layer)
		}
	}()
	return s.Store.PutTiles(ctx, tiles)
}

func (s *Store) DeleteAllTiles(ctx context.Context, layer int64) error {
	defer s.invalidate(layer)
	return s.Store.DeleteAllTiles(ctx, layer)
}

func (s *Store) DeleteEmptyTiles(ctx context.Context, layer int64) (int, error) {
	defer s.invalidate(layer)
	return s.Store.DeleteEmptyTiles(ctx, layer)
}

// ValueCounts uses the wrapped store's counter when it has one and counts
// the cached tiles otherwise.
func (s *Store) ValueCounts(ctx context.Context, layer int64, band int, r tms20.TileRange) (map[float64]uint64, error) {
	if vc, ok := s.Store.(store.ValueCounter); ok {
		return vc.ValueCounts(ctx, layer, band, r)
	}
	indices, err := s.ListTileIndices(ctx, layer, r)
	if err != nil {
		return nil, err
	}
	counts := make(map[float64]uint64)
	for i := range indices {
		t, found, err := s.GetTile(ctx, layer, &indices[i])
		if err != nil {
			return nil, err
		}
		if found {
			store.CountValues(counts, t, band)
		}
	}
	return counts, nil
}

// Len is the number of cached tiles.
func (s *Store) Len() int {
	return s.cache.Len()
}
