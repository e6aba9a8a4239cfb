// Package store defines where tiles, layer metadata and run statuses live. The
// implementations are in the subpackages, except for the in-memory store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/tms20"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrBadDriver = errors.New("unknown store driver")
)

// TileStore persists tiles by (layer, zoom, x, y). A missing tile is reported
// by found == false, never by an error.
type TileStore interface {
	PutTile(ctx context.Context, tile raster.Tile) error
	// PutTiles writes the tiles in one transaction
	PutTiles(ctx context.Context, tiles []raster.Tile) error
	GetTile(ctx context.Context, layer int64, index *slippy.Tile) (tile raster.Tile, found bool, err error)
	DeleteAllTiles(ctx context.Context, layer int64) error
	// DeleteEmptyTiles removes the tiles without valid pixels and returns how many
	DeleteEmptyTiles(ctx context.Context, layer int64) (int, error)
	// ListTileIndices returns the stored indices inside r, sorted by x then y
	ListTileIndices(ctx context.Context, layer int64, r tms20.TileRange) ([]slippy.Tile, error)
	HasTiles(ctx context.Context, layer int64) (bool, error)
}

type MetadataStore interface {
	SaveLayerMetadata(ctx context.Context, m raster.LayerMetadata) error
	LoadLayerMetadata(ctx context.Context, layer int64) (raster.LayerMetadata, bool, error)
	SaveBandMetadata(ctx context.Context, m raster.BandMetadata) error
	LoadBandMetadata(ctx context.Context, layer int64, band int) (raster.BandMetadata, bool, error)
}

type StatusStore interface {
	SaveStatus(ctx context.Context, s raster.Status) error
	LoadStatus(ctx context.Context, layer int64) (raster.Status, bool, error)
}

// ValueCounter is implemented by stores that can count pixel values without
// handing out the tiles.
type ValueCounter interface {
	ValueCounts(ctx context.Context, layer int64, band int, r tms20.TileRange) (map[float64]uint64, error)
}

type Store interface {
	TileStore
	MetadataStore
	StatusStore
	Close() error
}

// Driver and location of a store, e.g. "gpkg:/data/raster.gpkg" or "memory".
type Location struct {
	Driver string
	Path   string
}

func ParseLocation(s string) (Location, error) {
	driver, path, _ := strings.Cut(s, ":")
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "memory":
		return Location{Driver: driver}, nil
	case "gpkg", "badger":
		if path == "" {
			return Location{}, fmt.Errorf("store %s needs a path", driver)
		}
		return Location{Driver: driver, Path: path}, nil
	}
	return Location{}, fmt.Errorf("%w: %q", ErrBadDriver, driver)
}

func (l Location) String() string {
	if l.Path == "" {
		return l.Driver
	}
	return l.Driver + ":" + l.Path
}

// CountValues adds the valid pixel values of one band to counts.
func CountValues(counts map[float64]uint64, tile raster.Tile, band int) {
	if band < 0 || band >= len(tile.Bands) {
		return
	}
	b := tile.Bands[band]
	for i, v := range b.Data {
		if b.Valid(i) {
			counts[v]++
		}
	}
}
