// Package badger stores tiles in BadgerDB. Tile keys end in the Morton code of
// the tile index so a rectangle of tiles is read with one short key scan.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-spatial/geom/slippy"
	"github.com/rs/zerolog"

	"github.com/pdok/rasterpyramid/histogram"
	"github.com/pdok/rasterpyramid/legend"
	"github.com/pdok/rasterpyramid/morton"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/tms20"
)

const (
	tilePrefix   = 't'
	layerPrefix  = 'l'
	bandPrefix   = 'b'
	statusPrefix = 's'
	legendPrefix = 'g'
	titlePrefix  = 'n'
)

var ErrDuplicateTitle = errors.New("legend title exists")

// zerologAdapter makes badger log through zerolog
type zerologAdapter struct {
	logger zerolog.Logger
}

func (l zerologAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l zerologAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l zerologAdapter) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l zerologAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

type Store struct {
	db *badger.DB
}

// Open opens a store in dir, or in memory when dir is empty.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithNumVersionsToKeep(1).
		WithLogger(zerologAdapter{logger: logger.With().Str("store", "badger").Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func layerKey(prefix byte, layer int64) []byte {
	k := make([]byte, 9, 32)
	k[0] = prefix
	binary.BigEndian.PutUint64(k[1:], uint64(layer))
	return k
}

func zoomPrefix(layer int64, zoom uint) []byte {
	return append(layerKey(tilePrefix, layer), byte(zoom))
}

func tileKey(layer int64, idx slippy.Tile) ([]byte, error) {
	z, ok := morton.ToZ(idx.X, idx.Y)
	if !ok {
		return nil, fmt.Errorf("tile index %d/%d/%d out of range", idx.Z, idx.X, idx.Y)
	}
	return append(zoomPrefix(layer, idx.Z), morton.Bytes(z)...), nil
}

func bandKey(layer int64, band int) []byte {
	k := layerKey(bandPrefix, layer)
	return binary.BigEndian.AppendUint32(k, uint32(band))
}

func (s *Store) PutTile(ctx context.Context, tile raster.Tile) error {
	return s.PutTiles(ctx, []raster.Tile{tile})
}

func (s *Store) PutTiles(_ context.Context, tiles []raster.Tile) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, t := range tiles {
		key, err := tileKey(t.LayerID, t.Index)
		if err != nil {
			return err
		}
		blob, err := store.EncodeTile(t)
		if err != nil {
			return err
		}
		if err := wb.Set(key, blob); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *Store) GetTile(_ context.Context, layer int64, index *slippy.Tile) (raster.Tile, bool, error) {
	key, err := tileKey(layer, *index)
	if err != nil {
		return raster.Tile{}, false, err
	}
	var blob []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return raster.Tile{}, false, nil
	}
	if err != nil {
		return raster.Tile{}, false, err
	}
	t, err := store.DecodeTile(blob)
	if err != nil {
		return raster.Tile{}, false, err
	}
	t.LayerID = layer
	t.Index = *index
	return t, true, nil
}

func (s *Store) DeleteAllTiles(_ context.Context, layer int64) error {
	return s.db.DropPrefix(layerKey(tilePrefix, layer))
}

func (s *Store) DeleteEmptyTiles(_ context.Context, layer int64) (int, error) {
	var empty [][]byte
	prefix := layerKey(tilePrefix, layer)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(blob []byte) error {
				t, err := store.DecodeTile(blob)
				if err != nil {
					return err
				}
				if t.ValidCount() == 0 {
					empty = append(empty, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range empty {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(empty), wb.Flush()
}

// scan calls fn for every stored tile of r. Only keys between the Morton
// codes of the range corners are visited.
func (s *Store) scan(layer int64, r tms20.TileRange, fn func(idx slippy.Tile, item *badger.Item) error) error {
	prefix := zoomPrefix(layer, r.Zoom)
	lo, hi := morton.Bounds(r.MinX, r.MinY, r.MaxX, r.MaxY)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(append(prefix, morton.Bytes(lo)...)); it.ValidForPrefix(prefix); it.Next() {
			z, err := morton.FromBytes(it.Item().Key()[len(prefix):])
			if err != nil {
				return err
			}
			if z > hi {
				break
			}
			x, y := morton.FromZ(z)
			if !r.Contains(x, y) {
				continue
			}
			if err := fn(slippy.Tile{Z: r.Zoom, X: x, Y: y}, it.Item()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListTileIndices(_ context.Context, layer int64, r tms20.TileRange) ([]slippy.Tile, error) {
	var indices []slippy.Tile
	err := s.scan(layer, r, func(idx slippy.Tile, _ *badger.Item) error {
		indices = append(indices, idx)
		return nil
	})
	store.SortIndices(indices)
	return indices, err
}

func (s *Store) HasTiles(_ context.Context, layer int64) (bool, error) {
	prefix := layerKey(tilePrefix, layer)
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	return found, err
}

func (s *Store) ValueCounts(_ context.Context, layer int64, band int, r tms20.TileRange) (map[float64]uint64, error) {
	counts := make(map[float64]uint64)
	err := s.scan(layer, r, func(_ slippy.Tile, item *badger.Item) error {
		return item.Value(func(blob []byte) error {
			t, err := store.DecodeTile(blob)
			if err != nil {
				return err
			}
			store.CountValues(counts, t, band)
			return nil
		})
	})
	return counts, err
}

func (s *Store) put(key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *Store) get(key []byte, v any) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) SaveLayerMetadata(_ context.Context, m raster.LayerMetadata) error {
	return s.put(layerKey(layerPrefix, m.LayerID), m)
}

func (s *Store) LoadLayerMetadata(_ context.Context, layer int64) (raster.LayerMetadata, bool, error) {
	var m raster.LayerMetadata
	found, err := s.get(layerKey(layerPrefix, layer), &m)
	return m, found, err
}

type bandRecord struct {
	NoData *float64  `json:"nodata,omitempty"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Edges  []float64 `json:"edges,omitempty"`
	Counts []uint64  `json:"counts,omitempty"`
}

func (s *Store) SaveBandMetadata(_ context.Context, m raster.BandMetadata) error {
	rec := bandRecord{NoData: m.NoData, Min: m.Min, Max: m.Max}
	if m.Histogram != nil {
		rec.Edges, rec.Counts = m.Histogram.Edges(), m.Histogram.Counts()
	}
	return s.put(bandKey(m.LayerID, m.Band), rec)
}

func (s *Store) LoadBandMetadata(_ context.Context, layer int64, band int) (raster.BandMetadata, bool, error) {
	var rec bandRecord
	found, err := s.get(bandKey(layer, band), &rec)
	if !found || err != nil {
		return raster.BandMetadata{}, false, err
	}
	m := raster.BandMetadata{LayerID: layer, Band: band, NoData: rec.NoData, Min: rec.Min, Max: rec.Max}
	if rec.Edges != nil {
		if m.Histogram, err = histogram.FromCounts(rec.Edges, rec.Counts); err != nil {
			return raster.BandMetadata{}, false, fmt.Errorf("band %d of layer %d: %w", band, layer, err)
		}
	}
	return m, true, nil
}

func (s *Store) SaveStatus(_ context.Context, st raster.Status) error {
	return s.put(layerKey(statusPrefix, st.LayerID), st)
}

func (s *Store) LoadStatus(_ context.Context, layer int64) (raster.Status, bool, error) {
	var st raster.Status
	found, err := s.get(layerKey(statusPrefix, layer), &st)
	return st, found, err
}

func titleKey(title string) []byte {
	return append([]byte{titlePrefix}, title...)
}

// SaveLegend stores a legend and assigns the next free id when ID is zero.
// Titles are unique.
func (s *Store) SaveLegend(_ context.Context, l *legend.Legend) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(titleKey(l.Title)); err == nil {
			var owner int64
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &owner) }); err != nil {
				return err
			}
			if owner != l.ID {
				return fmt.Errorf("%w: %q", ErrDuplicateTitle, l.Title)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if l.ID == 0 {
			id, err := lastLegendID(txn)
			if err != nil {
				return err
			}
			l.ID = id + 1
		} else if old, found, err := legendIn(txn, l.ID); err != nil {
			return err
		} else if found && old.Title != l.Title {
			if err := txn.Delete(titleKey(old.Title)); err != nil {
				return err
			}
		}
		value, err := json.Marshal(l)
		if err != nil {
			return err
		}
		if err := txn.Set(layerKey(legendPrefix, l.ID), value); err != nil {
			return err
		}
		id, _ := json.Marshal(l.ID)
		return txn.Set(titleKey(l.Title), id)
	})
}

func lastLegendID(txn *badger.Txn) (int64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte{legendPrefix}
	it := txn.NewIterator(opts)
	defer it.Close()
	var last int64
	for it.Rewind(); it.Valid(); it.Next() {
		k := it.Item().Key()
		if len(k) == 9 {
			last = int64(binary.BigEndian.Uint64(k[1:]))
		}
	}
	return last, nil
}

func legendIn(txn *badger.Txn, id int64) (*legend.Legend, bool, error) {
	item, err := txn.Get(layerKey(legendPrefix, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var l legend.Legend
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &l) }); err != nil {
		return nil, false, fmt.Errorf("legend %d: %w", id, err)
	}
	return &l, true, nil
}

// FindLegend looks a legend up by id first, then by title.
func (s *Store) FindLegend(_ context.Context, ref string) (l *legend.Legend, found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
			if l, found, err = legendIn(txn, id); err != nil || found {
				return err
			}
		}
		item, err := txn.Get(titleKey(ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var id int64
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &id) }); err != nil {
			return err
		}
		l, found, err = legendIn(txn, id)
		return err
	})
	return l, found, err
}

func (s *Store) Resolve(ctx context.Context, ref string) ([]legend.Rule, error) {
	l, found, err := s.FindLegend(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", legend.ErrNotFound, ref)
	}
	return l.Rules, nil
}
