// Package gpkg stores tiles, metadata and legends in a GeoPackage. Layer
// extents are kept as polygons in a feature table so GIS clients can show
// the coverage of every layer.
package gpkg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
	"github.com/go-spatial/geom/slippy"
	"github.com/rs/zerolog/log"

	"github.com/pdok/rasterpyramid/histogram"
	"github.com/pdok/rasterpyramid/legend"
	"github.com/pdok/rasterpyramid/raster"
	"github.com/pdok/rasterpyramid/store"
	"github.com/pdok/rasterpyramid/tms20"
)

const (
	layersTable = "raster_layers"
	geomColumn  = "geom"

	DefaultPageSize = 1000
)

var webMercator = gpkg.SpatialReferenceSystem{
	Name:                   "WGS 84 / Pseudo-Mercator",
	ID:                     3857,
	Organization:           "EPSG",
	OrganizationCoordsysID: 3857,
	Definition: `PROJCS["WGS 84 / Pseudo-Mercator",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],` +
		`PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],PROJECTION["Mercator_1SP"],PARAMETER["central_meridian",0],` +
		`PARAMETER["scale_factor",1],PARAMETER["false_easting",0],PARAMETER["false_northing",0],UNIT["metre",1],AUTHORITY["EPSG","3857"]]`,
	Description: "Spherical Mercator",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS "` + layersTable + `" (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		datatype TEXT NOT NULL,
		origin_x REAL, origin_y REAL,
		width INTEGER, height INTEGER,
		scale_x REAL, scale_y REAL,
		skew_x REAL, skew_y REAL,
		num_bands INTEGER,
		srid INTEGER,
		pixel_type INTEGER,
		tile_size INTEGER,
		max_zoom INTEGER,
		finest_zoom INTEGER,
		min_x REAL, min_y REAL, max_x REAL, max_y REAL,
		` + geomColumn + ` POLYGON)`,
	`CREATE TABLE IF NOT EXISTS raster_tiles (
		layer_id INTEGER NOT NULL,
		zoom INTEGER NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		valid_count INTEGER NOT NULL,
		has_counts INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (layer_id, zoom, x, y))`,
	`CREATE TABLE IF NOT EXISTS raster_value_counts (
		layer_id INTEGER NOT NULL,
		band INTEGER NOT NULL,
		zoom INTEGER NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		value REAL NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (layer_id, band, zoom, x, y, value))`,
	`CREATE TABLE IF NOT EXISTS raster_band_metadata (
		layer_id INTEGER NOT NULL,
		band INTEGER NOT NULL,
		nodata REAL,
		min REAL,
		max REAL,
		edges TEXT,
		counts TEXT,
		PRIMARY KEY (layer_id, band))`,
	`CREATE TABLE IF NOT EXISTS raster_layer_status (
		layer_id INTEGER PRIMARY KEY,
		run_id TEXT NOT NULL,
		state TEXT NOT NULL,
		zoom INTEGER,
		log TEXT NOT NULL,
		updated TEXT NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS raster_legends (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL UNIQUE,
		rules TEXT NOT NULL)`,
}

// Store is a store.Store on a GeoPackage file.
type Store struct {
	handle   *gpkg.Handle
	pagesize int
	// sqlite allows one writer at a time
	writeMu sync.Mutex
}

// Open creates or opens the GeoPackage at file. Tile writes are committed in
// transactions of at most pagesize tiles.
func Open(file string, pagesize int) (*Store, error) {
	if pagesize <= 0 {
		pagesize = DefaultPageSize
	}
	handle, err := gpkg.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening GeoPackage: %w", err)
	}
	s := &Store{handle: handle, pagesize: pagesize}
	if err := s.init(); err != nil {
		handle.Close()
		return nil, err
	}
	log.Debug().Str("file", file).Int("pagesize", pagesize).Msg("opened geopackage store")
	return s, nil
}

func (s *Store) init() error {
	// in-memory databases live per connection
	s.handle.SetMaxOpenConns(1)
	if err := s.handle.UpdateSRS(webMercator); err != nil {
		return fmt.Errorf("error registering EPSG:3857: %w", err)
	}
	for _, query := range schema {
		if _, err := s.handle.Exec(query); err != nil {
			return fmt.Errorf("error building table in GeoPackage: %w", err)
		}
	}
	var registered int
	err := s.handle.QueryRow(`SELECT count(*) FROM gpkg_contents WHERE table_name = ?`, layersTable).Scan(&registered)
	if err != nil {
		return err
	}
	if registered > 0 {
		return nil
	}
	err = s.handle.AddGeometryTable(gpkg.TableDescription{
		Name:          layersTable,
		ShortName:     layersTable,
		Description:   "extents of the tiled raster layers",
		GeometryField: geomColumn,
		GeometryType:  gpkg.Polygon,
		SRS:           int32(webMercator.ID),
		Z:             gpkg.Prohibited,
		M:             gpkg.Prohibited,
	})
	if err != nil {
		return fmt.Errorf("error adding geometry table in GeoPackage: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.handle.Close()
}

func (s *Store) PutTile(ctx context.Context, tile raster.Tile) error {
	return s.PutTiles(ctx, []raster.Tile{tile})
}

// PutTiles writes the tiles page by page, one transaction per page.
func (s *Store) PutTiles(ctx context.Context, tiles []raster.Tile) error {
	for start := 0; start < len(tiles); start += s.pagesize {
		end := min(start+s.pagesize, len(tiles))
		if err := s.writeTiles(ctx, tiles[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeTiles(ctx context.Context, tiles []raster.Tile) error {
	type encoded struct {
		blob   []byte
		counts map[float64]uint64
	}
	rows := make([]encoded, len(tiles))
	for i, t := range tiles {
		blob, err := store.EncodeTile(t)
		if err != nil {
			return err
		}
		rows[i].blob = blob
		if t.PixelType.Integer() {
			rows[i].counts = make(map[float64]uint64)
			store.CountValues(rows[i].counts, t, 0)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		putTile, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO raster_tiles
			(layer_id, zoom, x, y, valid_count, has_counts, data) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("could not prepare a statement: %w", err)
		}
		defer putTile.Close()
		clearCounts, err := tx.PrepareContext(ctx, `DELETE FROM raster_value_counts
			WHERE layer_id = ? AND zoom = ? AND x = ? AND y = ?`)
		if err != nil {
			return fmt.Errorf("could not prepare a statement: %w", err)
		}
		defer clearCounts.Close()
		putCount, err := tx.PrepareContext(ctx, `INSERT INTO raster_value_counts
			(layer_id, band, zoom, x, y, value, count) VALUES (?, 0, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("could not prepare a statement: %w", err)
		}
		defer putCount.Close()

		for i, t := range tiles {
			idx := t.Index
			_, err := putTile.ExecContext(ctx, t.LayerID, idx.Z, idx.X, idx.Y, t.ValidCount(), rows[i].counts != nil, rows[i].blob)
			if err != nil {
				return fmt.Errorf("could not write tile %d/%d/%d of layer %d: %w", idx.Z, idx.X, idx.Y, t.LayerID, err)
			}
			if _, err := clearCounts.ExecContext(ctx, t.LayerID, idx.Z, idx.X, idx.Y); err != nil {
				return err
			}
			for value, count := range rows[i].counts {
				if _, err := putCount.ExecContext(ctx, t.LayerID, idx.Z, idx.X, idx.Y, value, count); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.handle.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not start a transaction: %w", err)
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) GetTile(ctx context.Context, layer int64, index *slippy.Tile) (raster.Tile, bool, error) {
	var blob []byte
	err := s.handle.QueryRowContext(ctx, `SELECT data FROM raster_tiles WHERE layer_id = ? AND zoom = ? AND x = ? AND y = ?`,
		layer, index.Z, index.X, index.Y).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return raster.Tile{}, false, nil
	}
	if err != nil {
		return raster.Tile{}, false, err
	}
	t, err := store.DecodeTile(blob)
	if err != nil {
		return raster.Tile{}, false, fmt.Errorf("tile %d/%d/%d of layer %d: %w", index.Z, index.X, index.Y, layer, err)
	}
	t.LayerID = layer
	t.Index = *index
	return t, true, nil
}

func (s *Store) DeleteAllTiles(ctx context.Context, layer int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM raster_tiles WHERE layer_id = ?`, layer); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM raster_value_counts WHERE layer_id = ?`, layer)
		return err
	})
}

func (s *Store) DeleteEmptyTiles(ctx context.Context, layer int64) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.handle.ExecContext(ctx, `DELETE FROM raster_tiles WHERE layer_id = ? AND valid_count = 0`, layer)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ListTileIndices(ctx context.Context, layer int64, r tms20.TileRange) ([]slippy.Tile, error) {
	rows, err := s.handle.QueryContext(ctx, `SELECT x, y FROM raster_tiles
		WHERE layer_id = ? AND zoom = ? AND x BETWEEN ? AND ? AND y BETWEEN ? AND ? ORDER BY x, y`,
		layer, r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var indices []slippy.Tile
	for rows.Next() {
		idx := slippy.Tile{Z: r.Zoom}
		if err := rows.Scan(&idx.X, &idx.Y); err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

func (s *Store) HasTiles(ctx context.Context, layer int64) (bool, error) {
	var n int
	err := s.handle.QueryRowContext(ctx, `SELECT count(*) FROM (SELECT 1 FROM raster_tiles WHERE layer_id = ? LIMIT 1)`, layer).Scan(&n)
	return n > 0, err
}

// ValueCounts sums the stored value counts. Tiles written without counts
// (non integer pixel types) are decoded and counted.
func (s *Store) ValueCounts(ctx context.Context, layer int64, band int, r tms20.TileRange) (map[float64]uint64, error) {
	counts := make(map[float64]uint64)
	rows, err := s.handle.QueryContext(ctx, `SELECT value, SUM(count) FROM raster_value_counts
		WHERE layer_id = ? AND band = ? AND zoom = ? AND x BETWEEN ? AND ? AND y BETWEEN ? AND ?
		GROUP BY value`, layer, band, r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var value float64
		var count uint64
		if err := rows.Scan(&value, &count); err != nil {
			rows.Close()
			return nil, err
		}
		counts[value] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var uncounted []slippy.Tile
	rows, err = s.handle.QueryContext(ctx, `SELECT x, y FROM raster_tiles
		WHERE layer_id = ? AND zoom = ? AND has_counts = 0 AND x BETWEEN ? AND ? AND y BETWEEN ? AND ?`,
		layer, r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		idx := slippy.Tile{Z: r.Zoom}
		if err := rows.Scan(&idx.X, &idx.Y); err != nil {
			rows.Close()
			return nil, err
		}
		uncounted = append(uncounted, idx)
	}
	rows.Close()
	for i := range uncounted {
		t, found, err := s.GetTile(ctx, layer, &uncounted[i])
		if err != nil {
			return nil, err
		}
		if found {
			store.CountValues(counts, t, band)
		}
	}
	return counts, nil
}

func extentPolygon(e geom.Extent) geom.Polygon {
	return geom.Polygon{{{e[0], e[1]}, {e[2], e[1]}, {e[2], e[3]}, {e[0], e[3]}}}
}

func (s *Store) SaveLayerMetadata(ctx context.Context, m raster.LayerMetadata) error {
	sb, err := gpkg.NewBinary(int32(webMercator.ID), extentPolygon(m.Extent))
	if err != nil {
		return fmt.Errorf("could not create a binary geometry: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.handle.ExecContext(ctx, `INSERT OR REPLACE INTO "`+layersTable+`"
		(id, name, datatype, origin_x, origin_y, width, height, scale_x, scale_y, skew_x, skew_y,
		 num_bands, srid, pixel_type, tile_size, max_zoom, finest_zoom, min_x, min_y, max_x, max_y, `+geomColumn+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.LayerID, m.Name, string(m.DataType), m.OriginX, m.OriginY, m.Width, m.Height, m.ScaleX, m.ScaleY, m.SkewX, m.SkewY,
		m.NumBands, m.SRID, int(m.PixelType), m.TileSize, m.MaxZoom, m.FinestZoom, m.Extent[0], m.Extent[1], m.Extent[2], m.Extent[3], sb)
	if err != nil {
		return err
	}
	return s.updateLayersExtent(ctx)
}

// updateLayersExtent keeps gpkg_contents covering all layers
func (s *Store) updateLayersExtent(ctx context.Context) error {
	rows, err := s.handle.QueryContext(ctx, `SELECT `+geomColumn+` FROM "`+layersTable+`"`)
	if err != nil {
		return err
	}
	var ext *geom.Extent
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			rows.Close()
			return err
		}
		sb, err := gpkg.DecodeGeometry(blob)
		if err != nil {
			rows.Close()
			return fmt.Errorf("error decoding the geometry: %w", err)
		}
		if ext == nil {
			ext, err = geom.NewExtentFromGeometry(sb.Geometry)
			if err != nil {
				rows.Close()
				return err
			}
			continue
		}
		_ = ext.AddGeometry(sb.Geometry)
	}
	rows.Close()
	if ext == nil {
		return nil
	}
	return s.handle.UpdateGeometryExtent(layersTable, ext)
}

func (s *Store) LoadLayerMetadata(ctx context.Context, layer int64) (raster.LayerMetadata, bool, error) {
	var m raster.LayerMetadata
	var datatype string
	var pixelType int
	err := s.handle.QueryRowContext(ctx, `SELECT id, name, datatype, origin_x, origin_y, width, height,
		scale_x, scale_y, skew_x, skew_y, num_bands, srid, pixel_type, tile_size, max_zoom, finest_zoom, min_x, min_y, max_x, max_y
		FROM "`+layersTable+`" WHERE id = ?`, layer).Scan(
		&m.LayerID, &m.Name, &datatype, &m.OriginX, &m.OriginY, &m.Width, &m.Height,
		&m.ScaleX, &m.ScaleY, &m.SkewX, &m.SkewY, &m.NumBands, &m.SRID, &pixelType, &m.TileSize, &m.MaxZoom, &m.FinestZoom,
		&m.Extent[0], &m.Extent[1], &m.Extent[2], &m.Extent[3])
	if errors.Is(err, sql.ErrNoRows) {
		return raster.LayerMetadata{}, false, nil
	}
	if err != nil {
		return raster.LayerMetadata{}, false, err
	}
	m.DataType = raster.DataType(datatype)
	m.PixelType = raster.PixelType(pixelType)
	return m, true, nil
}

func (s *Store) SaveBandMetadata(ctx context.Context, m raster.BandMetadata) error {
	var edges, counts []byte
	if m.Histogram != nil {
		var err error
		if edges, err = json.Marshal(m.Histogram.Edges()); err != nil {
			return err
		}
		if counts, err = json.Marshal(m.Histogram.Counts()); err != nil {
			return err
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.handle.ExecContext(ctx, `INSERT OR REPLACE INTO raster_band_metadata
		(layer_id, band, nodata, min, max, edges, counts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.LayerID, m.Band, m.NoData, m.Min, m.Max, nullString(edges), nullString(counts))
	return err
}

func nullString(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: b != nil}
}

func (s *Store) LoadBandMetadata(ctx context.Context, layer int64, band int) (raster.BandMetadata, bool, error) {
	m := raster.BandMetadata{LayerID: layer, Band: band}
	var nodata sql.NullFloat64
	var edges, counts sql.NullString
	err := s.handle.QueryRowContext(ctx, `SELECT nodata, min, max, edges, counts FROM raster_band_metadata
		WHERE layer_id = ? AND band = ?`, layer, band).Scan(&nodata, &m.Min, &m.Max, &edges, &counts)
	if errors.Is(err, sql.ErrNoRows) {
		return raster.BandMetadata{}, false, nil
	}
	if err != nil {
		return raster.BandMetadata{}, false, err
	}
	if nodata.Valid {
		m.NoData = &nodata.Float64
	}
	if edges.Valid {
		var e []float64
		var c []uint64
		if err := json.Unmarshal([]byte(edges.String), &e); err != nil {
			return m, false, fmt.Errorf("band %d of layer %d: %w", band, layer, err)
		}
		if err := json.Unmarshal([]byte(counts.String), &c); err != nil {
			return m, false, fmt.Errorf("band %d of layer %d: %w", band, layer, err)
		}
		if m.Histogram, err = histogram.FromCounts(e, c); err != nil {
			return m, false, fmt.Errorf("band %d of layer %d: %w", band, layer, err)
		}
	}
	return m, true, nil
}

func (s *Store) SaveStatus(ctx context.Context, st raster.Status) error {
	logLines, err := json.Marshal(st.Log)
	if err != nil {
		return err
	}
	var zoom sql.NullInt64
	if st.Zoom != nil {
		zoom = sql.NullInt64{Int64: int64(*st.Zoom), Valid: true}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.handle.ExecContext(ctx, `INSERT OR REPLACE INTO raster_layer_status
		(layer_id, run_id, state, zoom, log, updated) VALUES (?, ?, ?, ?, ?, ?)`,
		st.LayerID, st.RunID, string(st.State), zoom, string(logLines), st.Updated.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) LoadStatus(ctx context.Context, layer int64) (raster.Status, bool, error) {
	st := raster.Status{LayerID: layer}
	var state, logLines, updated string
	var zoom sql.NullInt64
	err := s.handle.QueryRowContext(ctx, `SELECT run_id, state, zoom, log, updated FROM raster_layer_status
		WHERE layer_id = ?`, layer).Scan(&st.RunID, &state, &zoom, &logLines, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return raster.Status{}, false, nil
	}
	if err != nil {
		return raster.Status{}, false, err
	}
	st.State = raster.State(state)
	if zoom.Valid {
		z := uint(zoom.Int64)
		st.Zoom = &z
	}
	if err := json.Unmarshal([]byte(logLines), &st.Log); err != nil {
		return st, false, err
	}
	if st.Updated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return st, false, err
	}
	return st, true, nil
}

// SaveLegend inserts or replaces a legend. Titles are unique.
func (s *Store) SaveLegend(ctx context.Context, l *legend.Legend) error {
	rules, err := json.Marshal(l.Rules)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if l.ID == 0 {
		res, err := s.handle.ExecContext(ctx, `INSERT INTO raster_legends (title, rules) VALUES (?, ?)`, l.Title, string(rules))
		if err != nil {
			return err
		}
		l.ID, err = res.LastInsertId()
		return err
	}
	_, err = s.handle.ExecContext(ctx, `INSERT OR REPLACE INTO raster_legends (id, title, rules) VALUES (?, ?, ?)`,
		l.ID, l.Title, string(rules))
	return err
}

// FindLegend looks a legend up by id first, then by title.
func (s *Store) FindLegend(ctx context.Context, ref string) (*legend.Legend, bool, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		l, found, err := s.queryLegend(ctx, `SELECT id, title, rules FROM raster_legends WHERE id = ?`, id)
		if err != nil || found {
			return l, found, err
		}
	}
	return s.queryLegend(ctx, `SELECT id, title, rules FROM raster_legends WHERE title = ?`, ref)
}

func (s *Store) queryLegend(ctx context.Context, query string, arg any) (*legend.Legend, bool, error) {
	var l legend.Legend
	var rules string
	err := s.handle.QueryRowContext(ctx, query, arg).Scan(&l.ID, &l.Title, &rules)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(rules), &l.Rules); err != nil {
		return nil, false, fmt.Errorf("legend %d: %w", l.ID, err)
	}
	return &l, true, nil
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
