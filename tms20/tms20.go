// Package tms20 implements the OGC Tile Matrix Set standard (v2.0) as the
// coordinate grid of the raster pyramid.
// See https://www.ogc.org/standard/tms/
package tms20

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/perimeterx/marshmallow"

	"github.com/pdok/rasterpyramid/mathhelp"
)

const (
	WebMercatorQuadID = "WebMercatorQuad"
	WebMercatorSRID   = 3857
	// WorldSize is the circumference used by spherical mercator
	WorldSize = 2 * math.Pi * 6378137
	// DefaultMaxZoom is the finest zoom level a layer is tiled at by default
	DefaultMaxZoom = 18
)

var (
	//go:embed tilematrixsets/*.json
	embeddedTileMatrixSetsJSONFS embed.FS

	ErrUnknownZoom   = errors.New("zoom level not in tile matrix set")
	ErrOutsideMatrix = errors.New("outside of tile matrix")
	ErrEmptyBBox     = errors.New("bounding box is empty or inverted")
)

func LoadEmbeddedTileMatrixSet(id string) (TileMatrixSet, error) {
	var tms TileMatrixSet
	tmsJSON, err := embeddedTileMatrixSetsJSONFS.ReadFile("tilematrixsets/" + id + ".json")
	if err != nil {
		return tms, err
	}
	err = json.Unmarshal(tmsJSON, &tms)
	return tms, err
}

// WebMercatorQuad returns the WebMercatorQuad set with the given tile edge
// length, truncated at maxZoom.
func WebMercatorQuad(tileSize uint, maxZoom uint) (TileMatrixSet, error) {
	tms, err := LoadEmbeddedTileMatrixSet(WebMercatorQuadID)
	if err != nil {
		return tms, err
	}
	if _, ok := tms.TileMatrices[maxZoom]; !ok {
		return tms, fmt.Errorf("max zoom %d: %w", maxZoom, ErrUnknownZoom)
	}
	tms = tms.Resize(tileSize)
	for zoom := range tms.TileMatrices {
		if zoom > maxZoom {
			delete(tms.TileMatrices, zoom)
		}
	}
	return tms, nil
}

// TileMatrixSet is a definition of a tile matrix set following the Tile Matrix Set standard.
type TileMatrixSet struct {
	// Tile matrix set identifier. Implementation of 'identifier'
	ID string `json:"id,omitempty"`
	// Title of this tile matrix set, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Reference to an official source for this TileMatrixSet
	URI         string   `validate:"omitempty,uri" json:"uri,omitempty"`
	OrderedAxes []string `validate:"omitnil,min=1" json:"orderedAxes"`
	// Coordinate Reference System (CRS)
	CRS URICRS `validate:"required" json:"-"`
	// Reference to a well-known scale set
	WellKnownScaleSet string `validate:"omitempty,uri" json:"wellKnownScaleSet,omitempty"`
	// Describes scale levels and its tile matrices
	TileMatrices map[uint]TileMatrix `validate:"required,min=1" json:"-"`
}

func (tms *TileMatrixSet) UnmarshalJSON(data []byte) error {
	err := defaults.Set(tms)
	if err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, tms, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawCrs, ok := specials["crs"]
	if !ok {
		return fmt.Errorf(`missing key "crs"`)
	}
	tms.CRS, err = unmarshalCRS(rawCrs)
	if err != nil {
		return err
	}

	rawTileMatrices, ok := specials["tileMatrices"]
	if !ok {
		return fmt.Errorf(`missing key "tileMatrices"`)
	}
	tms.TileMatrices, err = unmarshalTileMatrices(rawTileMatrices)
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(tms)
}

func unmarshalTileMatrices(rawTileMatrices interface{}) (map[uint]TileMatrix, error) {
	rawTileMatricesList, ok := rawTileMatrices.([]interface{})
	if !ok {
		return nil, fmt.Errorf(`"tileMatrices" should be an array`)
	}
	tileMatrices := make(map[uint]TileMatrix, len(rawTileMatricesList))
	for _, rawTileMatrix := range rawTileMatricesList {
		rawTileMatrixMap, ok := rawTileMatrix.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf(`"tileMatrices" should be objects`)
		}
		var tileMatrix TileMatrix
		err := tileMatrix.UnmarshalJSONFromMap(rawTileMatrixMap)
		if err != nil {
			return nil, err
		}
		zoom, err := strconv.ParseUint(tileMatrix.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("only integer-like ids are supported for tile matrices: %w", err)
		}
		tileMatrices[uint(zoom)] = tileMatrix
	}
	return tileMatrices, nil
}

var (
	crsURIRegexURL = regexp.MustCompile("https?://.+/def/crs/(?P<authority>[^/]+)/[^/]+/(?P<code>[^/]+)$")
	crsURIRegexURN = regexp.MustCompile("^urn:ogc:def:crs:(?P<authority>[^:]+)::(?P<code>[^:]+)$")
)

// URICRS references a coordinate reference system by URI or URN
type URICRS struct {
	URI           string `validate:"required,uri"`
	AuthorityName string `validate:"required"`
	AuthorityCode string `validate:"required"`
}

func unmarshalCRS(rawCrs interface{}) (URICRS, error) {
	var crs URICRS
	switch v := rawCrs.(type) {
	case string:
		crs.URI = v
	case map[string]interface{}:
		uri, ok := v["uri"].(string)
		if !ok {
			return crs, fmt.Errorf(`only uri crs definitions are supported, got %v`, v)
		}
		crs.URI = uri
	default:
		return crs, fmt.Errorf(`wrong type key "crs": %T`, rawCrs)
	}

	uriParts := crsURIRegexURL.FindStringSubmatch(crs.URI)
	if uriParts == nil {
		uriParts = crsURIRegexURN.FindStringSubmatch(crs.URI)
	}
	if uriParts == nil {
		return crs, fmt.Errorf(`could not parse crs uri "%v"`, crs.URI)
	}
	crs.AuthorityName = uriParts[1]
	crs.AuthorityCode = uriParts[2]

	validate := validator.New(validator.WithRequiredStructEnabled())
	return crs, validate.Struct(crs)
}

// A 2D Point in the CRS indicated elsewhere
type TwoDPoint [2]float64

func (p TwoDPoint) XY() [2]float64 {
	return p
}

// A tile matrix, usually corresponding to a particular zoom level of a TileMatrixSet.
type TileMatrix struct {
	// Identifier selecting one of the scales defined in the TileMatrixSet
	ID string `validate:"required" json:"id"`
	// Scale denominator of this tile matrix
	ScaleDenominator float64 `validate:"required,gt=0" json:"scaleDenominator"`
	// Cell size of this tile matrix
	CellSize float64 `validate:"required,gt=0" json:"cellSize"`
	// The corner of the tile matrix (_topLeft_ or _bottomLeft_) used as the origin for numbering tile rows and columns.
	CornerOfOrigin CornerOfOrigin `default:"topLeft" validate:"omitempty,oneof=topLeft bottomLeft" json:"cornerOfOrigin,omitempty"`
	// Position in CRS coordinates of the corner of origin for this tile matrix
	PointOfOrigin TwoDPoint `validate:"required" json:"pointOfOrigin"`
	// Width of each tile of this tile matrix in pixels
	TileWidth uint `validate:"required,min=1" json:"tileWidth"`
	// Height of each tile of this tile matrix in pixels
	TileHeight uint `validate:"required,min=1" json:"tileHeight"`
	// Width of the matrix (number of tiles in width)
	MatrixWidth uint `validate:"required,min=1" json:"matrixWidth"`
	// Height of the matrix (number of tiles in height)
	MatrixHeight uint `validate:"required,min=1" json:"matrixHeight"`
}

func (tm *TileMatrix) UnmarshalJSONFromMap(data interface{}) error {
	err := defaults.Set(tm)
	if err != nil {
		return err
	}

	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}

	_, err = marshmallow.UnmarshalFromJSONMap(dataMap, tm, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(tm)
}

func (tm *TileMatrix) spanX() float64 {
	return float64(tm.TileWidth) * tm.CellSize
}

func (tm *TileMatrix) spanY() float64 {
	return float64(tm.TileHeight) * tm.CellSize
}

type CornerOfOrigin string

const (
	TopLeft    CornerOfOrigin = "topLeft"
	BottomLeft CornerOfOrigin = "bottomLeft"
)

func (tms *TileMatrixSet) SRID() uint {
	code, err := strconv.ParseUint(tms.CRS.AuthorityCode, 10, 64)
	if err != nil {
		panic(fmt.Errorf(`could not parse uri authority code "%w"`, err))
	}
	return uint(code)
}

// Resize returns a copy in which every matrix keeps its coverage but is cut
// into tiles of tileSize pixels.
func (tms TileMatrixSet) Resize(tileSize uint) TileMatrixSet {
	resized := tms
	resized.TileMatrices = make(map[uint]TileMatrix, len(tms.TileMatrices))
	for zoom, tm := range tms.TileMatrices {
		factor := float64(tm.TileWidth) / float64(tileSize)
		tm.CellSize *= factor
		tm.ScaleDenominator *= factor
		tm.TileWidth = tileSize
		tm.TileHeight = tileSize
		resized.TileMatrices[zoom] = tm
	}
	return resized
}

func (tms *TileMatrixSet) MaxZoom() uint {
	var maxZoom uint
	for zoom := range tms.TileMatrices {
		maxZoom = max(maxZoom, zoom)
	}
	return maxZoom
}

// TileSize is the tile edge length in pixels of the coarsest matrix
func (tms *TileMatrixSet) TileSize() uint {
	return tms.TileMatrices[0].TileWidth
}

// TileScale returns the pixel size in world units at the zoom level.
// Zoom levels beyond the matrix set are extrapolated by halving.
func (tms *TileMatrixSet) TileScale(zoom uint) float64 {
	if tm, ok := tms.TileMatrices[zoom]; ok {
		return tm.CellSize
	}
	return tms.TileMatrices[0].CellSize / math.Pow(2, float64(zoom))
}

// ClosestZoomLevel returns the coarsest zoom level whose pixels are not
// coarser than pixelScale. Scales finer than the finest matrix return the
// finest zoom.
func (tms *TileMatrixSet) ClosestZoomLevel(pixelScale float64) uint {
	maxZoom := tms.MaxZoom()
	if !(pixelScale > 0) {
		return maxZoom
	}
	for zoom := uint(0); zoom <= maxZoom; zoom++ {
		if tms.TileScale(zoom) <= pixelScale*(1+mathhelp.Tolerance) {
			return zoom
		}
	}
	return maxZoom
}

// TileIndexRange returns the inclusive range of tiles whose coverage
// intersects bbox. Tiles only touching bbox at their edge are not included.
func (tms *TileMatrixSet) TileIndexRange(bbox geom.Extent, zoom uint) (TileRange, error) {
	tm, ok := tms.TileMatrices[zoom]
	if !ok {
		return TileRange{}, fmt.Errorf("zoom %d: %w", zoom, ErrUnknownZoom)
	}
	if bbox[0] > bbox[2] || bbox[1] > bbox[3] || math.IsNaN(bbox[0]+bbox[1]+bbox[2]+bbox[3]) {
		return TileRange{}, fmt.Errorf("%v: %w", bbox, ErrEmptyBBox)
	}
	origin := tm.PointOfOrigin.XY()

	minX, maxX := indexSpan(bbox[0]-origin[0], bbox[2]-origin[0], tm.spanX())
	var minY, maxY float64
	switch tm.CornerOfOrigin {
	case BottomLeft:
		minY, maxY = indexSpan(bbox[1]-origin[1], bbox[3]-origin[1], tm.spanY())
	default:
		minY, maxY = indexSpan(origin[1]-bbox[3], origin[1]-bbox[1], tm.spanY())
	}

	if maxX < 0 || maxY < 0 || minX >= float64(tm.MatrixWidth) || minY >= float64(tm.MatrixHeight) {
		return TileRange{}, fmt.Errorf("bbox %v at zoom %d: %w", bbox, zoom, ErrOutsideMatrix)
	}
	return TileRange{
		Zoom: zoom,
		MinX: uint(mathhelp.Clamp(minX, 0, float64(tm.MatrixWidth-1))),
		MinY: uint(mathhelp.Clamp(minY, 0, float64(tm.MatrixHeight-1))),
		MaxX: uint(mathhelp.Clamp(maxX, 0, float64(tm.MatrixWidth-1))),
		MaxY: uint(mathhelp.Clamp(maxY, 0, float64(tm.MatrixHeight-1))),
	}, nil
}

// indexSpan turns the distances from the origin into an inclusive tile index
// interval. The upper edge is exclusive.
func indexSpan(lo, hi, span float64) (float64, float64) {
	first := mathhelp.SnapFloor(lo / span)
	last := mathhelp.SnapCeil(hi/span) - 1
	return first, max(first, last)
}

// TileBounds returns the world coordinates covered by a tile.
func (tms *TileMatrixSet) TileBounds(tile *slippy.Tile) (geom.Extent, error) {
	tm, ok := tms.TileMatrices[tile.Z]
	if !ok {
		return geom.Extent{}, fmt.Errorf("zoom %d: %w", tile.Z, ErrUnknownZoom)
	}
	if tile.X >= tm.MatrixWidth || tile.Y >= tm.MatrixHeight {
		return geom.Extent{}, fmt.Errorf("tile %d/%d/%d: %w", tile.Z, tile.X, tile.Y, ErrOutsideMatrix)
	}
	return tm.bounds(tile.X, tile.Y, tile.X, tile.Y), nil
}

// RangeBounds returns the world coordinates covered by all tiles in r.
func (tms *TileMatrixSet) RangeBounds(r TileRange) (geom.Extent, error) {
	tm, ok := tms.TileMatrices[r.Zoom]
	if !ok {
		return geom.Extent{}, fmt.Errorf("zoom %d: %w", r.Zoom, ErrUnknownZoom)
	}
	return tm.bounds(r.MinX, r.MinY, r.MaxX, r.MaxY), nil
}

func (tm *TileMatrix) bounds(minX, minY, maxX, maxY uint) geom.Extent {
	origin := tm.PointOfOrigin.XY()
	spanX, spanY := tm.spanX(), tm.spanY()
	e := geom.Extent{
		origin[0] + float64(minX)*spanX,
		0,
		origin[0] + float64(maxX+1)*spanX,
		0,
	}
	switch tm.CornerOfOrigin {
	case BottomLeft:
		e[1] = origin[1] + float64(minY)*spanY
		e[3] = origin[1] + float64(maxY+1)*spanY
	default:
		e[1] = origin[1] - float64(maxY+1)*spanY
		e[3] = origin[1] - float64(minY)*spanY
	}
	return e
}

func (tms *TileMatrixSet) Size(zoom uint) (*slippy.Tile, bool) {
	tm, ok := tms.TileMatrices[zoom]
	if !ok {
		return nil, false
	}
	return slippy.NewTile(zoom, tm.MatrixWidth, tm.MatrixHeight), true
}

// FromNative returns the tile containing pt.
func (tms *TileMatrixSet) FromNative(zoom uint, pt geom.Point) (*slippy.Tile, bool) {
	r, err := tms.TileIndexRange(geom.Extent{pt.X(), pt.Y(), pt.X(), pt.Y()}, zoom)
	if err != nil {
		return nil, false
	}
	return slippy.NewTile(zoom, r.MinX, r.MinY), true
}

// ToNative returns the top left corner of a tile.
func (tms *TileMatrixSet) ToNative(tile *slippy.Tile) (geom.Point, bool) {
	tm, ok := tms.TileMatrices[tile.Z]
	if !ok {
		return geom.Point{}, false
	}
	if tile.X > tm.MatrixWidth || tile.Y > tm.MatrixHeight {
		// >, not >= because "should be able to take tiles with x and y values 1 higher than the max"
		return geom.Point{}, false
	}
	origin := tm.PointOfOrigin.XY()
	x := origin[0] + float64(tile.X)*tm.spanX()
	switch tm.CornerOfOrigin {
	case BottomLeft:
		return geom.Point{x, origin[1] + float64(tile.Y+1)*tm.spanY()}, true
	default:
		return geom.Point{x, origin[1] - float64(tile.Y)*tm.spanY()}, true
	}
}
