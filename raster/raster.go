// Package raster holds the in-memory raster dataset, tiles and the metadata
// kept per layer and band.
package raster

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"

	"github.com/pdok/rasterpyramid/histogram"
)

// PixelType uses the GDAL numeric codes.
type PixelType uint8

const (
	UInt8   PixelType = 1
	UInt16  PixelType = 2
	Int16   PixelType = 3
	UInt32  PixelType = 4
	Int32   PixelType = 5
	Float32 PixelType = 6
	Float64 PixelType = 7
)

// AlgebraPixelType is the pixel type of formula results
const AlgebraPixelType = Float64

var pixelTypeNames = map[PixelType]string{
	UInt8:   "UInt8",
	UInt16:  "UInt16",
	Int16:   "Int16",
	UInt32:  "UInt32",
	Int32:   "Int32",
	Float32: "Float32",
	Float64: "Float64",
}

func ParsePixelType(s string) (PixelType, error) {
	for p, name := range pixelTypeNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel type %q", s)
}

func (p PixelType) String() string {
	if name, ok := pixelTypeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PixelType(%d)", uint8(p))
}

func (p PixelType) Valid() bool {
	_, ok := pixelTypeNames[p]
	return ok
}

func (p PixelType) Integer() bool {
	return p >= UInt8 && p <= Int32
}

// Size in bytes of one pixel
func (p PixelType) Size() int {
	switch p {
	case UInt8:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	default:
		return 8
	}
}

// Range returns the representable values of integer types.
func (p PixelType) Range() (lo, hi float64) {
	switch p {
	case UInt8:
		return 0, math.MaxUint8
	case UInt16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt32:
		return 0, math.MaxUint32
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// DefaultNoData is used for pixels outside the source when the source has no
// no-data value of its own.
func (p PixelType) DefaultNoData() float64 {
	switch p {
	case UInt8, UInt16, UInt32:
		_, hi := p.Range()
		return hi
	case Int16, Int32:
		lo, _ := p.Range()
		return lo
	default:
		return -9999
	}
}

// Coerce rounds and clamps v into the pixel type.
func (p PixelType) Coerce(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	lo, hi := p.Range()
	if p.Integer() {
		v = math.Round(v)
	}
	return math.Max(lo, math.Min(hi, v))
}

// DataType tells how the values of a layer are to be interpreted.
type DataType string

const (
	Continuous  DataType = "co"
	Categorical DataType = "ca"
	Mask        DataType = "ma"
	RankOrdered DataType = "ro"
)

func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "co", "continuous", "":
		return Continuous, nil
	case "ca", "categorical":
		return Categorical, nil
	case "ma", "mask":
		return Mask, nil
	case "ro", "rankordered", "rank_ordered", "rank-ordered":
		return RankOrdered, nil
	}
	return "", fmt.Errorf("unknown datatype %q", s)
}

// Discrete layers hold class values rather than measurements
func (d DataType) Discrete() bool {
	return d == Categorical || d == Mask || d == RankOrdered
}

type Band struct {
	Data   []float64
	NoData *float64
}

func (b Band) Valid(i int) bool {
	v := b.Data[i]
	return !math.IsNaN(v) && (b.NoData == nil || v != *b.NoData)
}

func (b Band) ValidCount() int {
	n := 0
	for i := range b.Data {
		if b.Valid(i) {
			n++
		}
	}
	return n
}

// MinMax of the valid values
func (b Band) MinMax() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i, v := range b.Data {
		if !b.Valid(i) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		ok = true
	}
	return lo, hi, ok
}

// Dataset is a georeferenced multi band grid. Pixels are stored row major.
type Dataset struct {
	OriginX   float64
	OriginY   float64
	ScaleX    float64
	ScaleY    float64
	SkewX     float64
	SkewY     float64
	SRID      int
	Width     int
	Height    int
	PixelType PixelType
	Bands     []Band
}

func (d *Dataset) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", d.Width, d.Height)
	}
	if d.ScaleX*d.ScaleY-d.SkewX*d.SkewY == 0 {
		return errors.New("raster geotransform is not invertible")
	}
	if len(d.Bands) == 0 {
		return errors.New("raster has no bands")
	}
	if !d.PixelType.Valid() {
		return fmt.Errorf("invalid pixel type %v", d.PixelType)
	}
	for i, b := range d.Bands {
		if len(b.Data) != d.Width*d.Height {
			return fmt.Errorf("band %d has %d pixels, expected %d", i, len(b.Data), d.Width*d.Height)
		}
	}
	return nil
}

// SetNoData overrides the no-data value of every band
func (d *Dataset) SetNoData(nodata float64) {
	for i := range d.Bands {
		v := nodata
		d.Bands[i].NoData = &v
	}
}

// ToWorld maps a (fractional) pixel position to source coordinates.
func (d *Dataset) ToWorld(col, row float64) (x, y float64) {
	return d.OriginX + col*d.ScaleX + row*d.SkewX, d.OriginY + col*d.SkewY + row*d.ScaleY
}

// ToPixel maps source coordinates to a fractional pixel position.
func (d *Dataset) ToPixel(x, y float64) (col, row float64) {
	det := d.ScaleX*d.ScaleY - d.SkewX*d.SkewY
	dx, dy := x-d.OriginX, y-d.OriginY
	return (d.ScaleY*dx - d.SkewX*dy) / det, (-d.SkewY*dx + d.ScaleX*dy) / det
}

// Corners in source coordinates, clockwise from the origin
func (d *Dataset) Corners() [4][2]float64 {
	w, h := float64(d.Width), float64(d.Height)
	var corners [4][2]float64
	for i, px := range [4][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}} {
		corners[i][0], corners[i][1] = d.ToWorld(px[0], px[1])
	}
	return corners
}

func (d *Dataset) Extent() geom.Extent {
	corners := d.Corners()
	return extentOf(corners[:])
}

func extentOf(pts [][2]float64) geom.Extent {
	e := geom.Extent{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, p := range pts {
		e[0] = math.Min(e[0], p[0])
		e[1] = math.Min(e[1], p[1])
		e[2] = math.Max(e[2], p[0])
		e[3] = math.Max(e[3], p[1])
	}
	return e
}

// Tile is one square block of a pyramid level. Tiles are not modified after
// creation.
type Tile struct {
	LayerID   int64
	Index     slippy.Tile
	Size      uint
	Bounds    geom.Extent
	PixelType PixelType
	Bands     []Band
}

// ValidCount counts valid pixels over all bands
func (t Tile) ValidCount() int {
	n := 0
	for _, b := range t.Bands {
		n += b.ValidCount()
	}
	return n
}

// Scale is the pixel size in world units
func (t Tile) Scale() float64 {
	return (t.Bounds[2] - t.Bounds[0]) / float64(t.Size)
}

// Center of the pixel at col, row in world coordinates
func (t Tile) Center(col, row int) (x, y float64) {
	s := t.Scale()
	return t.Bounds[0] + (float64(col)+0.5)*s, t.Bounds[3] - (float64(row)+0.5)*s
}

type LayerMetadata struct {
	LayerID   int64
	Name      string
	DataType  DataType
	OriginX   float64
	OriginY   float64
	Width     int
	Height    int
	ScaleX    float64
	ScaleY    float64
	SkewX     float64
	SkewY     float64
	NumBands  int
	SRID      int
	PixelType PixelType
	TileSize  uint
	// MaxZoom is the zoom level matching the native resolution
	MaxZoom uint
	// FinestZoom is the finest zoom holding tiles, below MaxZoom when zoomed down
	FinestZoom uint
	// Extent in web mercator
	Extent geom.Extent
}

type BandMetadata struct {
	LayerID   int64
	Band      int
	NoData    *float64
	Min       float64
	Max       float64
	Histogram *histogram.Histogram
}

// State of a tiling run
type State string

const (
	Unprocessed        State = "unprocessed"
	Fetching           State = "fetching"
	Opening            State = "opening"
	Reprojecting       State = "reprojecting"
	Tiling             State = "tiling"
	DroppingEmptyTiles State = "dropping_empty_tiles"
	Cleanup            State = "cleanup"
	Done               State = "done"
	Failed             State = "failed"
)

func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Status of the most recent tiling run of a layer
type Status struct {
	LayerID int64
	RunID   string
	State   State
	Zoom    *uint
	Log     []string
	Updated time.Time
}

// Ready reports whether the last run finished successfully.
func (s Status) Ready() bool {
	return s.State == Done
}

type SourceReadError struct {
	Path string
	Err  error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("reading source raster %s: %v", e.Path, e.Err)
}

func (e *SourceReadError) Unwrap() error {
	return e.Err
}

type ReprojectionError struct {
	SRID int
	Err  error
}

func (e *ReprojectionError) Error() string {
	return fmt.Sprintf("reprojecting from EPSG:%d: %v", e.SRID, e.Err)
}

func (e *ReprojectionError) Unwrap() error {
	return e.Err
}
