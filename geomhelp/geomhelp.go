package geomhelp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/muesli/reflow/truncate"
)

var ErrNotPolygonal = errors.New("geometry is not a polygon or multipolygon")

// https://en.wikipedia.org/wiki/Shoelace_formula
func Shoelace(pts [][2]float64) float64 {
	sum := 0.
	if len(pts) == 0 {
		return 0.
	}

	p0 := pts[len(pts)-1]
	for _, p1 := range pts {
		sum += p0[1]*p1[0] - p0[0]*p1[1]
		p0 = p1
	}
	return math.Abs(sum / 2)
}

// from paulmach/orb
// Original implementation: http://rosettacode.org/wiki/Ray-casting_algorithm#Go
//
//nolint:cyclop,nestif
func RayIntersect(pt, start, end [2]float64) (intersects, on bool) {
	if start[0] > end[0] {
		start, end = end, start
	}

	if pt[0] == start[0] {
		if pt[1] == start[1] {
			// pt == start
			return false, true
		} else if start[0] == end[0] {
			// vertical segment (start -> end)
			// return true if within the line, check to see if start or end is greater.
			if start[1] > end[1] && start[1] >= pt[1] && pt[1] >= end[1] {
				return false, true
			}

			if end[1] > start[1] && end[1] >= pt[1] && pt[1] >= start[1] {
				return false, true
			}
		}

		// Move the y coordinate to deal with degenerate case
		pt[0] = math.Nextafter(pt[0], math.Inf(1))
	} else if pt[0] == end[0] {
		if pt[1] == end[1] {
			// matching the end point
			return false, true
		}

		pt[0] = math.Nextafter(pt[0], math.Inf(1))
	}

	if pt[0] < start[0] || pt[0] > end[0] {
		return false, false
	}

	if start[1] > end[1] {
		if pt[1] > start[1] {
			return false, false
		} else if pt[1] < end[1] {
			return true, false
		}
	} else {
		if pt[1] > end[1] {
			return false, false
		} else if pt[1] < start[1] {
			return true, false
		}
	}

	rs := (pt[1] - start[1]) / (pt[0] - start[0])
	ds := (end[1] - start[1]) / (end[0] - start[0])

	if rs == ds {
		return false, true
	}

	return rs <= ds, false
}

// RingContains reports whether pt lies inside or on the ring. The ring may be
// open or closed.
func RingContains(ring [][2]float64, pt [2]float64) bool {
	if len(ring) < 3 {
		return false
	}
	c, on := RayIntersect(pt, ring[0], ring[len(ring)-1])
	if on {
		return true
	}
	for i := 0; i < len(ring)-1; i++ {
		inter, on := RayIntersect(pt, ring[i], ring[i+1])
		if on {
			return true
		}
		if inter {
			c = !c
		}
	}
	return c
}

// PolygonContains reports whether pt lies in the outer ring and not strictly
// inside one of the holes.
func PolygonContains(p geom.Polygon, pt [2]float64) bool {
	if len(p) == 0 || !RingContains(p[0], pt) {
		return false
	}
	for _, hole := range p[1:] {
		if RingContains(hole, pt) && !onRing(hole, pt) {
			return false
		}
	}
	return true
}

func onRing(ring [][2]float64, pt [2]float64) bool {
	for i := range ring {
		if _, on := RayIntersect(pt, ring[i], ring[(i+1)%len(ring)]); on {
			return true
		}
	}
	return false
}

// Polygons returns the polygons of a polygon, multipolygon or a collection of
// those.
func Polygons(g geom.Geometry) ([]geom.Polygon, error) {
	switch g := g.(type) {
	case geom.Polygon:
		return []geom.Polygon{g}, nil
	case *geom.Polygon:
		return []geom.Polygon{*g}, nil
	case geom.MultiPolygon:
		polys := make([]geom.Polygon, len(g))
		for i := range g {
			polys[i] = g[i]
		}
		return polys, nil
	case *geom.MultiPolygon:
		return Polygons(*g)
	case geom.Collection:
		var polys []geom.Polygon
		for _, member := range g {
			p, err := Polygons(member)
			if err != nil {
				return nil, err
			}
			polys = append(polys, p...)
		}
		return polys, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrNotPolygonal, g)
}

// Mask answers point in area questions for a set of polygons.
type Mask struct {
	polygons []geom.Polygon
	extents  []*geom.Extent
	extent   *geom.Extent
}

func NewMask(g geom.Geometry) (*Mask, error) {
	polys, err := Polygons(g)
	if err != nil {
		return nil, err
	}
	m := &Mask{}
	for _, p := range polys {
		if len(p) == 0 || len(p[0]) < 3 {
			continue
		}
		ext := geom.NewExtent(p[0]...)
		m.polygons = append(m.polygons, p)
		m.extents = append(m.extents, ext)
		if m.extent == nil {
			e := *ext
			m.extent = &e
		} else {
			m.extent.Add(ext)
		}
	}
	if m.extent == nil {
		return nil, fmt.Errorf("%w: empty", ErrNotPolygonal)
	}
	return m, nil
}

// Extent of all polygons
func (m *Mask) Extent() geom.Extent {
	return *m.extent
}

// Area of the polygons in square units, holes excluded. Overlap between
// polygons is counted twice.
func (m *Mask) Area() float64 {
	a := 0.
	for _, p := range m.polygons {
		a += Shoelace(p[0])
		for _, hole := range p[1:] {
			a -= Shoelace(hole)
		}
	}
	return a
}

func (m *Mask) Contains(x, y float64) bool {
	pt := [2]float64{x, y}
	for i, p := range m.polygons {
		if m.extents[i].ContainsPoint(pt) && PolygonContains(p, pt) {
			return true
		}
	}
	return false
}

// ReadGeoJSON reads a GeoJSON geometry, feature or feature collection. The
// geometries of a collection are returned as a geom.Collection.
func ReadGeoJSON(r io.Reader) (geom.Geometry, error) {
	var doc struct {
		Type     string          `json:"type"`
		Geometry json.RawMessage `json:"geometry"`
		Features []struct {
			Geometry json.RawMessage `json:"geometry"`
		} `json:"features"`
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}
	decode := func(raw json.RawMessage) (geom.Geometry, error) {
		var g geojson.Geometry
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("parse geojson geometry: %w", err)
		}
		return g.Geometry, nil
	}
	switch doc.Type {
	case "Feature":
		return decode(doc.Geometry)
	case "FeatureCollection":
		var c geom.Collection
		for _, f := range doc.Features {
			g, err := decode(f.Geometry)
			if err != nil {
				return nil, err
			}
			c = append(c, g)
		}
		return c, nil
	}
	return decode(data)
}

func WktMustEncode(g geom.Geometry, maxLen uint) (s string) {
	p, isPoly := g.(geom.Polygon)
	if !isPoly {
		return wktMustEncodeTruncated(g, maxLen)
	}

	var lines []geom.LineString
	var points []geom.Point
	pp := make(geom.Polygon, len(p))
	copy(pp, p)
	for r := 0; r < len(pp); r++ {
		switch len(pp[r]) {
		default:
			continue
		case 1:
			points = append(points, pp[r][0])
		case 2:
			lines = append(lines, pp[r])
		}
		pp = append(pp[:r], pp[r+1:]...)
		r--
	}

	if len(pp) > 0 {
		s = wktMustEncodeTruncated(pp, maxLen)
	}
	for i := range lines {
		s += wktMustEncodeTruncated(lines[i], maxLen)
	}
	for i := range points {
		s += wktMustEncodeTruncated(points[i], maxLen)
	}
	return s
}

func wktMustEncodeTruncated(geom geom.Geometry, width uint) string {
	if width == 0 {
		return wkt.MustEncode(geom)
	}
	return truncate.StringWithTail(wkt.MustEncode(geom), width, "...")
}
