package geomhelp

import (
	"strings"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var square = geom.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}}}

var withHole = geom.Polygon{
	{{0, 0}, {10, 0}, {10, 10}, {0, 10}},
	{{4, 4}, {6, 4}, {6, 6}, {4, 6}},
}

func TestShoelace(t *testing.T) {
	assert.Equal(t, 100.0, Shoelace(square[0]))
	assert.Equal(t, 0.0, Shoelace(nil))
}

func TestPolygonContains(t *testing.T) {
	tests := []struct {
		name string
		p    geom.Polygon
		pt   [2]float64
		want bool
	}{
		{name: "inside", p: square, pt: [2]float64{5, 5}, want: true},
		{name: "outside", p: square, pt: [2]float64{11, 5}, want: false},
		{name: "on edge", p: square, pt: [2]float64{10, 5}, want: true},
		{name: "on vertex", p: square, pt: [2]float64{0, 0}, want: true},
		{name: "in hole", p: withHole, pt: [2]float64{5, 5}, want: false},
		{name: "on hole edge", p: withHole, pt: [2]float64{4, 5}, want: true},
		{name: "between hole and shell", p: withHole, pt: [2]float64{2, 5}, want: true},
		{name: "closed ring", p: geom.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 0}}}, pt: [2]float64{8, 2}, want: true},
		{name: "triangle outside", p: geom.Polygon{{{0, 0}, {10, 0}, {10, 10}}}, pt: [2]float64{2, 8}, want: false},
		{name: "empty", p: geom.Polygon{}, pt: [2]float64{0, 0}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PolygonContains(tt.p, tt.pt))
		})
	}
}

func TestMask(t *testing.T) {
	m, err := NewMask(geom.MultiPolygon{square, {{{20, 20}, {30, 20}, {30, 30}, {20, 30}}}})
	require.NoError(t, err)
	assert.Equal(t, geom.Extent{0, 0, 30, 30}, m.Extent())
	assert.Equal(t, 200.0, m.Area())
	assert.True(t, m.Contains(5, 5))
	assert.True(t, m.Contains(25, 25))
	assert.False(t, m.Contains(15, 15))

	_, err = NewMask(geom.Point{1, 2})
	require.ErrorIs(t, err, ErrNotPolygonal)
	_, err = NewMask(geom.MultiPolygon{})
	require.ErrorIs(t, err, ErrNotPolygonal)

	m, err = NewMask(geom.Collection{square, withHole})
	require.NoError(t, err)
	assert.True(t, m.Contains(5, 5), "covered by the first polygon")
}

func TestReadGeoJSON(t *testing.T) {
	polygon := `{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}`
	tests := []struct {
		name    string
		in      string
		inside  [2]float64
		wantErr bool
	}{
		{name: "geometry", in: polygon, inside: [2]float64{5, 5}},
		{name: "feature", in: `{"type":"Feature","properties":{},"geometry":` + polygon + `}`, inside: [2]float64{1, 1}},
		{name: "collection", in: `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":` + polygon + `}]}`, inside: [2]float64{9, 9}},
		{name: "multipolygon", in: `{"type":"MultiPolygon","coordinates":[[[[0,0],[10,0],[10,10],[0,10],[0,0]]]]}`, inside: [2]float64{2, 3}},
		{name: "not json", in: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ReadGeoJSON(strings.NewReader(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			m, err := NewMask(g)
			require.NoError(t, err)
			assert.True(t, m.Contains(tt.inside[0], tt.inside[1]))
			assert.False(t, m.Contains(-1, -1))
		})
	}
}

func TestWktMustEncode(t *testing.T) {
	full := WktMustEncode(square, 0)
	assert.True(t, strings.HasPrefix(full, "POLYGON"))
	assert.Contains(t, full, "10 10")
	s := WktMustEncode(square, 12)
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.LessOrEqual(t, len(s), 12)
}
