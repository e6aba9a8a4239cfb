package raster

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 {
	return &f
}

func TestPixelType(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    PixelType
		integer bool
		size    int
		nodata  float64
		wantErr bool
	}{
		{name: "uint8", in: "uint8", want: UInt8, integer: true, size: 1, nodata: 255},
		{name: "int16", in: "Int16", want: Int16, integer: true, size: 2, nodata: math.MinInt16},
		{name: "uint32", in: "UInt32", want: UInt32, integer: true, size: 4, nodata: math.MaxUint32},
		{name: "float32", in: "FLOAT32", want: Float32, size: 4, nodata: -9999},
		{name: "float64", in: "Float64", want: Float64, size: 8, nodata: -9999},
		{name: "unknown", in: "Complex64", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePixelType(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.integer, got.Integer())
			assert.Equal(t, tt.size, got.Size())
			assert.Equal(t, tt.nodata, got.DefaultNoData())
		})
	}
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, 255.0, UInt8.Coerce(300))
	assert.Equal(t, 0.0, UInt8.Coerce(-4))
	assert.Equal(t, 3.0, Int16.Coerce(2.6))
	assert.Equal(t, 2.6, Float64.Coerce(2.6))
	assert.True(t, math.IsNaN(Int32.Coerce(math.NaN())))
}

func TestParseDataType(t *testing.T) {
	for in, want := range map[string]DataType{
		"":            Continuous,
		"co":          Continuous,
		"categorical": Categorical,
		"MA":          Mask,
		"ro":          RankOrdered,
	} {
		got, err := ParseDataType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDataType("xx")
	require.Error(t, err)
	assert.False(t, Continuous.Discrete())
	assert.True(t, Categorical.Discrete())
}

func TestBand(t *testing.T) {
	b := Band{Data: []float64{1, 5, math.NaN(), -1, 3}, NoData: ptr(-1)}
	assert.Equal(t, 3, b.ValidCount())
	lo, hi, ok := b.MinMax()
	require.True(t, ok)
	assert.Equal(t, 1.0, lo)
	assert.Equal(t, 5.0, hi)

	_, _, ok = Band{Data: []float64{-1}, NoData: ptr(-1)}.MinMax()
	assert.False(t, ok)
}

func TestDatasetGeoTransform(t *testing.T) {
	d := &Dataset{OriginX: 100, OriginY: 200, ScaleX: 10, ScaleY: -10, Width: 4, Height: 3,
		PixelType: UInt8, Bands: []Band{{Data: make([]float64, 12)}}}
	require.NoError(t, d.Validate())

	x, y := d.ToWorld(1, 2)
	assert.Equal(t, 110.0, x)
	assert.Equal(t, 180.0, y)

	col, row := d.ToPixel(x, y)
	assert.InDelta(t, 1.0, col, 1e-12)
	assert.InDelta(t, 2.0, row, 1e-12)

	assert.Equal(t, geom.Extent{100, 170, 140, 200}, d.Extent())

	d.Bands[0].Data = d.Bands[0].Data[:5]
	require.Error(t, d.Validate())
}

func TestStatus(t *testing.T) {
	assert.True(t, Status{State: Done}.Ready())
	assert.False(t, Status{State: Tiling}.Ready())
	assert.True(t, Failed.Terminal())
	assert.False(t, Cleanup.Terminal())
}

func TestReadASCIIGrid(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		pixelType PixelType
		originX   float64
		originY   float64
		nodata    *float64
		wantErr   bool
	}{
		{
			name: "corner integer",
			in: `ncols 3
nrows 2
xllcorner 0
yllcorner 0
cellsize 10
NODATA_value -1
1 2 3
4 -1 6`,
			pixelType: Int32, originX: 0, originY: 20, nodata: ptr(-1),
		},
		{
			name: "center float",
			in: `NCOLS 3
NROWS 2
XLLCENTER 5
YLLCENTER 5
CELLSIZE 10
1.5 2 3
4 5 6`,
			pixelType: Float64, originX: 0, originY: 20,
		},
		{
			name:    "too few pixels",
			in:      "ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\n1 2 3",
			wantErr: true,
		},
		{
			name:    "missing cellsize",
			in:      "ncols 1\nnrows 1\nxllcorner 0\nyllcorner 0\n1",
			wantErr: true,
		},
		{
			name:    "unknown header",
			in:      "ncols 1\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\nfoo 2\n1",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ReadASCIIGrid(strings.NewReader(tt.in), WebMercatorSRID)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pixelType, d.PixelType)
			assert.Equal(t, tt.originX, d.OriginX)
			assert.Equal(t, tt.originY, d.OriginY)
			assert.Equal(t, 10.0, d.ScaleX)
			assert.Equal(t, -10.0, d.ScaleY)
			assert.Equal(t, 3, d.Width)
			assert.Equal(t, 2, d.Height)
			assert.Equal(t, tt.nodata, d.Bands[0].NoData)
		})
	}
}

func TestReadASCIIGridFileMissing(t *testing.T) {
	_, err := ReadASCIIGridFile(t.TempDir()+"/nope.asc", WebMercatorSRID)
	var srcErr *SourceReadError
	require.ErrorAs(t, err, &srcErr)
}

func TestWriteASCIIGrid(t *testing.T) {
	d := &Dataset{
		OriginX: 100, OriginY: 50, ScaleX: 10, ScaleY: -10,
		SRID: WebMercatorSRID, Width: 3, Height: 2, PixelType: Int32,
		Bands: []Band{{Data: []float64{1, 2, 3, -9999, 5, 6}, NoData: ptr(-9999)}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteASCIIGrid(&buf, d))
	assert.Equal(t, "ncols 3\nnrows 2\nxllcorner 100\nyllcorner 30\ncellsize 10\nNODATA_value -9999\n1 2 3\n-9999 5 6\n", buf.String())

	got, err := ReadASCIIGrid(&buf, WebMercatorSRID)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	d.ScaleY = -5
	buf.Reset()
	require.NoError(t, WriteASCIIGrid(&buf, d))
	assert.Contains(t, buf.String(), "dx 10\ndy 5\n")

	d.SkewX = 1
	require.Error(t, WriteASCIIGrid(&buf, d))
}

func TestTransformTo3857(t *testing.T) {
	id, err := TransformTo3857(WebMercatorSRID)
	require.NoError(t, err)
	x, y := id.Forward(12, 34)
	assert.Equal(t, 12.0, x)
	assert.Equal(t, 34.0, y)

	ll, err := TransformTo3857(WGS84SRID)
	require.NoError(t, err)
	x, y = ll.Forward(180, 0)
	assert.InDelta(t, originShift, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)
	_, y = ll.Forward(0, 90)
	assert.InDelta(t, originShift, y, 1e-3)

	lon, lat := ll.Inverse(ll.Forward(5.1, 52.3))
	assert.InDelta(t, 5.1, lon, 1e-9)
	assert.InDelta(t, 52.3, lat, 1e-9)

	_, err = TransformTo3857(28992)
	var reErr *ReprojectionError
	require.ErrorAs(t, err, &reErr)
	require.ErrorIs(t, err, ErrUnsupportedSRID)
}

func TestTransformedExtent(t *testing.T) {
	d := &Dataset{OriginX: -10, OriginY: 10, ScaleX: 1, ScaleY: -1, Width: 20, Height: 20,
		SRID: WGS84SRID, PixelType: UInt8, Bands: []Band{{Data: make([]float64, 400)}}}
	tr, err := TransformTo3857(WGS84SRID)
	require.NoError(t, err)
	ext, err := TransformedExtent(d, tr)
	require.NoError(t, err)
	minX, minY := tr.Forward(-10, -10)
	maxX, maxY := tr.Forward(10, 10)
	assert.InDelta(t, minX, ext[0], 1e-6)
	assert.InDelta(t, minY, ext[1], 1e-6)
	assert.InDelta(t, maxX, ext[2], 1e-6)
	assert.InDelta(t, maxY, ext[3], 1e-6)
}

func TestWarperWindow(t *testing.T) {
	// 4x4 source, 10 units per pixel, covering 0..40
	data := make([]float64, 16)
	for i := range data {
		data[i] = float64(i)
	}
	data[5] = 255
	d := &Dataset{OriginX: 0, OriginY: 40, ScaleX: 10, ScaleY: -10, Width: 4, Height: 4,
		SRID: WebMercatorSRID, PixelType: UInt8, Bands: []Band{{Data: data, NoData: ptr(255)}}}
	tr, err := TransformTo3857(WebMercatorSRID)
	require.NoError(t, err)

	t.Run("nearest", func(t *testing.T) {
		w := NewWarper(d, tr, Nearest)
		bands := w.Window(geom.Extent{0, 0, 40, 40}, 4)
		require.Len(t, bands, 1)
		assert.Equal(t, data, bands[0].Data)
		assert.Equal(t, 15, bands[0].ValidCount())
	})

	t.Run("outside is nodata", func(t *testing.T) {
		w := NewWarper(d, tr, Nearest)
		bands := w.Window(geom.Extent{40, 0, 80, 40}, 2)
		assert.Equal(t, []float64{255, 255, 255, 255}, bands[0].Data)
		assert.Zero(t, bands[0].ValidCount())
	})

	t.Run("default nodata", func(t *testing.T) {
		noNoData := *d
		noNoData.Bands = []Band{{Data: data}}
		w := NewWarper(&noNoData, tr, Nearest)
		assert.Equal(t, 255.0, w.NoData(0))
		bands := w.Window(geom.Extent{-40, 0, 0, 40}, 1)
		assert.Equal(t, []float64{255}, bands[0].Data)
	})

	t.Run("bilinear falls back to nearest next to nodata", func(t *testing.T) {
		w := NewWarper(d, tr, Bilinear)
		// (20,30) lies between pixels (1,0),(2,0),(1,1),(2,1) and (1,1) is nodata
		bands := w.Window(geom.Extent{15, 25, 25, 35}, 1)
		assert.Equal(t, []float64{6}, bands[0].Data)
	})

	t.Run("bilinear interpolates", func(t *testing.T) {
		w := NewWarper(d, tr, Bilinear)
		// sample at (30,10): between pixels (2,2)=10,(3,2)=11,(2,3)=14,(3,3)=15
		bands := w.Window(geom.Extent{25, 5, 35, 15}, 1)
		assert.Equal(t, []float64{13}, bands[0].Data)
	})
}

func TestParseResampling(t *testing.T) {
	r, err := ParseResampling("Bilinear")
	require.NoError(t, err)
	assert.Equal(t, Bilinear, r)
	_, err = ParseResampling("cubic")
	require.Error(t, err)
	assert.Equal(t, Nearest, DefaultResampling(Categorical))
	assert.Equal(t, Bilinear, DefaultResampling(Continuous))
}
