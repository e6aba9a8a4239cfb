package raster

import (
	"errors"
	"math"

	"github.com/go-spatial/geom"
)

const (
	WebMercatorSRID = 3857
	WGS84SRID       = 4326

	originShift = math.Pi * 6378137
	// latitude at which spherical mercator reaches the square world bounds
	maxMercatorLat = 85.0511287798066
)

var ErrUnsupportedSRID = errors.New("unsupported spatial reference")

// Transform converts between a source spatial reference and web mercator.
type Transform interface {
	SRID() int
	Forward(x, y float64) (mx, my float64)
	Inverse(mx, my float64) (x, y float64)
}

// TransformTo3857 returns the transform from srid to web mercator.
func TransformTo3857(srid int) (Transform, error) {
	switch srid {
	case WebMercatorSRID:
		return identity{}, nil
	case WGS84SRID:
		return lonLat{}, nil
	}
	return nil, &ReprojectionError{SRID: srid, Err: ErrUnsupportedSRID}
}

type identity struct{}

func (identity) SRID() int { return WebMercatorSRID }

func (identity) Forward(x, y float64) (float64, float64) { return x, y }

func (identity) Inverse(x, y float64) (float64, float64) { return x, y }

type lonLat struct{}

func (lonLat) SRID() int { return WGS84SRID }

func (lonLat) Forward(lon, lat float64) (float64, float64) {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	x := lon * originShift / 180.0
	y := math.Log(math.Tan((90.0+lat)*math.Pi/360.0)) / (math.Pi / 180.0)
	return x, y * originShift / 180.0
}

func (lonLat) Inverse(x, y float64) (float64, float64) {
	lon := (x / originShift) * 180.0
	lat := (y / originShift) * 180.0
	lat = 180.0 / math.Pi * (2.0*math.Atan(math.Exp(lat*math.Pi/180.0)) - math.Pi/2.0)
	return lon, lat
}

// edgeSamples is the number of points per raster edge used to find the
// transformed extent
const edgeSamples = 16

// TransformedExtent returns the web mercator extent of the dataset.
func TransformedExtent(d *Dataset, t Transform) (geom.Extent, error) {
	w, h := float64(d.Width), float64(d.Height)
	pts := make([][2]float64, 0, 4*edgeSamples)
	for i := 0; i < edgeSamples; i++ {
		f := float64(i) / edgeSamples
		for _, px := range [4][2]float64{{f * w, 0}, {w, f * h}, {w - f*w, h}, {0, h - f*h}} {
			x, y := d.ToWorld(px[0], px[1])
			mx, my := t.Forward(x, y)
			if math.IsNaN(mx) || math.IsNaN(my) || math.IsInf(mx, 0) || math.IsInf(my, 0) {
				return geom.Extent{}, &ReprojectionError{SRID: d.SRID, Err: errors.New("corner does not transform to a finite coordinate")}
			}
			pts = append(pts, [2]float64{mx, my})
		}
	}
	return extentOf(pts), nil
}
