package raster

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-spatial/geom"

	"github.com/pdok/rasterpyramid/mathhelp"
)

type Resampling string

const (
	Nearest  Resampling = "nearest"
	Bilinear Resampling = "bilinear"
)

func ParseResampling(s string) (Resampling, error) {
	switch Resampling(strings.ToLower(s)) {
	case Nearest:
		return Nearest, nil
	case Bilinear:
		return Bilinear, nil
	}
	return "", fmt.Errorf("unknown resampling method %q", s)
}

// DefaultResampling picks nearest for class data and bilinear for measurements
func DefaultResampling(d DataType) Resampling {
	if d.Discrete() {
		return Nearest
	}
	return Bilinear
}

// Warper samples a source dataset onto web mercator pixel grids. It only
// reads the source and may be shared by concurrent workers.
type Warper struct {
	src    *Dataset
	t      Transform
	method Resampling
	nodata []float64
}

func NewWarper(src *Dataset, t Transform, method Resampling) *Warper {
	nodata := make([]float64, len(src.Bands))
	for i, b := range src.Bands {
		if b.NoData != nil {
			nodata[i] = *b.NoData
		} else {
			nodata[i] = src.PixelType.DefaultNoData()
		}
	}
	return &Warper{src: src, t: t, method: method, nodata: nodata}
}

// NoData is the value written for pixels without source data
func (w *Warper) NoData(band int) float64 {
	return w.nodata[band]
}

// Window returns size by size pixels per band covering bounds, sampled at the
// pixel centres.
func (w *Warper) Window(bounds geom.Extent, size uint) []Band {
	n := int(size)
	scaleX := (bounds[2] - bounds[0]) / float64(size)
	scaleY := (bounds[3] - bounds[1]) / float64(size)

	bands := make([]Band, len(w.src.Bands))
	for b := range bands {
		nodata := w.nodata[b]
		bands[b] = Band{Data: make([]float64, n*n), NoData: &nodata}
	}

	for row := 0; row < n; row++ {
		my := bounds[3] - (float64(row)+0.5)*scaleY
		for col := 0; col < n; col++ {
			mx := bounds[0] + (float64(col)+0.5)*scaleX
			x, y := w.t.Inverse(mx, my)
			fc, fr := w.src.ToPixel(x, y)
			for b := range bands {
				bands[b].Data[row*n+col] = w.sample(b, fc, fr)
			}
		}
	}
	return bands
}

func (w *Warper) sample(band int, fc, fr float64) float64 {
	src := w.src
	if math.IsNaN(fc) || math.IsNaN(fr) || fc < 0 || fr < 0 || fc >= float64(src.Width) || fr >= float64(src.Height) {
		return w.nodata[band]
	}
	if w.method == Bilinear {
		if v, ok := w.bilinear(band, fc, fr); ok {
			return src.PixelType.Coerce(v)
		}
	}
	return w.nearest(band, int(fc), int(fr))
}

func (w *Warper) nearest(band, col, row int) float64 {
	b := w.src.Bands[band]
	i := row*w.src.Width + col
	if !b.Valid(i) {
		return w.nodata[band]
	}
	return b.Data[i]
}

// bilinear interpolates between the four nearest pixel centres. It gives up
// when one of them has no data.
func (w *Warper) bilinear(band int, fc, fr float64) (float64, bool) {
	src := w.src
	b := src.Bands[band]
	fx, fy := fc-0.5, fr-0.5
	x0, y0 := int(math.Floor(fx)), int(math.Floor(fy))
	dx, dy := fx-float64(x0), fy-float64(y0)

	var v [4]float64
	for i, px := range [4][2]int{{x0, y0}, {x0 + 1, y0}, {x0, y0 + 1}, {x0 + 1, y0 + 1}} {
		c := mathhelp.Clamp(px[0], 0, src.Width-1)
		r := mathhelp.Clamp(px[1], 0, src.Height-1)
		idx := r*src.Width + c
		if !b.Valid(idx) {
			return 0, false
		}
		v[i] = b.Data[idx]
	}
	top := v[0]*(1-dx) + v[1]*dx
	bottom := v[2]*(1-dx) + v[3]*dx
	return top*(1-dy) + bottom*dy, true
}
