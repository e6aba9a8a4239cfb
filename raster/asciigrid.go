package raster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ReadASCIIGridFile reads an ESRI ASCII grid. The grid format carries no
// spatial reference, so srid is taken from the caller.
func ReadASCIIGridFile(path string, srid int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SourceReadError{Path: path, Err: err}
	}
	defer f.Close()
	d, err := ReadASCIIGrid(f, srid)
	if err != nil {
		return nil, &SourceReadError{Path: path, Err: err}
	}
	return d, nil
}

type asciiHeader struct {
	ncols, nrows     int
	xll, yll         float64
	center           bool
	dx, dy           float64
	nodata           *float64
	seenX, seenY     bool
	seenCellSize     bool
	seenNcol, seenNr bool
}

// ReadASCIIGrid parses an ESRI ASCII grid into a single band dataset.
//
//nolint:cyclop
func ReadASCIIGrid(r io.Reader, srid int) (*Dataset, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	scanner.Split(bufio.ScanWords)

	var h asciiHeader
	var first string
	for scanner.Scan() {
		key := strings.ToLower(scanner.Text())
		if _, err := strconv.ParseFloat(key, 64); err == nil {
			first = key
			break
		}
		if !scanner.Scan() {
			return nil, fmt.Errorf("missing value for header %q", key)
		}
		if err := h.set(key, scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	data := make([]float64, 0, h.ncols*h.nrows)
	integral := true
	parse := func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("pixel %d: %w", len(data), err)
		}
		if v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
			integral = false
		}
		data = append(data, v)
		return nil
	}
	if first != "" {
		if err := parse(first); err != nil {
			return nil, err
		}
	}
	for scanner.Scan() {
		if err := parse(scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) != h.ncols*h.nrows {
		return nil, fmt.Errorf("expected %d pixels, found %d", h.ncols*h.nrows, len(data))
	}

	pixelType := Float64
	if integral {
		pixelType = Int32
	}
	originX, originY := h.xll, h.yll+float64(h.nrows)*h.dy
	if h.center {
		originX -= h.dx / 2
		originY -= h.dy / 2
	}
	d := &Dataset{
		OriginX:   originX,
		OriginY:   originY,
		ScaleX:    h.dx,
		ScaleY:    -h.dy,
		SRID:      srid,
		Width:     h.ncols,
		Height:    h.nrows,
		PixelType: pixelType,
		Bands:     []Band{{Data: data, NoData: h.nodata}},
	}
	return d, d.Validate()
}

func (h *asciiHeader) set(key, value string) error {
	var err error
	switch key {
	case "ncols":
		h.ncols, err = strconv.Atoi(value)
		h.seenNcol = true
	case "nrows":
		h.nrows, err = strconv.Atoi(value)
		h.seenNr = true
	case "xllcorner", "xllcenter":
		h.xll, err = strconv.ParseFloat(value, 64)
		h.center = key == "xllcenter"
		h.seenX = true
	case "yllcorner", "yllcenter":
		h.yll, err = strconv.ParseFloat(value, 64)
		h.seenY = true
	case "cellsize":
		h.dx, err = strconv.ParseFloat(value, 64)
		h.dy = h.dx
		h.seenCellSize = true
	case "dx":
		h.dx, err = strconv.ParseFloat(value, 64)
		h.seenCellSize = true
	case "dy":
		h.dy, err = strconv.ParseFloat(value, 64)
	case "nodata_value":
		var nodata float64
		nodata, err = strconv.ParseFloat(value, 64)
		h.nodata = &nodata
	default:
		return fmt.Errorf("unknown header %q", key)
	}
	if err != nil {
		return fmt.Errorf("header %s: %w", key, err)
	}
	return nil
}

func (h *asciiHeader) validate() error {
	if !h.seenNcol || !h.seenNr || !h.seenX || !h.seenY || !h.seenCellSize {
		return errors.New("incomplete header, need ncols, nrows, xll, yll and cellsize")
	}
	if h.ncols <= 0 || h.nrows <= 0 {
		return fmt.Errorf("invalid grid size %dx%d", h.ncols, h.nrows)
	}
	if h.dy == 0 {
		h.dy = h.dx
	}
	if h.dx <= 0 || h.dy <= 0 {
		return fmt.Errorf("invalid cell size %v x %v", h.dx, h.dy)
	}
	return nil
}

// WriteASCIIGrid writes the first band of d as an ESRI ASCII grid. Skewed
// grids cannot be expressed in the format.
func WriteASCIIGrid(w io.Writer, d *Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.SkewX != 0 || d.SkewY != 0 || d.ScaleX <= 0 || d.ScaleY >= 0 {
		return errors.New("only north up grids without skew can be written")
	}
	format := func(v float64) string {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ncols %d\nnrows %d\n", d.Width, d.Height)
	fmt.Fprintf(bw, "xllcorner %s\nyllcorner %s\n", format(d.OriginX), format(d.OriginY+float64(d.Height)*d.ScaleY))
	if d.ScaleX == -d.ScaleY {
		fmt.Fprintf(bw, "cellsize %s\n", format(d.ScaleX))
	} else {
		fmt.Fprintf(bw, "dx %s\ndy %s\n", format(d.ScaleX), format(-d.ScaleY))
	}
	band := d.Bands[0]
	if band.NoData != nil {
		fmt.Fprintf(bw, "NODATA_value %s\n", format(*band.NoData))
	}
	for row := 0; row < d.Height; row++ {
		for col := 0; col < d.Width; col++ {
			if col > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(format(band.Data[row*d.Width+col]))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
