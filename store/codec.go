package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-spatial/geom"
	"github.com/klauspost/compress/zstd"

	"github.com/pdok/rasterpyramid/raster"
)

const codecVersion = 1

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)

	ErrCorruptTile = errors.New("corrupt tile blob")
)

type tileHeader struct {
	Version   uint8
	PixelType uint8
	NumBands  uint16
	Size      uint32
	Bounds    [4]float64
}

// EncodeTile serializes the pixels of a tile in its pixel type, little
// endian, band after band, and compresses the result with zstd. Index and
// layer are not part of the blob.
func EncodeTile(t raster.Tile) ([]byte, error) {
	n := int(t.Size * t.Size)
	var buf bytes.Buffer
	buf.Grow(64 + len(t.Bands)*(9+n*t.PixelType.Size()))

	h := tileHeader{
		Version:   codecVersion,
		PixelType: uint8(t.PixelType),
		NumBands:  uint16(len(t.Bands)),
		Size:      uint32(t.Size),
		Bounds:    t.Bounds,
	}
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	for i, b := range t.Bands {
		if len(b.Data) != n {
			return nil, fmt.Errorf("band %d has %d pixels, expected %d", i, len(b.Data), n)
		}
		var hasNoData uint8
		var nodata float64
		if b.NoData != nil {
			hasNoData, nodata = 1, *b.NoData
		}
		_ = buf.WriteByte(hasNoData)
		_ = binary.Write(&buf, binary.LittleEndian, nodata)
		writePixels(&buf, t.PixelType, b.Data)
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

func writePixels(buf *bytes.Buffer, p raster.PixelType, data []float64) {
	var scratch [8]byte
	for _, v := range data {
		switch p {
		case raster.UInt8:
			scratch[0] = uint8(v)
			buf.Write(scratch[:1])
		case raster.UInt16:
			binary.LittleEndian.PutUint16(scratch[:], uint16(v))
			buf.Write(scratch[:2])
		case raster.Int16:
			binary.LittleEndian.PutUint16(scratch[:], uint16(int16(v)))
			buf.Write(scratch[:2])
		case raster.UInt32:
			binary.LittleEndian.PutUint32(scratch[:], uint32(v))
			buf.Write(scratch[:4])
		case raster.Int32:
			binary.LittleEndian.PutUint32(scratch[:], uint32(int32(v)))
			buf.Write(scratch[:4])
		case raster.Float32:
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(float32(v)))
			buf.Write(scratch[:4])
		default:
			binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
			buf.Write(scratch[:8])
		}
	}
}

// DecodeTile is the inverse of EncodeTile. Layer and index are set by the
// caller.
func DecodeTile(blob []byte) (raster.Tile, error) {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return raster.Tile{}, fmt.Errorf("%w: %v", ErrCorruptTile, err)
	}
	r := bytes.NewReader(raw)
	var h tileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return raster.Tile{}, fmt.Errorf("%w: %v", ErrCorruptTile, err)
	}
	p := raster.PixelType(h.PixelType)
	if h.Version != codecVersion || !p.Valid() {
		return raster.Tile{}, fmt.Errorf("%w: version %d, pixel type %d", ErrCorruptTile, h.Version, h.PixelType)
	}
	n := int(h.Size) * int(h.Size)
	if r.Len() != int(h.NumBands)*(9+n*p.Size()) {
		return raster.Tile{}, fmt.Errorf("%w: unexpected length", ErrCorruptTile)
	}

	t := raster.Tile{
		Size:      uint(h.Size),
		Bounds:    geom.Extent(h.Bounds),
		PixelType: p,
		Bands:     make([]raster.Band, h.NumBands),
	}
	rest := raw[len(raw)-r.Len():]
	for i := range t.Bands {
		hasNoData := rest[0]
		if hasNoData == 1 {
			nodata := math.Float64frombits(binary.LittleEndian.Uint64(rest[1:9]))
			t.Bands[i].NoData = &nodata
		}
		rest = rest[9:]
		t.Bands[i].Data = readPixels(rest[:n*p.Size()], p, n)
		rest = rest[n*p.Size():]
	}
	return t, nil
}

func readPixels(b []byte, p raster.PixelType, n int) []float64 {
	data := make([]float64, n)
	size := p.Size()
	for i := range data {
		px := b[i*size : (i+1)*size]
		switch p {
		case raster.UInt8:
			data[i] = float64(px[0])
		case raster.UInt16:
			data[i] = float64(binary.LittleEndian.Uint16(px))
		case raster.Int16:
			data[i] = float64(int16(binary.LittleEndian.Uint16(px)))
		case raster.UInt32:
			data[i] = float64(binary.LittleEndian.Uint32(px))
		case raster.Int32:
			data[i] = float64(int32(binary.LittleEndian.Uint32(px)))
		case raster.Float32:
			data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(px)))
		default:
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(px))
		}
	}
	return data
}
