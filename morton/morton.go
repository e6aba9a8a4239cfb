// Package morton interleaves tile column and row into a Z-order code, so that
// tiles that are close on the map are close in a sorted key space.
package morton

import (
	"encoding/binary"
	"fmt"
	"math"
)

type Z = uint64

var (
	masks = [...]uint64{
		0x5555555555555555,
		0x3333333333333333,
		0x0F0F0F0F0F0F0F0F,
		0x00FF00FF00FF00FF,
		0x0000FFFF0000FFFF,
		0x00000000FFFFFFFF,
	}
	shifts = [...]uint{0, 1, 2, 4, 8, 16}
)

// ToZ interleaves x (even bits) and y (odd bits).
func ToZ(x, y uint) (z Z, ok bool) {
	if x > math.MaxUint32 || y > math.MaxUint32 {
		return 0, false
	}
	return spread(uint64(x)) | spread(uint64(y))<<1, true
}

func MustToZ(x, y uint) Z {
	z, ok := ToZ(x, y)
	if !ok {
		panic(fmt.Errorf(`cannot make Z out of %v and %v`, x, y))
	}
	return z
}

func FromZ(z Z) (x, y uint) {
	return uint(compact(z)), uint(compact(z >> 1))
}

// Bytes renders z big-endian, so byte order equals numeric order.
func Bytes(z Z) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, z)
	return b
}

func FromBytes(b []byte) (Z, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("morton key must be 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Bounds returns the lowest and highest code of any cell inside the inclusive
// rectangle. Every cell in the rectangle has a code between the two, the
// reverse does not hold.
func Bounds(minX, minY, maxX, maxY uint) (lo, hi Z) {
	return MustToZ(minX, minY), MustToZ(maxX, maxY)
}

func spread(v uint64) uint64 {
	for i := 4; i >= 0; i-- {
		v = (v | v<<shifts[i+1]) & masks[i]
	}
	return v
}

func compact(v uint64) uint64 {
	v &= masks[0]
	for i := 1; i <= 5; i++ {
		v = (v | v>>shifts[i]) & masks[i]
	}
	return v
}
