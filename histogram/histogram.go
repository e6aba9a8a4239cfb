// Package histogram accumulates per band value counts over fixed bin edges.
package histogram

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
)

var ErrEdgeMismatch = errors.New("histograms have different bin edges")

// Histogram counts values into N bins delimited by N+1 increasing edges.
// Bins are half open, except the last one which includes its upper edge.
// Values outside the edges, NaN and the no-data value are not counted.
type Histogram struct {
	edges  []float64
	counts []uint64
}

func New(edges []float64) (*Histogram, error) {
	if len(edges) < 2 {
		return nil, fmt.Errorf("need at least 2 bin edges, got %d", len(edges))
	}
	for i, e := range edges {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			return nil, fmt.Errorf("bin edge %d is not finite: %v", i, e)
		}
		if i > 0 && e <= edges[i-1] {
			return nil, fmt.Errorf("bin edges must be strictly increasing, edge %d (%v) <= %v", i, e, edges[i-1])
		}
	}
	return &Histogram{
		edges:  slices.Clone(edges),
		counts: make([]uint64, len(edges)-1),
	}, nil
}

// FromCounts restores a persisted histogram.
func FromCounts(edges []float64, counts []uint64) (*Histogram, error) {
	h, err := New(edges)
	if err != nil {
		return nil, err
	}
	if len(counts) != len(h.counts) {
		return nil, fmt.Errorf("%d bin edges need %d counts, got %d", len(edges), len(h.counts), len(counts))
	}
	copy(h.counts, counts)
	return h, nil
}

// EdgesFromRange returns bins equal width edges spanning [lo, hi]. An empty
// range is widened by half a unit on both sides.
func EdgesFromRange(lo, hi float64, bins int) ([]float64, error) {
	if bins < 1 {
		return nil, fmt.Errorf("need at least 1 bin, got %d", bins)
	}
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) || lo > hi {
		return nil, fmt.Errorf("invalid histogram range [%v, %v]", lo, hi)
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	edges := make([]float64, bins+1)
	width := (hi - lo) / float64(bins)
	for i := range edges {
		edges[i] = lo + float64(i)*width
	}
	edges[bins] = hi
	return edges, nil
}

// Bin returns the index of the bin v falls in.
func (h *Histogram) Bin(v float64) (int, bool) {
	last := len(h.edges) - 1
	if math.IsNaN(v) || v < h.edges[0] || v > h.edges[last] {
		return 0, false
	}
	if v == h.edges[last] {
		return last - 1, true
	}
	// first edge greater than v, the bin starts one before it
	i := sort.SearchFloat64s(h.edges, v)
	if i < len(h.edges) && h.edges[i] == v {
		return i, true
	}
	return i - 1, true
}

// Add counts the values and returns how many were counted.
func (h *Histogram) Add(values []float64, nodata *float64) uint64 {
	var n uint64
	for _, v := range values {
		if nodata != nil && v == *nodata {
			continue
		}
		if i, ok := h.Bin(v); ok {
			h.counts[i]++
			n++
		}
	}
	return n
}

// Merge adds the counts of other, which must have identical edges.
func (h *Histogram) Merge(other *Histogram) error {
	if !slices.Equal(h.edges, other.edges) {
		return ErrEdgeMismatch
	}
	for i, c := range other.counts {
		h.counts[i] += c
	}
	return nil
}

// Empty returns a histogram with the same edges and zero counts.
func (h *Histogram) Empty() *Histogram {
	return &Histogram{edges: h.edges, counts: make([]uint64, len(h.counts))}
}

func (h *Histogram) Clone() *Histogram {
	return &Histogram{edges: h.edges, counts: slices.Clone(h.counts)}
}

func (h *Histogram) Edges() []float64 {
	return slices.Clone(h.edges)
}

func (h *Histogram) Counts() []uint64 {
	return slices.Clone(h.counts)
}

func (h *Histogram) Bins() int {
	return len(h.counts)
}

func (h *Histogram) Total() uint64 {
	var total uint64
	for _, c := range h.counts {
		total += c
	}
	return total
}

// Accumulator collects partial histograms from concurrent workers.
type Accumulator struct {
	mu    sync.Mutex
	total *Histogram
}

func NewAccumulator(edges []float64) (*Accumulator, error) {
	h, err := New(edges)
	if err != nil {
		return nil, err
	}
	return &Accumulator{total: h}, nil
}

// Partial returns an empty histogram for a worker to fill and Merge.
func (a *Accumulator) Partial() *Histogram {
	return a.total.Empty()
}

func (a *Accumulator) Merge(partial *Histogram) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total.Merge(partial)
}

func (a *Accumulator) Snapshot() *Histogram {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total.Clone()
}
