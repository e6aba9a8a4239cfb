package histogram

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 {
	return &f
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		edges   []float64
		wantErr bool
	}{
		{name: "two edges", edges: []float64{0, 1}},
		{name: "single edge", edges: []float64{0}, wantErr: true},
		{name: "decreasing", edges: []float64{0, 2, 1}, wantErr: true},
		{name: "duplicate", edges: []float64{0, 1, 1}, wantErr: true},
		{name: "nan", edges: []float64{0, math.NaN()}, wantErr: true},
		{name: "inf", edges: []float64{0, math.Inf(1)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(tt.edges)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.edges)-1, h.Bins())
			assert.Zero(t, h.Total())
		})
	}
}

func TestAdd(t *testing.T) {
	h, err := New([]float64{0, 1, 2, 3})
	require.NoError(t, err)

	n := h.Add([]float64{0, 0.5, 1, 2.999, 3, -1, 3.5, math.NaN(), 9, 9}, ptr(9))
	assert.Equal(t, uint64(5), n)
	assert.Equal(t, []uint64{2, 1, 2}, h.Counts())

	// no-data inside the range is still excluded
	h.Add([]float64{1, 1, 1}, ptr(1))
	assert.Equal(t, uint64(5), h.Total())

	h.Add([]float64{1, 1, 1}, nil)
	assert.Equal(t, uint64(8), h.Total())
}

func TestEdgesStayFixed(t *testing.T) {
	edges := []float64{0, 10, 20}
	h, err := New(edges)
	require.NoError(t, err)
	edges[1] = 15
	assert.Equal(t, []float64{0, 10, 20}, h.Edges())

	got := h.Edges()
	got[0] = -1
	assert.Equal(t, []float64{0, 10, 20}, h.Edges())
}

func TestEdgesFromRange(t *testing.T) {
	edges, err := EdgesFromRange(0, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2, 4, 6, 8, 10}, edges)

	edges, err = EdgesFromRange(3, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 3, 3.5}, edges)

	_, err = EdgesFromRange(1, 0, 2)
	require.Error(t, err)
	_, err = EdgesFromRange(0, 1, 0)
	require.Error(t, err)
}

func TestMerge(t *testing.T) {
	a, err := FromCounts([]float64{0, 1, 2}, []uint64{1, 2})
	require.NoError(t, err)
	b, err := FromCounts([]float64{0, 1, 2}, []uint64{10, 20})
	require.NoError(t, err)

	ab := a.Clone()
	require.NoError(t, ab.Merge(b))
	ba := b.Clone()
	require.NoError(t, ba.Merge(a))
	assert.Equal(t, ab.Counts(), ba.Counts())
	assert.Equal(t, []uint64{11, 22}, ab.Counts())

	other, err := New([]float64{0, 1, 3})
	require.NoError(t, err)
	require.ErrorIs(t, a.Merge(other), ErrEdgeMismatch)

	_, err = FromCounts([]float64{0, 1, 2}, []uint64{1})
	require.Error(t, err)
}

func TestAccumulatorConcurrentMerges(t *testing.T) {
	edges, err := EdgesFromRange(0, 100, 10)
	require.NoError(t, err)
	acc, err := NewAccumulator(edges)
	require.NoError(t, err)

	values := make([]float64, 256)
	for i := range values {
		values[i] = float64(i % 101)
	}

	sequential := acc.Partial()
	for i := 0; i < 64; i++ {
		sequential.Add(values, ptr(100))
	}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			partial := acc.Partial()
			partial.Add(values, ptr(100))
			assert.NoError(t, acc.Merge(partial))
		}()
	}
	wg.Wait()

	snapshot := acc.Snapshot()
	assert.Equal(t, sequential.Counts(), snapshot.Counts())
	assert.Equal(t, sequential.Total(), snapshot.Total())
}
