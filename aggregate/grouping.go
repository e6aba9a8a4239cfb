package aggregate

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/pdok/rasterpyramid/histogram"
	"github.com/pdok/rasterpyramid/legend"
)

// grouper assigns labels to the valid result values of one tile.
type grouper interface {
	name() string
	group(values []float64) map[string]uint64
}

func (a *Aggregator) resolveGrouping(ctx context.Context, q *query) (grouper, error) {
	switch strings.ToLower(strings.TrimSpace(q.Grouping)) {
	case "", Auto:
		for _, l := range q.layers {
			if !l.meta.DataType.Discrete() {
				return a.continuous(ctx, q)
			}
		}
		return discreteGrouper{}, nil
	case None:
		return totalGrouper{}, nil
	case Discrete:
		return discreteGrouper{}, nil
	case Continuous:
		return a.continuous(ctx, q)
	}
	if a.legends == nil {
		return nil, aggregationErrorf(ErrInvalidGrouping, "%q", q.Grouping)
	}
	rules, err := a.legends.Resolve(ctx, q.Grouping)
	if err != nil {
		return nil, aggregationErrorf(ErrInvalidGrouping, "%q: %v", q.Grouping, err)
	}
	m, err := legend.NewMatcher(rules)
	if err != nil {
		return nil, aggregationErrorf(ErrInvalidGrouping, "%q: %v", q.Grouping, err)
	}
	return legendGrouper{matcher: m}, nil
}

// continuous bins by the histogram of the first variable's layer.
func (a *Aggregator) continuous(ctx context.Context, q *query) (grouper, error) {
	first := q.layers[0]
	if vars := q.program.Variables(); len(vars) > 0 {
		for _, l := range q.layers {
			if l.name == vars[0] {
				first = l
			}
		}
	}
	band, found, err := a.store.LoadBandMetadata(ctx, first.id, 0)
	if err != nil {
		return nil, err
	}
	if !found || band.Histogram == nil || band.Histogram.Bins() == 0 {
		return nil, aggregationErrorf(ErrInvalidGrouping, "layer %d has no histogram", first.id)
	}
	edges := band.Histogram.Edges()
	labels := make([]string, len(edges)-1)
	for i := range labels {
		labels[i] = binLabel(edges[i], edges[i+1])
	}
	return continuousGrouper{hist: band.Histogram.Empty(), labels: labels}, nil
}

type totalGrouper struct{}

func (totalGrouper) name() string { return None }

func (totalGrouper) group(values []float64) map[string]uint64 {
	if len(values) == 0 {
		return nil
	}
	return map[string]uint64{"all": uint64(len(values))}
}

type discreteGrouper struct{}

func (discreteGrouper) name() string { return Discrete }

func (discreteGrouper) group(values []float64) map[string]uint64 {
	byValue := make(map[float64]uint64)
	for _, v := range values {
		byValue[v]++
	}
	counts := make(map[string]uint64, len(byValue))
	for v, n := range byValue {
		counts[discreteLabel(v)] += n
	}
	return counts
}

type continuousGrouper struct {
	// hist is only used to find bins
	hist   *histogram.Histogram
	labels []string
}

func (continuousGrouper) name() string { return Continuous }

func (g continuousGrouper) group(values []float64) map[string]uint64 {
	counts := make(map[string]uint64)
	for _, v := range values {
		if bin, ok := g.hist.Bin(v); ok {
			counts[g.labels[bin]]++
		}
	}
	return counts
}

type legendGrouper struct {
	matcher *legend.Matcher
}

func (legendGrouper) name() string { return "legend" }

func (g legendGrouper) group(values []float64) map[string]uint64 {
	rules := g.matcher.Rules()
	counts := make(map[string]uint64)
	for _, r := range g.matcher.MatchAll(values) {
		if r >= 0 {
			counts[rules[r].Expression]++
		}
	}
	return counts
}

// discreteLabel prints integral values without a fraction: 2 gives "2".
func discreteLabel(v float64) string {
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// binLabel gives "(lo, hi)" with at most six decimals and at least one.
func binLabel(lo, hi float64) string {
	return "(" + fixed(lo) + ", " + fixed(hi) + ")"
}

func fixed(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	if s == "-0.0" {
		s = "0.0"
	}
	return s
}
