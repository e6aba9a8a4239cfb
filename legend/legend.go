// Package legend holds ordered rule lists that map pixel values to labels and
// colors.
package legend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/rasterpyramid/formula"
)

var ErrNotFound = errors.New("legend not found")

// Variable is the name pixel values are bound to in rule expressions
const Variable = "x"

// Rule matches pixels either by an exact numeric value ("2") or by a boolean
// expression over x ("(x >= 2) & (x < 5)").
type Rule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Color      string `json:"color"`
}

type Legend struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Rules []Rule `json:"rules"`
}

// Provider resolves a legend reference (id or title) to its rules in
// declaration order.
type Provider interface {
	Resolve(ctx context.Context, ref string) ([]Rule, error)
}

// Saver stores legends. SaveLegend assigns an id when ID is zero.
type Saver interface {
	SaveLegend(ctx context.Context, l *Legend) error
	FindLegend(ctx context.Context, ref string) (*Legend, bool, error)
}

// Colormap maps every rule expression to its color, in rule order.
func (l *Legend) Colormap() (*orderedmap.OrderedMap[string, color.RGBA], error) {
	cmap := orderedmap.New[string, color.RGBA](len(l.Rules))
	for _, r := range l.Rules {
		c, err := ParseColor(r.Color)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Expression, err)
		}
		cmap.Set(r.Expression, c)
	}
	return cmap, nil
}

// ParseColor reads #rrggbb or #rrggbbaa.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 && len(s) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	c := color.RGBA{R: b[0], G: b[1], B: b[2], A: 255}
	if len(b) == 4 {
		c.A = b[3]
	}
	return c, nil
}

type matcher struct {
	exact   bool
	value   float64
	program *formula.Program
}

// Matcher is a compiled rule list.
type Matcher struct {
	rules    []Rule
	matchers []matcher
}

func NewMatcher(rules []Rule) (*Matcher, error) {
	m := &Matcher{rules: rules, matchers: make([]matcher, len(rules))}
	for i, r := range rules {
		if v, err := strconv.ParseFloat(strings.TrimSpace(r.Expression), 64); err == nil {
			m.matchers[i] = matcher{exact: true, value: v}
			continue
		}
		p, err := formula.Compile(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("legend rule %d: %w", i, err)
		}
		if err := p.Check(map[string]bool{Variable: true}); err != nil {
			return nil, fmt.Errorf("legend rule %d: %w", i, err)
		}
		m.matchers[i] = matcher{program: p}
	}
	return m, nil
}

func (m *Matcher) Rules() []Rule {
	return m.rules
}

// Match returns the index of the first rule matching v.
func (m *Matcher) Match(v float64) (int, bool) {
	idx := m.MatchAll([]float64{v})
	return idx[0], idx[0] >= 0
}

// MatchAll returns, per value, the index of the first matching rule or -1.
func (m *Matcher) MatchAll(values []float64) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = -1
	}
	x := formula.Array{Values: values, Kind: formula.Float}
	for r, mt := range m.matchers {
		hit := func(i int) bool { return values[i] == mt.value }
		if !mt.exact {
			out, err := mt.program.Eval(map[string]formula.Array{Variable: x})
			if err != nil {
				continue
			}
			hit = func(i int) bool {
				v := out.Values[0]
				if out.Len() > 1 {
					v = out.Values[i]
				}
				return v != 0 && !math.IsNaN(v)
			}
		}
		for i := range values {
			if idx[i] < 0 && hit(i) {
				idx[i] = r
			}
		}
	}
	return idx
}
