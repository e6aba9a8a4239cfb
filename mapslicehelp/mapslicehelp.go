package mapslicehelp

import (
	"strconv"
	"strings"

	"github.com/umpc/go-sortedmap"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

func OrderedMapKeys[K comparable, V any](m *orderedmap.OrderedMap[K, V]) []K {
	l := make([]K, m.Len())
	i := 0
	for p := m.Oldest(); p != nil; p = p.Next() {
		l[i] = p.Key
		i++
	}
	return l
}

// labelKey orders group labels: numbers numerically, "(lo, hi)" ranges by
// their bounds and everything else by text after the numbers.
type labelKey struct {
	numeric bool
	lo, hi  float64
	text    string
}

func parseLabel(label string) labelKey {
	if v, err := strconv.ParseFloat(label, 64); err == nil {
		return labelKey{numeric: true, lo: v, hi: v, text: label}
	}
	if strings.HasPrefix(label, "(") && strings.HasSuffix(label, ")") {
		if lo, hi, ok := strings.Cut(label[1:len(label)-1], ","); ok {
			l, errLo := strconv.ParseFloat(strings.TrimSpace(lo), 64)
			h, errHi := strconv.ParseFloat(strings.TrimSpace(hi), 64)
			if errLo == nil && errHi == nil {
				return labelKey{numeric: true, lo: l, hi: h, text: label}
			}
		}
	}
	return labelKey{text: label}
}

func lessLabel(x, y interface{}) bool {
	a, b := x.(labelKey), y.(labelKey)
	if a.numeric != b.numeric {
		return a.numeric
	}
	if a.numeric {
		if a.lo != b.lo {
			return a.lo < b.lo
		}
		if a.hi != b.hi {
			return a.hi < b.hi
		}
	}
	return a.text < b.text
}

// SortedLabels returns the keys of a grouping result in display order.
func SortedLabels[V any](m map[string]V) []string {
	sm := sortedmap.New(len(m), lessLabel)
	for label := range m {
		sm.Insert(label, parseLabel(label))
	}
	keys := sm.Keys()
	labels := make([]string, len(keys))
	for i, k := range keys {
		labels[i] = k.(string)
	}
	return labels
}

// ToOrderedMap copies m into an ordered map following keys.
func ToOrderedMap[K comparable, V any](m map[K]V, keys []K) *orderedmap.OrderedMap[K, V] {
	om := orderedmap.New[K, V](len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			om.Set(k, v)
		}
	}
	return om
}
