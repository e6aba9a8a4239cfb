package legend

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Memory keeps legends in memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	legends map[int64]*Legend
	nextID  int64
}

func NewMemory(legends ...Legend) *Memory {
	m := &Memory{legends: make(map[int64]*Legend)}
	for i := range legends {
		l := legends[i]
		_ = m.SaveLegend(context.Background(), &l)
	}
	return m
}

func (m *Memory) SaveLegend(_ context.Context, l *Legend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == 0 {
		m.nextID++
		l.ID = m.nextID
	} else if l.ID > m.nextID {
		m.nextID = l.ID
	}
	c := *l
	c.Rules = append([]Rule(nil), l.Rules...)
	m.legends[c.ID] = &c
	return nil
}

// FindLegend looks a legend up by id first, then by title.
func (m *Memory) FindLegend(_ context.Context, ref string) (*Legend, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if l, ok := m.legends[id]; ok {
			c := *l
			return &c, true, nil
		}
	}
	for _, l := range m.legends {
		if l.Title == ref {
			c := *l
			return &c, true, nil
		}
	}
	return nil, false, nil
}

func (m *Memory) Resolve(ctx context.Context, ref string) ([]Rule, error) {
	l, ok, err := m.FindLegend(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return append([]Rule(nil), l.Rules...), nil
}
