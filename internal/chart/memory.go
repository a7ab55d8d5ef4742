package chart

import (
	"context"
	"sync"
)

// MemorySurface keeps every appended point in memory, per symbol.
type MemorySurface struct {
	globalMu sync.RWMutex
	data     map[string]*symbolSeries
}

type symbolSeries struct {
	mu     sync.Mutex
	points []Point
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{
		data: make(map[string]*symbolSeries),
	}
}

func (m *MemorySurface) Append(_ context.Context, p Point) error {
	m.globalMu.RLock()
	series, ok := m.data[p.Symbol]
	m.globalMu.RUnlock()

	if !ok {
		m.globalMu.Lock()
		if series, ok = m.data[p.Symbol]; !ok {
			series = &symbolSeries{}
			m.data[p.Symbol] = series
		}
		m.globalMu.Unlock()
	}

	series.mu.Lock()
	series.points = append(series.points, p)
	series.mu.Unlock()
	return nil
}

// Series returns a copy of symbol's points.
func (m *MemorySurface) Series(symbol string) []Point {
	m.globalMu.RLock()
	series, ok := m.data[symbol]
	m.globalMu.RUnlock()
	if !ok {
		return nil
	}

	series.mu.Lock()
	defer series.mu.Unlock()

	cp := make([]Point, len(series.points))
	copy(cp, series.points)
	return cp
}

// CountAll returns the total number of points across all symbols.
func (m *MemorySurface) CountAll() int {
	m.globalMu.RLock()
	defer m.globalMu.RUnlock()

	total := 0
	for _, series := range m.data {
		series.mu.Lock()
		total += len(series.points)
		series.mu.Unlock()
	}
	return total
}
