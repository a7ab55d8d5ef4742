// Package universe keeps the set of symbols the pipeline accepts ticks for.
package universe

import (
	"sort"
	"sync"
)

// Store is a concurrency-safe symbol set. It satisfies tick.Universe.
type Store struct {
	mu      sync.RWMutex
	symbols map[string]struct{}
}

func NewStore(symbols ...string) *Store {
	s := &Store{symbols: make(map[string]struct{}, len(symbols))}
	for _, sym := range symbols {
		s.symbols[sym] = struct{}{}
	}
	return s
}

// Add inserts symbol and reports whether it was new.
func (s *Store) Add(symbol string) bool {
	if symbol == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[symbol]; ok {
		return false
	}
	s.symbols[symbol] = struct{}{}
	return true
}

func (s *Store) Has(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.symbols[symbol]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.symbols)
}

// All returns the symbols sorted.
func (s *Store) All() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// StartWorker adds every symbol received on ch. The returned channel is closed
// once ch is closed and drained; it carries the symbols that were new.
func (s *Store) StartWorker(ch <-chan string) <-chan []string {
	done := make(chan []string, 1)
	go func() {
		var added []string
		for symbol := range ch {
			if s.Add(symbol) {
				added = append(added, symbol)
			}
		}
		done <- added
		close(done)
	}()
	return done
}
