package bus

import "sync"

// ring is a fixed-capacity FIFO. When full, Push evicts the oldest item so the
// producer never waits on a slow consumer.
type ring[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int // read position
	count  int
	closed bool

	// Stats
	pushed  uint64
	popped  uint64
	dropped uint64
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	r := &ring[T]{buf: make([]T, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Push appends item. If the ring was full the evicted item is returned with
// true. Pushing to a closed ring is a no-op that reports ok=false.
func (r *ring[T]) Push(item T) (evicted T, dropped bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return evicted, false, false
	}

	if r.count == len(r.buf) {
		evicted = r.buf[r.head]
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		r.dropped++
		dropped = true
	}

	r.buf[(r.head+r.count)%len(r.buf)] = item
	r.count++
	r.pushed++

	r.cond.Signal()
	return evicted, dropped, true
}

// Pop blocks until an item is available or the ring is closed and empty.
func (r *ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		r.cond.Wait()
	}

	var zero T
	if r.count == 0 {
		return zero, false
	}

	item := r.buf[r.head]
	r.buf[r.head] = zero // Clear reference for GC
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	r.popped++

	return item, true
}

// Close wakes every waiter. Remaining items are still returned by Pop unless
// discard is set.
func (r *ring[T]) Close(discard bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if discard {
		var zero T
		for i := range r.buf {
			r.buf[i] = zero
		}
		r.head, r.count = 0, 0
	}
	r.cond.Broadcast()
}

// Len returns the number of buffered items.
func (r *ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Stats returns ring counters.
func (r *ring[T]) Stats() BufferStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return BufferStats{
		Buffered: r.count,
		Capacity: len(r.buf),
		Pushed:   r.pushed,
		Popped:   r.popped,
		Dropped:  r.dropped,
	}
}

// BufferStats contains per-subscriber buffer statistics.
type BufferStats struct {
	Buffered int
	Capacity int
	Pushed   uint64
	Popped   uint64
	Dropped  uint64
}
