package diag

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls retention and sink fan-out of a Trace.
type Config struct {
	Retention   int           // max events kept in memory; oldest are evicted
	SinkBuffer  int           // queued events waiting for sinks
	SinkTimeout time.Duration // per-sink write deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention:   100000,
		SinkBuffer:  4096,
		SinkTimeout: 2 * time.Second,
	}
}

// Stats reports recorder counters.
type Stats struct {
	Recorded    uint64
	Evicted     uint64
	SinkDropped uint64
	SinkErrors  uint64
}

// Trace is the in-memory, append-only Recorder. Events are kept in a bounded
// ring ordered by Seq and copied to sinks from a single background goroutine.
type Trace struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	seq     uint64
	ring    []TraceEvent
	head    int
	count   int
	evicted uint64
	closed  bool

	// Latest session boundary and subscription, kept past eviction.
	boundary  TraceEvent
	subscribe TraceEvent

	sinks []Sink
	queue chan TraceEvent
	done  chan struct{}

	sinkDropped atomic.Uint64
	sinkErrors  atomic.Uint64
}

// NewTrace creates a recorder. Sinks are optional.
func NewTrace(cfg Config, logger *zap.Logger, sinks ...Sink) *Trace {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = def.SinkBuffer
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}

	t := &Trace{
		cfg:    cfg,
		logger: logger.Named("diag"),
		now:    time.Now,
		ring:   make([]TraceEvent, cfg.Retention),
		sinks:  sinks,
		done:   make(chan struct{}),
	}

	if len(sinks) > 0 {
		t.queue = make(chan TraceEvent, cfg.SinkBuffer)
		go t.dispatch()
	} else {
		close(t.done)
	}

	return t
}

// Record appends ev to the trace and queues it for the sinks.
func (t *Trace) Record(ev TraceEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev.Seq = t.seq

	switch {
	case sessionBoundary(ev):
		t.boundary = ev
	case ev.Stage == StageSubscribe && ev.Outcome == OutcomeOK:
		t.subscribe = ev
	}

	if t.count == len(t.ring) {
		// Full: overwrite the oldest slot.
		t.ring[t.head] = ev
		t.head = (t.head + 1) % len(t.ring)
		t.evicted++
	} else {
		t.ring[(t.head+t.count)%len(t.ring)] = ev
		t.count++
	}

	if t.queue == nil || t.closed {
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.sinkDropped.Add(1)
	}
}

// Query returns events ordered by Seq. An empty symbol matches every event; a
// non-empty symbol also matches connection-level events, which carry none.
// Zero from/to leave that side of the range open.
func (t *Trace) Query(symbol string, from, to time.Time) []TraceEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.query(symbol, from, to)
}

func (t *Trace) query(symbol string, from, to time.Time) []TraceEvent {
	out := make([]TraceEvent, 0, t.count)
	for i := 0; i < t.count; i++ {
		ev := t.ring[(t.head+i)%len(t.ring)]
		if symbol != "" && ev.Symbol != "" && ev.Symbol != symbol {
			continue
		}
		if !from.IsZero() && ev.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && ev.Timestamp.After(to) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Diagnose classifies the recorded trace for symbol. The session boundary and
// subscription that opened the current session count even once evicted.
func (t *Trace) Diagnose(symbol string, window time.Duration, now time.Time) Diagnosis {
	t.mu.RLock()
	events := t.query(symbol, time.Time{}, time.Time{})
	var oldest uint64
	if t.count > 0 {
		oldest = t.ring[t.head].Seq
	}

	var pinned []TraceEvent
	for _, ev := range []TraceEvent{t.boundary, t.subscribe} {
		if ev.Seq != 0 && ev.Seq < oldest {
			pinned = append(pinned, ev)
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(pinned, func(a, b TraceEvent) int { return cmp.Compare(a.Seq, b.Seq) })
	return Classify(append(pinned, events...), window, now)
}

// Stats returns recorder counters.
func (t *Trace) Stats() Stats {
	t.mu.RLock()
	recorded, evicted := t.seq, t.evicted
	t.mu.RUnlock()

	return Stats{
		Recorded:    recorded,
		Evicted:     evicted,
		SinkDropped: t.sinkDropped.Load(),
		SinkErrors:  t.sinkErrors.Load(),
	}
}

// Close stops accepting sink work and waits for queued events to be flushed
// or for ctx to expire. Record keeps working in memory after Close.
func (t *Trace) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		if t.queue != nil {
			close(t.queue)
		}
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trace) dispatch() {
	defer close(t.done)

	for ev := range t.queue {
		for _, s := range t.sinks {
			t.write(s, ev)
		}
	}
}

// write isolates one sink call; errors and panics stay here.
func (t *Trace) write(s Sink, ev TraceEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.sinkErrors.Add(1)
			t.logger.Warn("trace sink panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SinkTimeout)
	defer cancel()

	if err := s.Write(ctx, ev); err != nil {
		t.sinkErrors.Add(1)
		t.logger.Debug("trace sink write failed", zap.Uint64("seq", ev.Seq), zap.Error(err))
	}
}
