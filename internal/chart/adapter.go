package chart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"livefeed/internal/diag"
	"livefeed/internal/tick"

	"go.uber.org/zap"
)

// Adapter enforces monotonic appends per symbol and forwards accepted ticks
// to the surface. It is the only writer of each symbol's cursor.
type Adapter struct {
	surface       Surface
	recorder      diag.Recorder
	logger        *zap.Logger
	appendTimeout time.Duration

	globalMu sync.RWMutex
	slots    map[string]*slot
}

// slot is the exclusive region of one symbol.
type slot struct {
	mu      sync.Mutex
	cursor  Cursor
	hasData bool
}

// NewAdapter creates an Adapter writing to surface.
func NewAdapter(surface Surface, recorder diag.Recorder, logger *zap.Logger) *Adapter {
	if recorder == nil {
		recorder = diag.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		surface:       surface,
		recorder:      recorder,
		logger:        logger.Named("chart"),
		appendTimeout: 2 * time.Second,
		slots:         make(map[string]*slot),
	}
}

func (a *Adapter) slot(symbol string) *slot {
	// Fast path: existing symbol
	a.globalMu.RLock()
	s, ok := a.slots[symbol]
	a.globalMu.RUnlock()
	if ok {
		return s
	}

	a.globalMu.Lock()
	defer a.globalMu.Unlock()
	if s, ok = a.slots[symbol]; !ok {
		s = &slot{}
		a.slots[symbol] = s
	}
	return s
}

// OnTick offers t to the chart. The returned error is non-nil only for Failed.
func (a *Adapter) OnTick(t tick.Tick) (Outcome, error) {
	s := a.slot(t.Symbol)

	s.mu.Lock()
	outcome, err := a.apply(s, t)
	s.mu.Unlock()

	ev := diag.TraceEvent{
		Stage:   diag.StageDeliver,
		Symbol:  t.Symbol,
		Outcome: diag.OutcomeOK,
		Detail:  outcome.String(),
	}
	switch outcome {
	case RejectedStale, RejectedDuplicate:
		ev.Outcome = diag.OutcomeRejected
		ev.Detail = fmt.Sprintf("%s seq=%d ts=%s", outcome, t.Seq, t.Timestamp.Format(time.RFC3339Nano))
		a.logger.Debug("tick rejected",
			zap.String("symbol", t.Symbol),
			zap.Stringer("outcome", outcome),
			zap.Uint64("seq", t.Seq),
			zap.Time("ts", t.Timestamp),
		)
	case Failed:
		ev.Outcome = diag.OutcomeError
		ev.Detail = err.Error()
		a.logger.Warn("surface append failed", zap.String("symbol", t.Symbol), zap.Error(err))
	}
	a.recorder.Record(ev)

	return outcome, err
}

// apply runs with the slot locked, so appends of one symbol are serialized.
func (a *Adapter) apply(s *slot, t tick.Tick) (Outcome, error) {
	if s.hasData {
		if t.Timestamp.Before(s.cursor.LastTimestamp) {
			return RejectedStale, nil
		}
		if t.Timestamp.Equal(s.cursor.LastTimestamp) && t.Seq <= s.cursor.LastSeq {
			return RejectedDuplicate, nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.appendTimeout)
	defer cancel()

	p := Point{Symbol: t.Symbol, Timestamp: t.Timestamp.UTC(), Price: t.Price, Size: t.Size}
	if err := a.surface.Append(ctx, p); err != nil {
		return Failed, fmt.Errorf("append %s: %w", t.Symbol, err)
	}

	s.cursor = Cursor{LastTimestamp: t.Timestamp, LastSeq: t.Seq}
	s.hasData = true
	return Accepted, nil
}

// Handle adapts the adapter to a bus handler. OnTick has already traced and
// logged every outcome, so Handle never hands an error back to the bus.
func (a *Adapter) Handle(t tick.Tick) error {
	_, _ = a.OnTick(t)
	return nil
}

// Cursor returns the cursor of symbol, if it has one.
func (a *Adapter) Cursor(symbol string) (Cursor, bool) {
	a.globalMu.RLock()
	s, ok := a.slots[symbol]
	a.globalMu.RUnlock()
	if !ok {
		return Cursor{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.hasData
}

// Seed positions symbol's cursor at the end of its historical series. A
// cursor already past ts is left alone.
func (a *Adapter) Seed(symbol string, ts time.Time) {
	a.seed(symbol, Cursor{LastTimestamp: ts.UTC()})
}

// Resume positions symbol's cursor on a point the surface already holds. A
// live tick stamped exactly ts is a duplicate of that point.
func (a *Adapter) Resume(symbol string, ts time.Time) {
	a.seed(symbol, Cursor{LastTimestamp: ts.UTC(), LastSeq: math.MaxUint64})
}

func (a *Adapter) seed(symbol string, cur Cursor) {
	s := a.slot(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasData && !cur.LastTimestamp.After(s.cursor.LastTimestamp) {
		return
	}
	s.cursor = cur
	s.hasData = true
}

// SeedFrom seeds every symbol from src. Symbols without history stay empty;
// lookup failures are collected and the remaining symbols still seeded.
// A ResumeSource resumes the cursors instead of seeding them.
func (a *Adapter) SeedFrom(ctx context.Context, src HistorySource, symbols []string) error {
	rs, ok := src.(ResumeSource)
	resume := ok && rs.Resumes()

	var errs []error
	for _, sym := range symbols {
		ts, ok, err := src.LastBarTime(ctx, sym)
		if err != nil {
			a.logger.Warn("history lookup failed", zap.String("symbol", sym), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		if !ok {
			continue
		}
		if resume {
			a.Resume(sym, ts)
		} else {
			a.Seed(sym, ts)
		}
		a.logger.Info("seeded cursor from history", zap.String("symbol", sym), zap.Time("last_bar", ts.UTC()))
	}
	return errors.Join(errs...)
}
