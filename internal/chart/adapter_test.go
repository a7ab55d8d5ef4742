package chart

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"livefeed/internal/bus"
	"livefeed/internal/diag"
	"livefeed/internal/tick"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var histEnd = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func mkTick(symbol string, ts time.Time, seq uint64) tick.Tick {
	return tick.Tick{
		Symbol:    symbol,
		Kind:      tick.KindTrade,
		Price:     decimal.NewFromInt(100),
		Size:      decimal.NewFromInt(1),
		Timestamp: ts,
		Seq:       seq,
	}
}

func newAdapter(t *testing.T) (*Adapter, *MemorySurface, *diag.Trace) {
	surface := NewMemorySurface()
	tr := diag.NewTrace(diag.DefaultConfig(), nil)
	return NewAdapter(surface, tr, zaptest.NewLogger(t)), surface, tr
}

// go test -v --run TestAdapter_StaleAgainstHistory
func TestAdapter_StaleAgainstHistory(t *testing.T) {
	a, surface, tr := newAdapter(t)
	a.Seed("AAPL", histEnd)

	// A local-time tick that skipped UTC conversion lands before the history.
	out, err := a.OnTick(mkTick("AAPL", time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC), 1))
	require.NoError(t, err)
	assert.Equal(t, RejectedStale, out)
	assert.Empty(t, surface.Series("AAPL"))

	evs := tr.Query("AAPL", time.Time{}, time.Time{})
	require.Len(t, evs, 1)
	assert.Equal(t, diag.StageDeliver, evs[0].Stage)
	assert.Equal(t, diag.OutcomeRejected, evs[0].Outcome)

	cur, ok := a.Cursor("AAPL")
	require.True(t, ok)
	assert.Equal(t, histEnd, cur.LastTimestamp)
}

func TestAdapter_Outcomes(t *testing.T) {
	a, surface, _ := newAdapter(t)

	out, err := a.OnTick(mkTick("AAPL", histEnd, 5))
	require.NoError(t, err)
	assert.Equal(t, Accepted, out, "first tick of a fresh symbol")

	out, _ = a.OnTick(mkTick("AAPL", histEnd, 4))
	assert.Equal(t, RejectedDuplicate, out, "equal timestamp, lower seq")

	out, _ = a.OnTick(mkTick("AAPL", histEnd, 5))
	assert.Equal(t, RejectedDuplicate, out, "equal timestamp, same seq")

	out, _ = a.OnTick(mkTick("AAPL", histEnd, 6))
	assert.Equal(t, Accepted, out, "equal timestamp, higher seq")

	out, _ = a.OnTick(mkTick("AAPL", histEnd.Add(-time.Nanosecond), 7))
	assert.Equal(t, RejectedStale, out)

	out, _ = a.OnTick(mkTick("AAPL", histEnd.Add(time.Second), 8))
	assert.Equal(t, Accepted, out)

	out, _ = a.OnTick(mkTick("MSFT", histEnd.Add(-time.Hour), 9))
	assert.Equal(t, Accepted, out, "cursors are per symbol")

	assert.Len(t, surface.Series("AAPL"), 3)
	assert.Len(t, surface.Series("MSFT"), 1)
	assert.Equal(t, 4, surface.CountAll())

	cur, _ := a.Cursor("AAPL")
	assert.Equal(t, Cursor{LastTimestamp: histEnd.Add(time.Second), LastSeq: 8}, cur)
}

type failingSurface struct{ err error }

func (f failingSurface) Append(context.Context, Point) error { return f.err }

func TestAdapter_SurfaceFailureKeepsCursor(t *testing.T) {
	widgetGone := errors.New("widget gone")
	tr := diag.NewTrace(diag.DefaultConfig(), nil)
	a := NewAdapter(failingSurface{err: widgetGone}, tr, zaptest.NewLogger(t))
	a.Seed("AAPL", histEnd)

	out, err := a.OnTick(mkTick("AAPL", histEnd.Add(time.Second), 1))
	assert.Equal(t, Failed, out)
	assert.ErrorIs(t, err, widgetGone)
	assert.NoError(t, a.Handle(mkTick("AAPL", histEnd.Add(time.Second), 2)), "failure is traced by OnTick")

	cur, _ := a.Cursor("AAPL")
	assert.Equal(t, histEnd, cur.LastTimestamp)

	evs := tr.Query("AAPL", time.Time{}, time.Time{})
	require.NotEmpty(t, evs)
	assert.Equal(t, diag.OutcomeError, evs[0].Outcome)
}

// go test -v --run TestAdapter_FailedAppendTracedOnceThroughBus
func TestAdapter_FailedAppendTracedOnceThroughBus(t *testing.T) {
	tr := diag.NewTrace(diag.DefaultConfig(), nil)
	a := NewAdapter(failingSurface{err: errors.New("down")}, tr, zaptest.NewLogger(t))
	b := bus.New(bus.DefaultConfig(), tr, zaptest.NewLogger(t))

	_, err := b.Subscribe(nil, a.Handle)
	require.NoError(t, err)
	b.Publish(mkTick("AAPL", histEnd, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	var failures []diag.TraceEvent
	for _, ev := range tr.Query("AAPL", time.Time{}, time.Time{}) {
		if ev.Stage == diag.StageDeliver && ev.Outcome == diag.OutcomeError {
			failures = append(failures, ev)
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, "append AAPL: down", failures[0].Detail)
}

// Property: whatever order ticks arrive in, accepted points never go back in time.
func TestAdapter_MonotonicUnderConcurrency(t *testing.T) {
	a, surface, _ := newAdapter(t)
	rng := rand.New(rand.NewSource(42))

	symbols := []string{"AAPL", "MSFT", "NVDA"}
	var ticks []tick.Tick
	for i := 0; i < 3000; i++ {
		ts := histEnd.Add(time.Duration(rng.Intn(200)) * time.Millisecond)
		ticks = append(ticks, mkTick(symbols[rng.Intn(len(symbols))], ts, uint64(i+1)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(ticks); i += 8 {
				_, err := a.OnTick(ticks[i])
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	for _, sym := range symbols {
		pts := surface.Series(sym)
		for i := 1; i < len(pts); i++ {
			assert.False(t, pts[i].Timestamp.Before(pts[i-1].Timestamp),
				fmt.Sprintf("%s point %d goes back in time", sym, i))
		}
	}
}

type fakeHistory map[string]time.Time

func (f fakeHistory) LastBarTime(_ context.Context, symbol string) (time.Time, bool, error) {
	if symbol == "ERR" {
		return time.Time{}, false, errors.New("db down")
	}
	ts, ok := f[symbol]
	return ts, ok, nil
}

func TestAdapter_SeedFrom(t *testing.T) {
	a, _, _ := newAdapter(t)
	est := time.FixedZone("EST", -5*3600)

	err := a.SeedFrom(context.Background(), fakeHistory{
		"AAPL": time.Date(2023, 12, 31, 19, 0, 0, 0, est),
	}, []string{"AAPL", "MSFT", "ERR"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR")

	cur, ok := a.Cursor("AAPL")
	require.True(t, ok)
	assert.True(t, cur.LastTimestamp.Equal(histEnd))
	assert.Equal(t, time.UTC, cur.LastTimestamp.Location())

	_, ok = a.Cursor("MSFT")
	assert.False(t, ok)

	// Seeding never moves a cursor backwards.
	a.Seed("AAPL", histEnd.Add(-time.Hour))
	cur, _ = a.Cursor("AAPL")
	assert.True(t, cur.LastTimestamp.Equal(histEnd))
}

type resumeHistory struct{ fakeHistory }

func (resumeHistory) Resumes() bool { return true }

// go test -v --run TestAdapter_ResumeRejectsRedelivery
func TestAdapter_ResumeRejectsRedelivery(t *testing.T) {
	a, surface, _ := newAdapter(t)

	require.NoError(t, a.SeedFrom(context.Background(),
		resumeHistory{fakeHistory{"AAPL": histEnd}}, []string{"AAPL"}))

	out, err := a.OnTick(mkTick("AAPL", histEnd, 1))
	require.NoError(t, err)
	assert.Equal(t, RejectedDuplicate, out, "point already on the surface")

	out, _ = a.OnTick(mkTick("AAPL", histEnd.Add(time.Millisecond), 2))
	assert.Equal(t, Accepted, out)
	assert.Len(t, surface.Series("AAPL"), 1)

	// A plain history seed still accepts a tick at the bar's timestamp.
	b, _, _ := newAdapter(t)
	require.NoError(t, b.SeedFrom(context.Background(), fakeHistory{"AAPL": histEnd}, []string{"AAPL"}))
	out, _ = b.OnTick(mkTick("AAPL", histEnd, 1))
	assert.Equal(t, Accepted, out)
}
