package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"livefeed/internal/bus"
	"livefeed/internal/chart"
	"livefeed/internal/diag"
	"livefeed/internal/stream"
	"livefeed/internal/tick"
	"livefeed/internal/universe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type scriptedConn struct {
	mu      sync.Mutex
	batches [][]tick.RawMessage
	closed  chan struct{}
	once    sync.Once
}

func newScriptedConn(batches ...[]tick.RawMessage) *scriptedConn {
	return &scriptedConn{batches: batches, closed: make(chan struct{})}
}

func (c *scriptedConn) Subscribe(context.Context, []string) error { return nil }

func (c *scriptedConn) Read() ([]tick.RawMessage, error) {
	c.mu.Lock()
	if len(c.batches) > 0 {
		b := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()
	<-c.closed
	return nil, errors.New("closed")
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type dialerFunc func(ctx context.Context) (stream.Conn, error)

func (f dialerFunc) Dial(ctx context.Context) (stream.Conn, error) { return f(ctx) }

type history map[string]time.Time

func (h history) LastBarTime(_ context.Context, symbol string) (time.Time, bool, error) {
	ts, ok := h[symbol]
	return ts, ok, nil
}

func trade(symbol, ts string, price int) tick.RawMessage {
	return tick.RawMessage{
		Symbol: symbol,
		Data:   []byte(fmt.Sprintf(`{"T":"t","S":%q,"p":%d,"s":1,"t":%q}`, symbol, price, ts)),
	}
}

// go test -v --run TestPipeline_EndToEnd
func TestPipeline_EndToEnd(t *testing.T) {
	conn := newScriptedConn([]tick.RawMessage{
		trade("AAPL", "2023-12-31T23:59:59Z", 99),  // stale against history
		trade("AAPL", "2024-01-01T00:00:01Z", 100), // accepted
		trade("AAPL", "2024-01-01T00:00:02", 101),  // no zone: rejected by the normalizer
		trade("TSLA", "2024-01-01T00:00:03Z", 200), // outside the universe
		trade("MSFT", "2024-01-01T00:00:04Z", 300), // accepted
	})
	surface := chart.NewMemorySurface()
	trace := diag.NewTrace(diag.DefaultConfig(), zaptest.NewLogger(t))

	p, err := New(Config{Symbols: []string{"AAPL", "MSFT"}, SeedTimeout: time.Second}, Deps{
		Dialer:       dialerFunc(func(context.Context) (stream.Conn, error) { return conn, nil }),
		StreamConfig: stream.Config{BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond},
		BusConfig:    bus.DefaultConfig(),
		Surface:      surface,
		History:      history{"AAPL": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		Universe:     universe.NewStore("AAPL", "MSFT"),
		Trace:        trace,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return surface.CountAll() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	aapl := surface.Series("AAPL")
	require.Len(t, aapl, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC), aapl[0].Timestamp)
	assert.Len(t, surface.Series("MSFT"), 1)
	assert.Empty(t, surface.Series("TSLA"))

	evs := trace.Query("", time.Time{}, time.Time{})
	var rejectedNormalize, rejectedDeliver int
	shutdown := map[diag.Stage]bool{}
	for _, ev := range evs {
		switch {
		case ev.Stage == diag.StageNormalize && ev.Outcome == diag.OutcomeRejected:
			rejectedNormalize++
		case ev.Stage == diag.StageDeliver && ev.Outcome == diag.OutcomeRejected:
			rejectedDeliver++
		case ev.Detail == DetailShutdown:
			shutdown[ev.Stage] = true
		}
	}
	assert.Equal(t, 2, rejectedNormalize, "zone-less timestamp and unknown symbol")
	assert.Equal(t, 1, rejectedDeliver, "stale tick")
	for _, s := range []diag.Stage{diag.StageConnect, diag.StageSubscribe, diag.StageReceive, diag.StageNormalize, diag.StageDeliver} {
		assert.True(t, shutdown[s], "final %s event", s)
	}

	// Events stay causally ordered.
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq)
	}
}

func TestPipeline_AuthRejectedStopsRun(t *testing.T) {
	dials := 0
	p, err := New(Config{Symbols: []string{"AAPL"}}, Deps{
		Dialer: dialerFunc(func(context.Context) (stream.Conn, error) {
			dials++
			return nil, fmt.Errorf("code 401: %w", stream.ErrAuthRejected)
		}),
		StreamConfig: stream.Config{BackoffInitial: time.Hour, BackoffMax: time.Hour},
		Surface:      chart.NewMemorySurface(),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = p.Run(context.Background())
	assert.ErrorIs(t, err, stream.ErrAuthRejected)
	assert.Equal(t, 1, dials)
	assert.Equal(t, stream.StateFailed, p.Client().State())
}

func TestNew_RequiresDialerAndSurface(t *testing.T) {
	_, err := New(Config{}, Deps{Surface: chart.NewMemorySurface()}, nil)
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Dialer: dialerFunc(nil)}, nil)
	assert.Error(t, err)
}

// streamingConn yields one AAPL trade per millisecond until closed. Read is
// only called from the receive goroutine.
type streamingConn struct {
	n      int
	closed chan struct{}
	once   sync.Once
}

func newStreamingConn() *streamingConn { return &streamingConn{closed: make(chan struct{})} }

func (c *streamingConn) Subscribe(context.Context, []string) error { return nil }

func (c *streamingConn) Read() ([]tick.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, errors.New("closed")
	case <-time.After(time.Millisecond):
	}
	c.n++
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(c.n) * time.Millisecond)
	return []tick.RawMessage{trade("AAPL", ts.Format(time.RFC3339Nano), 100)}, nil
}

func (c *streamingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// runWithHealthLog runs a pipeline until its health log satisfies until and
// returns the entries logged up to that point, before shutdown began.
func runWithHealthLog(t *testing.T, conn stream.Conn, cfg Config, trace diag.Config, until func([]observer.LoggedEntry) bool) []observer.LoggedEntry {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)

	p, err := New(cfg, Deps{
		Dialer:       dialerFunc(func(context.Context) (stream.Conn, error) { return conn, nil }),
		StreamConfig: stream.Config{BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond},
		BusConfig:    bus.DefaultConfig(),
		Surface:      chart.NewMemorySurface(),
		Trace:        diag.NewTrace(trace, nil),
	}, zap.New(core))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	var entries []observer.LoggedEntry
	require.Eventually(t, func() bool {
		entries = logs.All()
		return until(entries)
	}, 3*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	return entries
}

func countVerdicts(entries []observer.LoggedEntry, msg string, v diag.Verdict) int {
	n := 0
	for _, e := range entries {
		if e.Message == msg && e.ContextMap()["verdict"] == string(v) {
			n++
		}
	}
	return n
}

// go test -v --run TestPipeline_HealthLogUpstreamSilent
func TestPipeline_HealthLogUpstreamSilent(t *testing.T) {
	// Connected and subscribed, but the provider never sends anything.
	entries := runWithHealthLog(t, newScriptedConn(),
		Config{Symbols: []string{"AAPL"}, DiagnoseWindow: 30 * time.Millisecond, DiagnoseEvery: 10 * time.Millisecond},
		diag.DefaultConfig(),
		func(entries []observer.LoggedEntry) bool {
			return countVerdicts(entries, "feed unhealthy", diag.VerdictUpstreamSilent) > 0
		})

	for _, e := range entries {
		if e.Message != "feed unhealthy" {
			continue
		}
		assert.Equal(t, zapcore.WarnLevel, e.Level)
		assert.Equal(t, "AAPL", e.ContextMap()["symbol"])
	}
	assert.Zero(t, countVerdicts(entries, "feed unhealthy", diag.VerdictInternalFault))
}

// go test -v --run TestPipeline_HealthLogHealthyStream
func TestPipeline_HealthLogHealthyStream(t *testing.T) {
	// A small retention evicts the session start within a few ticks; the
	// stream must still read as healthy.
	entries := runWithHealthLog(t, newStreamingConn(),
		Config{Symbols: []string{"AAPL"}, DiagnoseWindow: time.Minute, DiagnoseEvery: 10 * time.Millisecond},
		diag.Config{Retention: 30},
		func(entries []observer.LoggedEntry) bool {
			return countVerdicts(entries, "feed health", diag.VerdictHealthy) >= 5
		})

	for _, e := range entries {
		assert.NotEqual(t, "feed unhealthy", e.Message, "false alarm: %v", e.ContextMap())
	}
}
