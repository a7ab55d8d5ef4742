// Package pipeline wires the stream client, normalizer, bus and chart adapter
// into one running feed and owns its startup seeding and shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livefeed/internal/bus"
	"livefeed/internal/chart"
	"livefeed/internal/diag"
	"livefeed/internal/stream"
	"livefeed/internal/tick"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DetailShutdown marks the final trace event of each stage.
const DetailShutdown = "shutdown"

type Config struct {
	Symbols         []string
	SeedTimeout     time.Duration
	ShutdownTimeout time.Duration
	DiagnoseWindow  time.Duration
	DiagnoseEvery   time.Duration // 0 disables the periodic health log
}

// Deps are the components a Pipeline is assembled from. History and
// Universe are optional.
type Deps struct {
	Dialer       stream.Dialer
	StreamConfig stream.Config
	BusConfig    bus.Config
	Surface      chart.Surface
	History      chart.HistorySource
	Universe     tick.Universe
	Trace        *diag.Trace
}

type Pipeline struct {
	cfg     Config
	history chart.HistorySource
	trace   *diag.Trace
	logger  *zap.Logger

	client     *stream.Client
	normalizer *tick.Normalizer
	bus        *bus.Bus
	adapter    *chart.Adapter
}

func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Dialer == nil {
		return nil, errors.New("pipeline: dialer is required")
	}
	if deps.Surface == nil {
		return nil, errors.New("pipeline: surface is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Trace == nil {
		deps.Trace = diag.NewTrace(diag.DefaultConfig(), logger)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.DiagnoseWindow <= 0 {
		cfg.DiagnoseWindow = time.Minute
	}

	rec := deps.Trace
	return &Pipeline{
		cfg:        cfg,
		history:    deps.History,
		trace:      rec,
		logger:     logger.Named("pipeline"),
		client:     stream.NewClient(deps.StreamConfig, deps.Dialer, rec, logger),
		normalizer: tick.NewNormalizer(deps.Universe, rec, logger),
		bus:        bus.New(deps.BusConfig, rec, logger),
		adapter:    chart.NewAdapter(deps.Surface, rec, logger),
	}, nil
}

func (p *Pipeline) Client() *stream.Client { return p.client }

func (p *Pipeline) Bus() *bus.Bus { return p.bus }

func (p *Pipeline) Adapter() *chart.Adapter { return p.adapter }

func (p *Pipeline) Trace() *diag.Trace { return p.trace }

// Run seeds the chart cursors, subscribes and streams until ctx is done or
// the stream fails permanently. Cancellation is a clean shutdown and returns
// nil; auth rejection and retry budget exhaustion are returned.
func (p *Pipeline) Run(ctx context.Context) error {
	p.seed(ctx)

	if _, err := p.bus.Subscribe(p.cfg.Symbols, p.adapter.Handle); err != nil {
		return fmt.Errorf("subscribe chart adapter: %w", err)
	}
	if err := p.client.Subscribe(ctx, p.cfg.Symbols); err != nil {
		return fmt.Errorf("subscribe stream: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.client.Receive(gctx, p.onRaw)
	})
	if p.cfg.DiagnoseEvery > 0 {
		g.Go(func() error {
			p.diagnoseLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	p.shutdown()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil
		}
	}
	if err != nil {
		p.logger.Error("stream failed", zap.Error(err))
	}
	return err
}

// onRaw runs on the receive goroutine; normalization failures are already
// recorded by the normalizer.
func (p *Pipeline) onRaw(raw tick.RawMessage) {
	t, err := p.normalizer.Normalize(raw)
	if err != nil {
		return
	}
	p.bus.Publish(t)
}

func (p *Pipeline) seed(ctx context.Context) {
	if p.history == nil || len(p.cfg.Symbols) == 0 {
		return
	}

	seedCtx := ctx
	if p.cfg.SeedTimeout > 0 {
		var cancel context.CancelFunc
		seedCtx, cancel = context.WithTimeout(ctx, p.cfg.SeedTimeout)
		defer cancel()
	}

	// Symbols without history start from their first live tick.
	if err := p.adapter.SeedFrom(seedCtx, p.history, p.cfg.Symbols); err != nil {
		p.logger.Warn("history seeding incomplete", zap.Error(err))
	}
	p.logger.Info("history seeded", zap.Int("symbols", len(p.cfg.Symbols)))
}

func (p *Pipeline) diagnoseLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.DiagnoseEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.logHealth(now)
		}
	}
}

func (p *Pipeline) logHealth(now time.Time) {
	for _, symbol := range p.cfg.Symbols {
		d := p.trace.Diagnose(symbol, p.cfg.DiagnoseWindow, now)
		switch d.Verdict {
		case diag.VerdictHealthy, diag.VerdictInconclusive:
			p.logger.Debug("feed health", zap.String("symbol", symbol), zap.String("verdict", string(d.Verdict)))
		default:
			p.logger.Warn("feed unhealthy",
				zap.String("symbol", symbol),
				zap.String("verdict", string(d.Verdict)),
				zap.Time("since", d.Since),
				zap.String("reason", d.Reason),
			)
		}
	}
}

// shutdown stops the stream, drains the bus and records a final event for
// every stage.
func (p *Pipeline) shutdown() {
	if err := p.client.Close(); err != nil {
		p.logger.Warn("stream close", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()
	if err := p.bus.Close(ctx); err != nil {
		p.logger.Warn("bus drain incomplete", zap.Error(err))
	}

	for _, stage := range []diag.Stage{
		diag.StageConnect,
		diag.StageSubscribe,
		diag.StageReceive,
		diag.StageNormalize,
		diag.StageDeliver,
	} {
		p.trace.Record(diag.TraceEvent{Stage: stage, Outcome: diag.OutcomeOK, Detail: DetailShutdown})
	}

	stats := p.trace.Stats()
	p.logger.Info("pipeline stopped",
		zap.Uint64("trace_recorded", stats.Recorded),
		zap.Uint64("trace_evicted", stats.Evicted),
		zap.Uint64("sink_dropped", stats.SinkDropped),
		zap.Uint64("sink_errors", stats.SinkErrors),
	)
}
