package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"livefeed/config"
	"livefeed/internal/bus"
	"livefeed/internal/chart"
	"livefeed/internal/diag"
	"livefeed/internal/metrics"
	"livefeed/internal/pipeline"
	"livefeed/internal/stream"
	"livefeed/internal/tick"
	"livefeed/internal/universe"
	"livefeed/pkg/provider"
	"livefeed/pkg/storage/postgres"
	redisstore "livefeed/pkg/storage/redis"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// run assembles the pipeline from cfg and blocks until ctx is done or the
// stream fails permanently.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run", runID))

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	// Postgres: trace store and/or history source
	var pg *postgres.PostgresClient
	if cfg.UsesPostgres() {
		client, err := postgres.InitializeAndMigrate(cfg.Postgres, cfg.Env, cfg.Env != "prod")
		if err != nil {
			return fmt.Errorf("failed to connect to DB: %w", err)
		}
		pg = client
		cleanups = append(cleanups, func() { _ = pg.Close() })
	}

	// Diagnostics sinks
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var sinks []diag.Sink
	if cfg.Diag.LogEvents {
		sinks = append(sinks, diag.NewLogSink(logger))
	}
	if cfg.Metrics.Enabled {
		sink, err := metrics.NewSink(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Diag.Persist && pg != nil {
		sinks = append(sinks, postgres.NewTraceSink(pg, runID))
	}

	trace := diag.NewTrace(diag.Config{
		Retention:   cfg.Diag.Retention,
		SinkBuffer:  cfg.Diag.SinkBuffer,
		SinkTimeout: cfg.Diag.SinkTimeout,
	}, logger, sinks...)
	cleanups = append(cleanups, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := trace.Close(ctx); err != nil {
			logger.Warn("trace flush incomplete", zap.Error(err))
		}
	})

	restClient := provider.NewRESTClient(cfg.Provider.REST.BaseURL, cfg.Provider.Key, cfg.Provider.Secret, cfg.Provider.REST.Timeout)

	surface, closeSurface, err := newSurface(ctx, cfg)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, closeSurface)

	history, err := newHistory(cfg, restClient, pg, surface)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var symbols tick.Universe
	if cfg.Feed.StrictUniverse {
		store := universe.NewStore(cfg.Feed.Symbols...)
		if cfg.Feed.LoadUniverse {
			startUniverseRefresh(gctx, store, restClient, cfg, logger)
		}
		symbols = store
	}

	p, err := pipeline.New(pipeline.Config{
		Symbols:         cfg.Feed.Symbols,
		SeedTimeout:     cfg.Feed.SeedTimeout,
		ShutdownTimeout: shutdownTimeout,
		DiagnoseWindow:  cfg.Diag.DiagnoseWindow,
		DiagnoseEvery:   cfg.Diag.DiagnoseEvery,
	}, pipeline.Deps{
		Dialer: provider.NewWSDialer(provider.WSConfig{
			URL:              cfg.Provider.WS.URL,
			Key:              cfg.Provider.Key,
			Secret:           cfg.Provider.Secret,
			Channels:         cfg.Provider.WS.Channels,
			HandshakeTimeout: cfg.Provider.WS.HandshakeTimeout,
			PongWait:         cfg.Provider.WS.PongWait,
			WriteWait:        cfg.Provider.WS.WriteWait,
		}, logger),
		StreamConfig: stream.Config{
			BackoffInitial: cfg.Stream.BackoffInitial,
			BackoffMax:     cfg.Stream.BackoffMax,
			MaxRetries:     cfg.Stream.MaxRetries,
		},
		BusConfig: bus.Config{BufferSize: cfg.Bus.BufferSize},
		Surface:   surface,
		History:   history,
		Universe:  symbols,
		Trace:     trace,
	}, logger)
	if err != nil {
		return err
	}

	g.Go(func() error {
		return p.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics, reg, logger)
		})
	}

	return g.Wait()
}

func newSurface(ctx context.Context, cfg *config.Config) (chart.Surface, func(), error) {
	if cfg.Feed.Surface != "redis" {
		return chart.NewMemorySurface(), func() {}, nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return redisstore.NewSurface(rdb, cfg.Redis.ChannelPrefix, cfg.Redis.KeyPrefix), func() { _ = rdb.Close() }, nil
}

func newHistory(cfg *config.Config, rest *provider.RESTClient, pg *postgres.PostgresClient, surface chart.Surface) (chart.HistorySource, error) {
	switch cfg.Feed.History {
	case "rest":
		return rest, nil
	case "redis":
		// Resume after the last point consumers already received.
		rs, ok := surface.(*redisstore.Surface)
		if !ok {
			return nil, errors.New("redis history requested without the redis surface")
		}
		return rs, nil
	case "postgres":
		if pg == nil {
			return nil, errors.New("postgres history requested without a database")
		}
		return pg, nil
	default:
		return nil, nil
	}
}

func startUniverseRefresh(ctx context.Context, store *universe.Store, rest *provider.RESTClient, cfg *config.Config, logger *zap.Logger) {
	loader := &universe.Loader{
		Static:  cfg.Feed.Symbols,
		Source:  rest,
		Timeout: cfg.Provider.REST.Timeout,
		Logger:  logger.Named("universe"),
	}
	m := &universe.MidnightLoader{Load: universe.DefaultLoadFn(loader)}
	m.Start(ctx, func(ch <-chan string) {
		added := <-store.StartWorker(ch)
		logger.Info("symbol universe refreshed", zap.Int("added", len(added)), zap.Int("total", store.Len()))
	})
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler(reg))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", cfg.Addr), zap.String("path", cfg.Path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
