// Package metrics exports the diagnostics trace as prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"livefeed/internal/diag"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livefeed"

// Sink counts trace events. It implements diag.Sink.
type Sink struct {
	events    *prometheus.CounterVec
	lastEvent *prometheus.GaugeVec
	drops     prometheus.Counter
}

// NewSink creates the collectors and registers them with reg.
func NewSink(reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_events_total",
			Help:      "Trace events recorded, by pipeline stage and outcome.",
		}, []string{"stage", "outcome"}),
		lastEvent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_event_timestamp_seconds",
			Help:      "Unix time of the most recent trace event per stage.",
		}, []string{"stage"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_drops_total",
			Help:      "Ticks evicted from full subscriber buffers.",
		}),
	}

	for _, c := range []prometheus.Collector{s.events, s.lastEvent, s.drops} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sink) Write(_ context.Context, ev diag.TraceEvent) error {
	s.events.WithLabelValues(string(ev.Stage), string(ev.Outcome)).Inc()
	if !ev.Timestamp.IsZero() {
		s.lastEvent.WithLabelValues(string(ev.Stage)).Set(float64(ev.Timestamp.UnixNano()) / 1e9)
	}
	if ev.Detail == diag.DetailBackpressureDrop {
		s.drops.Inc()
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
