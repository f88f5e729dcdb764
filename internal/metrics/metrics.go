// Package metrics exposes Prometheus instrumentation for book reconstruction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the service reports.
type Metrics struct {
	LevelEvents  *prometheus.CounterVec
	Levels       *prometheus.GaugeVec
	StaleTrades  *prometheus.CounterVec
	Desyncs      *prometheus.CounterVec
	SinkErrors   *prometheus.CounterVec
	FeedMessages *prometheus.CounterVec
	CycleSeconds prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LevelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msbook_level_events_total",
			Help: "Level events replayed into the reconstructed book.",
		}, []string{"symbol", "side", "kind"}),
		Levels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msbook_levels",
			Help: "Resting levels in the reconstructed book.",
		}, []string{"symbol", "side"}),
		StaleTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msbook_stale_trades_total",
			Help: "Trades dropped because the depth feed already reflected them.",
		}, []string{"symbol"}),
		Desyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msbook_desync_total",
			Help: "Books discarded after an unrecoverable reconstruction error.",
		}, []string{"symbol"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msbook_sink_errors_total",
			Help: "Failed writes to the cache, store or archive.",
		}, []string{"symbol", "sink"}),
		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msbook_feed_messages_total",
			Help: "Messages received from the exchange feeds.",
		}, []string{"symbol", "type"}),
		CycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "msbook_cycle_seconds",
			Help:    "Time spent reconstructing and replaying one feed message.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
	reg.MustRegister(
		m.LevelEvents,
		m.Levels,
		m.StaleTrades,
		m.Desyncs,
		m.SinkErrors,
		m.FeedMessages,
		m.CycleSeconds,
	)
	return m
}
