package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/multistreambook/internal/book"
	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// Aggregator decorates an EventLevelAggregator, counting every replayed
// event and tracking the number of resting levels per side.
type Aggregator[M any] struct {
	inner  book.EventLevelAggregator[M]
	events *prometheus.CounterVec
	bids   prometheus.Gauge
	asks   prometheus.Gauge
	symbol string
}

var _ book.EventLevelAggregator[struct{}] = (*Aggregator[struct{}])(nil)

// NewAggregator wraps inner for symbol.
func NewAggregator[M any](m *Metrics, symbol string, inner book.EventLevelAggregator[M]) *Aggregator[M] {
	return &Aggregator[M]{
		inner:  inner,
		events: m.LevelEvents,
		bids:   m.Levels.WithLabelValues(symbol, domain.Buy.String()),
		asks:   m.Levels.WithLabelValues(symbol, domain.Sell.String()),
		symbol: symbol,
	}
}

// NewLevel counts event, raises the side's level gauge and delegates.
func (a *Aggregator[M]) NewLevel(level domain.Level, event book.LevelEvent, side domain.Side) M {
	a.count(event, side)
	a.levels(side).Inc()
	return a.inner.NewLevel(level, event, side)
}

// UpdateLevel counts event and delegates.
func (a *Aggregator[M]) UpdateLevel(metadata *M, current domain.Level, newSize decimal.Decimal, event book.LevelEvent, side domain.Side) {
	a.count(event, side)
	a.inner.UpdateLevel(metadata, current, newSize, event, side)
}

// RemoveLevel counts event, lowers the side's level gauge and delegates.
func (a *Aggregator[M]) RemoveLevel(old book.BookLevel[M], event book.LevelEvent, side domain.Side) {
	a.count(event, side)
	a.levels(side).Dec()
	a.inner.RemoveLevel(old, event, side)
}

// Reset zeroes the level gauges after the book was discarded.
func (a *Aggregator[M]) Reset() {
	a.bids.Set(0)
	a.asks.Set(0)
}

func (a *Aggregator[M]) count(event book.LevelEvent, side domain.Side) {
	a.events.WithLabelValues(a.symbol, side.String(), event.Kind.String()).Inc()
}

func (a *Aggregator[M]) levels(side domain.Side) prometheus.Gauge {
	if side == domain.Sell {
		return a.asks
	}
	return a.bids
}
