package service

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/multistreambook/internal/book"
	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/metrics"
)

// ReplayResult summarises the book rebuilt from one symbol's records.
type ReplayResult struct {
	Symbol   string
	Batches  int
	Events   int
	Resets   int
	Snapshot domain.OrderbookSnapshot
	Bids     book.SideTotals
	Asks     book.SideTotals
}

// Replayer rebuilds books from archived level event records.
type Replayer struct {
	depth   int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewReplayer creates a Replayer whose snapshots keep depth levels per side.
func NewReplayer(depth int, m *metrics.Metrics, logger *slog.Logger) *Replayer {
	return &Replayer{
		depth:   depth,
		metrics: m,
		logger:  logger.With(slog.String("component", "replayer")),
	}
}

// Replay groups records by symbol and applies each symbol's batches in
// order. Records of different symbols may be interleaved. A batch that
// cannot be applied marks a point where the live book was discarded, so the
// replayed book is cleared and replay continues with the next batch.
func (r *Replayer) Replay(records []domain.EventRecord) ([]ReplayResult, error) {
	bySymbol := make(map[string][]domain.EventRecord)
	for _, rec := range records {
		bySymbol[rec.Symbol] = append(bySymbol[rec.Symbol], rec)
	}
	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	slices.Sort(symbols)

	out := make([]ReplayResult, 0, len(symbols))
	for _, sym := range symbols {
		res, err := r.replaySymbol(sym, bySymbol[sym])
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (r *Replayer) replaySymbol(symbol string, records []domain.EventRecord) (ReplayResult, error) {
	res := ReplayResult{Symbol: symbol}
	var (
		ob    *book.EventOrderBook[book.LevelStats]
		stats *book.LevelStatsAggregator
		agg   *metrics.Aggregator[book.LevelStats]
		last  time.Time
	)
	reset := func() {
		if agg != nil {
			agg.Reset()
		}
		ob = book.NewEventOrderBook[book.LevelStats]()
		stats = &book.LevelStatsAggregator{}
		agg = metrics.NewAggregator[book.LevelStats](r.metrics, symbol, stats)
	}
	reset()

	for _, batch := range book.SplitBatches(records) {
		slices.SortStableFunc(batch, func(a, b domain.EventRecord) int { return a.Seq - b.Seq })
		events, err := book.EventsFromRecords(batch)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("replay: %s: %w", symbol, err)
		}
		if err := ob.UpdateBookEvents(events, agg); err != nil {
			var re *book.ReplayError
			if !errors.As(err, &re) {
				return ReplayResult{}, fmt.Errorf("replay: %s batch %s: %w", symbol, batch[0].BatchID, err)
			}
			r.logger.Warn("batch does not apply, clearing book",
				slog.String("symbol", symbol),
				slog.String("batch_id", batch[0].BatchID),
				slog.String("error", err.Error()),
			)
			res.Resets++
			reset()
			continue
		}
		res.Batches++
		res.Events += len(batch)
		if t := batch[0].ExchangeTime; t.After(last) {
			last = t
		}
	}

	res.Snapshot = ob.Snapshot(symbol, r.depth, last)
	res.Bids = stats.Totals(domain.Buy)
	res.Asks = stats.Totals(domain.Sell)
	return res, nil
}
