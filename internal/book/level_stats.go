package book

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// LevelStats is per-level flow recorded while a level rests on the book.
type LevelStats struct {
	AddedVolume     decimal.Decimal
	CancelledVolume decimal.Decimal
	TakenVolume     decimal.Decimal
	Takes           int
	Events          int
}

func (s *LevelStats) record(event LevelEvent, previous, next decimal.Decimal) {
	s.Events++
	switch event.Kind {
	case KindAdd:
		s.AddedVolume = s.AddedVolume.Add(event.Size)
	case KindCancel:
		s.CancelledVolume = s.CancelledVolume.Add(event.Size)
	case KindTake:
		s.TakenVolume = s.TakenVolume.Add(event.Size)
		s.Takes++
	case KindRefresh:
		if d := next.Sub(previous); d.Sign() > 0 {
			s.AddedVolume = s.AddedVolume.Add(d)
		} else {
			s.CancelledVolume = s.CancelledVolume.Add(d.Neg())
		}
	}
}

// SideTotals accumulates the stats of levels that left one side of the
// book.
type SideTotals struct {
	RemovedLevels   int
	CancelledVolume decimal.Decimal
	TakenVolume     decimal.Decimal
}

// LevelStatsAggregator tracks LevelStats for every level and folds the
// stats of removed levels into per-side totals.
type LevelStatsAggregator struct {
	Bids SideTotals
	Asks SideTotals
}

var _ EventLevelAggregator[LevelStats] = (*LevelStatsAggregator)(nil)

// NewLevel starts the stats of a level with its creating event.
func (a *LevelStatsAggregator) NewLevel(level domain.Level, event LevelEvent, _ domain.Side) LevelStats {
	var s LevelStats
	s.record(event, decimal.Zero, level.Size)
	return s
}

// UpdateLevel records event against the level's stats.
func (a *LevelStatsAggregator) UpdateLevel(metadata *LevelStats, current domain.Level, newSize decimal.Decimal, event LevelEvent, _ domain.Side) {
	metadata.record(event, current.Size, newSize)
}

// RemoveLevel records the final event and adds the level's stats to the
// totals of side.
func (a *LevelStatsAggregator) RemoveLevel(old BookLevel[LevelStats], event LevelEvent, side domain.Side) {
	stats := old.Metadata
	previous := stats.AddedVolume.Sub(stats.CancelledVolume).Sub(stats.TakenVolume)
	stats.record(event, previous, old.Size)

	totals := &a.Bids
	if side == domain.Sell {
		totals = &a.Asks
	}
	totals.RemovedLevels++
	totals.CancelledVolume = totals.CancelledVolume.Add(stats.CancelledVolume)
	totals.TakenVolume = totals.TakenVolume.Add(stats.TakenVolume)
}

// Totals returns the totals for side.
func (a *LevelStatsAggregator) Totals(side domain.Side) SideTotals {
	if side == domain.Sell {
		return a.Asks
	}
	return a.Bids
}
