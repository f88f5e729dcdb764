package book

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// BookLevel is a level of an EventOrderBook together with its metadata.
type BookLevel[M any] struct {
	Price    decimal.Decimal
	Size     decimal.Decimal
	Metadata M
}

// Level drops the metadata.
func (l BookLevel[M]) Level() domain.Level {
	return domain.Level{Price: l.Price, Size: l.Size}
}

// EventLevelAggregator maintains per-level metadata of type M while an
// EventOrderBook replays events.
//
// NewLevel is called when an event creates a level and returns its initial
// metadata. UpdateLevel is called when an event leaves a level with a
// positive size; current is the level before the event. RemoveLevel is
// called when an event takes a level to zero and receives the level with
// its final size and ownership of its metadata.
type EventLevelAggregator[M any] interface {
	// NewLevel returns the metadata of a level created by event.
	NewLevel(level domain.Level, event LevelEvent, side domain.Side) M
	// UpdateLevel folds event into the metadata of a level that stays on
	// the book.
	UpdateLevel(metadata *M, current domain.Level, newSize decimal.Decimal, event LevelEvent, side domain.Side)
	// RemoveLevel consumes the metadata of a level that event emptied.
	RemoveLevel(old BookLevel[M], event LevelEvent, side domain.Side)
}

// NoopAggregator keeps no metadata. Its methods do nothing.
type NoopAggregator struct{}

var _ EventLevelAggregator[struct{}] = NoopAggregator{}

func (NoopAggregator) NewLevel(domain.Level, LevelEvent, domain.Side) struct{} { return struct{}{} }

func (NoopAggregator) UpdateLevel(*struct{}, domain.Level, decimal.Decimal, LevelEvent, domain.Side) {
}

func (NoopAggregator) RemoveLevel(BookLevel[struct{}], LevelEvent, domain.Side) {}
