package book

import (
	"fmt"
	"iter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

type bookEntry[M any] struct {
	price decimal.Decimal
	size  decimal.Decimal
	meta  M
}

// ReplayError reports an event that an EventOrderBook could not apply. The
// book is left with every event before the failing one applied and must be
// discarded.
type ReplayError struct {
	Side  domain.Side
	Price decimal.Decimal
	Event LevelEvent
	Err   error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("book: replay %s at %s %s: %v", e.Event, e.Side, e.Price, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// EventOrderBook is an order book built purely by replaying BookEvents. Bids
// iterate from the highest price down, asks from the lowest price up. Every
// resting level has a positive size.
//
// An EventOrderBook is not safe for concurrent use.
type EventOrderBook[M any] struct {
	bids *btree.BTreeG[*bookEntry[M]]
	asks *btree.BTreeG[*bookEntry[M]]
}

// NewEventOrderBook returns an empty book.
func NewEventOrderBook[M any]() *EventOrderBook[M] {
	opts := btree.Options{NoLocks: true}
	return &EventOrderBook[M]{
		bids: btree.NewBTreeGOptions(func(a, b *bookEntry[M]) bool {
			return a.price.GreaterThan(b.price)
		}, opts),
		asks: btree.NewBTreeGOptions(func(a, b *bookEntry[M]) bool {
			return a.price.LessThan(b.price)
		}, opts),
	}
}

// UpdateBookEvents applies all bid events in order, then all ask events in
// order, reporting each level change to agg. It stops at the first event
// that would make a level negative or that targets an absent level with
// anything other than a positive Add or sized Refresh.
func (b *EventOrderBook[M]) UpdateBookEvents(update BookEvents, agg EventLevelAggregator[M]) error {
	for _, ev := range update.BidEvents {
		if err := b.apply(b.bids, domain.Buy, ev, agg); err != nil {
			return err
		}
	}
	for _, ev := range update.AskEvents {
		if err := b.apply(b.asks, domain.Sell, ev, agg); err != nil {
			return err
		}
	}
	return nil
}

func (b *EventOrderBook[M]) apply(tree *btree.BTreeG[*bookEntry[M]], side domain.Side, ev BookEvent, agg EventLevelAggregator[M]) error {
	entry, ok := tree.Get(&bookEntry[M]{price: ev.Price})
	if !ok {
		var size decimal.Decimal
		switch {
		case ev.Event.Kind == KindAdd:
			size = ev.Event.Size
		case ev.Event.Kind == KindRefresh && ev.Event.HasSize:
			size = ev.Event.Size
		}
		if size.Sign() <= 0 {
			return &ReplayError{Side: side, Price: ev.Price, Event: ev.Event, Err: domain.ErrAbsentLevel}
		}
		level := domain.Level{Price: ev.Price, Size: size}
		tree.Set(&bookEntry[M]{
			price: ev.Price,
			size:  size,
			meta:  agg.NewLevel(level, ev.Event, side),
		})
		return nil
	}

	var newSize decimal.Decimal
	switch ev.Event.Kind {
	case KindAdd:
		newSize = entry.size.Add(ev.Event.Size)
	case KindCancel, KindTake:
		newSize = entry.size.Sub(ev.Event.Size)
	case KindRefresh:
		if ev.Event.HasSize {
			newSize = ev.Event.Size
		}
	default:
		return &ReplayError{Side: side, Price: ev.Price, Event: ev.Event, Err: fmt.Errorf("unknown event kind %d", ev.Event.Kind)}
	}

	switch newSize.Sign() {
	case -1:
		return &ReplayError{Side: side, Price: ev.Price, Event: ev.Event, Err: domain.ErrNegativeLevel}
	case 1:
		current := domain.Level{Price: entry.price, Size: entry.size}
		entry.size = newSize
		agg.UpdateLevel(&entry.meta, current, newSize, ev.Event, side)
	default:
		tree.Delete(entry)
		agg.RemoveLevel(BookLevel[M]{Price: entry.price, Size: newSize, Metadata: entry.meta}, ev.Event, side)
	}
	return nil
}

// BBO returns the best bid and ask when both sides have a level.
func (b *EventOrderBook[M]) BBO() (domain.BBO, bool) {
	return b.BBOWithExchangeTimestamp(time.Time{})
}

// BBOWithExchangeTimestamp is BBO stamped with the given exchange time.
func (b *EventOrderBook[M]) BBOWithExchangeTimestamp(ts time.Time) (domain.BBO, bool) {
	bid, ok := b.bids.Min()
	if !ok {
		return domain.BBO{}, false
	}
	ask, ok := b.asks.Min()
	if !ok {
		return domain.BBO{}, false
	}
	return domain.BBO{
		Bid:               domain.Level{Price: bid.price, Size: bid.size},
		Ask:               domain.Level{Price: ask.price, Size: ask.size},
		ExchangeTimestamp: ts,
	}, true
}

// Bids iterates bid levels from the best price down.
func (b *EventOrderBook[M]) Bids() iter.Seq[domain.Level] { return levels(b.bids) }

// Asks iterates ask levels from the best price up.
func (b *EventOrderBook[M]) Asks() iter.Seq[domain.Level] { return levels(b.asks) }

// BidLevels iterates bid levels with their metadata, best first.
func (b *EventOrderBook[M]) BidLevels() iter.Seq[BookLevel[M]] { return bookLevels(b.bids) }

// AskLevels iterates ask levels with their metadata, best first.
func (b *EventOrderBook[M]) AskLevels() iter.Seq[BookLevel[M]] { return bookLevels(b.asks) }

// BidLevelsMut iterates bid levels with a pointer to their metadata.
func (b *EventOrderBook[M]) BidLevelsMut() iter.Seq2[domain.Level, *M] { return mutLevels(b.bids) }

// AskLevelsMut iterates ask levels with a pointer to their metadata.
func (b *EventOrderBook[M]) AskLevelsMut() iter.Seq2[domain.Level, *M] { return mutLevels(b.asks) }

// GetBid returns the bid level at price.
func (b *EventOrderBook[M]) GetBid(price decimal.Decimal) (BookLevel[M], bool) {
	return get(b.bids, price)
}

// GetAsk returns the ask level at price.
func (b *EventOrderBook[M]) GetAsk(price decimal.Decimal) (BookLevel[M], bool) {
	return get(b.asks, price)
}

// Len returns the number of bid and ask levels.
func (b *EventOrderBook[M]) Len() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}

// Depth returns up to n best levels per side. A non-positive n returns
// every level.
func (b *EventOrderBook[M]) Depth(n int) (bids, asks []domain.Level) {
	return topN(b.bids, n), topN(b.asks, n)
}

// Snapshot returns the top n levels of the book as a snapshot for symbol.
func (b *EventOrderBook[M]) Snapshot(symbol string, n int, ts time.Time) domain.OrderbookSnapshot {
	bids, asks := b.Depth(n)
	return domain.OrderbookSnapshot{Symbol: symbol, Bids: bids, Asks: asks, Timestamp: ts}
}

func get[M any](tree *btree.BTreeG[*bookEntry[M]], price decimal.Decimal) (BookLevel[M], bool) {
	e, ok := tree.Get(&bookEntry[M]{price: price})
	if !ok {
		return BookLevel[M]{}, false
	}
	return BookLevel[M]{Price: e.price, Size: e.size, Metadata: e.meta}, true
}

func levels[M any](tree *btree.BTreeG[*bookEntry[M]]) iter.Seq[domain.Level] {
	return func(yield func(domain.Level) bool) {
		tree.Scan(func(e *bookEntry[M]) bool {
			return yield(domain.Level{Price: e.price, Size: e.size})
		})
	}
}

func bookLevels[M any](tree *btree.BTreeG[*bookEntry[M]]) iter.Seq[BookLevel[M]] {
	return func(yield func(BookLevel[M]) bool) {
		tree.Scan(func(e *bookEntry[M]) bool {
			return yield(BookLevel[M]{Price: e.price, Size: e.size, Metadata: e.meta})
		})
	}
}

func mutLevels[M any](tree *btree.BTreeG[*bookEntry[M]]) iter.Seq2[domain.Level, *M] {
	return func(yield func(domain.Level, *M) bool) {
		tree.Scan(func(e *bookEntry[M]) bool {
			return yield(domain.Level{Price: e.price, Size: e.size}, &e.meta)
		})
	}
}

func topN[M any](tree *btree.BTreeG[*bookEntry[M]], n int) []domain.Level {
	size := tree.Len()
	if n > 0 && n < size {
		size = n
	}
	out := make([]domain.Level, 0, size)
	tree.Scan(func(e *bookEntry[M]) bool {
		out = append(out, domain.Level{Price: e.price, Size: e.size})
		return len(out) < size
	})
	return out
}
