package book

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// EventKind discriminates the variants of a LevelEvent.
type EventKind uint8

const (
	KindAdd EventKind = iota + 1
	KindCancel
	KindTake
	KindRefresh
)

// String returns the lower-case name of the kind.
func (k EventKind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindCancel:
		return "cancel"
	case KindTake:
		return "take"
	case KindRefresh:
		return "refresh"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(v string) (EventKind, error) {
	switch strings.ToLower(v) {
	case "add":
		return KindAdd, nil
	case "cancel":
		return KindCancel, nil
	case "take":
		return KindTake, nil
	case "refresh":
		return KindRefresh, nil
	default:
		return 0, fmt.Errorf("book: parse event kind %q", v)
	}
}

// LevelEvent is one atomic change to a single price level.
//
// Add and Cancel carry Size. Take carries the traded Size, the size the
// tracker believed was resting when the trade arrived (VisibleSizeOnBook)
// and the trade's index within its input batch. Refresh sets the level to
// Size when HasSize is true and removes the level otherwise.
type LevelEvent struct {
	Kind              EventKind
	Size              decimal.Decimal
	VisibleSizeOnBook decimal.Decimal
	TradeIdx          int
	HasSize           bool
}

// AddEvent returns an Add of size.
func AddEvent(size decimal.Decimal) LevelEvent {
	return LevelEvent{Kind: KindAdd, Size: size}
}

// CancelEvent returns a Cancel of size.
func CancelEvent(size decimal.Decimal) LevelEvent {
	return LevelEvent{Kind: KindCancel, Size: size}
}

// TakeEvent returns a Take of size against visible resting size.
func TakeEvent(size, visible decimal.Decimal, tradeIdx int) LevelEvent {
	return LevelEvent{Kind: KindTake, Size: size, VisibleSizeOnBook: visible, TradeIdx: tradeIdx}
}

// RefreshEvent returns a Refresh that sets the level to size.
func RefreshEvent(size decimal.Decimal) LevelEvent {
	return LevelEvent{Kind: KindRefresh, Size: size, HasSize: true}
}

// RemoveEvent returns a Refresh without a size, which removes the level.
func RemoveEvent() LevelEvent {
	return LevelEvent{Kind: KindRefresh}
}

// Equal reports whether two events are the same variant with numerically
// equal fields. Fields that do not belong to the variant are ignored.
func (e LevelEvent) Equal(o LevelEvent) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case KindTake:
		return e.Size.Equal(o.Size) && e.VisibleSizeOnBook.Equal(o.VisibleSizeOnBook) && e.TradeIdx == o.TradeIdx
	case KindRefresh:
		if e.HasSize != o.HasSize {
			return false
		}
		return !e.HasSize || e.Size.Equal(o.Size)
	default:
		return e.Size.Equal(o.Size)
	}
}

// String renders the event in a canonical form, e.g. "add(2)" or
// "take(2 visible=0 idx=1)".
func (e LevelEvent) String() string {
	switch e.Kind {
	case KindTake:
		return fmt.Sprintf("take(%s visible=%s idx=%d)", e.Size, e.VisibleSizeOnBook, e.TradeIdx)
	case KindRefresh:
		if !e.HasSize {
			return "refresh(none)"
		}
		return fmt.Sprintf("refresh(%s)", e.Size)
	default:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Size)
	}
}

// BookEvent is a level event addressed to a price.
type BookEvent struct {
	Price decimal.Decimal
	Event LevelEvent
}

// String renders the event as kind(...)@price.
func (e BookEvent) String() string {
	return e.Event.String() + "@" + e.Price.String()
}

// BookEvents is one cycle of reconstructed events, per side, in the order
// they must be replayed.
type BookEvents struct {
	BidEvents []BookEvent
	AskEvents []BookEvent
}

// Clear empties both sides while keeping their capacity.
func (b *BookEvents) Clear() {
	b.BidEvents = b.BidEvents[:0]
	b.AskEvents = b.AskEvents[:0]
}

// Len returns the total number of events.
func (b *BookEvents) Len() int {
	return len(b.BidEvents) + len(b.AskEvents)
}

// Empty reports whether there are no events on either side.
func (b *BookEvents) Empty() bool {
	return b.Len() == 0
}
