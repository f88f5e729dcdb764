package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one half of an order book.
type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

// String returns "buy" or "sell".
func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide converts "buy"/"sell" (any case, or "b"/"s") to a Side.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "buy", "b", "bid":
		return Buy, nil
	case "sell", "s", "ask":
		return Sell, nil
	default:
		return 0, fmt.Errorf("domain: parse side %q: %w", v, ErrInvalidSide)
	}
}

// Level is a single price and size entry in an orderbook.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// String renders the level as size@price.
func (l Level) String() string {
	return l.Size.String() + "@" + l.Price.String()
}

// BBO is the best bid and best ask of a book. ExchangeTimestamp is the zero
// time when the exchange time is unknown.
type BBO struct {
	Bid               Level
	Ask               Level
	ExchangeTimestamp time.Time
}

// Mid returns the arithmetic mid price.
func (b BBO) Mid() decimal.Decimal {
	return b.Bid.Price.Add(b.Ask.Price).Div(decimal.NewFromInt(2))
}

// WeightedMid returns the size weighted mid price, which leans towards the
// side with less resting size. It falls back to Mid when both sizes are zero.
func (b BBO) WeightedMid() decimal.Decimal {
	total := b.Bid.Size.Add(b.Ask.Size)
	if total.IsZero() {
		return b.Mid()
	}
	return b.Bid.Price.Mul(b.Ask.Size).Add(b.Ask.Price.Mul(b.Bid.Size)).Div(total)
}

// Spread returns ask price minus bid price.
func (b BBO) Spread() decimal.Decimal {
	return b.Ask.Price.Sub(b.Bid.Price)
}

// OrderbookSnapshot is the top of a reconstructed book for a symbol, as
// published to caches and served over HTTP.
type OrderbookSnapshot struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

// BBO returns the best levels of the snapshot, if both sides are present.
func (s OrderbookSnapshot) BBO() (BBO, bool) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return BBO{}, false
	}
	return BBO{Bid: s.Bids[0], Ask: s.Asks[0], ExchangeTimestamp: s.Timestamp}, true
}

// DepthUpdate is one message from a depth feed. Snapshot updates carry every
// resting level of the book; incremental updates carry only the levels that
// changed. Sizes are absolute, a zero size means the level is empty.
// FirstUpdateID and UpdateID bound the exchange sequence numbers folded into
// the message; for snapshots both equal the snapshot's last update id.
type DepthUpdate struct {
	Symbol        string
	Snapshot      bool
	Bids          []Level
	Asks          []Level
	ExchangeTime  time.Time
	FirstUpdateID int64
	UpdateID      int64
}
