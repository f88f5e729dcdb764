package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one print from an exchange trade tape. Side is the aggressor
// side, so a Buy trade consumed resting asks.
type Trade struct {
	Symbol       string
	TradeID      int64
	Price        decimal.Decimal
	Size         decimal.Decimal
	Side         Side
	ExchangeTime time.Time
}

// RestingSide returns the book side the trade executed against.
func (t Trade) RestingSide() Side {
	return t.Side.Opposite()
}

// EventRecord is one reconstructed level event in its persisted form. Records
// of the same batch share BatchID and are ordered by Seq.
type EventRecord struct {
	BatchID      string          `json:"batch_id"`
	Seq          int             `json:"seq"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Kind         string          `json:"kind"`
	Size         decimal.Decimal `json:"size"`
	HasSize      bool            `json:"has_size,omitempty"`
	VisibleSize  decimal.Decimal `json:"visible_size"`
	TradeIdx     int             `json:"trade_idx,omitempty"`
	ExchangeTime time.Time       `json:"exchange_time"`
	RecordedAt   time.Time       `json:"recorded_at"`
}
