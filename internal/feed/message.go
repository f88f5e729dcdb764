package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// Message is one decoded feed message for a single symbol. Exactly one of
// Depth and Trade is set.
type Message struct {
	Symbol string
	Depth  *domain.DepthUpdate
	Trade  *domain.Trade
}

// streamEnvelope is the combined-stream wrapper: {"stream": "...", "data": {...}}.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthEvent struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FirstID   int64       `json:"U"`
	FinalID   int64       `json:"u"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

type tradeEvent struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

// depthSnapshot is the REST /api/v3/depth response body.
type depthSnapshot struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// DecodeMessage parses a combined-stream websocket frame. Frames that are
// neither depth updates nor trades (subscription acks, for example) return
// ok == false and no error.
func DecodeMessage(raw []byte) (msg Message, ok bool, err error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, false, fmt.Errorf("feed: decode envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return Message{}, false, nil
	}

	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(env.Data, &head); err != nil {
		return Message{}, false, fmt.Errorf("feed: decode %s: %w", env.Stream, err)
	}

	switch head.Event {
	case "depthUpdate":
		var ev depthEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return Message{}, false, fmt.Errorf("feed: decode depth: %w", err)
		}
		upd, err := ev.toDomain()
		if err != nil {
			return Message{}, false, err
		}
		return Message{Symbol: upd.Symbol, Depth: &upd}, true, nil

	case "trade":
		var ev tradeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return Message{}, false, fmt.Errorf("feed: decode trade: %w", err)
		}
		tr, err := ev.toDomain()
		if err != nil {
			return Message{}, false, err
		}
		return Message{Symbol: tr.Symbol, Trade: &tr}, true, nil

	default:
		return Message{}, false, nil
	}
}

// DecodeSnapshot parses a REST depth snapshot for symbol. The REST endpoint
// carries no exchange time, so the caller supplies the receive time.
func DecodeSnapshot(symbol string, body []byte, received time.Time) (domain.DepthUpdate, error) {
	var snap depthSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return domain.DepthUpdate{}, fmt.Errorf("feed: decode snapshot %s: %w", symbol, err)
	}
	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return domain.DepthUpdate{}, fmt.Errorf("feed: snapshot %s bids: %w", symbol, err)
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return domain.DepthUpdate{}, fmt.Errorf("feed: snapshot %s asks: %w", symbol, err)
	}
	return domain.DepthUpdate{
		Symbol:        strings.ToUpper(symbol),
		Snapshot:      true,
		Bids:          bids,
		Asks:          asks,
		ExchangeTime:  received,
		FirstUpdateID: snap.LastUpdateID,
		UpdateID:      snap.LastUpdateID,
	}, nil
}

func (ev depthEvent) toDomain() (domain.DepthUpdate, error) {
	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return domain.DepthUpdate{}, fmt.Errorf("feed: depth %s bids: %w", ev.Symbol, err)
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return domain.DepthUpdate{}, fmt.Errorf("feed: depth %s asks: %w", ev.Symbol, err)
	}
	return domain.DepthUpdate{
		Symbol:        strings.ToUpper(ev.Symbol),
		Bids:          bids,
		Asks:          asks,
		ExchangeTime:  time.UnixMilli(ev.EventTime).UTC(),
		FirstUpdateID: ev.FirstID,
		UpdateID:      ev.FinalID,
	}, nil
}

func (ev tradeEvent) toDomain() (domain.Trade, error) {
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("feed: trade %s price %q: %w", ev.Symbol, ev.Price, err)
	}
	size, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("feed: trade %s quantity %q: %w", ev.Symbol, ev.Quantity, err)
	}
	// The buyer being the maker means the seller crossed the spread.
	side := domain.Buy
	if ev.BuyerIsMaker {
		side = domain.Sell
	}
	ts := ev.TradeTime
	if ts == 0 {
		ts = ev.EventTime
	}
	return domain.Trade{
		Symbol:       strings.ToUpper(ev.Symbol),
		TradeID:      ev.TradeID,
		Price:        price,
		Size:         size,
		Side:         side,
		ExchangeTime: time.UnixMilli(ts).UTC(),
	}, nil
}

func parseLevels(raw [][2]string) ([]domain.Level, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]domain.Level, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], err)
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", pair[1], err)
		}
		out = append(out, domain.Level{Price: price, Size: size})
	}
	return out, nil
}

// streamNames returns the combined-stream names subscribed for symbols.
func streamNames(symbols []string) []string {
	out := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(s)
		out = append(out, s+"@depth@100ms", s+"@trade")
	}
	return out
}
