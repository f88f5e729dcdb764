package book

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// AppendRecords flattens one cycle of events into persisted records, bids
// first, numbering them from zero within batchID.
func AppendRecords(dst []domain.EventRecord, symbol, batchID string, events BookEvents, exchangeTime, recordedAt time.Time) []domain.EventRecord {
	seq := 0
	add := func(side domain.Side, evs []BookEvent) {
		for _, ev := range evs {
			dst = append(dst, domain.EventRecord{
				BatchID:      batchID,
				Seq:          seq,
				Symbol:       symbol,
				Side:         side.String(),
				Price:        ev.Price,
				Kind:         ev.Event.Kind.String(),
				Size:         ev.Event.Size,
				HasSize:      ev.Event.HasSize,
				VisibleSize:  ev.Event.VisibleSizeOnBook,
				TradeIdx:     ev.Event.TradeIdx,
				ExchangeTime: exchangeTime,
				RecordedAt:   recordedAt,
			})
			seq++
		}
	}
	add(domain.Buy, events.BidEvents)
	add(domain.Sell, events.AskEvents)
	return dst
}

// EventsFromRecords rebuilds the events of one batch. Records must be in Seq
// order.
func EventsFromRecords(records []domain.EventRecord) (BookEvents, error) {
	var out BookEvents
	for _, r := range records {
		side, err := domain.ParseSide(r.Side)
		if err != nil {
			return BookEvents{}, fmt.Errorf("book: record %s/%d: %w", r.BatchID, r.Seq, err)
		}
		kind, err := ParseEventKind(r.Kind)
		if err != nil {
			return BookEvents{}, fmt.Errorf("book: record %s/%d: %w", r.BatchID, r.Seq, err)
		}
		ev := BookEvent{
			Price: r.Price,
			Event: LevelEvent{
				Kind:              kind,
				Size:              r.Size,
				VisibleSizeOnBook: r.VisibleSize,
				TradeIdx:          r.TradeIdx,
				HasSize:           r.HasSize,
			},
		}
		if side == domain.Buy {
			out.BidEvents = append(out.BidEvents, ev)
		} else {
			out.AskEvents = append(out.AskEvents, ev)
		}
	}
	return out, nil
}

// SplitBatches groups consecutive records sharing a BatchID.
func SplitBatches(records []domain.EventRecord) [][]domain.EventRecord {
	var out [][]domain.EventRecord
	start := 0
	for i := 1; i <= len(records); i++ {
		if i == len(records) || records[i].BatchID != records[start].BatchID {
			out = append(out, records[start:i])
			start = i
		}
	}
	return out
}
