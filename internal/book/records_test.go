package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

func TestRecords_ReplayMatchesLiveBook(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	cycles := []BookEvents{
		{
			BidEvents: []BookEvent{at("10", AddEvent(dec("5")))},
			AskEvents: []BookEvent{at("11", RefreshEvent(dec("3"))), at("12", AddEvent(dec("1")))},
		},
		{
			AskEvents: []BookEvent{
				at("11", TakeEvent(dec("1"), dec("3"), 0)),
				at("11", CancelEvent(dec("2"))),
				at("12", RemoveEvent()),
			},
		},
	}

	live := NewEventOrderBook[struct{}]()
	var records []domain.EventRecord
	for i, c := range cycles {
		require.NoError(t, live.UpdateBookEvents(c, NoopAggregator{}))
		records = AppendRecords(records, "BTCUSDT", string(rune('a'+i)), c, ts, ts)
	}
	require.Len(t, records, 6)
	assert.Equal(t, "buy", records[0].Side)
	assert.Equal(t, 0, records[0].Seq)
	assert.Equal(t, 2, records[2].Seq)
	assert.Equal(t, "take", records[3].Kind)
	assert.False(t, records[5].HasSize)

	batches := SplitBatches(records)
	require.Len(t, batches, 2)

	replayed := NewEventOrderBook[struct{}]()
	for i, b := range batches {
		events, err := EventsFromRecords(b)
		require.NoError(t, err)
		assert.Equal(t, bookEventStrings(cycles[i].BidEvents), bookEventStrings(events.BidEvents))
		assert.Equal(t, bookEventStrings(cycles[i].AskEvents), bookEventStrings(events.AskEvents))
		require.NoError(t, replayed.UpdateBookEvents(events, NoopAggregator{}))
	}

	lb, la := live.Depth(0)
	rb, ra := replayed.Depth(0)
	assert.Equal(t, levelStrings(lb), levelStrings(rb))
	assert.Equal(t, levelStrings(la), levelStrings(ra))
	assert.Equal(t, []string{"5@10"}, levelStrings(rb))
	assert.Empty(t, ra)
}

func levelStrings(levels []domain.Level) []string {
	out := make([]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.String())
	}
	return out
}

func TestEventsFromRecords_Errors(t *testing.T) {
	_, err := EventsFromRecords([]domain.EventRecord{{Side: "up", Kind: "add"}})
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	_, err = EventsFromRecords([]domain.EventRecord{{Side: "buy", Kind: "modify"}})
	assert.Error(t, err)
}

func TestSplitBatches_Empty(t *testing.T) {
	assert.Nil(t, SplitBatches(nil))
}
