package book

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

func lvl(price, size string) domain.Level {
	return domain.Level{Price: dec(price), Size: dec(size)}
}

func bookEventStrings(events []BookEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.String())
	}
	return out
}

func TestMultiStreamBook_Lifecycle(t *testing.T) {
	msb := NewMultiStreamBook()
	ob := NewEventOrderBook[struct{}]()
	var out BookEvents

	replay := func() {
		t.Helper()
		require.NoError(t, ob.UpdateBookEvents(out, NoopAggregator{}))
	}

	t.Run("snapshot", func(t *testing.T) {
		out.Clear()
		require.NoError(t, msb.HandleSnapshot(
			[]domain.Level{lvl("10", "5")},
			[]domain.Level{lvl("11", "3")},
			100, &out))
		assert.Equal(t, []string{"add(5)@10"}, bookEventStrings(out.BidEvents))
		assert.Equal(t, []string{"add(3)@11"}, bookEventStrings(out.AskEvents))
		replay()
	})

	t.Run("trades through the ask", func(t *testing.T) {
		out.Clear()
		require.NoError(t, msb.HandleTrades([]TimedTrade{
			{Price: dec("11"), Size: dec("1"), Side: domain.Buy, Time: 101, TradeIdx: 0},
			{Price: dec("12"), Size: dec("2"), Side: domain.Buy, Time: 102, TradeIdx: 1},
		}, &out))
		assert.Empty(t, out.BidEvents)
		assert.Equal(t, []string{
			"take(1 visible=3 idx=0)@11",
			"cancel(2)@11",
			"add(2)@12",
			"take(2 visible=0 idx=1)@12",
		}, bookEventStrings(out.AskEvents))
		replay()

		tr, ok := msb.Tracker(domain.Sell, dec("11"))
		require.True(t, ok)
		at, marked := tr.MarkedForDeletionAt()
		assert.True(t, marked)
		assert.Equal(t, int64(102), at)
		assert.Equal(t, uint64(1), msb.Stats().Marks)
	})

	t.Run("incremental depth confirms and evicts", func(t *testing.T) {
		out.Clear()
		require.NoError(t, msb.HandleIncrementalDepth(nil, []domain.Level{
			lvl("11", "0"), lvl("12", "0"), lvl("13", "4"),
		}, 103, &out))
		assert.Empty(t, out.BidEvents)
		assert.Equal(t, []string{"add(4)@13"}, bookEventStrings(out.AskEvents))
		replay()

		bids, asks := msb.Len()
		assert.Equal(t, 1, bids)
		assert.Equal(t, 1, asks)
		assert.Equal(t, uint64(2), msb.Stats().Evicted)

		bbo, ok := ob.BBO()
		require.True(t, ok)
		assert.Equal(t, "5@10", bbo.Bid.String())
		assert.Equal(t, "4@13", bbo.Ask.String())
	})

	t.Run("stale trade", func(t *testing.T) {
		out.Clear()
		require.NoError(t, msb.HandleTrades([]TimedTrade{
			{Price: dec("10"), Size: dec("1"), Side: domain.Sell, Time: 99},
		}, &out))
		assert.True(t, out.Empty())
		assert.Equal(t, uint64(1), msb.Stats().StaleTrades)
	})

	t.Run("snapshot clears missing levels", func(t *testing.T) {
		out.Clear()
		require.NoError(t, msb.HandleSnapshot(
			[]domain.Level{lvl("9", "1")},
			[]domain.Level{lvl("13", "4")},
			200, &out))
		assert.Equal(t, []string{"add(1)@9", "cancel(5)@10"}, bookEventStrings(out.BidEvents))
		assert.Empty(t, out.AskEvents)
		replay()

		_, ok := msb.Tracker(domain.Buy, dec("10"))
		assert.False(t, ok)
	})

	t.Run("crossing bid marks asks", func(t *testing.T) {
		out.Clear()
		require.NoError(t, msb.HandleIncrementalDepth([]domain.Level{lvl("13", "1")}, nil, 201, &out))
		assert.Equal(t, []string{"add(1)@13"}, bookEventStrings(out.BidEvents))
		assert.Equal(t, []string{"cancel(4)@13"}, bookEventStrings(out.AskEvents))
		replay()

		_, asks := ob.Len()
		assert.Zero(t, asks)
		assert.Equal(t, []domain.Level(nil), msb.InferredLevels(domain.Sell))
	})
}

func TestMultiStreamBook_Options(t *testing.T) {
	msb := NewMultiStreamBook(WithImpliedDeletion(false), WithCrossedLevelDeletion(false))
	var out BookEvents
	require.NoError(t, msb.HandleSnapshot(nil, []domain.Level{lvl("11", "3")}, 1, &out))

	out.Clear()
	require.NoError(t, msb.HandleTrades([]TimedTrade{
		{Price: dec("12"), Size: dec("1"), Side: domain.Buy, Time: 2},
	}, &out))
	assert.Equal(t, []string{"add(1)@12", "take(1 visible=0 idx=0)@12"}, bookEventStrings(out.AskEvents))

	out.Clear()
	require.NoError(t, msb.HandleIncrementalDepth([]domain.Level{lvl("11", "2")}, nil, 3, &out))
	assert.Equal(t, []string{"add(2)@11"}, bookEventStrings(out.BidEvents))
	assert.Empty(t, out.AskEvents)
}

func TestMultiStreamBook_RejectsBadInput(t *testing.T) {
	msb := NewMultiStreamBook()
	var out BookEvents

	err := msb.HandleIncrementalDepth([]domain.Level{{Price: dec("1"), Size: dec("-1")}}, nil, 1, &out)
	assert.ErrorIs(t, err, domain.ErrNegativeSize)

	err = msb.HandleSnapshot(nil, []domain.Level{{Price: dec("1"), Size: dec("-1")}}, 1, &out)
	assert.ErrorIs(t, err, domain.ErrNegativeSize)

	err = msb.HandleTrades([]TimedTrade{{Price: dec("1"), Size: dec("-1"), Side: domain.Buy, Time: 2}}, &out)
	assert.ErrorIs(t, err, domain.ErrNegativeSize)

	err = msb.HandleTrades([]TimedTrade{{Price: dec("1"), Size: dec("1"), Time: 2}}, &out)
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	assert.True(t, out.Empty())
	bids, asks := msb.Len()
	assert.Zero(t, bids+asks)
}

func TestMultiStreamBook_ZeroDiffOnUnknownLevel(t *testing.T) {
	msb := NewMultiStreamBook()
	var out BookEvents
	require.NoError(t, msb.HandleIncrementalDepth([]domain.Level{{Price: dec("5"), Size: decimal.Zero}}, nil, 1, &out))
	assert.True(t, out.Empty())
	bids, _ := msb.Len()
	assert.Zero(t, bids)
}
