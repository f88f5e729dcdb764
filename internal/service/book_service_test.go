package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/multistreambook/internal/book"
	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/feed"
	"github.com/alanyoungcy/multistreambook/internal/metrics"
)

type fakeCache struct {
	mu    sync.Mutex
	snaps map[string]domain.OrderbookSnapshot
}

func (c *fakeCache) SetSnapshot(_ context.Context, symbol string, snap domain.OrderbookSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snaps == nil {
		c.snaps = map[string]domain.OrderbookSnapshot{}
	}
	c.snaps[symbol] = snap
	return nil
}

func (c *fakeCache) GetSnapshot(_ context.Context, symbol string) (domain.OrderbookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[symbol]
	if !ok {
		return domain.OrderbookSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (c *fakeCache) GetBBO(ctx context.Context, symbol string) (domain.BBO, error) {
	snap, err := c.GetSnapshot(ctx, symbol)
	if err != nil {
		return domain.BBO{}, err
	}
	bbo, ok := snap.BBO()
	if !ok {
		return domain.BBO{}, domain.ErrBookNotReady
	}
	return bbo, nil
}

type published struct {
	channel string
	payload []byte
}

type fakeBus struct {
	msgs    []published
	streams map[string][][]byte
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.msgs = append(b.msgs, published{channel, payload})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if b.streams == nil {
		b.streams = map[string][][]byte{}
	}
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeStore struct {
	records []domain.EventRecord
	err     error
}

func (s *fakeStore) InsertBatch(_ context.Context, records []domain.EventRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *fakeStore) ListBySymbol(context.Context, string, domain.ListOpts) ([]domain.EventRecord, error) {
	return s.records, nil
}

func (s *fakeStore) GetLastExchangeTime(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}

type fakeArchiver struct {
	records []domain.EventRecord
}

func (a *fakeArchiver) Append(records []domain.EventRecord) { a.records = append(a.records, records...) }

func (a *fakeArchiver) Flush(context.Context) ([]string, error) { return nil, nil }

type fakeResyncer struct {
	symbols []string
}

func (r *fakeResyncer) Resync(symbol string) { r.symbols = append(r.symbols, symbol) }

type fakeAlerter struct {
	events []string
}

func (a *fakeAlerter) Alert(event, key, _, _ string) bool {
	a.events = append(a.events, event+"/"+key)
	return true
}

type harness struct {
	svc      *BookService
	metrics  *metrics.Metrics
	cache    *fakeCache
	bus      *fakeBus
	store    *fakeStore
	archiver *fakeArchiver
	resync   *fakeResyncer
	alerts   *fakeAlerter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		metrics:  metrics.New(prometheus.NewRegistry()),
		cache:    &fakeCache{},
		bus:      &fakeBus{},
		store:    &fakeStore{},
		archiver: &fakeArchiver{},
		resync:   &fakeResyncer{},
		alerts:   &fakeAlerter{},
	}
	h.svc = NewBookService("BTCUSDT", BookOptions{
		ImpliedDeletion:      true,
		CrossedLevelDeletion: true,
		PublishDepth:         10,
	}, Sinks{Cache: h.cache, Bus: h.bus, Store: h.store, Archiver: h.archiver, Alerts: h.alerts},
		h.resync, h.metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

var t0 = time.Unix(1700000000, 0).UTC()

func ms(n int) time.Time { return t0.Add(time.Duration(n) * time.Millisecond) }

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func level(price, size string) domain.Level { return domain.Level{Price: d(price), Size: d(size)} }

func snapshotMsg(id int64, at time.Time, bids, asks []domain.Level) feed.Message {
	return feed.Message{Symbol: "BTCUSDT", Depth: &domain.DepthUpdate{
		Symbol: "BTCUSDT", Snapshot: true, Bids: bids, Asks: asks,
		ExchangeTime: at, FirstUpdateID: id, UpdateID: id,
	}}
}

func depthMsg(first, last int64, at time.Time, bids, asks []domain.Level) feed.Message {
	return feed.Message{Symbol: "BTCUSDT", Depth: &domain.DepthUpdate{
		Symbol: "BTCUSDT", Bids: bids, Asks: asks,
		ExchangeTime: at, FirstUpdateID: first, UpdateID: last,
	}}
}

func tradeMsg(id int64, side domain.Side, price, size string, at time.Time) feed.Message {
	return feed.Message{Symbol: "BTCUSDT", Trade: &domain.Trade{
		Symbol: "BTCUSDT", TradeID: id, Side: side, Price: d(price), Size: d(size), ExchangeTime: at,
	}}
}

func levelStrings(levels []domain.Level) []string {
	out := make([]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.String())
	}
	return out
}

func TestBookService_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("buffers depth until the snapshot", func(t *testing.T) {
		require.NoError(t, h.svc.Handle(ctx, depthMsg(99, 101, ms(1), []domain.Level{level("10", "6")}, nil)))
		require.NoError(t, h.svc.Handle(ctx, tradeMsg(1, domain.Buy, "11", "1", ms(1))))
		assert.Empty(t, h.store.records)
		assert.False(t, h.svc.Stats().Synced)

		require.NoError(t, h.svc.Handle(ctx, snapshotMsg(100, t0,
			[]domain.Level{level("10", "5")},
			[]domain.Level{level("11", "3")})))

		view := h.svc.View(0)
		assert.Equal(t, []string{"6@10"}, levelStrings(view.Bids))
		assert.Equal(t, []string{"3@11"}, levelStrings(view.Asks))

		st := h.svc.Stats()
		assert.True(t, st.Synced)
		assert.Equal(t, int64(101), st.LastUpdateID)

		require.Len(t, h.store.records, 3)
		assert.Equal(t, h.store.records, h.archiver.records)
		batch := h.store.records[0].BatchID
		for i, r := range h.store.records {
			assert.Equal(t, batch, r.BatchID)
			assert.Equal(t, i, r.Seq)
			assert.Equal(t, "BTCUSDT", r.Symbol)
		}

		cached, err := h.cache.GetBBO(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, "6@10", cached.Bid.String())

		require.NotEmpty(t, h.bus.msgs)
		last := h.bus.msgs[len(h.bus.msgs)-1]
		assert.Equal(t, "bbo:BTCUSDT", last.channel)
		var bbo BBOMessage
		require.NoError(t, json.Unmarshal(last.payload, &bbo))
		assert.Equal(t, "10.5", bbo.Mid.String())
		assert.Equal(t, "1", bbo.Spread.String())
		assert.Len(t, h.bus.streams["bbo-history:BTCUSDT"], len(h.bus.msgs))
	})

	t.Run("trade takes from the resting ask", func(t *testing.T) {
		require.NoError(t, h.svc.Handle(ctx, tradeMsg(2, domain.Buy, "11", "1", ms(2))))
		assert.Equal(t, []string{"2@11"}, levelStrings(h.svc.View(0).Asks))
		last := h.store.records[len(h.store.records)-1]
		assert.Equal(t, "take", last.Kind)
		assert.Equal(t, "sell", last.Side)
		assert.Equal(t, 2, last.TradeIdx)
	})

	t.Run("depth confirms the trade", func(t *testing.T) {
		require.NoError(t, h.svc.Handle(ctx, depthMsg(102, 102, ms(3), nil, []domain.Level{level("11", "2")})))
		assert.Equal(t, []string{"2@11"}, levelStrings(h.svc.View(0).Asks))
	})

	t.Run("old depth is skipped", func(t *testing.T) {
		before := len(h.store.records)
		require.NoError(t, h.svc.Handle(ctx, depthMsg(90, 101, ms(4), []domain.Level{level("10", "100")}, nil)))
		assert.Len(t, h.store.records, before)
		assert.Equal(t, []string{"6@10"}, levelStrings(h.svc.View(0).Bids))
	})

	t.Run("invalid input is rejected", func(t *testing.T) {
		err := h.svc.Handle(ctx, depthMsg(103, 103, ms(5), []domain.Level{level("10", "-1")}, nil))
		assert.ErrorIs(t, err, domain.ErrNegativeSize)
		assert.Equal(t, []string{"6@10"}, levelStrings(h.svc.View(0).Bids))
	})

	t.Run("sequence gap desyncs", func(t *testing.T) {
		require.NoError(t, h.svc.Handle(ctx, depthMsg(110, 111, ms(6), []domain.Level{level("10", "1")}, nil)))

		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Desyncs.WithLabelValues("BTCUSDT")))
		assert.Equal(t, []string{"BTCUSDT"}, h.resync.symbols)
		assert.Equal(t, []string{"desync/BTCUSDT"}, h.alerts.events)
		st := h.svc.Stats()
		assert.False(t, st.Synced)
		assert.Equal(t, uint64(1), st.Desyncs)
		assert.Empty(t, h.svc.View(0).Bids)
		assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Levels.WithLabelValues("BTCUSDT", "buy")))

		_, err := h.cache.GetBBO(ctx, "BTCUSDT")
		assert.ErrorIs(t, err, domain.ErrBookNotReady)
	})

	t.Run("trades are ignored until resynced", func(t *testing.T) {
		before := len(h.store.records)
		require.NoError(t, h.svc.Handle(ctx, tradeMsg(3, domain.Sell, "10", "1", ms(7))))
		assert.Len(t, h.store.records, before)
	})

	t.Run("new snapshot rebuilds", func(t *testing.T) {
		require.NoError(t, h.svc.Handle(ctx, snapshotMsg(200, ms(8),
			[]domain.Level{level("9", "1")},
			[]domain.Level{level("12", "4")})))
		view := h.svc.View(0)
		assert.Equal(t, []string{"1@9"}, levelStrings(view.Bids))
		assert.Equal(t, []string{"4@12"}, levelStrings(view.Asks))
		assert.True(t, h.svc.Stats().Synced)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Levels.WithLabelValues("BTCUSDT", "buy")))
	})

	t.Run("stale snapshot is ignored", func(t *testing.T) {
		require.NoError(t, h.svc.Handle(ctx, snapshotMsg(150, ms(9), nil, nil)))
		assert.Equal(t, []string{"1@9"}, levelStrings(h.svc.View(0).Bids))
	})
}

func TestBookService_SinkErrorsDoNotStopTheBook(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("connection refused")

	require.NoError(t, h.svc.Handle(context.Background(), snapshotMsg(1, t0,
		[]domain.Level{level("10", "5")}, nil)))
	assert.Equal(t, []string{"5@10"}, levelStrings(h.svc.View(0).Bids))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SinkErrors.WithLabelValues("BTCUSDT", "store")))
	assert.Len(t, h.archiver.records, 1)
}

func TestBookService_StaleTradesAreCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Handle(ctx, snapshotMsg(1, ms(10), nil, []domain.Level{level("11", "3")})))
	require.NoError(t, h.svc.Handle(ctx, tradeMsg(1, domain.Buy, "11", "1", ms(5))))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StaleTrades.WithLabelValues("BTCUSDT")))
	assert.Equal(t, []string{"3@11"}, levelStrings(h.svc.View(0).Asks))
}

func TestBookService_TakeRecordsCarryTradeID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Handle(ctx, snapshotMsg(1, t0,
		[]domain.Level{level("10", "5")},
		[]domain.Level{level("11", "3")})))
	require.NoError(t, h.svc.Handle(ctx, tradeMsg(42, domain.Buy, "11", "1", ms(1))))
	require.NoError(t, h.svc.Handle(ctx, tradeMsg(43, domain.Sell, "10", "2", ms(2))))

	var takes []domain.EventRecord
	for _, r := range h.store.records {
		if r.Kind == "take" {
			takes = append(takes, r)
		}
	}
	require.Len(t, takes, 2)
	assert.Equal(t, "sell", takes[0].Side)
	assert.Equal(t, 42, takes[0].TradeIdx)
	assert.Equal(t, "buy", takes[1].Side)
	assert.Equal(t, 43, takes[1].TradeIdx)
	assert.Equal(t, h.store.records, h.archiver.records)
}

func TestBookService_GuardRecoversInvariantPanics(t *testing.T) {
	h := newHarness(t)
	err := h.svc.guard(func() error {
		panic(&book.InvariantError{Op: "test", Msg: "broken"})
	})
	require.Error(t, err)
	assert.True(t, fatal(err))

	assert.Panics(t, func() {
		_ = h.svc.guard(func() error { panic("unrelated") })
	})
}

func TestBookService_RunPublishesOnClose(t *testing.T) {
	h := newHarness(t)
	h.svc.opts.PublishInterval = time.Hour

	in := make(chan feed.Message, 2)
	in <- snapshotMsg(1, t0, []domain.Level{level("10", "5")}, []domain.Level{level("11", "1")})
	in <- depthMsg(2, 2, ms(1), []domain.Level{level("10", "7")}, nil)
	close(in)

	require.NoError(t, h.svc.Run(context.Background(), in))
	assert.Equal(t, []string{"7@10"}, levelStrings(h.svc.View(0).Bids))
	snap, err := h.cache.GetSnapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, []string{"7@10"}, levelStrings(snap.Bids))
}

func TestRegistry(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry(h.svc)
	assert.Equal(t, []string{"BTCUSDT"}, reg.Symbols())

	_, err := reg.BBO("btcusdt")
	assert.ErrorIs(t, err, domain.ErrBookNotReady)

	_, err = reg.Snapshot("ETHUSDT", 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, h.svc.Handle(context.Background(), snapshotMsg(1, t0,
		[]domain.Level{level("10", "5"), level("9", "1")},
		[]domain.Level{level("11", "2")})))

	bbo, err := reg.BBO("btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "5@10", bbo.Bid.String())
	assert.Equal(t, "2@11", bbo.Ask.String())

	snap, err := reg.Snapshot("BTCUSDT", 1)
	require.NoError(t, err)
	assert.Len(t, snap.Bids, 1)

	st, err := reg.Stats("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, st.BidLevels)
}
