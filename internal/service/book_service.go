package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/multistreambook/internal/book"
	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/feed"
	"github.com/alanyoungcy/multistreambook/internal/metrics"
	"github.com/alanyoungcy/multistreambook/internal/notify"
)

// maxPendingDepth bounds the depth updates buffered while waiting for a
// snapshot.
const maxPendingDepth = 10_000

// Resyncer requests a fresh depth snapshot for a symbol.
type Resyncer interface {
	Resync(symbol string)
}

// BookOptions configures a BookService.
type BookOptions struct {
	ImpliedDeletion      bool
	CrossedLevelDeletion bool
	PublishDepth         int
	PublishInterval      time.Duration
}

// Sinks are the optional outputs of a BookService. Nil sinks are skipped.
type Sinks struct {
	Cache    domain.OrderbookCache
	Bus      domain.SignalBus
	Store    domain.EventStore
	Archiver domain.EventArchiver
	Alerts   Alerter
}

// Alerter raises operator alerts. Alert must not block.
type Alerter interface {
	Alert(event, key, title, message string) bool
}

// BookStats is a point-in-time summary of one symbol's reconstruction.
type BookStats struct {
	Synced       bool            `json:"synced"`
	LastUpdateID int64           `json:"last_update_id"`
	Cycles       uint64          `json:"cycles"`
	Events       uint64          `json:"events"`
	Desyncs      uint64          `json:"desyncs"`
	StaleTrades  uint64          `json:"stale_trades"`
	Trackers     int             `json:"trackers"`
	BidLevels    int             `json:"bid_levels"`
	AskLevels    int             `json:"ask_levels"`
	Taken        decimal.Decimal `json:"taken_volume"`
	Cancelled    decimal.Decimal `json:"cancelled_volume"`
}

// BookService reconstructs the book of one symbol from its depth and trade
// messages. Handle is not safe for concurrent use; the read side (View,
// Stats) is.
type BookService struct {
	symbol   string
	opts     BookOptions
	sinks    Sinks
	resyncer Resyncer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	msb   *book.MultiStreamBook
	ob    *book.EventOrderBook[book.LevelStats]
	stats *book.LevelStatsAggregator
	agg   *metrics.Aggregator[book.LevelStats]

	events  book.BookEvents
	records []domain.EventRecord
	trades  []book.TimedTrade

	synced       bool
	lastUpdateID int64
	lastDepthNs  int64
	lastExchange time.Time
	pending      []domain.DepthUpdate
	staleSeen    uint64
	dirty        bool
	lastPublish  time.Time

	mu      sync.RWMutex
	view    domain.OrderbookSnapshot
	summary BookStats
}

// NewBookService creates a service for symbol. resyncer may be nil.
func NewBookService(symbol string, opts BookOptions, sinks Sinks, resyncer Resyncer, m *metrics.Metrics, logger *slog.Logger) *BookService {
	s := &BookService{
		symbol:   symbol,
		opts:     opts,
		sinks:    sinks,
		resyncer: resyncer,
		metrics:  m,
		logger:   logger.With(slog.String("component", "book_service"), slog.String("symbol", symbol)),
		now:      time.Now,
	}
	s.reset()
	return s
}

// Symbol returns the symbol this service reconstructs.
func (s *BookService) Symbol() string { return s.symbol }

// Run consumes messages until ctx is cancelled or in is closed. Pending
// state is published at least every PublishInterval.
func (s *BookService) Run(ctx context.Context, in <-chan feed.Message) error {
	interval := s.opts.PublishInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("book service started")
	defer s.logger.Info("book service stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.dirty {
				s.publish(ctx)
			}
		case msg, ok := <-in:
			if !ok {
				if s.dirty {
					s.publish(ctx)
				}
				return nil
			}
			if err := s.Handle(ctx, msg); err != nil {
				s.logger.WarnContext(ctx, "dropping feed message",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Handle applies one feed message. Invalid input is rejected without
// touching the book. Reconstruction failures discard the book and wait for
// the next snapshot; they are logged and counted, not returned.
func (s *BookService) Handle(ctx context.Context, msg feed.Message) error {
	start := time.Now()
	defer func() { s.metrics.CycleSeconds.Observe(time.Since(start).Seconds()) }()

	s.events.Clear()
	var (
		exchangeTime time.Time
		err          error
	)
	switch {
	case msg.Depth != nil && msg.Depth.Snapshot:
		exchangeTime = msg.Depth.ExchangeTime
		err = s.guard(func() error { return s.applySnapshot(*msg.Depth) })
	case msg.Depth != nil:
		exchangeTime = msg.Depth.ExchangeTime
		err = s.guard(func() error { return s.applyDepth(*msg.Depth) })
	case msg.Trade != nil:
		exchangeTime = msg.Trade.ExchangeTime
		err = s.guard(func() error { return s.applyTrade(*msg.Trade) })
	default:
		return nil
	}
	if err != nil {
		if fatal(err) {
			s.desync(ctx, err)
			return nil
		}
		return fmt.Errorf("book_service: %s: %w", s.symbol, err)
	}
	s.countStale()
	return s.commit(ctx, exchangeTime)
}

func (s *BookService) applySnapshot(upd domain.DepthUpdate) error {
	if s.synced && upd.UpdateID != 0 && upd.UpdateID <= s.lastUpdateID {
		return nil
	}
	t := s.depthTime(upd.ExchangeTime)
	if err := s.msb.HandleSnapshot(upd.Bids, upd.Asks, t, &s.events); err != nil {
		return err
	}
	wasSynced := s.synced
	s.synced = true
	s.lastUpdateID = upd.UpdateID

	pending := s.pending
	s.pending = nil
	applied := 0
	for _, p := range pending {
		if p.UpdateID != 0 && p.UpdateID <= s.lastUpdateID {
			continue
		}
		if err := s.applyDepth(p); err != nil {
			if fatal(err) {
				return err
			}
			s.logger.Warn("dropping buffered depth update", slog.String("error", err.Error()))
			continue
		}
		applied++
	}
	s.logger.Info("book synced from snapshot",
		slog.Int64("last_update_id", upd.UpdateID),
		slog.Int("bids", len(upd.Bids)),
		slog.Int("asks", len(upd.Asks)),
		slog.Int("buffered_applied", applied),
		slog.Bool("resnapshot", wasSynced),
	)
	return nil
}

func (s *BookService) applyDepth(upd domain.DepthUpdate) error {
	if !s.synced {
		if len(s.pending) >= maxPendingDepth {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, upd)
		return nil
	}
	if upd.UpdateID != 0 {
		if upd.UpdateID <= s.lastUpdateID {
			return nil
		}
		if upd.FirstUpdateID > s.lastUpdateID+1 {
			return &SequenceGapError{Expected: s.lastUpdateID + 1, Got: upd.FirstUpdateID}
		}
		s.lastUpdateID = upd.UpdateID
	}
	return s.msb.HandleIncrementalDepth(upd.Bids, upd.Asks, s.depthTime(upd.ExchangeTime), &s.events)
}

func (s *BookService) applyTrade(tr domain.Trade) error {
	if !s.synced {
		return nil
	}
	s.trades = append(s.trades[:0], book.TimedTrade{
		Price:    tr.Price,
		Size:     tr.Size,
		Side:     tr.Side,
		Time:     tr.ExchangeTime.UnixNano(),
		TradeIdx: int(tr.TradeID),
	})
	return s.msb.HandleTrades(s.trades, &s.events)
}

// depthTime keeps depth times monotonic, since snapshots are stamped with
// the local receive time and incremental updates with the exchange time.
func (s *BookService) depthTime(t time.Time) int64 {
	s.lastDepthNs = max(s.lastDepthNs, t.UnixNano())
	return s.lastDepthNs
}

func (s *BookService) commit(ctx context.Context, exchangeTime time.Time) error {
	if s.events.Empty() {
		return nil
	}
	if err := s.ob.UpdateBookEvents(s.events, s.agg); err != nil {
		s.desync(ctx, err)
		return nil
	}
	if exchangeTime.After(s.lastExchange) {
		s.lastExchange = exchangeTime
	}

	if s.sinks.Store != nil || s.sinks.Archiver != nil {
		s.records = book.AppendRecords(s.records[:0], s.symbol, uuid.NewString(), s.events, exchangeTime, s.now().UTC())
		if s.sinks.Store != nil {
			if err := s.sinks.Store.InsertBatch(ctx, s.records); err != nil {
				s.sinkError(ctx, "store", err)
			}
		}
		if s.sinks.Archiver != nil {
			// The archiver keeps the slice, so hand it a copy.
			s.sinks.Archiver.Append(append([]domain.EventRecord(nil), s.records...))
		}
	}

	s.mu.Lock()
	s.summary.Cycles++
	s.summary.Events += uint64(s.events.Len())
	s.mu.Unlock()

	s.dirty = true
	if s.now().Sub(s.lastPublish) >= s.opts.PublishInterval {
		s.publish(ctx)
	}
	return nil
}

// publish refreshes the read-side view and writes it to the cache and bus.
func (s *BookService) publish(ctx context.Context) {
	s.dirty = false
	s.lastPublish = s.now()

	snap := s.ob.Snapshot(s.symbol, s.opts.PublishDepth, s.lastExchange)
	bids, asks := s.ob.Len()
	msbStats := s.msb.Stats()
	trackedBids, trackedAsks := s.msb.Len()

	s.mu.Lock()
	s.view = snap
	s.summary.Synced = s.synced
	s.summary.LastUpdateID = s.lastUpdateID
	s.summary.StaleTrades = msbStats.StaleTrades
	s.summary.Trackers = trackedBids + trackedAsks
	s.summary.BidLevels = bids
	s.summary.AskLevels = asks
	s.summary.Taken = s.stats.Bids.TakenVolume.Add(s.stats.Asks.TakenVolume)
	s.summary.Cancelled = s.stats.Bids.CancelledVolume.Add(s.stats.Asks.CancelledVolume)
	s.mu.Unlock()

	if s.sinks.Cache != nil {
		if err := s.sinks.Cache.SetSnapshot(ctx, s.symbol, snap); err != nil {
			s.sinkError(ctx, "cache", err)
		}
	}
	if s.sinks.Bus != nil {
		if bbo, ok := snap.BBO(); ok {
			payload, err := json.Marshal(NewBBOMessage(s.symbol, bbo))
			if err == nil {
				err = s.sinks.Bus.Publish(ctx, BBOChannel(s.symbol), payload)
			}
			if err == nil {
				err = s.sinks.Bus.StreamAppend(ctx, BBOStream(s.symbol), payload)
			}
			if err != nil {
				s.sinkError(ctx, "bus", err)
			}
		}
	}
}

// desync discards the reconstructed state and asks for a new snapshot.
func (s *BookService) desync(ctx context.Context, cause error) {
	s.metrics.Desyncs.WithLabelValues(s.symbol).Inc()
	s.logger.ErrorContext(ctx, "book desynchronised, waiting for snapshot",
		slog.String("error", cause.Error()),
	)
	s.reset()

	s.mu.Lock()
	s.summary.Desyncs++
	s.mu.Unlock()
	if s.sinks.Alerts != nil {
		s.sinks.Alerts.Alert(notify.EventDesync, s.symbol,
			s.symbol+" book desynchronised", cause.Error())
	}
	s.publish(ctx)

	if s.resyncer != nil {
		s.resyncer.Resync(s.symbol)
	}
}

func (s *BookService) reset() {
	if s.agg != nil {
		s.agg.Reset()
	}
	s.msb = book.NewMultiStreamBook(
		book.WithImpliedDeletion(s.opts.ImpliedDeletion),
		book.WithCrossedLevelDeletion(s.opts.CrossedLevelDeletion),
	)
	s.ob = book.NewEventOrderBook[book.LevelStats]()
	s.stats = &book.LevelStatsAggregator{}
	s.agg = metrics.NewAggregator[book.LevelStats](s.metrics, s.symbol, s.stats)
	s.events.Clear()
	s.synced = false
	s.lastUpdateID = 0
	s.lastDepthNs = 0
	s.pending = nil
	s.staleSeen = 0
}

func (s *BookService) countStale() {
	stale := s.msb.Stats().StaleTrades
	if d := stale - s.staleSeen; d > 0 {
		s.metrics.StaleTrades.WithLabelValues(s.symbol).Add(float64(d))
	}
	s.staleSeen = stale
}

func (s *BookService) sinkError(ctx context.Context, sink string, err error) {
	s.metrics.SinkErrors.WithLabelValues(s.symbol, sink).Inc()
	s.logger.WarnContext(ctx, "sink write failed",
		slog.String("sink", sink),
		slog.String("error", err.Error()),
	)
}

// guard converts an invariant panic raised while reconstructing into an
// error.
func (s *BookService) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(*book.InvariantError)
			if !ok {
				panic(r)
			}
			err = ie
		}
	}()
	return fn()
}

// View returns the last published top of book, truncated to n levels per
// side when n > 0.
func (s *BookService) View(n int) domain.OrderbookSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.view
	out.Bids = copyLevels(s.view.Bids, n)
	out.Asks = copyLevels(s.view.Asks, n)
	return out
}

// Stats returns the last published summary.
func (s *BookService) Stats() BookStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

func copyLevels(levels []domain.Level, n int) []domain.Level {
	if n > 0 && n < len(levels) {
		levels = levels[:n]
	}
	return append([]domain.Level(nil), levels...)
}

// SequenceGapError reports a depth update that does not continue the
// previous one.
type SequenceGapError struct {
	Expected int64
	Got      int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("depth sequence gap: expected first update id <= %d, got %d", e.Expected, e.Got)
}

func fatal(err error) bool {
	var (
		gap *SequenceGapError
		inv *book.InvariantError
		rep *book.ReplayError
	)
	return errors.As(err, &gap) || errors.As(err, &inv) || errors.As(err, &rep)
}

// BBOChannel is the bus channel carrying BBO updates for symbol.
func BBOChannel(symbol string) string { return "bbo:" + symbol }

// BBOStream is the durable stream keeping recent BBO updates for symbol.
func BBOStream(symbol string) string { return "bbo-history:" + symbol }

// BBOMessage is the JSON payload published on BBOChannel.
type BBOMessage struct {
	Symbol       string          `json:"symbol"`
	BidPrice     decimal.Decimal `json:"bid_price"`
	BidSize      decimal.Decimal `json:"bid_size"`
	AskPrice     decimal.Decimal `json:"ask_price"`
	AskSize      decimal.Decimal `json:"ask_size"`
	Mid          decimal.Decimal `json:"mid"`
	Spread       decimal.Decimal `json:"spread"`
	ExchangeTime time.Time       `json:"exchange_time"`
}

// NewBBOMessage builds the published form of bbo.
func NewBBOMessage(symbol string, bbo domain.BBO) BBOMessage {
	return BBOMessage{
		Symbol:       symbol,
		BidPrice:     bbo.Bid.Price,
		BidSize:      bbo.Bid.Size,
		AskPrice:     bbo.Ask.Price,
		AskSize:      bbo.Ask.Size,
		Mid:          bbo.Mid(),
		Spread:       bbo.Spread(),
		ExchangeTime: bbo.ExchangeTimestamp,
	}
}
