package book

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// TimedTrade is a trade as consumed by MultiStreamBook. Side is the
// aggressor side. TradeIdx is copied into the Take events the trade
// produces; live books set it to the exchange trade id.
type TimedTrade struct {
	Price    decimal.Decimal
	Size     decimal.Decimal
	Side     domain.Side
	Time     int64
	TradeIdx int
}

type trackedLevel struct {
	side    domain.Side
	price   decimal.Decimal
	tracker LevelTracker[int64]
}

// Stats counts inputs MultiStreamBook dropped or discarded.
type Stats struct {
	StaleTrades uint64
	Evicted     uint64
	Marks       uint64
}

type options struct {
	impliedDeletion      bool
	crossedLevelDeletion bool
}

// Option configures a MultiStreamBook.
type Option func(*options)

// WithImpliedDeletion controls whether a trade marks every resting level
// priced better than the print as deleted. Enabled by default.
func WithImpliedDeletion(enabled bool) Option {
	return func(o *options) { o.impliedDeletion = enabled }
}

// WithCrossedLevelDeletion controls whether a positive depth level marks
// opposite side levels it crosses as deleted. Enabled by default.
func WithCrossedLevelDeletion(enabled bool) Option {
	return func(o *options) { o.crossedLevelDeletion = enabled }
}

// MultiStreamBook keeps one LevelTracker per side and price and turns the
// depth feed and the trade tape of one symbol into BookEvents. Times are
// exchange times in Unix nanoseconds.
//
// A MultiStreamBook is not safe for concurrent use.
type MultiStreamBook struct {
	opts options

	bids *btree.BTreeG[*trackedLevel]
	asks *btree.BTreeG[*trackedLevel]

	// Snapshot time per side. Trackers created later start at it, since a
	// snapshot reflects every trade before it.
	bidFloor int64
	askFloor int64

	touched []*trackedLevel
	scratch []LevelEvent
	stats   Stats
}

// NewMultiStreamBook returns an empty MultiStreamBook.
func NewMultiStreamBook(opts ...Option) *MultiStreamBook {
	o := options{impliedDeletion: true, crossedLevelDeletion: true}
	for _, opt := range opts {
		opt(&o)
	}
	bt := btree.Options{NoLocks: true}
	return &MultiStreamBook{
		opts: o,
		bids: btree.NewBTreeGOptions(func(a, b *trackedLevel) bool {
			return a.price.GreaterThan(b.price)
		}, bt),
		asks: btree.NewBTreeGOptions(func(a, b *trackedLevel) bool {
			return a.price.LessThan(b.price)
		}, bt),
	}
}

// HandleSnapshot applies a full depth snapshot taken at t. Tracked levels
// missing from the snapshot are set to zero.
func (m *MultiStreamBook) HandleSnapshot(bids, asks []domain.Level, t int64, out *BookEvents) error {
	if err := checkLevels(bids, asks); err != nil {
		return fmt.Errorf("book: handle snapshot: %w", err)
	}
	out.BidEvents = m.applySnapshot(domain.Buy, bids, t, out.BidEvents)
	out.AskEvents = m.applySnapshot(domain.Sell, asks, t, out.AskEvents)
	if m.opts.crossedLevelDeletion {
		m.markCrossed(bids, asks, t, out)
	}
	m.bidFloor = max(m.bidFloor, t)
	m.askFloor = max(m.askFloor, t)
	m.evict()
	return nil
}

// HandleIncrementalDepth applies absolute sizes for the listed levels only.
func (m *MultiStreamBook) HandleIncrementalDepth(bids, asks []domain.Level, t int64, out *BookEvents) error {
	if err := checkLevels(bids, asks); err != nil {
		return fmt.Errorf("book: handle incremental depth: %w", err)
	}
	for _, lvl := range bids {
		out.BidEvents = m.diff(domain.Buy, lvl, t, out.BidEvents)
	}
	for _, lvl := range asks {
		out.AskEvents = m.diff(domain.Sell, lvl, t, out.AskEvents)
	}
	if m.opts.crossedLevelDeletion {
		m.markCrossed(bids, asks, t, out)
	}
	m.evict()
	return nil
}

// HandleTrades applies a batch of trades in order. Each trade is applied to
// the resting side it executed against.
func (m *MultiStreamBook) HandleTrades(trades []TimedTrade, out *BookEvents) error {
	for i, tr := range trades {
		if tr.Size.Sign() < 0 {
			return fmt.Errorf("book: handle trades: trade %d: %w", i, domain.ErrNegativeSize)
		}
		if tr.Side != domain.Buy && tr.Side != domain.Sell {
			return fmt.Errorf("book: handle trades: trade %d: %w", i, domain.ErrInvalidSide)
		}
	}
	for _, tr := range trades {
		if tr.Size.IsZero() {
			continue
		}
		resting := tr.Side.Opposite()
		dst := out.sideEvents(resting)
		if m.opts.impliedDeletion {
			*dst = m.markBetterThan(resting, tr.Price, tr.Time, *dst)
		}
		lvl := m.level(resting, tr.Price)
		var ok bool
		m.scratch, ok = lvl.tracker.OnTrade(tr.Size, tr.TradeIdx, tr.Time, m.scratch[:0])
		if !ok {
			m.stats.StaleTrades++
		}
		*dst = appendBookEvents(*dst, lvl.price, m.scratch)
	}
	m.evict()
	return nil
}

// Tracker returns the tracker for a level, if one exists.
func (m *MultiStreamBook) Tracker(side domain.Side, price decimal.Decimal) (*LevelTracker[int64], bool) {
	lvl, ok := m.tree(side).Get(&trackedLevel{price: price})
	if !ok {
		return nil, false
	}
	return &lvl.tracker, true
}

// Len returns the number of tracked bid and ask levels.
func (m *MultiStreamBook) Len() (bids, asks int) {
	return m.bids.Len(), m.asks.Len()
}

// InferredLevels returns the inferred size of every tracked level with a
// positive inferred size, best first.
func (m *MultiStreamBook) InferredLevels(side domain.Side) []domain.Level {
	var out []domain.Level
	m.tree(side).Scan(func(l *trackedLevel) bool {
		if sz := l.tracker.InferredSize(); sz.Sign() > 0 {
			out = append(out, domain.Level{Price: l.price, Size: sz})
		}
		return true
	})
	return out
}

// Stats returns counters accumulated since construction.
func (m *MultiStreamBook) Stats() Stats {
	return m.stats
}

func (m *MultiStreamBook) applySnapshot(side domain.Side, levels []domain.Level, t int64, dst []BookEvent) []BookEvent {
	listed := make(map[string]struct{}, len(levels))
	for _, lvl := range levels {
		listed[lvl.Price.String()] = struct{}{}
		dst = m.diff(side, lvl, t, dst)
	}
	var missing []*trackedLevel
	m.tree(side).Scan(func(l *trackedLevel) bool {
		if _, ok := listed[l.price.String()]; !ok {
			missing = append(missing, l)
		}
		return true
	})
	for _, l := range missing {
		m.scratch = l.tracker.NewDiffSize(decimal.Zero, t, m.scratch[:0])
		dst = appendBookEvents(dst, l.price, m.scratch)
		m.touched = append(m.touched, l)
	}
	return dst
}

func (m *MultiStreamBook) diff(side domain.Side, lvl domain.Level, t int64, dst []BookEvent) []BookEvent {
	if lvl.Size.IsZero() {
		if _, ok := m.tree(side).Get(&trackedLevel{price: lvl.Price}); !ok {
			return dst
		}
	}
	l := m.level(side, lvl.Price)
	m.scratch = l.tracker.NewDiffSize(lvl.Size, t, m.scratch[:0])
	return appendBookEvents(dst, l.price, m.scratch)
}

// markBetterThan marks every level on side priced strictly better than
// price. A print at price means those levels were already consumed.
func (m *MultiStreamBook) markBetterThan(side domain.Side, price decimal.Decimal, t int64, dst []BookEvent) []BookEvent {
	var better []*trackedLevel
	m.tree(side).Scan(func(l *trackedLevel) bool {
		if !isBetter(side, l.price, price) {
			return false
		}
		better = append(better, l)
		return true
	})
	for _, l := range better {
		dst = m.mark(l, t, dst)
	}
	return dst
}

// markCrossed marks levels on one side that a positive level on the other
// side prices through.
func (m *MultiStreamBook) markCrossed(bids, asks []domain.Level, t int64, out *BookEvents) {
	bestBid, okBid := bestPositive(domain.Buy, bids)
	bestAsk, okAsk := bestPositive(domain.Sell, asks)
	if okBid {
		var crossed []*trackedLevel
		m.asks.Scan(func(l *trackedLevel) bool {
			if l.price.GreaterThan(bestBid) {
				return false
			}
			crossed = append(crossed, l)
			return true
		})
		for _, l := range crossed {
			out.AskEvents = m.mark(l, t, out.AskEvents)
		}
	}
	if okAsk {
		var crossed []*trackedLevel
		m.bids.Scan(func(l *trackedLevel) bool {
			if l.price.LessThan(bestAsk) {
				return false
			}
			crossed = append(crossed, l)
			return true
		})
		for _, l := range crossed {
			out.BidEvents = m.mark(l, t, out.BidEvents)
		}
	}
}

func (m *MultiStreamBook) mark(l *trackedLevel, t int64, dst []BookEvent) []BookEvent {
	prev, wasMarked := l.tracker.MarkedForDeletionAt()
	m.scratch = l.tracker.MarkForDeletion(t, m.scratch[:0])
	if at, marked := l.tracker.MarkedForDeletionAt(); marked && (!wasMarked || at != prev) {
		m.stats.Marks++
	}
	m.touched = append(m.touched, l)
	return appendBookEvents(dst, l.price, m.scratch)
}

// level returns the tracked level at price, creating it when absent.
func (m *MultiStreamBook) level(side domain.Side, price decimal.Decimal) *trackedLevel {
	tree := m.tree(side)
	l, ok := tree.Get(&trackedLevel{price: price})
	if !ok {
		floor := m.bidFloor
		if side == domain.Sell {
			floor = m.askFloor
		}
		l = &trackedLevel{side: side, price: price, tracker: NewLevelTrackerAt(floor)}
		tree.Set(l)
	}
	m.touched = append(m.touched, l)
	return l
}

// evict drops touched trackers that have nothing left to reconcile.
func (m *MultiStreamBook) evict() {
	for _, l := range m.touched {
		if !l.tracker.DefinitelyGone() {
			continue
		}
		tree := m.tree(l.side)
		if got, ok := tree.Get(l); ok && got == l {
			tree.Delete(l)
			m.stats.Evicted++
		}
	}
	clear(m.touched)
	m.touched = m.touched[:0]
}

func (m *MultiStreamBook) tree(side domain.Side) *btree.BTreeG[*trackedLevel] {
	if side == domain.Sell {
		return m.asks
	}
	return m.bids
}

func (b *BookEvents) sideEvents(side domain.Side) *[]BookEvent {
	if side == domain.Sell {
		return &b.AskEvents
	}
	return &b.BidEvents
}

func appendBookEvents(dst []BookEvent, price decimal.Decimal, events []LevelEvent) []BookEvent {
	for _, ev := range events {
		dst = append(dst, BookEvent{Price: price, Event: ev})
	}
	return dst
}

// isBetter reports whether a is a better resting price than b on side.
func isBetter(side domain.Side, a, b decimal.Decimal) bool {
	if side == domain.Buy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func bestPositive(side domain.Side, levels []domain.Level) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, lvl := range levels {
		if lvl.Size.Sign() <= 0 {
			continue
		}
		if !found || isBetter(side, lvl.Price, best) {
			best = lvl.Price
			found = true
		}
	}
	return best, found
}

func checkLevels(bids, asks []domain.Level) error {
	for _, levels := range [][]domain.Level{bids, asks} {
		for _, lvl := range levels {
			if lvl.Size.Sign() < 0 {
				return fmt.Errorf("level %s: %w", lvl, domain.ErrNegativeSize)
			}
		}
	}
	return nil
}
