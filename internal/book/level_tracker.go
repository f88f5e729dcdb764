package book

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TimestampedOffset is a buffered trade that the depth feed has not yet
// reflected. ImpliedAdd is the part of the trade that was not covered by
// known resting size and was therefore reported as synthetic liquidity.
type TimestampedOffset[T cmp.Ordered] struct {
	Time       T
	TradeSz    decimal.Decimal
	ImpliedAdd decimal.Decimal
}

// removal is the size the trade still has to take off the last diff.
func (o TimestampedOffset[T]) removal() decimal.Decimal {
	return o.TradeSz.Sub(o.ImpliedAdd)
}

// LevelTracker reconciles the depth feed and the trade tape for a single
// price level on one side of the book. Every mutating call appends the
// events that move a consumer's view of the level from the tracker's
// previous inferred size to its new one.
//
// The zero value is a fresh tracker. A LevelTracker is not safe for
// concurrent use.
type LevelTracker[T cmp.Ordered] struct {
	expectedTrades []TimestampedOffset[T]
	diffSize       decimal.Decimal
	lastTS         T
	markedAt       T
	marked         bool
}

// NewLevelTrackerAt returns a fresh tracker whose last diff time is ts, so
// trades at or before ts are treated as already reflected.
func NewLevelTrackerAt[T cmp.Ordered](ts T) LevelTracker[T] {
	return LevelTracker[T]{lastTS: ts}
}

// DiffSize returns the absolute size last reported by the depth feed.
func (l *LevelTracker[T]) DiffSize() decimal.Decimal { return l.diffSize }

// LastTS returns the time of the newest diff applied.
func (l *LevelTracker[T]) LastTS() T { return l.lastTS }

// MarkedForDeletionAt returns the deletion mark, if any.
func (l *LevelTracker[T]) MarkedForDeletionAt() (T, bool) { return l.markedAt, l.marked }

// ExpectedTrades returns a copy of the buffered trades, oldest first.
func (l *LevelTracker[T]) ExpectedTrades() []TimestampedOffset[T] {
	out := make([]TimestampedOffset[T], len(l.expectedTrades))
	copy(out, l.expectedTrades)
	return out
}

// LastSizeTime returns the mark time when marked, else the last diff time.
func (l *LevelTracker[T]) LastSizeTime() T {
	if l.marked {
		return l.markedAt
	}
	return l.lastTS
}

// TotalSizeRemoval sums the part of each buffered trade that has not been
// explained by synthetic adds. When marked, only trades strictly after the
// mark count.
func (l *LevelTracker[T]) TotalSizeRemoval() decimal.Decimal {
	total := decimal.Zero
	for _, tr := range l.expectedTrades {
		if l.marked && !(l.markedAt < tr.Time) {
			continue
		}
		total = total.Add(tr.removal())
	}
	return total
}

// InferredSize is the size a consumer replaying the emitted events sees on
// the level.
func (l *LevelTracker[T]) InferredSize() decimal.Decimal {
	if l.marked {
		return decimal.Zero
	}
	return l.diffSize.Sub(l.TotalSizeRemoval())
}

// DefinitelyGone reports whether the level is empty and has nothing left
// to reconcile. Callers may drop such a tracker.
func (l *LevelTracker[T]) DefinitelyGone() bool {
	return l.diffSize.IsZero() && len(l.expectedTrades) == 0
}

// NewDiffSize applies an absolute size from the depth feed observed at
// diffTime and appends the resulting events to dst.
func (l *LevelTracker[T]) NewDiffSize(newSize decimal.Decimal, diffTime T, dst []LevelEvent) []LevelEvent {
	l.check("new diff size")
	if newSize.Sign() < 0 {
		violated("new diff size", "negative size %s", newSize)
	}

	currentInferred := l.InferredSize()

	if l.marked && l.markedAt <= diffTime {
		l.clearMark()
	}

	// Trades at or before the diff are reflected in it. While still marked,
	// whatever those trades took beyond their implied adds has to be added
	// back as surplus.
	surplusFromTrades := decimal.Zero
	kept := l.expectedTrades[:0]
	for _, tr := range l.expectedTrades {
		if tr.Time > diffTime {
			kept = append(kept, tr)
			continue
		}
		if l.marked {
			surplusFromTrades = surplusFromTrades.Add(tr.removal())
		}
	}
	clear(l.expectedTrades[len(kept):])
	l.expectedTrades = kept

	// A size increase first pays back synthetic adds made for early trades.
	// Trades after the mark cannot interact with it.
	surplusNewSize := surplusFromTrades.Add(newSize).Sub(l.diffSize)
	for i := range l.expectedTrades {
		if surplusNewSize.Sign() <= 0 {
			break
		}
		tr := &l.expectedTrades[i]
		if l.marked && l.markedAt < tr.Time {
			continue
		}
		next := surplusNewSize.Sub(tr.ImpliedAdd)
		tr.ImpliedAdd = decimal.Max(tr.ImpliedAdd.Sub(surplusNewSize), decimal.Zero)
		surplusNewSize = next
	}

	// Size that arrives on a level already marked as gone was added and
	// removed between our observations.
	if l.marked && surplusNewSize.Sign() > 0 {
		dst = append(dst, AddEvent(surplusNewSize), CancelEvent(surplusNewSize))
	}

	sizeToCancelFirst := clampDecimal(l.diffSize.Sub(newSize), decimal.Zero, currentInferred)

	l.diffSize = newSize

	surplusTraded := l.TotalSizeRemoval().Sub(l.diffSize)
	if surplusTraded.Sign() > 0 && surplusNewSize.Sign() > 0 {
		violated("new diff size", "traded surplus %s on a size increase of %s", surplusTraded, surplusNewSize)
	}

	dst = l.accountForSurplusTrades(surplusTraded, sizeToCancelFirst, dst)
	dst = appendNetChange(dst, currentInferred, l.InferredSize())

	l.lastTS = max(l.lastTS, diffTime)

	l.check("new diff size")
	return dst
}

// OnTrade applies a trade of size at tradeTime. Trades at or before the
// last diff time are already reflected in the depth feed and are rejected:
// OnTrade then returns dst unchanged and false.
func (l *LevelTracker[T]) OnTrade(size decimal.Decimal, tradeIdx int, tradeTime T, dst []LevelEvent) ([]LevelEvent, bool) {
	l.check("on trade")
	if tradeTime <= l.lastTS {
		return dst, false
	}
	if size.Sign() < 0 {
		violated("on trade", "negative size %s", size)
	}

	visible := l.InferredSize()
	take := TakeEvent(size, visible, tradeIdx)

	if size.GreaterThan(visible) {
		implied := size.Sub(visible)
		l.appendTrade(TimestampedOffset[T]{Time: tradeTime, TradeSz: size, ImpliedAdd: implied})
		dst = append(dst, AddEvent(implied), take)
	} else {
		l.appendTrade(TimestampedOffset[T]{Time: tradeTime, TradeSz: size, ImpliedAdd: decimal.Zero})
		dst = append(dst, take)
	}

	l.check("on trade")
	return dst, true
}

// MarkForDeletion records evidence that the level was emptied at
// deleteTime without the depth feed having said so yet. Marks at or before
// LastSizeTime are ignored.
//
// Buffered trades newer than the mark get ImpliedAdd set to their full size
// before surplus reconciliation. Only trades at or before the mark are
// reconciled against the size removed by the mark, and a marked level keeps
// TotalSizeRemoval at zero.
func (l *LevelTracker[T]) MarkForDeletion(deleteTime T, dst []LevelEvent) []LevelEvent {
	l.check("mark for deletion")
	if deleteTime <= l.LastSizeTime() {
		return dst
	}

	currentInferred := l.InferredSize()
	l.markedAt = deleteTime
	l.marked = true

	// The level was empty at the mark, so whatever traded after it must
	// have been added after it.
	for i := range l.expectedTrades {
		if tr := &l.expectedTrades[i]; deleteTime < tr.Time {
			tr.ImpliedAdd = tr.TradeSz
		}
	}

	surplusTraded := l.TotalSizeRemoval().Sub(l.diffSize)
	dst = l.accountForSurplusTrades(surplusTraded, currentInferred, dst)
	dst = appendNetChange(dst, currentInferred, l.InferredSize())

	l.check("mark for deletion")
	return dst
}

// accountForSurplusTrades explains buffered trade volume that exceeds the
// diff size with synthetic liquidity. Known size that is being removed is
// cancelled before the add, the rest of the add is cancelled after it.
func (l *LevelTracker[T]) accountForSurplusTrades(surplus, sizeToCancelFirst decimal.Decimal, dst []LevelEvent) []LevelEvent {
	if surplus.Sign() <= 0 {
		return dst
	}

	cancelLater := surplus
	if sizeToCancelFirst.Sign() > 0 {
		cancelFirst := decimal.Min(surplus, sizeToCancelFirst)
		if cancelFirst.Sign() <= 0 {
			violated("account for surplus trades", "cancel first of %s", cancelFirst)
		}
		dst = append(dst, CancelEvent(cancelFirst))
		cancelLater = decimal.Max(surplus.Sub(sizeToCancelFirst), decimal.Zero)
	}
	dst = append(dst, AddEvent(surplus))
	if cancelLater.Sign() > 0 {
		dst = append(dst, CancelEvent(cancelLater))
	}

	remaining := surplus
	for i := range l.expectedTrades {
		if remaining.Sign() <= 0 {
			break
		}
		tr := &l.expectedTrades[i]
		possible := tr.removal()
		tr.ImpliedAdd = tr.ImpliedAdd.Add(decimal.Min(possible, remaining))
		remaining = remaining.Sub(possible)
	}
	if remaining.Sign() > 0 {
		violated("account for surplus trades", "surplus %s exceeds buffered trade volume", remaining)
	}
	return dst
}

// appendTrade buffers a trade, merging it into the newest entry when both
// share a timestamp.
func (l *LevelTracker[T]) appendTrade(o TimestampedOffset[T]) {
	if n := len(l.expectedTrades); n > 0 && l.expectedTrades[n-1].Time == o.Time {
		last := &l.expectedTrades[n-1]
		last.TradeSz = last.TradeSz.Add(o.TradeSz)
		last.ImpliedAdd = last.ImpliedAdd.Add(o.ImpliedAdd)
		return
	}
	l.expectedTrades = append(l.expectedTrades, o)
}

func (l *LevelTracker[T]) clearMark() {
	var zero T
	l.markedAt = zero
	l.marked = false
}

// Validate checks the tracker invariants and returns the first violation.
func (l *LevelTracker[T]) Validate() error {
	for i, tr := range l.expectedTrades {
		if tr.TradeSz.Sign() < 0 || tr.ImpliedAdd.Sign() < 0 || tr.ImpliedAdd.GreaterThan(tr.TradeSz) {
			return &InvariantError{Op: "validate", Msg: fmt.Sprintf("trade %d: implied add %s outside [0, %s]", i, tr.ImpliedAdd, tr.TradeSz)}
		}
	}
	removal := l.TotalSizeRemoval()
	if removal.Sign() < 0 || removal.GreaterThan(l.diffSize) {
		return &InvariantError{Op: "validate", Msg: fmt.Sprintf("total size removal %s outside [0, %s]", removal, l.diffSize)}
	}
	inferred := l.InferredSize()
	if inferred.Sign() < 0 || inferred.GreaterThan(l.diffSize) {
		return &InvariantError{Op: "validate", Msg: fmt.Sprintf("inferred size %s outside [0, %s]", inferred, l.diffSize)}
	}
	if l.marked && !removal.IsZero() {
		return &InvariantError{Op: "validate", Msg: fmt.Sprintf("marked level removes %s after the mark", removal)}
	}
	return nil
}

func (l *LevelTracker[T]) check(op string) {
	if !checkInvariants.Load() {
		return
	}
	if err := l.Validate(); err != nil {
		violated(op, "%s", err.(*InvariantError).Msg)
	}
}

// Equal reports whether both trackers hold the same state.
func (l *LevelTracker[T]) Equal(o *LevelTracker[T]) bool {
	if !l.diffSize.Equal(o.diffSize) || l.lastTS != o.lastTS || l.marked != o.marked {
		return false
	}
	if l.marked && l.markedAt != o.markedAt {
		return false
	}
	if len(l.expectedTrades) != len(o.expectedTrades) {
		return false
	}
	for i, tr := range l.expectedTrades {
		ot := o.expectedTrades[i]
		if tr.Time != ot.Time || !tr.TradeSz.Equal(ot.TradeSz) || !tr.ImpliedAdd.Equal(ot.ImpliedAdd) {
			return false
		}
	}
	return true
}

// String renders the tracker state for logs and test failures.
func (l *LevelTracker[T]) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff=%s last_ts=%v", l.diffSize, l.lastTS)
	if l.marked {
		fmt.Fprintf(&b, " marked_at=%v", l.markedAt)
	}
	for _, tr := range l.expectedTrades {
		fmt.Fprintf(&b, " trade{t=%v sz=%s implied=%s}", tr.Time, tr.TradeSz, tr.ImpliedAdd)
	}
	return b.String()
}

func appendNetChange(dst []LevelEvent, before, after decimal.Decimal) []LevelEvent {
	switch diff := after.Sub(before); diff.Sign() {
	case 1:
		return append(dst, AddEvent(diff))
	case -1:
		return append(dst, CancelEvent(diff.Neg()))
	default:
		return dst
	}
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Min(decimal.Max(v, lo), hi)
}
