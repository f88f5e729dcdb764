package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// OrderbookCache implements domain.OrderbookCache with one sorted set and one
// size hash per side and symbol. Prices and sizes are stored as exact
// decimal strings; the sorted set score is only used for ordering.
//
// Key schema:
//
//	book:{symbol}:bids     - sorted set of bid prices (score = price)
//	book:{symbol}:asks     - sorted set of ask prices (score = price)
//	book:{symbol}:bid:size - hash mapping price -> size for bids
//	book:{symbol}:ask:size - hash mapping price -> size for asks
//	book:{symbol}:bbo      - hash with bid, bid_size, ask, ask_size
//	book:{symbol}:meta     - hash with "ts" (exchange time, unix nanos)
type OrderbookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewOrderbookCache creates an OrderbookCache backed by the given Client.
func NewOrderbookCache(c *Client) *OrderbookCache {
	return &OrderbookCache{rdb: c.rdb, ttl: c.ttl}
}

func bookBidsKey(symbol string) string    { return "book:" + symbol + ":bids" }
func bookAsksKey(symbol string) string    { return "book:" + symbol + ":asks" }
func bookBidSizeKey(symbol string) string { return "book:" + symbol + ":bid:size" }
func bookAskSizeKey(symbol string) string { return "book:" + symbol + ":ask:size" }
func bookBBOKey(symbol string) string     { return "book:" + symbol + ":bbo" }
func bookMetaKey(symbol string) string    { return "book:" + symbol + ":meta" }

func bookKeys(symbol string) []string {
	return []string{
		bookBidsKey(symbol), bookAsksKey(symbol),
		bookBidSizeKey(symbol), bookAskSizeKey(symbol),
		bookBBOKey(symbol), bookMetaKey(symbol),
	}
}

// SetSnapshot atomically replaces the cached top of book for symbol.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, symbol string, snap domain.OrderbookSnapshot) error {
	pipe := oc.rdb.TxPipeline()
	pipe.Del(ctx, bookKeys(symbol)...)

	addSide(ctx, pipe, bookBidsKey(symbol), bookBidSizeKey(symbol), snap.Bids)
	addSide(ctx, pipe, bookAsksKey(symbol), bookAskSizeKey(symbol), snap.Asks)

	if bbo := bboFields(snap); len(bbo) > 0 {
		pipe.HSet(ctx, bookBBOKey(symbol), bbo)
	}
	pipe.HSet(ctx, bookMetaKey(symbol), "ts", formatNanos(snap.Timestamp))

	if oc.ttl > 0 {
		for _, k := range bookKeys(symbol) {
			pipe.Expire(ctx, k, oc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set orderbook snapshot %s: %w", symbol, err)
	}
	return nil
}

func addSide(ctx context.Context, pipe redis.Pipeliner, zKey, hKey string, levels []domain.Level) {
	if len(levels) == 0 {
		return
	}
	members := make([]redis.Z, 0, len(levels))
	sizes := make(map[string]any, len(levels))
	for _, lvl := range levels {
		price := lvl.Price.String()
		members = append(members, redis.Z{Score: lvl.Price.InexactFloat64(), Member: price})
		sizes[price] = lvl.Size.String()
	}
	pipe.ZAdd(ctx, zKey, members...)
	pipe.HSet(ctx, hKey, sizes)
}

// bboFields returns the BBO hash fields for the sides present in snap.
func bboFields(snap domain.OrderbookSnapshot) map[string]any {
	out := map[string]any{}
	if len(snap.Bids) > 0 {
		out["bid"] = snap.Bids[0].Price.String()
		out["bid_size"] = snap.Bids[0].Size.String()
	}
	if len(snap.Asks) > 0 {
		out["ask"] = snap.Asks[0].Price.String()
		out["ask_size"] = snap.Asks[0].Size.String()
	}
	return out
}

// GetSnapshot reconstructs the cached top of book. It returns
// domain.ErrNotFound if nothing is cached for symbol.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, symbol string) (domain.OrderbookSnapshot, error) {
	pipe := oc.rdb.Pipeline()
	bidsCmd := pipe.ZRevRange(ctx, bookBidsKey(symbol), 0, -1)
	asksCmd := pipe.ZRange(ctx, bookAsksKey(symbol), 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, bookBidSizeKey(symbol))
	askSizeCmd := pipe.HGetAll(ctx, bookAskSizeKey(symbol))
	metaCmd := pipe.HGetAll(ctx, bookMetaKey(symbol))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: get orderbook snapshot %s: %w", symbol, err)
	}

	meta, _ := metaCmd.Result()
	if len(meta) == 0 {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: orderbook %s: %w", symbol, domain.ErrNotFound)
	}

	snap := domain.OrderbookSnapshot{Symbol: symbol, Timestamp: parseNanos(meta["ts"])}

	var err error
	bidPrices, _ := bidsCmd.Result()
	bidSizes, _ := bidSizeCmd.Result()
	if snap.Bids, err = decodeSide(bidPrices, bidSizes); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: orderbook %s bids: %w", symbol, err)
	}
	askPrices, _ := asksCmd.Result()
	askSizes, _ := askSizeCmd.Result()
	if snap.Asks, err = decodeSide(askPrices, askSizes); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: orderbook %s asks: %w", symbol, err)
	}
	return snap, nil
}

// decodeSide pairs ordered price members with their sizes.
func decodeSide(prices []string, sizes map[string]string) ([]domain.Level, error) {
	out := make([]domain.Level, 0, len(prices))
	for _, p := range prices {
		price, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", p, err)
		}
		size := decimal.Zero
		if s, ok := sizes[p]; ok {
			if size, err = decimal.NewFromString(s); err != nil {
				return nil, fmt.Errorf("size %q at %s: %w", s, p, err)
			}
		}
		out = append(out, domain.Level{Price: price, Size: size})
	}
	return out, nil
}

// GetBBO reads the BBO hash. It returns domain.ErrNotFound when nothing is
// cached and domain.ErrBookNotReady when a side is empty.
func (oc *OrderbookCache) GetBBO(ctx context.Context, symbol string) (domain.BBO, error) {
	pipe := oc.rdb.Pipeline()
	bboCmd := pipe.HGetAll(ctx, bookBBOKey(symbol))
	metaCmd := pipe.HGet(ctx, bookMetaKey(symbol), "ts")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.BBO{}, fmt.Errorf("redis: get bbo %s: %w", symbol, err)
	}
	ts, err := metaCmd.Result()
	if errors.Is(err, redis.Nil) {
		return domain.BBO{}, fmt.Errorf("redis: bbo %s: %w", symbol, domain.ErrNotFound)
	}
	vals, _ := bboCmd.Result()
	bbo, err := decodeBBO(vals)
	if err != nil {
		return domain.BBO{}, fmt.Errorf("redis: bbo %s: %w", symbol, err)
	}
	bbo.ExchangeTimestamp = parseNanos(ts)
	return bbo, nil
}

func decodeBBO(vals map[string]string) (domain.BBO, error) {
	var bbo domain.BBO
	fields := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"bid", &bbo.Bid.Price},
		{"bid_size", &bbo.Bid.Size},
		{"ask", &bbo.Ask.Price},
		{"ask_size", &bbo.Ask.Size},
	}
	for _, f := range fields {
		v, ok := vals[f.key]
		if !ok {
			return domain.BBO{}, domain.ErrBookNotReady
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return domain.BBO{}, fmt.Errorf("%s %q: %w", f.key, v, err)
		}
		*f.dst = d
	}
	return bbo, nil
}

func formatNanos(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Compile-time interface check.
var _ domain.OrderbookCache = (*OrderbookCache)(nil)
