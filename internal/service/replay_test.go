package service

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/metrics"
)

func rec(symbol, batch string, seq int, side, price, kind, size string) domain.EventRecord {
	r := domain.EventRecord{
		BatchID:      batch,
		Seq:          seq,
		Symbol:       symbol,
		Side:         side,
		Price:        decimal.RequireFromString(price),
		Kind:         kind,
		ExchangeTime: time.Unix(1700000000, 0).UTC(),
	}
	if size != "" {
		r.Size = decimal.RequireFromString(size)
		r.HasSize = true
	}
	return r
}

func newReplayer() *Replayer {
	return NewReplayer(10, metrics.New(prometheus.NewRegistry()), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReplayer_RebuildsPerSymbol(t *testing.T) {
	records := []domain.EventRecord{
		rec("BTCUSDT", "a", 0, "buy", "100", "add", "2"),
		rec("BTCUSDT", "a", 1, "sell", "101", "add", "1"),
		rec("ETHUSDT", "e", 0, "sell", "10", "add", "4"),
		rec("BTCUSDT", "b", 0, "buy", "100", "cancel", "0.5"),
		rec("BTCUSDT", "b", 1, "sell", "101", "take", "1"),
		rec("BTCUSDT", "c", 0, "sell", "102", "add", "3"),
	}

	results, err := newReplayer().Replay(records)
	require.NoError(t, err)
	require.Len(t, results, 2)

	btc := results[0]
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, 3, btc.Batches)
	assert.Equal(t, 5, btc.Events)
	assert.Zero(t, btc.Resets)

	bbo, ok := btc.Snapshot.BBO()
	require.True(t, ok)
	assert.Equal(t, "100", bbo.Bid.Price.String())
	assert.Equal(t, "1.5", bbo.Bid.Size.String())
	assert.Equal(t, "102", bbo.Ask.Price.String())
	assert.Equal(t, 1, btc.Asks.RemovedLevels)
	assert.Equal(t, "1", btc.Asks.TakenVolume.String())

	eth := results[1]
	assert.Equal(t, "ETHUSDT", eth.Symbol)
	_, ok = eth.Snapshot.BBO()
	assert.False(t, ok)
	require.Len(t, eth.Snapshot.Asks, 1)
}

func TestReplayer_ClearsBookOnUnappliableBatch(t *testing.T) {
	records := []domain.EventRecord{
		rec("BTCUSDT", "a", 0, "buy", "100", "add", "2"),
		rec("BTCUSDT", "b", 0, "buy", "99", "cancel", "1"),
		rec("BTCUSDT", "c", 0, "buy", "98", "add", "1"),
		rec("BTCUSDT", "c", 1, "sell", "99.5", "refresh", "4"),
	}

	results, err := newReplayer().Replay(records)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, 1, res.Resets)
	assert.Equal(t, 2, res.Batches)
	bbo, ok := res.Snapshot.BBO()
	require.True(t, ok)
	assert.Equal(t, "98", bbo.Bid.Price.String())
	assert.Equal(t, "99.5", bbo.Ask.Price.String())
	assert.Equal(t, "4", bbo.Ask.Size.String())
}

func TestReplayer_RejectsUnknownKind(t *testing.T) {
	_, err := newReplayer().Replay([]domain.EventRecord{rec("BTCUSDT", "a", 0, "buy", "1", "explode", "1")})
	assert.ErrorContains(t, err, "explode")
}

func TestReplayer_OrdersBatchBySeq(t *testing.T) {
	records := []domain.EventRecord{
		rec("BTCUSDT", "a", 1, "buy", "100", "cancel", "1"),
		rec("BTCUSDT", "a", 0, "buy", "100", "add", "3"),
	}
	results, err := newReplayer().Replay(records)
	require.NoError(t, err)
	assert.Zero(t, results[0].Resets)
	require.Len(t, results[0].Snapshot.Bids, 1)
	assert.Equal(t, "2", results[0].Snapshot.Bids[0].Size.String())
}
