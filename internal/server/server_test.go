package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/server/handler"
	"github.com/alanyoungcy/multistreambook/internal/service"
)

type fakeBooks struct{}

func lvl(price, size string) domain.Level {
	return domain.Level{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func (fakeBooks) Symbols() []string { return []string{"BTCUSDT", "ETHUSDT"} }

func (fakeBooks) Snapshot(symbol string, n int) (domain.OrderbookSnapshot, error) {
	switch symbol {
	case "BTCUSDT":
		bids := []domain.Level{lvl("100", "1"), lvl("99.5", "2"), lvl("99", "3")}
		if n < len(bids) {
			bids = bids[:n]
		}
		return domain.OrderbookSnapshot{Symbol: symbol, Bids: bids, Asks: []domain.Level{lvl("101", "4")}}, nil
	case "ETHUSDT":
		return domain.OrderbookSnapshot{Symbol: symbol}, nil
	}
	return domain.OrderbookSnapshot{}, domain.ErrNotFound
}

func (b fakeBooks) BBO(symbol string) (domain.BBO, error) {
	snap, err := b.Snapshot(symbol, 1)
	if err != nil {
		return domain.BBO{}, err
	}
	bbo, ok := snap.BBO()
	if !ok {
		return domain.BBO{}, domain.ErrBookNotReady
	}
	return bbo, nil
}

func (fakeBooks) Stats(symbol string) (service.BookStats, error) {
	if symbol == "UNKNOWN" {
		return service.BookStats{}, domain.ErrNotFound
	}
	return service.BookStats{Synced: true, LastUpdateID: 42, Cycles: 7}, nil
}

type fakeHistory struct {
	stream string
	after  string
	count  int
}

func (f *fakeHistory) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	f.stream, f.after, f.count = stream, lastID, count
	return []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"symbol":"BTCUSDT"}`)},
		{ID: "2-0", Payload: []byte(`garbage`)},
	}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestHandler(t *testing.T, cfg Config, deps map[string]handler.Pinger, history handler.HistoryReader) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "msbook_levels 1\n")
	})
	return NewHandler(cfg, Handlers{
		Health:  handler.NewHealthHandler(deps, logger),
		Books:   handler.NewBookHandler(fakeBooks{}, history, logger),
		Metrics: metrics,
	}, nil, logger)
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestBookRoutes(t *testing.T) {
	history := &fakeHistory{}
	h := newTestHandler(t, Config{MetricsPath: "/metrics"}, nil, history)

	rec, body := get(t, h, "/api/books")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"BTCUSDT", "ETHUSDT"}, body["symbols"])

	rec, body = get(t, h, "/api/books/btcusdt/bbo")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", body["bid_price"])
	assert.Equal(t, "101", body["ask_price"])
	assert.Equal(t, "1", body["spread"])

	rec, _ = get(t, h, "/api/books/ETHUSDT/bbo")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = get(t, h, "/api/books/DOGEUSDT/bbo")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = get(t, h, "/api/books/BTCUSDT/depth?n=2")
	assert.Equal(t, http.StatusOK, rec.Code)
	bids := body["bids"].([]any)
	require.Len(t, bids, 2)
	assert.Equal(t, map[string]any{"price": "99.5", "size": "2"}, bids[1])

	rec, body = get(t, h, "/api/books/BTCUSDT/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["synced"])
	assert.Equal(t, float64(42), body["last_update_id"])

	rec, body = get(t, h, "/api/books/BTCUSDT/bbo/history?after=5-0&limit=10")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bbo-history:BTCUSDT", history.stream)
	assert.Equal(t, "5-0", history.after)
	assert.Equal(t, 10, history.count)
	assert.Len(t, body["entries"], 1)

	rec, _ = get(t, h, "/api/books/UNKNOWN/bbo/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "msbook_levels")
}

func TestBBOHistory_WithoutRedis(t *testing.T) {
	h := newTestHandler(t, Config{}, nil, nil)
	rec, _ := get(t, h, "/api/books/BTCUSDT/bbo/history")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec, _ = get(t, h, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, Config{}, map[string]handler.Pinger{"redis": pinger{}}, nil)
	rec, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	h = newTestHandler(t, Config{}, map[string]handler.Pinger{
		"redis":    pinger{},
		"postgres": pinger{err: errors.New("connection refused")},
	}, nil)
	rec, body = get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok", "postgres": "connection refused"}, body["checks"])
}

func TestAuthLeavesProbesOpen(t *testing.T) {
	h := newTestHandler(t, Config{APIKey: "k", MetricsPath: "/metrics"}, nil, nil)

	rec, _ := get(t, h, "/api/books")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
