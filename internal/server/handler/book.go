package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/service"
)

const (
	defaultDepth   = 20
	maxDepth       = 1000
	defaultHistory = 100
	maxHistory     = 1000
)

// BookReader is the read side of the reconstructed books.
type BookReader interface {
	Symbols() []string
	Snapshot(symbol string, n int) (domain.OrderbookSnapshot, error)
	BBO(symbol string) (domain.BBO, error)
	Stats(symbol string) (service.BookStats, error)
}

// HistoryReader reads durable BBO history streams.
type HistoryReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// BookHandler serves the reconstructed books.
type BookHandler struct {
	books   BookReader
	history HistoryReader
	logger  *slog.Logger
}

// NewBookHandler creates a BookHandler. history may be nil when no durable
// stream is configured.
func NewBookHandler(books BookReader, history HistoryReader, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: books, history: history, logger: logHandler(logger, "book")}
}

type levelJSON struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type depthJSON struct {
	Symbol    string      `json:"symbol"`
	Bids      []levelJSON `json:"bids"`
	Asks      []levelJSON `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

func toLevels(levels []domain.Level) []levelJSON {
	out := make([]levelJSON, 0, len(levels))
	for _, l := range levels {
		out = append(out, levelJSON{Price: l.Price, Size: l.Size})
	}
	return out
}

// ListBooks returns the symbols being reconstructed.
// GET /api/books
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"symbols": h.books.Symbols()})
}

// GetBBO returns the best bid and ask of one book.
// GET /api/books/{symbol}/bbo
func (h *BookHandler) GetBBO(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	bbo, err := h.books.BBO(symbol)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, service.NewBBOMessage(symbol, bbo))
}

// GetDepth returns up to n levels per side of one book (default 20).
// GET /api/books/{symbol}/depth?n=
func (h *BookHandler) GetDepth(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	snap, err := h.books.Snapshot(symbol, intParam(r, "n", defaultDepth, maxDepth))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, depthJSON{
		Symbol:    symbol,
		Bids:      toLevels(snap.Bids),
		Asks:      toLevels(snap.Asks),
		Timestamp: snap.Timestamp,
	})
}

// GetStats returns the reconstruction summary of one book.
// GET /api/books/{symbol}/stats
func (h *BookHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.books.Stats(symbolParam(r))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type historyEntry struct {
	ID  string          `json:"id"`
	BBO json.RawMessage `json:"bbo"`
}

// GetBBOHistory returns published BBOs after the stream id given by "after"
// (default: from the start), at most "limit" entries.
// GET /api/books/{symbol}/bbo/history?after=&limit=
func (h *BookHandler) GetBBOHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "bbo history requires redis")
		return
	}
	symbol := symbolParam(r)
	if _, err := h.books.Stats(symbol); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	msgs, err := h.history.StreamRead(r.Context(), service.BBOStream(symbol), after,
		intParam(r, "limit", defaultHistory, maxHistory))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	out := make([]historyEntry, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, historyEntry{ID: m.ID, BBO: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "entries": out})
}
