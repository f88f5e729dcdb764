package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/multistreambook/internal/blob/s3"
	"github.com/alanyoungcy/multistreambook/internal/config"
	"github.com/alanyoungcy/multistreambook/internal/domain"
)

func record(symbol, batch string, seq int, side, price, kind, size string) domain.EventRecord {
	return domain.EventRecord{
		BatchID:      batch,
		Seq:          seq,
		Symbol:       symbol,
		Side:         side,
		Price:        decimal.RequireFromString(price),
		Kind:         kind,
		Size:         decimal.RequireFromString(size),
		HasSize:      true,
		ExchangeTime: time.Unix(1700000000, 0).UTC(),
	}
}

type memStore struct {
	bySymbol map[string][]domain.EventRecord
}

func (s *memStore) InsertBatch(context.Context, []domain.EventRecord) error { return nil }

func (s *memStore) ListBySymbol(_ context.Context, symbol string, _ domain.ListOpts) ([]domain.EventRecord, error) {
	return s.bySymbol[symbol], nil
}

func (s *memStore) GetLastExchangeTime(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}

func TestFilterSymbols(t *testing.T) {
	records := []domain.EventRecord{
		record("BTCUSDT", "a", 0, "buy", "1", "add", "1"),
		record("ETHUSDT", "b", 0, "buy", "1", "add", "1"),
		record("BTCUSDT", "c", 0, "buy", "1", "add", "1"),
	}
	got := filterSymbols(records, []string{"BTCUSDT"})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].BatchID)
	assert.Equal(t, "c", got[1].BatchID)
	assert.Len(t, records, 3)

	assert.Len(t, filterSymbols(records, nil), 3)
}

func TestBookSinks_LeavesDisabledNil(t *testing.T) {
	sinks := bookSinks(&Dependencies{})
	assert.Nil(t, sinks.Cache)
	assert.Nil(t, sinks.Bus)
	assert.Nil(t, sinks.Store)
	assert.Nil(t, sinks.Archiver)
	assert.Nil(t, sinks.Alerts)
}

func TestNotifySenders(t *testing.T) {
	assert.Empty(t, notifySenders(config.NotifyConfig{TelegramToken: "t"}))

	senders := notifySenders(config.NotifyConfig{
		TelegramToken:     "t",
		TelegramChatID:    "c",
		DiscordWebhookURL: "https://discord.example/hook",
	})
	require.Len(t, senders, 2)
	assert.Equal(t, "telegram", senders[0].Name())
	assert.Equal(t, "discord", senders[1].Name())
}

func TestNeedsS3(t *testing.T) {
	cfg := config.Defaults()
	assert.False(t, needsS3(&cfg))
	cfg.Archive.Enabled = true
	assert.True(t, needsS3(&cfg))

	cfg.Mode = "replay"
	assert.False(t, needsS3(&cfg))
	cfg.Replay.Keys = []string{"events/"}
	assert.True(t, needsS3(&cfg))
}

func TestLoadReplayRecords_FileAndStore(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, s3blob.EncodeArchive(&buf, []domain.EventRecord{
		record("BTCUSDT", "a", 0, "buy", "100", "add", "2"),
	}))
	path := filepath.Join(t.TempDir(), "events.jsonl.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	cfg := config.Defaults()
	cfg.Mode = "replay"
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.Replay.File = path
	cfg.Replay.FromStore = true

	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	deps := &Dependencies{EventStore: &memStore{bySymbol: map[string][]domain.EventRecord{
		"BTCUSDT": {record("BTCUSDT", "b", 0, "sell", "101", "add", "1")},
	}}}

	got, err := a.loadReplayRecords(context.Background(), deps)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].BatchID)
	assert.Equal(t, "b", got[1].BatchID)
}

func TestReplayMode_MissingFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "replay"
	cfg.Replay.File = filepath.Join(t.TempDir(), "absent.jsonl")

	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := a.ReplayMode(context.Background(), &Dependencies{})
	assert.ErrorContains(t, err, "open replay file")
}
