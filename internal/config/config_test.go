package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Book.ImpliedDeletion)
	assert.True(t, cfg.Book.CrossedLevelDeletion)
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
symbols = ["ethusdt", " btcusdt "]
mode = "LIVE"

[feed]
reconnect_max = "1m"

[book]
publish_depth = 5
implied_deletion = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, time.Minute, cfg.Feed.ReconnectMax.Duration)
	assert.Equal(t, time.Second, cfg.Feed.ReconnectMin.Duration)
	assert.Equal(t, 5, cfg.Book.PublishDepth)
	assert.False(t, cfg.Book.ImpliedDeletion)
	assert.True(t, cfg.Book.CrossedLevelDeletion)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MSBOOK_SYMBOLS", "solusdt, ,adausdt")
	t.Setenv("MSBOOK_SERVER_PORT", "9100")
	t.Setenv("MSBOOK_REDIS_ENABLED", "true")
	t.Setenv("MSBOOK_ARCHIVE_FLUSH_INTERVAL", "15s")
	t.Setenv("MSBOOK_POSTGRES_POOL_MAX_CONNS", "not-a-number")

	cfg, err := Load(writeConfig(t, `log_level = "debug"`))
	require.NoError(t, err)

	assert.Equal(t, []string{"SOLUSDT", "ADAUSDT"}, cfg.Symbols)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Archive.FlushInterval.Duration)
	assert.Equal(t, 10, cfg.Postgres.PoolMaxConns)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Symbols = nil
	cfg.Feed.ReconnectMax = duration{time.Millisecond}
	cfg.Postgres.Enabled = true
	cfg.Postgres.PoolMinConns = 20
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		"symbols: at least one symbol",
		"reconnect_max must not be below reconnect_min",
		"pool_min_conns must not exceed pool_max_conns",
		"server: port must be 1-65535",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_ReplayNeedsSource(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "replay"
	assert.ErrorContains(t, cfg.Validate(), "replay: keys, file or from_store is required")

	cfg.Replay.File = "events.jsonl.gz"
	assert.NoError(t, cfg.Validate())

	cfg.Replay.Keys = []string{"events/BTCUSDT/x.jsonl.gz"}
	cfg.S3.Bucket = ""
	assert.ErrorContains(t, cfg.Validate(), "s3: bucket must not be empty")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "secret"
	cfg.Redis.Password = ""
	cfg.Server.APIKey = "key"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.Redis.Password)

	out.Symbols[0] = "MUTATED"
	assert.Equal(t, "BTCUSDT", cfg.Symbols[0])
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}

func TestValidate_ReplayFromStoreNeedsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "replay"
	cfg.Replay.FromStore = true
	assert.ErrorContains(t, cfg.Validate(), "from_store requires postgres.enabled")

	cfg.Postgres.Enabled = true
	assert.NoError(t, cfg.Validate())
}
