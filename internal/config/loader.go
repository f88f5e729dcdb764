package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MSBOOK_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MSBOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty).
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "MSBOOK_FEED_WS_URL")
	setStr(&cfg.Feed.RestURL, "MSBOOK_FEED_REST_URL")
	setInt(&cfg.Feed.SnapshotDepth, "MSBOOK_FEED_SNAPSHOT_DEPTH")
	setDuration(&cfg.Feed.ReconnectMin, "MSBOOK_FEED_RECONNECT_MIN")
	setDuration(&cfg.Feed.ReconnectMax, "MSBOOK_FEED_RECONNECT_MAX")
	setDuration(&cfg.Feed.HandshakeTimeout, "MSBOOK_FEED_HANDSHAKE_TIMEOUT")
	setInt(&cfg.Feed.BufferSize, "MSBOOK_FEED_BUFFER_SIZE")

	// ── Book ──
	setBool(&cfg.Book.CheckInvariants, "MSBOOK_BOOK_CHECK_INVARIANTS")
	setBool(&cfg.Book.ImpliedDeletion, "MSBOOK_BOOK_IMPLIED_DELETION")
	setBool(&cfg.Book.CrossedLevelDeletion, "MSBOOK_BOOK_CROSSED_LEVEL_DELETION")
	setInt(&cfg.Book.PublishDepth, "MSBOOK_BOOK_PUBLISH_DEPTH")
	setDuration(&cfg.Book.PublishInterval, "MSBOOK_BOOK_PUBLISH_INTERVAL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MSBOOK_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MSBOOK_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MSBOOK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MSBOOK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MSBOOK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MSBOOK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MSBOOK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MSBOOK_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MSBOOK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MSBOOK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MSBOOK_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MSBOOK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MSBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MSBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MSBOOK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MSBOOK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MSBOOK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MSBOOK_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.KeyTTL, "MSBOOK_REDIS_KEY_TTL")
	setInt(&cfg.Redis.StreamMaxLen, "MSBOOK_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MSBOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MSBOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "MSBOOK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MSBOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MSBOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MSBOOK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MSBOOK_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MSBOOK_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Prefix, "MSBOOK_ARCHIVE_PREFIX")
	setDuration(&cfg.Archive.FlushInterval, "MSBOOK_ARCHIVE_FLUSH_INTERVAL")
	setInt(&cfg.Archive.MaxBuffered, "MSBOOK_ARCHIVE_MAX_BUFFERED")

	// ── Replay ──
	setStringSlice(&cfg.Replay.Keys, "MSBOOK_REPLAY_KEYS")
	setStr(&cfg.Replay.File, "MSBOOK_REPLAY_FILE")
	setBool(&cfg.Replay.FromStore, "MSBOOK_REPLAY_FROM_STORE")

	// ── Server / metrics ──
	setBool(&cfg.Server.Enabled, "MSBOOK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MSBOOK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MSBOOK_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MSBOOK_SERVER_API_KEY")
	setBool(&cfg.Metrics.Enabled, "MSBOOK_METRICS_ENABLED")
	setStr(&cfg.Metrics.Path, "MSBOOK_METRICS_PATH")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MSBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MSBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MSBOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MSBOOK_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "MSBOOK_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStringSlice(&cfg.Symbols, "MSBOOK_SYMBOLS")
	setStr(&cfg.Mode, "MSBOOK_MODE")
	setStr(&cfg.LogLevel, "MSBOOK_LOG_LEVEL")
}

// normalize upper-cases symbols and lower-cases enum-like fields.
func normalize(cfg *Config) {
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
