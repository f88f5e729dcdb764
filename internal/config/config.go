// Package config defines the top-level configuration for the multi-stream
// book service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MSBOOK_* environment variables.
type Config struct {
	Feed     FeedConfig     `toml:"feed"`
	Book     BookConfig     `toml:"book"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Replay   ReplayConfig   `toml:"replay"`
	Server   ServerConfig   `toml:"server"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Notify   NotifyConfig   `toml:"notify"`
	Symbols  []string       `toml:"symbols"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// FeedConfig holds exchange endpoints and reconnect behaviour.
type FeedConfig struct {
	WsURL            string   `toml:"ws_url"`
	RestURL          string   `toml:"rest_url"`
	SnapshotDepth    int      `toml:"snapshot_depth"`
	ReconnectMin     duration `toml:"reconnect_min"`
	ReconnectMax     duration `toml:"reconnect_max"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	BufferSize       int      `toml:"buffer_size"`
}

// BookConfig tunes the reconstruction engine.
type BookConfig struct {
	CheckInvariants      bool     `toml:"check_invariants"`
	ImpliedDeletion      bool     `toml:"implied_deletion"`
	CrossedLevelDeletion bool     `toml:"crossed_level_deletion"`
	PublishDepth         int      `toml:"publish_depth"`
	PublishInterval      duration `toml:"publish_interval"`
}

// PostgresConfig holds connection parameters for the level event store.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"sslmode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// KeyTTL expires cached books that stop being refreshed. Zero keeps them.
	KeyTTL duration `toml:"key_ttl"`
	// StreamMaxLen is the approximate length kept per BBO history stream.
	StreamMaxLen int `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls periodic upload of level events to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Prefix        string   `toml:"prefix"`
	FlushInterval duration `toml:"flush_interval"`
	MaxBuffered   int      `toml:"max_buffered"`
}

// ReplayConfig selects the archive objects fed through the book in replay mode.
type ReplayConfig struct {
	Keys []string `toml:"keys"`
	File string   `toml:"file"`
	// FromStore replays the configured symbols from the postgres event store.
	FromStore bool `toml:"from_store"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"` // if empty, authentication is disabled
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// NotifyConfig holds alert channels. A channel without credentials is off.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"` // empty forwards every event
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			WsURL:            "wss://stream.binance.com:9443/stream",
			RestURL:          "https://api.binance.com",
			SnapshotDepth:    1000,
			ReconnectMin:     duration{time.Second},
			ReconnectMax:     duration{30 * time.Second},
			HandshakeTimeout: duration{10 * time.Second},
			BufferSize:       1024,
		},
		Book: BookConfig{
			CheckInvariants:      false,
			ImpliedDeletion:      true,
			CrossedLevelDeletion: true,
			PublishDepth:         20,
			PublishInterval:      duration{250 * time.Millisecond},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyTTL:       duration{10 * time.Minute},
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "msbook-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Prefix:        "events",
			FlushInterval: duration{time.Minute},
			MaxBuffered:   50_000,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Notify: NotifyConfig{
			Cooldown: duration{5 * time.Minute},
		},
		Symbols:  []string{"BTCUSDT"},
		Mode:     "live",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":   true,
	"replay": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, replay)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if len(c.Symbols) == 0 {
		errs = append(errs, "symbols: at least one symbol is required")
	}

	// Feed
	if c.Mode == "live" {
		if c.Feed.WsURL == "" {
			errs = append(errs, "feed: ws_url must not be empty")
		}
		if c.Feed.RestURL == "" {
			errs = append(errs, "feed: rest_url must not be empty")
		}
	}
	if c.Feed.ReconnectMin.Duration <= 0 {
		errs = append(errs, "feed: reconnect_min must be > 0")
	}
	if c.Feed.ReconnectMax.Duration < c.Feed.ReconnectMin.Duration {
		errs = append(errs, "feed: reconnect_max must not be below reconnect_min")
	}
	if c.Feed.BufferSize < 1 {
		errs = append(errs, "feed: buffer_size must be >= 1")
	}

	// Book
	if c.Book.PublishDepth < 0 {
		errs = append(errs, "book: publish_depth must be >= 0")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.KeyTTL.Duration < 0 {
			errs = append(errs, "redis: key_ttl must be >= 0")
		}
	}

	// S3 is needed both for archiving and for replaying archived objects.
	needsS3 := c.Archive.Enabled || (c.Mode == "replay" && len(c.Replay.Keys) > 0)
	if needsS3 {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Archive.Enabled && c.Archive.FlushInterval.Duration <= 0 {
		errs = append(errs, "archive: flush_interval must be > 0")
	}

	if c.Mode == "replay" {
		if len(c.Replay.Keys) == 0 && c.Replay.File == "" && !c.Replay.FromStore {
			errs = append(errs, "replay: keys, file or from_store is required for replay mode")
		}
		if c.Replay.FromStore && !c.Postgres.Enabled {
			errs = append(errs, "replay: from_store requires postgres.enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics: path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
