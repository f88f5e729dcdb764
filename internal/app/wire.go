package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/multistreambook/internal/blob/s3"
	"github.com/alanyoungcy/multistreambook/internal/cache/redis"
	"github.com/alanyoungcy/multistreambook/internal/config"
	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/notify"
	"github.com/alanyoungcy/multistreambook/internal/server/handler"
	"github.com/alanyoungcy/multistreambook/internal/store/postgres"
)

// Dependencies bundles the optional external backends. A nil field means the
// backend is disabled in configuration or not needed by the mode.
type Dependencies struct {
	// Store
	EventStore domain.EventStore

	// Cache and pub/sub
	BookCache domain.OrderbookCache
	SignalBus domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Alerts
	Notifier *notify.Notifier

	// Pingers are reported by the health endpoint, keyed by backend name.
	Pingers map[string]handler.Pinger
}

// needsS3 reports whether the configuration uses object storage at all.
func needsS3(cfg *config.Config) bool {
	if cfg.Mode == "replay" {
		return len(cfg.Replay.Keys) > 0
	}
	return cfg.Archive.Enabled
}

// Wire constructs the enabled backends and returns them together with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}

	// --- Notifications ---
	if senders := notifySenders(cfg.Notify); len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, notify.Options{
			Events:   cfg.Notify.Events,
			Cooldown: cfg.Notify.Cooldown.Duration,
		}, logger)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.EventStore = postgres.NewEventStore(pgClient.Pool())
		deps.Pingers["postgres"] = pgClient
	}

	// --- Redis (live mode only) ---
	if cfg.Redis.Enabled && cfg.Mode == "live" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyTTL:     cfg.Redis.KeyTTL.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		streamMaxLen := int64(10000)
		if cfg.Redis.StreamMaxLen > 0 {
			streamMaxLen = int64(cfg.Redis.StreamMaxLen)
		}
		deps.BookCache = redis.NewOrderbookCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, streamMaxLen)
		deps.Pingers["redis"] = redisClient
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		if cfg.Archive.Enabled && cfg.Mode == "live" {
			opts := s3blob.ArchiverOptions{
				Prefix:      cfg.Archive.Prefix,
				MaxBuffered: cfg.Archive.MaxBuffered,
			}
			if n := deps.Notifier; n != nil {
				opts.OnError = func(err error) {
					n.Alert(notify.EventArchiveError, cfg.Archive.Prefix, "archive flush failed", err.Error())
				}
			}
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, opts, logger)
		}
		deps.Pingers["s3"] = s3Client
	}

	return deps, cleanup, nil
}

// notifySenders builds a sender for every channel with credentials.
func notifySenders(cfg config.NotifyConfig) []notify.Sender {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL, "msbook"))
	}
	return senders
}
