package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/multistreambook/internal/blob/s3"
	"github.com/alanyoungcy/multistreambook/internal/book"
	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/feed"
	"github.com/alanyoungcy/multistreambook/internal/metrics"
	"github.com/alanyoungcy/multistreambook/internal/server"
	"github.com/alanyoungcy/multistreambook/internal/server/handler"
	"github.com/alanyoungcy/multistreambook/internal/server/ws"
	"github.com/alanyoungcy/multistreambook/internal/service"
)

const shutdownGrace = 10 * time.Second

// LiveMode connects to the exchange, reconstructs one book per symbol and
// serves them over HTTP and WebSocket until ctx is cancelled.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	book.SetInvariantChecks(a.cfg.Book.CheckInvariants)
	reg := newMetricsRegistry()
	m := metrics.New(reg)

	ins := make(map[string]chan feed.Message, len(a.cfg.Symbols))
	outs := make(map[string]chan<- feed.Message, len(a.cfg.Symbols))
	for _, sym := range a.cfg.Symbols {
		ch := make(chan feed.Message, a.cfg.Feed.BufferSize)
		ins[sym] = ch
		outs[sym] = ch
	}

	depthFeed := feed.NewDepthFeed(feed.Options{
		WsURL:            a.cfg.Feed.WsURL,
		RestURL:          a.cfg.Feed.RestURL,
		SnapshotDepth:    a.cfg.Feed.SnapshotDepth,
		ReconnectMin:     a.cfg.Feed.ReconnectMin.Duration,
		ReconnectMax:     a.cfg.Feed.ReconnectMax.Duration,
		HandshakeTimeout: a.cfg.Feed.HandshakeTimeout.Duration,
	}, outs, a.logger)
	depthFeed.OnMessage(func(symbol, kind string) {
		m.FeedMessages.WithLabelValues(symbol, kind).Inc()
	})

	opts := service.BookOptions{
		ImpliedDeletion:      a.cfg.Book.ImpliedDeletion,
		CrossedLevelDeletion: a.cfg.Book.CrossedLevelDeletion,
		PublishDepth:         a.cfg.Book.PublishDepth,
		PublishInterval:      a.cfg.Book.PublishInterval.Duration,
	}
	sinks := bookSinks(deps)
	services := make([]*service.BookService, 0, len(a.cfg.Symbols))
	for _, sym := range a.cfg.Symbols {
		services = append(services, service.NewBookService(sym, opts, sinks, depthFeed, m, a.logger))
	}
	registry := service.NewRegistry(services...)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return depthFeed.Run(ctx)
	})
	for _, svc := range services {
		in := ins[svc.Symbol()]
		g.Go(func() error {
			return svc.Run(ctx, in)
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Archive.FlushInterval.Duration)
		})
	}
	if deps.Notifier != nil {
		g.Go(func() error {
			return deps.Notifier.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, registry, reg)
	}

	return g.Wait()
}

// startHTTPServer builds the read API and runs it, plus the WebSocket hub
// when a signal bus is configured, in the given errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, books *service.Registry, reg *prometheus.Registry) {
	var history handler.HistoryReader
	if deps.SignalBus != nil {
		history = deps.SignalBus
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Pingers, a.logger),
		Books:  handler.NewBookHandler(books, history, a.logger),
	}
	var metricsPath string
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
		handlers.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	// WebSocket hub requires only the signal bus.
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, books, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		MetricsPath: metricsPath,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "http server listening", slog.Int("port", a.cfg.Server.Port))
		return srv.Run(ctx, shutdownGrace)
	})
}

// ReplayMode rebuilds books from archived level events and logs the result.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode")

	book.SetInvariantChecks(a.cfg.Book.CheckInvariants)
	m := metrics.New(newMetricsRegistry())

	records, err := a.loadReplayRecords(ctx, deps)
	if err != nil {
		return fmt.Errorf("replay mode: %w", err)
	}
	records = filterSymbols(records, a.cfg.Symbols)
	a.logger.InfoContext(ctx, "loaded level events", slog.Int("records", len(records)))

	results, err := service.NewReplayer(a.cfg.Book.PublishDepth, m, a.logger).Replay(records)
	if err != nil {
		return fmt.Errorf("replay mode: %w", err)
	}

	for _, res := range results {
		attrs := []slog.Attr{
			slog.String("symbol", res.Symbol),
			slog.Int("batches", res.Batches),
			slog.Int("events", res.Events),
			slog.Int("resets", res.Resets),
			slog.Int("bid_levels", len(res.Snapshot.Bids)),
			slog.Int("ask_levels", len(res.Snapshot.Asks)),
			slog.String("bid_taken", res.Bids.TakenVolume.String()),
			slog.String("ask_taken", res.Asks.TakenVolume.String()),
			slog.String("bid_cancelled", res.Bids.CancelledVolume.String()),
			slog.String("ask_cancelled", res.Asks.CancelledVolume.String()),
		}
		if bbo, ok := res.Snapshot.BBO(); ok {
			attrs = append(attrs,
				slog.String("bid", bbo.Bid.Price.String()),
				slog.String("ask", bbo.Ask.Price.String()),
				slog.String("spread", bbo.Spread().String()),
			)
		}
		a.logger.LogAttrs(ctx, slog.LevelInfo, "replayed book", attrs...)
	}
	return nil
}

// loadReplayRecords reads the configured sources in order: object keys,
// then the local file, then the event store.
func (a *App) loadReplayRecords(ctx context.Context, deps *Dependencies) ([]domain.EventRecord, error) {
	var out []domain.EventRecord

	for _, key := range a.cfg.Replay.Keys {
		recs, err := s3blob.ReadArchive(ctx, deps.BlobReader, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		out = append(out, recs...)
	}

	if a.cfg.Replay.File != "" {
		f, err := os.Open(a.cfg.Replay.File)
		if err != nil {
			return nil, fmt.Errorf("open replay file: %w", err)
		}
		recs, err := s3blob.DecodeArchive(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", a.cfg.Replay.File, err)
		}
		out = append(out, recs...)
	}

	if a.cfg.Replay.FromStore && deps.EventStore != nil {
		for _, sym := range a.cfg.Symbols {
			recs, err := deps.EventStore.ListBySymbol(ctx, sym, domain.ListOpts{})
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}
	}
	return out, nil
}

// bookSinks converts the wired backends into book service sinks, leaving
// disabled ones nil.
func bookSinks(deps *Dependencies) service.Sinks {
	sinks := service.Sinks{
		Cache: deps.BookCache,
		Bus:   deps.SignalBus,
		Store: deps.EventStore,
	}
	if deps.Archiver != nil {
		sinks.Archiver = deps.Archiver
	}
	if deps.Notifier != nil {
		sinks.Alerts = deps.Notifier
	}
	return sinks
}

// filterSymbols keeps the records of symbols, in their original order.
func filterSymbols(records []domain.EventRecord, symbols []string) []domain.EventRecord {
	if len(symbols) == 0 {
		return records
	}
	keep := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		keep[s] = true
	}
	out := records[:0:0]
	for _, r := range records {
		if keep[r.Symbol] {
			out = append(out, r)
		}
	}
	return out
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
