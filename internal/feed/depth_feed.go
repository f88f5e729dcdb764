package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait is the time allowed between two frames from the peer. The
	// depth streams tick every 100ms, so silence this long means a dead link.
	readWait = 60 * time.Second
)

// Options configures a DepthFeed.
type Options struct {
	WsURL            string
	RestURL          string
	SnapshotDepth    int
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client
}

// DepthFeed connects to a combined depth and trade stream for a set of
// symbols, fetches a REST snapshot per symbol after every (re)connect, and
// routes decoded messages to one channel per symbol. It reconnects with
// capped exponential backoff.
type DepthFeed struct {
	opts    Options
	symbols []string
	outs    map[string]chan<- Message
	resync  chan string
	http    *http.Client
	logger  *slog.Logger
	onMsg   func(symbol, kind string)
}

// NewDepthFeed creates a feed. outs maps upper-case symbols to the channel
// receiving that symbol's messages.
func NewDepthFeed(opts Options, outs map[string]chan<- Message, logger *slog.Logger) *DepthFeed {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.SnapshotDepth <= 0 {
		opts.SnapshotDepth = 1000
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	symbols := make([]string, 0, len(outs))
	for s := range outs {
		symbols = append(symbols, s)
	}
	return &DepthFeed{
		opts:    opts,
		symbols: symbols,
		outs:    outs,
		resync:  make(chan string, len(outs)+1),
		http:    client,
		logger:  logger.With(slog.String("component", "depth_feed")),
	}
}

// OnMessage registers a hook called for every routed message, used for
// metrics. kind is "depth", "snapshot" or "trade".
func (f *DepthFeed) OnMessage(fn func(symbol, kind string)) {
	f.onMsg = fn
}

// Resync asks the feed to fetch a fresh snapshot for symbol. It never blocks;
// a request made while another is pending for the same link is dropped.
func (f *DepthFeed) Resync(symbol string) {
	select {
	case f.resync <- strings.ToUpper(symbol):
	default:
	}
}

// Run connects and streams until ctx is cancelled.
func (f *DepthFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}
	delay := f.opts.ReconnectMin
	for {
		started := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A link that stayed up for a while resets the backoff.
		if time.Since(started) > f.opts.ReconnectMax {
			delay = f.opts.ReconnectMin
		}
		f.logger.Warn("depth feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, f.opts.ReconnectMax)
	}
}

func (f *DepthFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()
	f.logger.Info("depth feed connected", slog.Int("symbols", len(f.symbols)))

	g, gctx := errgroup.WithContext(ctx)

	// Unblock ReadMessage when the connection context ends.
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return conn.Close()
	})

	g.Go(func() error {
		for _, s := range f.symbols {
			if err := f.snapshot(gctx, s); err != nil {
				return err
			}
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-f.resync:
				if err := f.snapshot(gctx, s); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		err := f.readLoop(gctx, conn)
		if err == nil {
			err = fmt.Errorf("feed: %w", domain.ErrWSDisconnect)
		}
		return err
	})

	return g.Wait()
}

func (f *DepthFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		msg, ok, err := DecodeMessage(raw)
		if err != nil {
			f.logger.Debug("dropping undecodable frame",
				slog.String("error", err.Error()),
				slog.Int("payload_len", len(raw)),
			)
			continue
		}
		if !ok {
			continue
		}
		kind := "trade"
		if msg.Depth != nil {
			kind = "depth"
		}
		if err := f.deliver(ctx, msg, kind); err != nil {
			return err
		}
	}
}

func (f *DepthFeed) snapshot(ctx context.Context, symbol string) error {
	upd, err := f.FetchSnapshot(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	f.logger.Info("depth snapshot fetched",
		slog.String("symbol", symbol),
		slog.Int64("last_update_id", upd.UpdateID),
		slog.Int("bids", len(upd.Bids)),
		slog.Int("asks", len(upd.Asks)),
	)
	return f.deliver(ctx, Message{Symbol: upd.Symbol, Depth: &upd}, "snapshot")
}

// FetchSnapshot downloads the REST depth snapshot for symbol.
func (f *DepthFeed) FetchSnapshot(ctx context.Context, symbol string) (domain.DepthUpdate, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("limit", strconv.Itoa(f.opts.SnapshotDepth))
	endpoint := strings.TrimRight(f.opts.RestURL, "/") + "/api/v3/depth?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.DepthUpdate{}, fmt.Errorf("feed: build snapshot request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return domain.DepthUpdate{}, fmt.Errorf("feed: snapshot %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.DepthUpdate{}, fmt.Errorf("feed: read snapshot %s: %w", symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.DepthUpdate{}, fmt.Errorf("feed: snapshot %s: status %d: %s", symbol, resp.StatusCode, truncate(body, 200))
	}
	return DecodeSnapshot(symbol, body, time.Now().UTC())
}

func (f *DepthFeed) deliver(ctx context.Context, msg Message, kind string) error {
	out, ok := f.outs[msg.Symbol]
	if !ok {
		return nil
	}
	if f.onMsg != nil {
		f.onMsg(msg.Symbol, kind)
	}
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *DepthFeed) streamURL() string {
	return strings.TrimRight(f.opts.WsURL, "/") + "?streams=" + strings.Join(streamNames(f.symbols), "/")
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "context canceled"
	}
	return err.Error()
}
