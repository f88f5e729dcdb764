// Package notify delivers operator alerts, such as a book losing sync, to
// chat webhooks. Alerts are queued and sent from a background goroutine so
// callers on the book path never wait on the network.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Event types raised by the service.
const (
	EventDesync       = "desync"
	EventArchiveError = "archive_error"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Options tunes a Notifier.
type Options struct {
	// Events lists the event types forwarded. Empty allows all.
	Events []string
	// Cooldown suppresses repeats of the same event and key within the
	// window.
	Cooldown time.Duration
	// QueueSize bounds the pending alerts. Alerts beyond it are dropped.
	QueueSize int
}

type alert struct {
	event, title, message string
}

// Notifier dispatches alerts to one or more Senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	opts    Options
	queue   chan alert
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewNotifier creates a Notifier delivering to senders.
func NewNotifier(senders []Sender, opts Options, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(opts.Events))
	for _, e := range opts.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		opts:     opts,
		queue:    make(chan alert, opts.QueueSize),
		logger:   logger.With(slog.String("component", "notifier")),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Alert queues a notification for event about key (usually a symbol). It
// never blocks and reports whether the alert was queued.
func (n *Notifier) Alert(event, key, title, message string) bool {
	if len(n.senders) == 0 {
		return false
	}
	if len(n.events) > 0 && !n.events[event] {
		return false
	}

	n.mu.Lock()
	id := event + "/" + key
	now := n.now()
	if last, ok := n.lastSent[id]; ok && now.Sub(last) < n.opts.Cooldown {
		n.mu.Unlock()
		return false
	}
	n.lastSent[id] = now
	n.mu.Unlock()

	select {
	case n.queue <- alert{event: event, title: title, message: message}:
		return true
	default:
		n.logger.Warn("alert queue full, dropping", slog.String("event", event), slog.String("key", key))
		return false
	}
}

// Run sends queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.queue:
			if err := n.dispatch(ctx, a.title, a.message); err != nil {
				n.logger.WarnContext(ctx, "alert delivery incomplete",
					slog.String("event", a.event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// dispatch sends to every sender. A failing sender does not stop delivery
// to the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// truncate shortens s to at most n runes, ending a cut message with "…".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
