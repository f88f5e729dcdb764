package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/service"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// allSymbols subscribes a client to every book.
	allSymbols = "*"
)

// bboPattern is the bus pattern matching every BBO channel.
var bboPattern = service.BBOChannel("*")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// BBOSource provides the current BBO of each book, sent to clients when they
// connect or subscribe.
type BBOSource interface {
	Symbols() []string
	BBO(symbol string) (domain.BBO, error)
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed symbols
	// closed is set once the hub has closed send.
	closed bool
	mu     sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change its symbols.
type subscribeMsg struct {
	Action  string   `json:"action"` // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"`
}

// envelope wraps every frame sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hub manages the connected WebSocket clients and pushes the BBO updates
// published on the signal bus to the clients subscribed to their symbol.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	books      BBOSource
	mu         sync.RWMutex
	logger     *slog.Logger
}

// broadcastMsg carries an encoded frame along with the symbol it belongs to.
type broadcastMsg struct {
	symbol string
	data   []byte
}

// NewHub creates a hub fed from bus. books may be nil, in which case clients
// only receive updates published after they connect.
func NewHub(bus domain.SignalBus, books BBOSource, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		books:      books,
		logger:     logger.With(slog.String("component", "ws")),
	}
}

// Run subscribes to the BBO channels and serves client registration and
// broadcasting until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	msgCh, err := h.bus.Subscribe(ctx, bboPattern)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed", slog.String("pattern", bboPattern))
	go h.forward(ctx, msgCh)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.symbol) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("ws: dropping message for slow client", slog.String("symbol", msg.symbol))
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward routes bus payloads to the broadcast loop by their symbol.
func (h *Hub) forward(ctx context.Context, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: bbo subscription closed")
				return
			}
			var head struct {
				Symbol string `json:"symbol"`
			}
			if err := json.Unmarshal(data, &head); err != nil || head.Symbol == "" {
				h.logger.Warn("ws: undecodable bbo payload", slog.Int("bytes", len(data)))
				continue
			}
			frame, err := json.Marshal(envelope{Type: "bbo", Payload: data})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{symbol: head.Symbol, data: frame}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. The optional "symbols" query parameter is a comma
// separated list restricting the initial subscription; by default a client
// receives every book.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		symbols = []string{allSymbols}
	}
	for _, s := range symbols {
		c.subs[s] = true
	}

	c.sendCurrent(symbols)
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func splitSymbols(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// readPump reads subscription changes from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil || sub.Action == "" {
			continue
		}
		c.handleSubscription(sub)
	}
}

// handleSubscription applies a subscribe or unsubscribe request, then
// acknowledges it with the resulting subscription set. Newly subscribed
// symbols also receive their current BBO.
func (c *client) handleSubscription(msg subscribeMsg) {
	symbols := make([]string, 0, len(msg.Symbols))
	for _, s := range msg.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}

	c.mu.Lock()
	switch msg.Action {
	case "subscribe":
		for _, s := range symbols {
			c.subs[s] = true
		}
	case "unsubscribe":
		if slices.Contains(symbols, allSymbols) {
			clear(c.subs)
		}
		for _, s := range symbols {
			delete(c.subs, s)
		}
	}
	current := make([]string, 0, len(c.subs))
	for s := range c.subs {
		current = append(current, s)
	}
	c.mu.Unlock()
	slices.Sort(current)

	ack, err := json.Marshal(map[string]any{"symbols": current})
	if err == nil {
		c.enqueue("subscribed", ack)
	}
	if msg.Action == "subscribe" {
		c.sendCurrent(symbols)
	}
}

// sendCurrent pushes the current BBO of each ready book among symbols.
func (c *client) sendCurrent(symbols []string) {
	books := c.hub.books
	if books == nil {
		return
	}
	if slices.Contains(symbols, allSymbols) {
		symbols = books.Symbols()
	}
	for _, s := range symbols {
		bbo, err := books.BBO(s)
		if err != nil {
			continue
		}
		payload, err := json.Marshal(service.NewBBOMessage(s, bbo))
		if err != nil {
			continue
		}
		c.enqueue("bbo", payload)
	}
}

// enqueue sends a frame without blocking; frames for a full buffer are
// dropped.
func (c *client) enqueue(kind string, payload []byte) {
	frame, err := json.Marshal(envelope{Type: kind, Payload: payload})
	if err != nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	close(c.send)
}

// isSubscribed checks whether the client receives updates for symbol.
func (c *client) isSubscribed(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[allSymbols] || c.subs[symbol]
}

// writePump pumps frames from the hub to the WebSocket connection and sends
// periodic pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
