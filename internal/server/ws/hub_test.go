package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/multistreambook/internal/domain"
	"github.com/alanyoungcy/multistreambook/internal/service"
)

type fakeBus struct {
	ch      chan []byte
	pattern chan string
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (b *fakeBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.pattern <- channel
	return b.ch, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeBooks struct{}

func (fakeBooks) Symbols() []string { return []string{"BTCUSDT", "ETHUSDT"} }

func (fakeBooks) BBO(symbol string) (domain.BBO, error) {
	if symbol != "BTCUSDT" {
		return domain.BBO{}, domain.ErrBookNotReady
	}
	return testBBO("100", "101"), nil
}

func testBBO(bid, ask string) domain.BBO {
	return domain.BBO{
		Bid: domain.Level{Price: decimal.RequireFromString(bid), Size: decimal.NewFromInt(1)},
		Ask: domain.Level{Price: decimal.RequireFromString(ask), Size: decimal.NewFromInt(2)},
	}
}

func bboPayload(t *testing.T, symbol, bid, ask string) []byte {
	t.Helper()
	data, err := json.Marshal(service.NewBBOMessage(symbol, testBBO(bid, ask)))
	require.NoError(t, err)
	return data
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type, env.Payload
}

func readBBO(t *testing.T, conn *websocket.Conn) service.BBOMessage {
	t.Helper()
	kind, payload := readFrame(t, conn)
	require.Equal(t, "bbo", kind)
	var msg service.BBOMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestHub_RoutesBySymbol(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &fakeBus{ch: make(chan []byte, 8), pattern: make(chan string, 1)}
	hub := NewHub(bus, fakeBooks{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)
	assert.Equal(t, "bbo:*", <-bus.pattern)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?symbols=btcusdt,ETHUSDT"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Only the ready book is sent on connect.
	initial := readBBO(t, conn)
	assert.Equal(t, "BTCUSDT", initial.Symbol)
	assert.Equal(t, "100.5", initial.Mid.String())

	bus.ch <- bboPayload(t, "ETHUSDT", "10", "11")
	eth := readBBO(t, conn)
	assert.Equal(t, "ETHUSDT", eth.Symbol)
	assert.Equal(t, "1", eth.Spread.String())

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "symbols": []string{"ethusdt"}}))
	kind, ack := readFrame(t, conn)
	assert.Equal(t, "subscribed", kind)
	assert.JSONEq(t, `{"symbols":["BTCUSDT"]}`, string(ack))

	bus.ch <- []byte(`not json`)
	bus.ch <- bboPayload(t, "ETHUSDT", "10", "12")
	bus.ch <- bboPayload(t, "BTCUSDT", "100", "102")
	btc := readBBO(t, conn)
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, "102", btc.AskPrice.String())
}

func TestHub_SubscribeSendsCurrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &fakeBus{ch: make(chan []byte, 8), pattern: make(chan string, 1)}
	hub := NewHub(bus, fakeBooks{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run(ctx)
	<-bus.pattern

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?symbols=ETHUSDT"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "symbols": []string{"BTCUSDT"}}))
	kind, ack := readFrame(t, conn)
	assert.Equal(t, "subscribed", kind)
	assert.JSONEq(t, `{"symbols":["BTCUSDT","ETHUSDT"]}`, string(ack))

	current := readBBO(t, conn)
	assert.Equal(t, "BTCUSDT", current.Symbol)
}

func TestSplitSymbols(t *testing.T) {
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, splitSymbols(" btcusdt, ,ETHUSDT"))
	assert.Nil(t, splitSymbols(""))
}

func TestClient_IsSubscribed(t *testing.T) {
	c := &client{subs: map[string]bool{"BTCUSDT": true}}
	assert.True(t, c.isSubscribed("BTCUSDT"))
	assert.False(t, c.isSubscribed("ETHUSDT"))

	c.subs[allSymbols] = true
	assert.True(t, c.isSubscribed("ETHUSDT"))
}
