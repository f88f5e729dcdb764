package domain

import (
	"context"
)

// OrderbookCache stores the latest reconstructed top of book per symbol.
type OrderbookCache interface {
	SetSnapshot(ctx context.Context, symbol string, snap OrderbookSnapshot) error
	GetSnapshot(ctx context.Context, symbol string) (OrderbookSnapshot, error)
	GetBBO(ctx context.Context, symbol string) (BBO, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
