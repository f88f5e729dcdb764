package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventStore persists reconstructed level events.
type EventStore interface {
	InsertBatch(ctx context.Context, records []EventRecord) error
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]EventRecord, error)
	GetLastExchangeTime(ctx context.Context, symbol string) (time.Time, error)
}
