package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventSelectCols = `batch_id, seq, symbol, side, price, kind, size,
	has_size, visible_size, trade_idx, exchange_time, recorded_at`

func scanEventRows(rows pgx.Rows) ([]domain.EventRecord, error) {
	var out []domain.EventRecord
	for rows.Next() {
		var r domain.EventRecord
		if err := rows.Scan(
			&r.BatchID, &r.Seq, &r.Symbol, &r.Side, &r.Price, &r.Kind, &r.Size,
			&r.HasSize, &r.VisibleSize, &r.TradeIdx, &r.ExchangeTime, &r.RecordedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertBatch inserts records in one round trip using pgx Batch. Records
// already stored (same batch_id and seq) are skipped via ON CONFLICT DO
// NOTHING, so a retried batch is idempotent.
func (s *EventStore) InsertBatch(ctx context.Context, records []domain.EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO level_events (
			batch_id, seq, symbol, side, price, kind, size,
			has_size, visible_size, trade_idx, exchange_time, recorded_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12
		) ON CONFLICT (batch_id, seq) DO NOTHING`

	for _, r := range records {
		batch.Queue(query,
			r.BatchID, r.Seq, r.Symbol, r.Side, r.Price, r.Kind, r.Size,
			r.HasSize, r.VisibleSize, r.TradeIdx, r.ExchangeTime, r.RecordedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert level event batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListBySymbol returns the records of symbol in insertion order, so batches
// stay contiguous and can be replayed. A Limit may cut the last batch short.
func (s *EventStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.EventRecord, error) {
	query, args := listBySymbolQuery(symbol, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list level events %s: %w", symbol, err)
	}
	defer rows.Close()

	records, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan level events %s: %w", symbol, err)
	}
	return records, nil
}

func listBySymbolQuery(symbol string, opts domain.ListOpts) (string, []any) {
	query := `SELECT ` + eventSelectCols + ` FROM level_events WHERE symbol = $1`
	args := []any{symbol}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND exchange_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND exchange_time <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// GetLastExchangeTime returns the latest exchange time stored for symbol,
// or the zero time if there is none.
func (s *EventStore) GetLastExchangeTime(ctx context.Context, symbol string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		"SELECT MAX(exchange_time) FROM level_events WHERE symbol = $1", symbol).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last exchange time %s: %w", symbol, err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
