package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore records event ids a delivery channel already handled, so
// outbox redelivery after a partial failure stays idempotent.
type ProcessedStore struct {
	pool rowQuerier
}

func NewProcessedStore(pool rowQuerier) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{pool: pool}
}

// AlreadyProcessed checks whether the channel has seen this event id.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, channel string, eventID string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE channel = $1 AND event_id = $2`
	var exists int
	if err := s.pool.QueryRow(ctx, query, channel, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed inserts an event id for the channel, returning false if it
// was already recorded.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, channel string, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_events (channel, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, channel, eventID)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
