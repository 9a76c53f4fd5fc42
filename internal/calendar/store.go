package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the pgx surface the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists calendar integrations and mirrored events in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// ---- integrations ----

const integrationColumns = `id, owner_key, provider, access_token, refresh_token, expires_at,
	calendar_id, next_sync_token, sync_enabled, sync_failure_count, auto_create_meet_links,
	created_at, updated_at`

// CreateIntegration stores a newly connected calendar.
func (s *Store) CreateIntegration(ctx context.Context, in *Integration) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Provider == "" {
		in.Provider = ProviderGoogle
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendar_integrations
			(id, owner_key, provider, access_token, refresh_token, expires_at,
			 calendar_id, next_sync_token, sync_enabled, auto_create_meet_links)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_key, provider)
		DO UPDATE SET access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			calendar_id = EXCLUDED.calendar_id,
			next_sync_token = NULL,
			sync_enabled = EXCLUDED.sync_enabled,
			sync_failure_count = 0,
			auto_create_meet_links = EXCLUDED.auto_create_meet_links,
			updated_at = now()
	`, in.ID, in.OwnerKey, in.Provider, in.AccessToken, in.RefreshToken, in.ExpiresAt.UTC(),
		in.CalendarID, nullIfEmpty(in.NextSyncToken), in.SyncEnabled, in.AutoCreateMeetLinks)
	if err != nil {
		return fmt.Errorf("calendar: upsert integration: %w", err)
	}
	return nil
}

// GetIntegration loads one integration by id.
func (s *Store) GetIntegration(ctx context.Context, id uuid.UUID) (*Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM calendar_integrations WHERE id = $1`
	return s.scanIntegrationRow(s.pool.QueryRow(ctx, query, id))
}

// GetIntegrationForOwner loads an owner's integration.
func (s *Store) GetIntegrationForOwner(ctx context.Context, ownerKey string) (*Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM calendar_integrations WHERE owner_key = $1`
	return s.scanIntegrationRow(s.pool.QueryRow(ctx, query, ownerKey))
}

func (s *Store) scanIntegrationRow(row pgx.Row) (*Integration, error) {
	in, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("calendar: load integration: %w", err)
	}
	return in, nil
}

// ListEnabledIntegrations returns every integration with sync enabled.
func (s *Store) ListEnabledIntegrations(ctx context.Context) ([]*Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM calendar_integrations WHERE sync_enabled ORDER BY owner_key`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("calendar: list enabled integrations: %w", err)
	}
	defer rows.Close()

	var out []*Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("calendar: scan integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func scanIntegration(row pgx.Row) (*Integration, error) {
	var in Integration
	var syncToken *string
	if err := row.Scan(&in.ID, &in.OwnerKey, &in.Provider, &in.AccessToken, &in.RefreshToken,
		&in.ExpiresAt, &in.CalendarID, &syncToken, &in.SyncEnabled, &in.SyncFailureCount,
		&in.AutoCreateMeetLinks, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	if syncToken != nil {
		in.NextSyncToken = *syncToken
	}
	return &in, nil
}

// UpdateTokens stores a refreshed access token and resets the failure count.
func (s *Store) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendar_integrations
		SET access_token = $2, expires_at = $3, sync_failure_count = 0, updated_at = now()
		WHERE id = $1
	`, id, accessToken, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("calendar: update tokens: %w", err)
	}
	return nil
}

// IncrementSyncFailure bumps the failure counter after a terminal sync error.
func (s *Store) IncrementSyncFailure(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendar_integrations
		SET sync_failure_count = sync_failure_count + 1, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("calendar: increment sync failure: %w", err)
	}
	return nil
}

// SetSyncToken stores the next incremental token; empty clears it.
func (s *Store) SetSyncToken(ctx context.Context, id uuid.UUID, token string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendar_integrations
		SET next_sync_token = $2, updated_at = now()
		WHERE id = $1
	`, id, nullIfEmpty(token))
	if err != nil {
		return fmt.Errorf("calendar: set sync token: %w", err)
	}
	return nil
}

// SetSyncEnabled toggles the sync flag.
func (s *Store) SetSyncEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendar_integrations SET sync_enabled = $2, updated_at = now() WHERE id = $1
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("calendar: set sync enabled: %w", err)
	}
	return nil
}

// ---- events ----

const eventColumns = `id, integration_id, external_event_id, title, start_time, end_time,
	is_all_day, etag, cancelled, last_synced_at, blocks_availability, has_conflict,
	conflict_details, version`

// UpsertEvent writes a fetched event, matched on
// (integration_id, external_event_id), and returns the internal row.
func (s *Store) UpsertEvent(ctx context.Context, integrationID uuid.UUID, ev ExternalEvent, blocks bool) (*Event, error) {
	query := `
		INSERT INTO calendar_events
			(id, integration_id, external_event_id, title, start_time, end_time,
			 is_all_day, etag, cancelled, last_synced_at, blocks_availability)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, now(), $9)
		ON CONFLICT (integration_id, external_event_id)
		DO UPDATE SET title = EXCLUDED.title,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			is_all_day = EXCLUDED.is_all_day,
			etag = EXCLUDED.etag,
			cancelled = false,
			last_synced_at = now(),
			blocks_availability = EXCLUDED.blocks_availability,
			version = calendar_events.version + 1
		RETURNING ` + eventColumns + `
	`
	row := s.pool.QueryRow(ctx, query,
		uuid.New(), integrationID, ev.ID, ev.Title,
		ev.Start.UTC(), ev.End.UTC(), ev.AllDay, ev.ETag, blocks)
	event, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("calendar: upsert event: %w", err)
	}
	return event, nil
}

// MarkEventCancelled flags an externally removed event and returns its
// internal id so blocked slots can be released. Returns nil when the event
// was never mirrored.
func (s *Store) MarkEventCancelled(ctx context.Context, integrationID uuid.UUID, externalEventID string) (*uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		UPDATE calendar_events
		SET cancelled = true, blocks_availability = false, last_synced_at = now(),
			version = version + 1
		WHERE integration_id = $1 AND external_event_id = $2
		RETURNING id
	`, integrationID, externalEventID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("calendar: mark event cancelled: %w", err)
	}
	return &id, nil
}

// SetEventConflict marks an event as colliding with a booking.
func (s *Store) SetEventConflict(ctx context.Context, id uuid.UUID, details string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calendar_events
		SET has_conflict = true, conflict_details = $2, version = version + 1
		WHERE id = $1
	`, id, details)
	if err != nil {
		return fmt.Errorf("calendar: set event conflict: %w", err)
	}
	return nil
}

// ClearEventConflict clears the conflict flag, optionally also dropping the
// event's blocking behavior (used by the keep-booking resolution).
func (s *Store) ClearEventConflict(ctx context.Context, id uuid.UUID, stopBlocking bool) error {
	query := `
		UPDATE calendar_events
		SET has_conflict = false, conflict_details = '', version = version + 1
		WHERE id = $1
	`
	if stopBlocking {
		query = `
			UPDATE calendar_events
			SET has_conflict = false, conflict_details = '', blocks_availability = false,
				version = version + 1
			WHERE id = $1
		`
	}
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("calendar: clear event conflict: %w", err)
	}
	return nil
}

// ListActiveBlockingEvents returns an owner's non-cancelled blocking events
// ending after the cutoff.
func (s *Store) ListActiveBlockingEvents(ctx context.Context, ownerKey string, after time.Time) ([]Event, error) {
	query := `
		SELECT e.` + joinEventColumns() + `
		FROM calendar_events e
		JOIN calendar_integrations i ON i.id = e.integration_id
		WHERE i.owner_key = $1 AND NOT e.cancelled AND e.blocks_availability AND e.end_time > $2
		ORDER BY e.start_time
	`
	return s.queryEvents(ctx, query, ownerKey, after.UTC())
}

// ListConflictedEvents returns an owner's events flagged hasConflict with
// end at or after the cutoff, for the conflict detector.
func (s *Store) ListConflictedEvents(ctx context.Context, ownerKey string, after time.Time) ([]Event, error) {
	query := `
		SELECT e.` + joinEventColumns() + `
		FROM calendar_events e
		JOIN calendar_integrations i ON i.id = e.integration_id
		WHERE i.owner_key = $1 AND e.has_conflict AND e.end_time >= $2
		ORDER BY e.start_time
	`
	return s.queryEvents(ctx, query, ownerKey, after.UTC())
}

// GetEvent loads one mirrored event.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM calendar_events WHERE id = $1`
	ev, err := scanEvent(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("calendar: event %s not found", id)
		}
		return nil, fmt.Errorf("calendar: load event: %w", err)
	}
	return ev, nil
}

// ActiveBlockingEventOverlapping returns the id of one active blocking event
// overlapping [start, end) for the owner, or nil. Used when a cancellation
// decides whether the slot returns to AVAILABLE or BLOCKED.
func (s *Store) ActiveBlockingEventOverlapping(ctx context.Context, ownerKey string, start, end time.Time) (*uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT e.id
		FROM calendar_events e
		JOIN calendar_integrations i ON i.id = e.integration_id
		WHERE i.owner_key = $1 AND NOT e.cancelled AND e.blocks_availability
			AND e.start_time < $3 AND e.end_time > $2
		ORDER BY e.start_time
		LIMIT 1
	`, ownerKey, start.UTC(), end.UTC()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("calendar: find overlapping blocking event: %w", err)
	}
	return &id, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("calendar: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("calendar: scan event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	if err := row.Scan(&ev.ID, &ev.IntegrationID, &ev.ExternalEventID, &ev.Title,
		&ev.StartTime, &ev.EndTime, &ev.IsAllDay, &ev.ETag, &ev.Cancelled,
		&ev.LastSyncedAt, &ev.BlocksAvailability, &ev.HasConflict,
		&ev.ConflictDetails, &ev.Version); err != nil {
		return nil, err
	}
	return &ev, nil
}

func joinEventColumns() string {
	return `id, e.integration_id, e.external_event_id, e.title, e.start_time, e.end_time,
		e.is_all_day, e.etag, e.cancelled, e.last_synced_at, e.blocks_availability,
		e.has_conflict, e.conflict_details, e.version`
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ---- booking mirror bookkeeping ----

// RecordBookingEvent remembers which external event mirrors a booking so
// cancellation can delete it later.
func (s *Store) RecordBookingEvent(ctx context.Context, bookingID, integrationID uuid.UUID, externalEventID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO booking_calendar_events (booking_id, integration_id, external_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (booking_id) DO UPDATE SET external_event_id = EXCLUDED.external_event_id
	`, bookingID, integrationID, externalEventID)
	if err != nil {
		return fmt.Errorf("calendar: record booking event: %w", err)
	}
	return nil
}

// LookupBookingEvent returns the external event mirroring a booking, if any.
func (s *Store) LookupBookingEvent(ctx context.Context, bookingID uuid.UUID) (integrationID uuid.UUID, externalEventID string, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT integration_id, external_event_id
		FROM booking_calendar_events
		WHERE booking_id = $1
	`, bookingID).Scan(&integrationID, &externalEventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, "", nil
	}
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("calendar: lookup booking event: %w", err)
	}
	return integrationID, externalEventID, nil
}

// DeleteBookingEvent forgets the mirror mapping after the external event is
// removed.
func (s *Store) DeleteBookingEvent(ctx context.Context, bookingID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM booking_calendar_events WHERE booking_id = $1`, bookingID); err != nil {
		return fmt.Errorf("calendar: delete booking event: %w", err)
	}
	return nil
}
