package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx used by store methods, satisfied by pools,
// connections and transactions alike.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists availability windows, slots and bookings in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// ---- availability windows ----

// CreateWindow persists a window and its offered services in one transaction.
func (s *Store) CreateWindow(ctx context.Context, w *AvailabilityWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("scheduling: begin create window: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO availability_windows
			(id, owner_key, start_time, end_time, recurrence_kind, recurrence_weekdays,
			 recurrence_until, granularity, requires_confirmation, online, in_person)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.Exec(ctx, query,
		w.ID, w.Owner.String(), w.Start.UTC(), w.End.UTC(),
		string(w.Recurrence.Kind), weekdaysToInts(w.Recurrence.Weekdays),
		w.Recurrence.Until, string(w.Granularity),
		w.RequiresConfirmation, w.Online, w.InPerson,
	)
	if err != nil {
		return fmt.Errorf("scheduling: insert window: %w", err)
	}
	if err := insertServices(ctx, tx, w.ID, w.Services); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scheduling: commit create window: %w", err)
	}
	return nil
}

// UpdateWindow rewrites the window row and its service list.
func (s *Store) UpdateWindow(ctx context.Context, w *AvailabilityWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("scheduling: begin update window: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE availability_windows
		SET start_time = $2, end_time = $3, recurrence_kind = $4,
			recurrence_weekdays = $5, recurrence_until = $6, granularity = $7,
			requires_confirmation = $8, online = $9, in_person = $10, updated_at = now()
		WHERE id = $1
	`
	ct, err := tx.Exec(ctx, query,
		w.ID, w.Start.UTC(), w.End.UTC(), string(w.Recurrence.Kind),
		weekdaysToInts(w.Recurrence.Weekdays), w.Recurrence.Until,
		string(w.Granularity), w.RequiresConfirmation, w.Online, w.InPerson,
	)
	if err != nil {
		return fmt.Errorf("scheduling: update window: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrWindowNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM window_services WHERE window_id = $1`, w.ID); err != nil {
		return fmt.Errorf("scheduling: clear window services: %w", err)
	}
	if err := insertServices(ctx, tx, w.ID, w.Services); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scheduling: commit update window: %w", err)
	}
	return nil
}

func insertServices(ctx context.Context, q Querier, windowID uuid.UUID, services []ServiceConfig) error {
	query := `
		INSERT INTO window_services (id, window_id, service_id, duration_minutes, price_cents, online, in_person)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i := range services {
		svc := &services[i]
		if svc.ID == uuid.Nil {
			svc.ID = uuid.New()
		}
		_, err := q.Exec(ctx, query,
			svc.ID, windowID, svc.ServiceID,
			int(svc.Duration/time.Minute), svc.PriceCents, svc.Online, svc.InPerson,
		)
		if err != nil {
			return fmt.Errorf("scheduling: insert window service: %w", err)
		}
	}
	return nil
}

// GetWindow loads a window with its offered services.
func (s *Store) GetWindow(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	query := `
		SELECT id, owner_key, start_time, end_time, recurrence_kind, recurrence_weekdays,
			recurrence_until, granularity, requires_confirmation, online, in_person,
			created_at, updated_at
		FROM availability_windows
		WHERE id = $1
	`
	w, err := scanWindow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWindowNotFound
		}
		return nil, fmt.Errorf("scheduling: load window: %w", err)
	}
	if err := s.loadServices(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWindows returns all windows published by an owner.
func (s *Store) ListWindows(ctx context.Context, owner OwnerRef) ([]*AvailabilityWindow, error) {
	query := `
		SELECT id, owner_key, start_time, end_time, recurrence_kind, recurrence_weekdays,
			recurrence_until, granularity, requires_confirmation, online, in_person,
			created_at, updated_at
		FROM availability_windows
		WHERE owner_key = $1
		ORDER BY start_time
	`
	rows, err := s.pool.Query(ctx, query, owner.String())
	if err != nil {
		return nil, fmt.Errorf("scheduling: list windows: %w", err)
	}
	defer rows.Close()

	var windows []*AvailabilityWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduling: scan window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, w := range windows {
		if err := s.loadServices(ctx, w); err != nil {
			return nil, err
		}
	}
	return windows, nil
}

// DeleteWindow removes the window and parks its future not-yet-booked
// slots as INVALID. Booked slots stay untouched so in-flight bookings
// survive the removal, and INVALID rows are revived if a later window
// materializes the same interval.
func (s *Store) DeleteWindow(ctx context.Context, id uuid.UUID, from time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("scheduling: begin delete window: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE slots
		SET status = 'INVALID', blocked_by_event_id = NULL
		WHERE window_id = $1 AND start_time >= $2 AND status <> 'BOOKED'
	`, id, from.UTC()); err != nil {
		return fmt.Errorf("scheduling: invalidate window slots: %w", err)
	}
	ct, err := tx.Exec(ctx, `DELETE FROM availability_windows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("scheduling: delete window: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrWindowNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scheduling: commit delete window: %w", err)
	}
	return nil
}

// InvalidateUnbookedSlots parks not-yet-booked slots of a window whose
// occurrence date falls on or after from as INVALID. Used by scoped
// recurring edits; re-materializing the same interval revives the row.
func (s *Store) InvalidateUnbookedSlots(ctx context.Context, windowID uuid.UUID, from time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE slots
		SET status = 'INVALID', blocked_by_event_id = NULL
		WHERE window_id = $1 AND occurrence_date >= $2 AND status <> 'BOOKED'
	`, windowID, dateOf(from))
	if err != nil {
		return 0, fmt.Errorf("scheduling: invalidate unbooked slots: %w", err)
	}
	return ct.RowsAffected(), nil
}

// InvalidateUnbookedSlotsForOccurrence parks the not-yet-booked slots of
// one window occurrence as INVALID. Used by THIS_OCCURRENCE scoped edits.
func (s *Store) InvalidateUnbookedSlotsForOccurrence(ctx context.Context, windowID uuid.UUID, occurrenceDate time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE slots
		SET status = 'INVALID', blocked_by_event_id = NULL
		WHERE window_id = $1 AND occurrence_date = $2 AND status <> 'BOOKED'
	`, windowID, dateOf(occurrenceDate))
	if err != nil {
		return 0, fmt.Errorf("scheduling: invalidate occurrence slots: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *Store) loadServices(ctx context.Context, w *AvailabilityWindow) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, service_id, duration_minutes, price_cents, online, in_person
		FROM window_services
		WHERE window_id = $1
		ORDER BY service_id
	`, w.ID)
	if err != nil {
		return fmt.Errorf("scheduling: load window services: %w", err)
	}
	defer rows.Close()

	w.Services = w.Services[:0]
	for rows.Next() {
		var svc ServiceConfig
		var minutes int
		if err := rows.Scan(&svc.ID, &svc.ServiceID, &minutes, &svc.PriceCents, &svc.Online, &svc.InPerson); err != nil {
			return fmt.Errorf("scheduling: scan window service: %w", err)
		}
		svc.Duration = time.Duration(minutes) * time.Minute
		w.Services = append(w.Services, svc)
	}
	return rows.Err()
}

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	var ownerKey, recurrenceKind, granularity string
	var weekdays []int32
	if err := row.Scan(&w.ID, &ownerKey, &w.Start, &w.End, &recurrenceKind, &weekdays,
		&w.Recurrence.Until, &granularity, &w.RequiresConfirmation, &w.Online, &w.InPerson,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	owner, err := ParseOwnerRef(ownerKey)
	if err != nil {
		return nil, err
	}
	w.Owner = owner
	w.Recurrence.Kind = RecurrenceKind(recurrenceKind)
	w.Recurrence.Weekdays = intsToWeekdays(weekdays)
	w.Granularity = Granularity(granularity)
	return &w, nil
}

func weekdaysToInts(days []time.Weekday) []int32 {
	if len(days) == 0 {
		return nil
	}
	out := make([]int32, len(days))
	for i, d := range days {
		out[i] = int32(d)
	}
	return out
}

func intsToWeekdays(days []int32) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	out := make([]time.Weekday, len(days))
	for i, d := range days {
		out[i] = time.Weekday(d)
	}
	return out
}

// ---- slots ----

const slotColumns = `id, window_id, service_id, service_config_id, owner_key,
	start_time, end_time, status, blocked_by_event_id, occurrence_date, last_calculated`

// UpsertSlots materializes expanded slots. Existing rows refresh
// last_calculated and revive INVALID rows whose interval is covered
// again; booking and blocking state is never clobbered by re-expansion.
func (s *Store) UpsertSlots(ctx context.Context, slots []Slot) error {
	if len(slots) == 0 {
		return nil
	}
	query := `
		INSERT INTO slots (` + slotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET
			last_calculated = EXCLUDED.last_calculated,
			status = CASE WHEN slots.status = 'INVALID' THEN 'AVAILABLE' ELSE slots.status END,
			blocked_by_event_id = CASE WHEN slots.status = 'INVALID' THEN NULL ELSE slots.blocked_by_event_id END
	`
	for i := range slots {
		sl := &slots[i]
		_, err := s.pool.Exec(ctx, query,
			sl.ID, sl.WindowID, sl.ServiceID, sl.ServiceConfigID, sl.Owner.String(),
			sl.StartTime.UTC(), sl.EndTime.UTC(), string(sl.Status),
			sl.BlockedByEventID, dateOf(sl.OccurrenceDate), sl.LastCalculated.UTC(),
		)
		if err != nil {
			return fmt.Errorf("scheduling: upsert slot %s: %w", sl.ID, err)
		}
	}
	return nil
}

// GetSlot loads one slot.
func (s *Store) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.getSlot(ctx, s.pool, id, "")
}

// GetSlotForUpdate loads one slot under a row lock. Must run inside a
// transaction; it is the first step of every claim.
func (s *Store) GetSlotForUpdate(ctx context.Context, q Querier, id uuid.UUID) (*Slot, error) {
	return s.getSlot(ctx, q, id, " FOR UPDATE")
}

func (s *Store) getSlot(ctx context.Context, q Querier, id uuid.UUID, suffix string) (*Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE id = $1` + suffix
	sl, err := scanSlot(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("scheduling: load slot: %w", err)
	}
	return sl, nil
}

// ListSlots returns an owner's slots intersecting [from, to), optionally
// filtered by status.
func (s *Store) ListSlots(ctx context.Context, owner OwnerRef, from, to time.Time, statuses ...SlotStatus) ([]Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE owner_key = $1 AND start_time < $3 AND end_time > $2
	`
	args := []any{owner.String(), from.UTC(), to.UTC()}
	if len(statuses) > 0 {
		query += ` AND status = ANY($4)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY start_time`
	return s.querySlots(ctx, query, args...)
}

// ListOverlapping returns an owner's slots whose half-open interval
// intersects [start, end), restricted to the given statuses.
func (s *Store) ListOverlapping(ctx context.Context, owner OwnerRef, start, end time.Time, statuses ...SlotStatus) ([]Slot, error) {
	return s.ListSlots(ctx, owner, start, end, statuses...)
}

func (s *Store) querySlots(ctx context.Context, query string, args ...any) ([]Slot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduling: query slots: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduling: scan slot: %w", err)
		}
		slots = append(slots, *sl)
	}
	return slots, rows.Err()
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var sl Slot
	var ownerKey, status string
	if err := row.Scan(&sl.ID, &sl.WindowID, &sl.ServiceID, &sl.ServiceConfigID, &ownerKey,
		&sl.StartTime, &sl.EndTime, &status, &sl.BlockedByEventID,
		&sl.OccurrenceDate, &sl.LastCalculated); err != nil {
		return nil, err
	}
	owner, err := ParseOwnerRef(ownerKey)
	if err != nil {
		return nil, err
	}
	sl.Owner = owner
	sl.Status = SlotStatus(status)
	return &sl, nil
}

func statusStrings(statuses []SlotStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// BlockSlot marks an AVAILABLE slot BLOCKED by an event. The guard re-checks
// status and booking existence at write time, so a slot that was claimed
// since the batch started is left alone.
func (s *Store) BlockSlot(ctx context.Context, q Querier, slotID, eventID uuid.UUID) (bool, error) {
	if q == nil {
		q = s.pool
	}
	ct, err := q.Exec(ctx, `
		UPDATE slots
		SET status = 'BLOCKED', blocked_by_event_id = $2
		WHERE id = $1 AND status = 'AVAILABLE'
			AND NOT EXISTS (
				SELECT 1 FROM bookings WHERE slot_id = $1 AND status <> 'CANCELLED'
			)
	`, slotID, eventID)
	if err != nil {
		return false, fmt.Errorf("scheduling: block slot: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// UnblockSlotsForEvent releases every slot the event was blocking. Only
// BLOCKED slots whose blocked_by_event_id matches are touched.
func (s *Store) UnblockSlotsForEvent(ctx context.Context, eventID uuid.UUID) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE slots
		SET status = 'AVAILABLE', blocked_by_event_id = NULL
		WHERE blocked_by_event_id = $1 AND status = 'BLOCKED'
	`, eventID)
	if err != nil {
		return 0, fmt.Errorf("scheduling: unblock slots for event: %w", err)
	}
	return ct.RowsAffected(), nil
}

// ReleaseNonOverlapping frees slots still attributed to an event that no
// longer covers them, which happens when the event is rescheduled. The
// half-open test mirrors ListOverlapping; only BLOCKED slots move, so a slot
// that picked up a booking in the interim is untouched.
func (s *Store) ReleaseNonOverlapping(ctx context.Context, eventID uuid.UUID, start, end time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE slots
		SET status = 'AVAILABLE', blocked_by_event_id = NULL
		WHERE blocked_by_event_id = $1 AND status = 'BLOCKED'
			AND NOT (start_time < $3 AND end_time > $2)
	`, eventID, start.UTC(), end.UTC())
	if err != nil {
		return 0, fmt.Errorf("scheduling: release non-overlapping slots: %w", err)
	}
	return ct.RowsAffected(), nil
}

// ReleaseSlot returns a BOOKED slot to circulation after a cancellation.
// When blockedBy is non-nil the slot lands in BLOCKED instead of AVAILABLE
// because an external event still overlaps it.
func (s *Store) ReleaseSlot(ctx context.Context, q Querier, slotID uuid.UUID, blockedBy *uuid.UUID) (bool, error) {
	if q == nil {
		q = s.pool
	}
	status := SlotAvailable
	if blockedBy != nil {
		status = SlotBlocked
	}
	ct, err := q.Exec(ctx, `
		UPDATE slots
		SET status = $2, blocked_by_event_id = $3
		WHERE id = $1 AND status = 'BOOKED'
	`, slotID, string(status), blockedBy)
	if err != nil {
		return false, fmt.Errorf("scheduling: release slot: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// TransitionSlot flips a slot between statuses with a compare-and-set
// guard. Returns false when the slot was not in the expected state.
func (s *Store) TransitionSlot(ctx context.Context, q Querier, slotID uuid.UUID, from, to SlotStatus) (bool, error) {
	if q == nil {
		q = s.pool
	}
	ct, err := q.Exec(ctx, `
		UPDATE slots SET status = $3 WHERE id = $1 AND status = $2
	`, slotID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("scheduling: transition slot: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ---- bookings ----

const bookingColumns = `id, slot_id, client_id, guest_name, guest_email, guest_phone,
	status, notification_preferences, created_at`

// InsertBooking writes a booking row. Callers run it inside the claim
// transaction so the slot flip and the booking are atomic.
func (s *Store) InsertBooking(ctx context.Context, q Querier, b *Booking) error {
	if q == nil {
		q = s.pool
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, b.ID, b.SlotID, b.ClientID, b.GuestName, b.GuestEmail, b.GuestPhone,
		string(b.Status), b.NotificationPreferences)
	if err != nil {
		// The partial unique index on live bookings is the last line of
		// defense when two claims race past the row lock.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSlotNotAvailable
		}
		return fmt.Errorf("scheduling: insert booking: %w", err)
	}
	return nil
}

// GetBooking loads one booking.
func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	b, err := scanBooking(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("scheduling: load booking: %w", err)
	}
	return b, nil
}

// ActiveBookingForSlot returns the non-cancelled booking on a slot, or nil.
func (s *Store) ActiveBookingForSlot(ctx context.Context, q Querier, slotID uuid.UUID) (*Booking, error) {
	if q == nil {
		q = s.pool
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE slot_id = $1 AND status <> 'CANCELLED'`
	b, err := scanBooking(q.QueryRow(ctx, query, slotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scheduling: load booking for slot: %w", err)
	}
	return b, nil
}

// UpdateBookingStatus flips a booking's status with a compare-and-set guard.
func (s *Store) UpdateBookingStatus(ctx context.Context, q Querier, id uuid.UUID, from, to BookingStatus) (bool, error) {
	if q == nil {
		q = s.pool
	}
	ct, err := q.Exec(ctx, `
		UPDATE bookings SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("scheduling: update booking status: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// FlagBookingForCancellation marks an active booking for manual follow-up.
// Conflict resolution uses this instead of cancelling outright so a human
// confirms before the client loses the appointment.
func (s *Store) FlagBookingForCancellation(ctx context.Context, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE bookings SET flagged_for_cancellation = TRUE
		WHERE id = $1 AND status <> 'CANCELLED'
	`, id)
	if err != nil {
		return fmt.Errorf("scheduling: flag booking for cancellation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// BookedSlot pairs a booking with its slot interval for conflict scans.
type BookedSlot struct {
	Booking Booking
	Slot    Slot
}

// ListFutureBookedSlots returns bookings on future slots of the owner,
// ordered by slot start. Cancelled bookings are skipped unless
// includeCancelled is set.
func (s *Store) ListFutureBookedSlots(ctx context.Context, owner OwnerRef, now time.Time, includeCancelled bool) ([]BookedSlot, error) {
	query := `
		SELECT b.id, b.slot_id, b.client_id, b.guest_name, b.guest_email, b.guest_phone,
			b.status, b.notification_preferences, b.created_at,
			s.id, s.window_id, s.service_id, s.service_config_id, s.owner_key,
			s.start_time, s.end_time, s.status, s.blocked_by_event_id, s.occurrence_date, s.last_calculated
		FROM bookings b
		JOIN slots s ON s.id = b.slot_id
		WHERE s.owner_key = $1 AND s.end_time > $2
		ORDER BY s.start_time
	`
	if !includeCancelled {
		query = `
		SELECT b.id, b.slot_id, b.client_id, b.guest_name, b.guest_email, b.guest_phone,
			b.status, b.notification_preferences, b.created_at,
			s.id, s.window_id, s.service_id, s.service_config_id, s.owner_key,
			s.start_time, s.end_time, s.status, s.blocked_by_event_id, s.occurrence_date, s.last_calculated
		FROM bookings b
		JOIN slots s ON s.id = b.slot_id
		WHERE s.owner_key = $1 AND s.end_time > $2 AND b.status <> 'CANCELLED'
		ORDER BY s.start_time
	`
	}
	rows, err := s.pool.Query(ctx, query, owner.String(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("scheduling: list future booked slots: %w", err)
	}
	defer rows.Close()

	var out []BookedSlot
	for rows.Next() {
		var bs BookedSlot
		var ownerKey, slotStatus, bookingStatus string
		if err := rows.Scan(
			&bs.Booking.ID, &bs.Booking.SlotID, &bs.Booking.ClientID,
			&bs.Booking.GuestName, &bs.Booking.GuestEmail, &bs.Booking.GuestPhone,
			&bookingStatus, &bs.Booking.NotificationPreferences, &bs.Booking.CreatedAt,
			&bs.Slot.ID, &bs.Slot.WindowID, &bs.Slot.ServiceID, &bs.Slot.ServiceConfigID, &ownerKey,
			&bs.Slot.StartTime, &bs.Slot.EndTime, &slotStatus, &bs.Slot.BlockedByEventID,
			&bs.Slot.OccurrenceDate, &bs.Slot.LastCalculated,
		); err != nil {
			return nil, fmt.Errorf("scheduling: scan booked slot: %w", err)
		}
		slotOwner, err := ParseOwnerRef(ownerKey)
		if err != nil {
			return nil, err
		}
		bs.Booking.Status = BookingStatus(bookingStatus)
		bs.Slot.Owner = slotOwner
		bs.Slot.Status = SlotStatus(slotStatus)
		out = append(out, bs)
	}
	return out, rows.Err()
}

// ListStateMismatches surfaces slots whose status disagrees with booking
// existence: AVAILABLE with an active booking, or BOOKED without one.
func (s *Store) ListStateMismatches(ctx context.Context, owner OwnerRef) (availableWithBooking, bookedWithout []Slot, err error) {
	availableWithBooking, err = s.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE owner_key = $1 AND status = 'AVAILABLE'
			AND EXISTS (SELECT 1 FROM bookings WHERE slot_id = slots.id AND status <> 'CANCELLED')
	`, owner.String())
	if err != nil {
		return nil, nil, err
	}
	bookedWithout, err = s.querySlots(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE owner_key = $1 AND status = 'BOOKED'
			AND NOT EXISTS (SELECT 1 FROM bookings WHERE slot_id = slots.id AND status <> 'CANCELLED')
	`, owner.String())
	if err != nil {
		return nil, nil, err
	}
	return availableWithBooking, bookedWithout, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var status string
	if err := row.Scan(&b.ID, &b.SlotID, &b.ClientID, &b.GuestName, &b.GuestEmail, &b.GuestPhone,
		&status, &b.NotificationPreferences, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Status = BookingStatus(status)
	return &b, nil
}
