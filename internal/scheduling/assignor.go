package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sagewell/carebook-platform/internal/events"
	"github.com/sagewell/carebook-platform/internal/observability/metrics"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

var assignorTracer = otel.Tracer("carebook/scheduling/assignor")

// BlockingLookup answers whether an active external event still overlaps an
// interval for an owner. Implemented by the calendar store; keeps this
// package free of a calendar dependency.
type BlockingLookup interface {
	ActiveBlockingEventOverlapping(ctx context.Context, ownerKey string, start, end time.Time) (*uuid.UUID, error)
}

// BookingMirror pushes committed booking changes out to an external
// calendar. Best-effort: failures are logged, never unwound.
type BookingMirror interface {
	MirrorBookingCreated(ctx context.Context, booking *Booking, slot *Slot)
	MirrorBookingCancelled(ctx context.Context, booking *Booking, slot *Slot)
}

// Assignor claims slots for clients. The claim is a single transaction with
// a row lock on the slot, which is the sole defense against two concurrent
// clients booking the same slot.
type Assignor struct {
	store    *Store
	blocking BlockingLookup
	mirror   BookingMirror
	logger   *logging.Logger
	metrics  *metrics.SchedulingMetrics
}

func NewAssignor(store *Store, blocking BlockingLookup, logger *logging.Logger) *Assignor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Assignor{
		store:    store,
		blocking: blocking,
		logger:   logger.WithComponent("assignor"),
	}
}

// WithMirror attaches an external-calendar mirror for committed bookings.
func (a *Assignor) WithMirror(m BookingMirror) *Assignor {
	a.mirror = m
	return a
}

// WithMetrics attaches booking metrics.
func (a *Assignor) WithMetrics(m *metrics.SchedulingMetrics) *Assignor {
	a.metrics = m
	return a
}

// Book claims the slot for the client. Returns ErrSlotNotAvailable when the
// slot is no longer AVAILABLE; the caller should offer a different slot, not
// retry this one.
func (a *Assignor) Book(ctx context.Context, slotID uuid.UUID, client ClientInfo) (*Booking, error) {
	ctx, span := assignorTracer.Start(ctx, "assignor.book")
	defer span.End()
	span.SetAttributes(attribute.String("slot_id", slotID.String()))

	if err := client.Validate(); err != nil {
		return nil, err
	}

	// Window lookup decides PENDING vs CONFIRMED; read before the claim
	// transaction to keep the locked section short.
	slotPeek, err := a.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	window, err := a.store.GetWindow(ctx, slotPeek.WindowID)
	if err != nil {
		return nil, err
	}
	status := BookingConfirmed
	if window.RequiresConfirmation {
		status = BookingPending
	}

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	slot, err := a.store.GetSlotForUpdate(ctx, tx, slotID)
	if err != nil {
		return nil, err
	}
	if slot.Status != SlotAvailable {
		a.metrics.ObserveClaimConflict()
		return nil, ErrSlotNotAvailable
	}

	booking := &Booking{
		ID:                      uuid.New(),
		SlotID:                  slot.ID,
		ClientID:                client.ClientID,
		Status:                  status,
		NotificationPreferences: client.NotificationPreferences,
	}
	if client.Guest != nil {
		booking.GuestName = client.Guest.Name
		booking.GuestEmail = client.Guest.Email
		booking.GuestPhone = client.Guest.Phone
	}
	if err := a.store.InsertBooking(ctx, tx, booking); err != nil {
		return nil, err
	}
	if ok, err := a.store.TransitionSlot(ctx, tx, slot.ID, SlotAvailable, SlotBooked); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrSlotNotAvailable
	}

	evt := events.BookingCreatedV1{
		BookingID:               booking.ID,
		SlotID:                  slot.ID,
		OwnerKey:                slot.Owner.String(),
		ServiceID:               slot.ServiceID,
		StartTime:               slot.StartTime,
		EndTime:                 slot.EndTime,
		GuestName:               booking.GuestName,
		GuestEmail:              booking.GuestEmail,
		Status:                  string(booking.Status),
		RequiresConf:            window.RequiresConfirmation,
		CreatedAt:               time.Now().UTC(),
		NotificationPreferences: booking.NotificationPreferences,
	}
	if booking.ClientID != nil {
		evt.ClientID = booking.ClientID.String()
	}
	if _, err := events.AppendCanonicalEvent(ctx, tx, "booking", booking.ID.String(), evt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("scheduling: commit claim: %w", err)
	}

	a.metrics.ObserveBooking(string(status))
	a.logger.Info("slot booked",
		"booking_id", booking.ID, "slot_id", slot.ID,
		"owner", slot.Owner.String(), "status", string(status))

	if a.mirror != nil {
		a.mirror.MirrorBookingCreated(ctx, booking, slot)
	}
	booking.CreatedAt = evt.CreatedAt
	return booking, nil
}

// Cancel releases a booking's slot back to AVAILABLE, or to BLOCKED when an
// active external event still overlaps it.
func (a *Assignor) Cancel(ctx context.Context, bookingID uuid.UUID) error {
	ctx, span := assignorTracer.Start(ctx, "assignor.cancel")
	defer span.End()

	booking, err := a.store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if !CanTransition(booking.Status, BookingCancelled) {
		return fmt.Errorf("%w: booking %s cannot be cancelled from %s", ErrInvalidTransition, bookingID, booking.Status)
	}

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("scheduling: begin cancel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	slot, err := a.store.GetSlotForUpdate(ctx, tx, booking.SlotID)
	if err != nil {
		return err
	}
	if ok, err := a.store.UpdateBookingStatus(ctx, tx, booking.ID, booking.Status, BookingCancelled); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("scheduling: booking %s changed state concurrently", bookingID)
	}

	var blockedBy *uuid.UUID
	if a.blocking != nil {
		blockedBy, err = a.blocking.ActiveBlockingEventOverlapping(ctx, slot.Owner.String(), slot.StartTime, slot.EndTime)
		if err != nil {
			return fmt.Errorf("scheduling: check blocking events on cancel: %w", err)
		}
	}
	if _, err := a.store.ReleaseSlot(ctx, tx, slot.ID, blockedBy); err != nil {
		return err
	}

	releasedTo := SlotAvailable
	if blockedBy != nil {
		releasedTo = SlotBlocked
	}
	evt := events.BookingCancelledV1{
		BookingID:               booking.ID,
		SlotID:                  slot.ID,
		OwnerKey:                slot.Owner.String(),
		GuestName:               booking.GuestName,
		GuestEmail:              booking.GuestEmail,
		StartTime:               slot.StartTime,
		CancelledAt:             time.Now().UTC(),
		SlotReleasedTo:          string(releasedTo),
		NotificationPreferences: booking.NotificationPreferences,
	}
	if _, err := events.AppendCanonicalEvent(ctx, tx, "booking", booking.ID.String(), evt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("scheduling: commit cancel: %w", err)
	}

	a.metrics.ObserveBooking(string(BookingCancelled))
	a.logger.Info("booking cancelled",
		"booking_id", booking.ID, "slot_id", slot.ID, "released_to", string(releasedTo))

	if a.mirror != nil {
		a.mirror.MirrorBookingCancelled(ctx, booking, slot)
	}
	return nil
}

// AdvanceStatus moves a booking through its post-claim lifecycle
// (confirm, complete, no-show). Cancellation goes through Cancel so the
// slot gets released.
func (a *Assignor) AdvanceStatus(ctx context.Context, bookingID uuid.UUID, to BookingStatus) error {
	if to == BookingCancelled {
		return a.Cancel(ctx, bookingID)
	}
	booking, err := a.store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if !CanTransition(booking.Status, to) {
		return fmt.Errorf("%w: booking %s cannot move from %s to %s", ErrInvalidTransition, bookingID, booking.Status, to)
	}
	if ok, err := a.store.UpdateBookingStatus(ctx, nil, booking.ID, booking.Status, to); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("scheduling: booking %s changed state concurrently", bookingID)
	}
	a.logger.Info("booking status advanced", "booking_id", bookingID, "to", string(to))
	return nil
}
