package conflicts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/sagewell/carebook-platform/internal/observability/metrics"
	"github.com/sagewell/carebook-platform/internal/scheduling"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

var resolverTracer = otel.Tracer("carebook/conflicts/resolver")

// ErrResolutionNotApplicable is returned when a manual resolution is applied
// to a conflict type it does not fit.
var ErrResolutionNotApplicable = errors.New("conflicts: resolution not applicable to this conflict type")

// SlotResolver is the slice of the scheduling store resolution writes to.
type SlotResolver interface {
	TransitionSlot(ctx context.Context, q scheduling.Querier, slotID uuid.UUID, from, to scheduling.SlotStatus) (bool, error)
	ActiveBookingForSlot(ctx context.Context, q scheduling.Querier, slotID uuid.UUID) (*scheduling.Booking, error)
	FlagBookingForCancellation(ctx context.Context, id uuid.UUID) error
	UnblockSlotsForEvent(ctx context.Context, eventID uuid.UUID) (int64, error)
}

// EventResolver clears conflict flags on mirrored events.
type EventResolver interface {
	ClearEventConflict(ctx context.Context, id uuid.UUID, stopBlocking bool) error
}

// Invalidator drops cached availability after a resolution changes state.
type Invalidator interface {
	InvalidateOwner(ctx context.Context, ownerKey string)
}

// Resolver applies resolutions to detected conflicts. Only slot state
// mismatches resolve automatically; everything else needs a human choice.
type Resolver struct {
	detector   *Detector
	slots      SlotResolver
	events     EventResolver
	invalidate Invalidator
	logger     *logging.Logger
	metrics    *metrics.SchedulingMetrics
}

func NewResolver(detector *Detector, slots SlotResolver, events EventResolver, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		detector: detector,
		slots:    slots,
		events:   events,
		logger:   logger.WithComponent("conflict-resolver"),
	}
}

func (r *Resolver) WithMetrics(m *metrics.SchedulingMetrics) *Resolver {
	r.metrics = m
	return r
}

func (r *Resolver) WithInvalidator(inv Invalidator) *Resolver {
	r.invalidate = inv
	return r
}

func (r *Resolver) find(ctx context.Context, owner scheduling.OwnerRef, conflictID uuid.UUID) (*Conflict, error) {
	conflicts, err := r.detector.Detect(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := range conflicts {
		if conflicts[i].ID == conflictID {
			return &conflicts[i], nil
		}
	}
	return nil, ErrConflictNotFound
}

// AutoResolve repairs a slot state mismatch by flipping the slot to agree
// with booking existence. Any other conflict type is refused.
func (r *Resolver) AutoResolve(ctx context.Context, owner scheduling.OwnerRef, conflictID uuid.UUID) error {
	ctx, span := resolverTracer.Start(ctx, "resolver.auto_resolve")
	defer span.End()

	conflict, err := r.find(ctx, owner, conflictID)
	if err != nil {
		return err
	}
	if conflict.Type != SlotStateMismatch || !conflict.AutoResolvable {
		return ErrConflictNotAutoResolvable
	}
	slotID := conflict.SlotIDs[0]

	// Re-check booking existence at resolution time; the compare-and-set
	// transition refuses to run if the slot moved since detection.
	booking, err := r.slots.ActiveBookingForSlot(ctx, nil, slotID)
	if err != nil {
		return err
	}
	var ok bool
	if booking != nil {
		ok, err = r.slots.TransitionSlot(ctx, nil, slotID, scheduling.SlotAvailable, scheduling.SlotBooked)
	} else {
		ok, err = r.slots.TransitionSlot(ctx, nil, slotID, scheduling.SlotBooked, scheduling.SlotAvailable)
	}
	if err != nil {
		return err
	}
	if !ok {
		// The mismatch healed (or changed shape) between detection and now.
		return ErrConflictNotFound
	}

	r.metrics.ObserveConflictResolved(string(SlotStateMismatch), "AUTO")
	r.invalidateOwner(ctx, owner)
	r.logger.Info("conflict auto resolved", "conflict_id", conflictID, "slot_id", slotID)
	return nil
}

// Resolve applies a manual choice to an event/booking overlap. Double
// bookings are resolved by cancelling one booking through the normal
// cancellation flow, and mismatches through AutoResolve, so both refuse
// manual resolutions here.
func (r *Resolver) Resolve(ctx context.Context, owner scheduling.OwnerRef, conflictID uuid.UUID, resolution Resolution) error {
	ctx, span := resolverTracer.Start(ctx, "resolver.resolve")
	defer span.End()

	if resolution != KeepBooking && resolution != KeepEvent {
		return fmt.Errorf("%w: %q", ErrUnknownResolution, resolution)
	}
	conflict, err := r.find(ctx, owner, conflictID)
	if err != nil {
		return err
	}
	if conflict.Type != EventOverlapsBooking || conflict.EventID == nil {
		return ErrResolutionNotApplicable
	}

	switch resolution {
	case KeepBooking:
		if err := r.events.ClearEventConflict(ctx, *conflict.EventID, true); err != nil {
			return err
		}
		released, err := r.slots.UnblockSlotsForEvent(ctx, *conflict.EventID)
		if err != nil {
			return err
		}
		r.logger.Info("conflict resolved keeping booking",
			"conflict_id", conflictID, "event_id", *conflict.EventID, "slots_released", released)
	case KeepEvent:
		if len(conflict.BookingIDs) == 0 {
			return ErrResolutionNotApplicable
		}
		if err := r.slots.FlagBookingForCancellation(ctx, conflict.BookingIDs[0]); err != nil {
			return err
		}
		if err := r.events.ClearEventConflict(ctx, *conflict.EventID, false); err != nil {
			return err
		}
		r.logger.Info("conflict resolved keeping event",
			"conflict_id", conflictID, "booking_id", conflict.BookingIDs[0])
	}

	r.metrics.ObserveConflictResolved(string(EventOverlapsBooking), string(resolution))
	r.invalidateOwner(ctx, owner)
	return nil
}

func (r *Resolver) invalidateOwner(ctx context.Context, owner scheduling.OwnerRef) {
	if r.invalidate != nil {
		r.invalidate.InvalidateOwner(ctx, owner.String())
	}
}
