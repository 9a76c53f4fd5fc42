package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// SlotStatus is the lifecycle state of a materialized slot.
type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotBooked    SlotStatus = "BOOKED"
	SlotBlocked   SlotStatus = "BLOCKED"
	SlotInvalid   SlotStatus = "INVALID"
)

// Slot is one concrete bookable unit materialized from a window occurrence.
// Identity is derived deterministically from the window, service config and
// occurrence start, so re-expansion upserts instead of duplicating.
type Slot struct {
	ID               uuid.UUID
	WindowID         uuid.UUID
	ServiceID        uuid.UUID
	ServiceConfigID  uuid.UUID
	Owner            OwnerRef
	StartTime        time.Time
	EndTime          time.Time
	Status           SlotStatus
	BlockedByEventID *uuid.UUID
	// OccurrenceDate keys the slot back to the window occurrence that
	// produced it, so scoped edits can range-filter instead of rewriting
	// the recurrence rule.
	OccurrenceDate time.Time
	LastCalculated time.Time
}

// Overlaps reports whether the slot's half-open interval [StartTime,EndTime)
// intersects [start,end).
func (s *Slot) Overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && s.EndTime.After(start)
}

// slotNamespace seeds deterministic slot identity derivation.
var slotNamespace = uuid.MustParse("5f0f7f6e-9a34-4c52-b1df-2e9c06c5a8d1")

// SlotID derives the stable identity of a slot from its window, service
// config and start instant.
func SlotID(windowID, serviceConfigID uuid.UUID, start time.Time) uuid.UUID {
	key := windowID.String() + "|" + serviceConfigID.String() + "|" + start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(slotNamespace, []byte(key))
}
