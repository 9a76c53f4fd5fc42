package conflicts

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ConflictType string

const (
	EventOverlapsBooking ConflictType = "EVENT_OVERLAPS_BOOKING"
	DoubleBooking        ConflictType = "DOUBLE_BOOKING"
	SlotStateMismatch    ConflictType = "SLOT_STATE_MISMATCH"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Resolution names a manual resolution choice for an event/booking overlap.
type Resolution string

const (
	// KeepBooking keeps the appointment: the external event stops blocking
	// and its conflict flag clears.
	KeepBooking Resolution = "KEEP_BOOKING"
	// KeepEvent keeps the external event: the booking is flagged for
	// cancellation follow-up.
	KeepEvent Resolution = "KEEP_EVENT"
)

var (
	ErrConflictNotFound          = errors.New("conflicts: conflict not found")
	ErrConflictNotAutoResolvable = errors.New("conflicts: conflict is not auto resolvable")
	ErrUnknownResolution         = errors.New("conflicts: unknown resolution")
)

// Conflict is a detected inconsistency in an owner's schedule. Conflicts are
// derived, not stored: the same underlying state always produces the same
// conflict, including its ID.
type Conflict struct {
	ID             uuid.UUID    `json:"id"`
	Type           ConflictType `json:"type"`
	Severity       Severity     `json:"severity"`
	OwnerKey       string       `json:"owner_key"`
	SlotIDs        []uuid.UUID  `json:"slot_ids"`
	BookingIDs     []uuid.UUID  `json:"booking_ids,omitempty"`
	EventID        *uuid.UUID   `json:"event_id,omitempty"`
	Description    string       `json:"description"`
	DetectedAt     time.Time    `json:"detected_at"`
	AutoResolvable bool         `json:"auto_resolvable"`
}

var conflictNamespace = uuid.MustParse("9c2f4a81-6e0b-4d3a-8f17-b54d2c7e91a3")

// conflictID derives a stable ID from the conflict's identity so repeated
// detection runs report the same conflict under the same ID.
func conflictID(parts ...string) uuid.UUID {
	name := ""
	for i, p := range parts {
		if i > 0 {
			name += "|"
		}
		name += p
	}
	return uuid.NewSHA1(conflictNamespace, []byte(name))
}

// pairKey orders two IDs so (a,b) and (b,a) identify the same pair.
func pairKey(a, b uuid.UUID) string {
	if a.String() < b.String() {
		return fmt.Sprintf("%s|%s", a, b)
	}
	return fmt.Sprintf("%s|%s", b, a)
}
