package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type identifiers carried in envelopes and outbox rows.
const (
	TypeBookingCreated   = "booking.created.v1"
	TypeBookingCancelled = "booking.cancelled.v1"
	TypeSlotBlocked      = "slot.blocked.v1"
	TypeConflictDetected = "conflict.detected.v1"
)

type BookingCreatedV1 struct {
	BookingID    uuid.UUID `json:"booking_id"`
	SlotID       uuid.UUID `json:"slot_id"`
	OwnerKey     string    `json:"owner_key"`
	ServiceID    uuid.UUID `json:"service_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	ClientID     string    `json:"client_id,omitempty"`
	GuestName    string    `json:"guest_name,omitempty"`
	GuestEmail   string    `json:"guest_email,omitempty"`
	Status       string    `json:"status"`
	RequiresConf bool      `json:"requires_confirmation"`
	CreatedAt    time.Time `json:"created_at"`
	// NotificationPreferences travels with the event so downstream channels
	// can honor opt-outs without a database read.
	NotificationPreferences []string `json:"notification_preferences,omitempty"`
}

func (BookingCreatedV1) EventType() string { return TypeBookingCreated }

type BookingCancelledV1 struct {
	BookingID   uuid.UUID `json:"booking_id"`
	SlotID      uuid.UUID `json:"slot_id"`
	OwnerKey    string    `json:"owner_key"`
	GuestName   string    `json:"guest_name,omitempty"`
	GuestEmail  string    `json:"guest_email,omitempty"`
	StartTime   time.Time `json:"start_time"`
	CancelledAt time.Time `json:"cancelled_at"`
	// SlotReleasedTo is the status the slot returned to: AVAILABLE, or
	// BLOCKED when an external event still overlaps it.
	SlotReleasedTo          string   `json:"slot_released_to"`
	NotificationPreferences []string `json:"notification_preferences,omitempty"`
}

func (BookingCancelledV1) EventType() string { return TypeBookingCancelled }

type SlotBlockedV1 struct {
	SlotID          uuid.UUID `json:"slot_id"`
	OwnerKey        string    `json:"owner_key"`
	CalendarEventID uuid.UUID `json:"calendar_event_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	BlockedAt       time.Time `json:"blocked_at"`
}

func (SlotBlockedV1) EventType() string { return TypeSlotBlocked }

type ConflictDetectedV1 struct {
	ConflictID   uuid.UUID `json:"conflict_id"`
	ConflictType string    `json:"conflict_type"`
	Severity     string    `json:"severity"`
	OwnerKey     string    `json:"owner_key"`
	SlotID       uuid.UUID `json:"slot_id,omitempty"`
	BookingID    uuid.UUID `json:"booking_id,omitempty"`
	EventID      uuid.UUID `json:"event_id,omitempty"`
	DetectedAt   time.Time `json:"detected_at"`
}

func (ConflictDetectedV1) EventType() string { return TypeConflictDetected }
