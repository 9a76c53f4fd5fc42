package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingCompleted BookingStatus = "COMPLETED"
	BookingNoShow    BookingStatus = "NO_SHOW"
)

// GuestInfo identifies an unregistered client. Name plus at least one
// contact channel is required.
type GuestInfo struct {
	Name  string
	Email string
	Phone string
}

// ClientInfo is the claimant of a slot: either a registered client id or
// guest contact details, never both.
type ClientInfo struct {
	ClientID *uuid.UUID
	Guest    *GuestInfo
	// NotificationPreferences lists the channels the client opted into,
	// e.g. "email", "sms", "whatsapp".
	NotificationPreferences []string
}

// Validate enforces the registered-XOR-guest rule.
func (c *ClientInfo) Validate() error {
	registered := c.ClientID != nil && *c.ClientID != uuid.Nil
	guest := c.Guest != nil
	if registered == guest {
		return fmt.Errorf("%w: booking requires exactly one of client id or guest info", ErrClientInfoInvalid)
	}
	if guest {
		if strings.TrimSpace(c.Guest.Name) == "" {
			return fmt.Errorf("%w: guest booking requires a name", ErrClientInfoInvalid)
		}
		if strings.TrimSpace(c.Guest.Email) == "" && strings.TrimSpace(c.Guest.Phone) == "" {
			return fmt.Errorf("%w: guest booking requires a contact channel", ErrClientInfoInvalid)
		}
	}
	return nil
}

// Booking is a client's claim on exactly one slot.
type Booking struct {
	ID                      uuid.UUID
	SlotID                  uuid.UUID
	ClientID                *uuid.UUID
	GuestName               string
	GuestEmail              string
	GuestPhone              string
	Status                  BookingStatus
	NotificationPreferences []string
	CreatedAt               time.Time
}

// validBookingTransitions mirrors the booking status machine: pending
// bookings may confirm or cancel; confirmed ones may complete, no-show or
// cancel. Terminal states accept nothing.
var validBookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:   {BookingConfirmed, BookingCancelled},
	BookingConfirmed: {BookingCompleted, BookingNoShow, BookingCancelled},
}

// CanTransition reports whether a booking in `from` may move to `to`.
func CanTransition(from, to BookingStatus) bool {
	for _, next := range validBookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
