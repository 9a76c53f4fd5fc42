package scheduling

import "errors"

var (
	// ErrSlotNotAvailable is returned when a claim targets a slot that is
	// no longer AVAILABLE. Callers should re-search for another slot, not
	// retry the same one.
	ErrSlotNotAvailable = errors.New("scheduling: slot not available")

	// ErrWindowInvalid rejects availability windows that violate basic
	// constraints (start before end, recurrence bounds).
	ErrWindowInvalid = errors.New("scheduling: availability window invalid")

	// ErrSlotNotFound is returned when the referenced slot does not exist.
	ErrSlotNotFound = errors.New("scheduling: slot not found")

	// ErrBookingNotFound is returned when the referenced booking does not exist.
	ErrBookingNotFound = errors.New("scheduling: booking not found")

	// ErrInvalidTransition rejects booking status moves the lifecycle does
	// not permit.
	ErrInvalidTransition = errors.New("scheduling: invalid booking status transition")

	// ErrWindowNotFound is returned when the referenced window does not exist.
	ErrWindowNotFound = errors.New("scheduling: availability window not found")

	// ErrClientInfoInvalid rejects booking requests that violate the
	// registered-client-or-guest rule.
	ErrClientInfoInvalid = errors.New("scheduling: client info invalid")
)
