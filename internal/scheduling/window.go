package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecurrenceKind enumerates how an availability window repeats.
type RecurrenceKind string

const (
	RecurrenceNone   RecurrenceKind = "NONE"
	RecurrenceDaily  RecurrenceKind = "DAILY"
	RecurrenceWeekly RecurrenceKind = "WEEKLY"
	RecurrenceCustom RecurrenceKind = "CUSTOM"
)

// Recurrence describes the repeat rule of a window. Weekdays applies to
// WEEKLY and CUSTOM; Until only to CUSTOM (nil means unbounded, capped by
// the expansion horizon).
type Recurrence struct {
	Kind     RecurrenceKind
	Weekdays []time.Weekday
	Until    *time.Time
}

// Granularity constrains where slot start times may fall within a window.
type Granularity string

const (
	GranularityContinuous    Granularity = "CONTINUOUS"
	GranularityFixedHour     Granularity = "FIXED_HOUR"
	GranularityFixedHalfHour Granularity = "FIXED_HALF_HOUR"
)

// ServiceConfig is one bookable service offered inside a window.
type ServiceConfig struct {
	ID         uuid.UUID
	ServiceID  uuid.UUID
	Duration   time.Duration
	PriceCents int64
	Online     bool
	InPerson   bool
}

// EditScope selects which occurrences a recurring-window edit applies to.
type EditScope string

const (
	EditThisOccurrence EditScope = "THIS_OCCURRENCE"
	EditThisAndFuture  EditScope = "THIS_AND_FUTURE"
	EditAll            EditScope = "ALL"
)

// AvailabilityWindow is a provider- or organization-declared interval of
// offer. Start and End are UTC instants of the first occurrence; the
// recurrence projects the same time of day onto later dates.
type AvailabilityWindow struct {
	ID                   uuid.UUID
	Owner                OwnerRef
	Start                time.Time
	End                  time.Time
	Recurrence           Recurrence
	Granularity          Granularity
	RequiresConfirmation bool
	Online               bool
	InPerson             bool
	Services             []ServiceConfig
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Validate enforces the window invariants. Violations wrap ErrWindowInvalid
// so callers can map them to a validation failure rather than a server error.
func (w *AvailabilityWindow) Validate() error {
	if err := w.Owner.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrWindowInvalid, err)
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start must precede end", ErrWindowInvalid)
	}
	switch w.Granularity {
	case GranularityContinuous, GranularityFixedHour, GranularityFixedHalfHour:
	default:
		return fmt.Errorf("%w: unknown granularity %q", ErrWindowInvalid, w.Granularity)
	}
	switch w.Recurrence.Kind {
	case RecurrenceNone:
	case RecurrenceDaily:
	case RecurrenceWeekly, RecurrenceCustom:
		if len(w.Recurrence.Weekdays) == 0 {
			return fmt.Errorf("%w: %s recurrence requires weekdays", ErrWindowInvalid, w.Recurrence.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown recurrence %q", ErrWindowInvalid, w.Recurrence.Kind)
	}
	if w.Recurrence.Kind != RecurrenceNone && w.Recurrence.Until != nil {
		if w.Recurrence.Until.Before(dateOf(w.Start)) {
			return fmt.Errorf("%w: recurrence until precedes window start", ErrWindowInvalid)
		}
	}
	if len(w.Services) == 0 {
		return fmt.Errorf("%w: window offers no services", ErrWindowInvalid)
	}
	for _, svc := range w.Services {
		if svc.Duration <= 0 {
			return fmt.Errorf("%w: service %s has non-positive duration", ErrWindowInvalid, svc.ServiceID)
		}
	}
	return nil
}

// recursOn reports whether the recurrence produces an occurrence on the
// given UTC date. The first occurrence date always counts.
func (w *AvailabilityWindow) recursOn(date time.Time) bool {
	first := dateOf(w.Start)
	if date.Before(first) {
		return false
	}
	switch w.Recurrence.Kind {
	case RecurrenceNone:
		return date.Equal(first)
	case RecurrenceDaily:
		return w.Recurrence.Until == nil || !date.After(dateOf(*w.Recurrence.Until))
	case RecurrenceWeekly, RecurrenceCustom:
		if w.Recurrence.Until != nil && date.After(dateOf(*w.Recurrence.Until)) {
			return false
		}
		for _, wd := range w.Recurrence.Weekdays {
			if date.Weekday() == wd {
				return true
			}
		}
		return false
	}
	return false
}

// dateOf truncates an instant to its UTC date (midnight).
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
