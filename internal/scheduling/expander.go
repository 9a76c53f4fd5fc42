package scheduling

import (
	"fmt"
	"time"
)

// Expander turns availability windows into concrete slots for a date range.
// Pure computation; persistence of the result is the store's concern.
type Expander struct {
	// Horizon bounds how far past now a window is ever materialized.
	Horizon time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewExpander builds an expander with the given horizon in days.
func NewExpander(horizonDays int) *Expander {
	if horizonDays <= 0 {
		horizonDays = 90
	}
	return &Expander{Horizon: time.Duration(horizonDays) * 24 * time.Hour, Now: time.Now}
}

// Expand computes every slot the window yields between rangeStart and
// rangeEnd. Deterministic: the same arguments always produce the same slot
// identities. Occurrences too short for any offered service yield no slots.
func (e *Expander) Expand(w *AvailabilityWindow, rangeStart, rangeEnd time.Time) ([]Slot, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if !rangeStart.Before(rangeEnd) {
		return nil, fmt.Errorf("%w: expansion range start must precede end", ErrWindowInvalid)
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	horizon := now().Add(e.Horizon)
	if rangeEnd.After(horizon) {
		rangeEnd = horizon
	}
	if !rangeStart.Before(rangeEnd) {
		return nil, nil
	}

	calculated := now().UTC()
	var slots []Slot
	for _, occ := range e.occurrences(w, rangeStart, rangeEnd) {
		for i := range w.Services {
			slots = append(slots, sliceOccurrence(w, &w.Services[i], occ, rangeStart, calculated)...)
		}
	}
	return slots, nil
}

// occurrence is one concrete instance of a (possibly recurring) window.
type occurrence struct {
	date  time.Time
	start time.Time
	end   time.Time
}

func (e *Expander) occurrences(w *AvailabilityWindow, rangeStart, rangeEnd time.Time) []occurrence {
	duration := w.End.Sub(w.Start)
	startClock := w.Start.UTC().Sub(dateOf(w.Start))

	var out []occurrence
	for date := dateOf(rangeStart); date.Before(rangeEnd); date = date.AddDate(0, 0, 1) {
		if !w.recursOn(date) {
			continue
		}
		occStart := date.Add(startClock)
		occEnd := occStart.Add(duration)
		if !occStart.Before(rangeEnd) || !occEnd.After(rangeStart) {
			continue
		}
		out = append(out, occurrence{date: date, start: occStart, end: occEnd})
	}
	return out
}

// sliceOccurrence cuts one occurrence interval into fixed-duration slots for
// a single offered service, honoring the window's granularity. Slicing always
// starts from the occurrence start so slot identities do not shift with the
// requested range; slots wholly before rangeStart are dropped afterwards.
func sliceOccurrence(w *AvailabilityWindow, svc *ServiceConfig, occ occurrence, rangeStart, calculated time.Time) []Slot {
	var slots []Slot
	start := alignStart(occ.start, w.Granularity)
	for !start.Add(svc.Duration).After(occ.end) {
		if !start.Add(svc.Duration).After(rangeStart) {
			start = nextStart(start.Add(svc.Duration), w.Granularity)
			continue
		}
		slots = append(slots, Slot{
			ID:              SlotID(w.ID, svc.ID, start),
			WindowID:        w.ID,
			ServiceID:       svc.ServiceID,
			ServiceConfigID: svc.ID,
			Owner:           w.Owner,
			StartTime:       start,
			EndTime:         start.Add(svc.Duration),
			Status:          SlotAvailable,
			OccurrenceDate:  occ.date,
			LastCalculated:  calculated,
		})
		start = nextStart(start.Add(svc.Duration), w.Granularity)
	}
	return slots
}

// alignStart rounds a candidate start up to the next boundary the
// granularity permits.
func alignStart(t time.Time, g Granularity) time.Time {
	switch g {
	case GranularityFixedHour:
		return ceilTo(t, time.Hour)
	case GranularityFixedHalfHour:
		return ceilTo(t, 30*time.Minute)
	default:
		return t
	}
}

// nextStart picks the start of the slot after one ending at t.
func nextStart(t time.Time, g Granularity) time.Time {
	return alignStart(t, g)
}

func ceilTo(t time.Time, step time.Duration) time.Time {
	truncated := t.Truncate(step)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(step)
}
