package conflicts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/sagewell/carebook-platform/internal/calendar"
	"github.com/sagewell/carebook-platform/internal/scheduling"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

var detectorTracer = otel.Tracer("carebook/conflicts/detector")

// detectionLookback bounds how far into the past scans reach. Conflicts
// older than this have already played out and only add noise.
const detectionLookback = 7 * 24 * time.Hour

// SchedulingStore is the slice of the scheduling store detection reads.
type SchedulingStore interface {
	ListFutureBookedSlots(ctx context.Context, owner scheduling.OwnerRef, now time.Time, includeCancelled bool) ([]scheduling.BookedSlot, error)
	ListStateMismatches(ctx context.Context, owner scheduling.OwnerRef) (availableWithBooking, bookedWithout []scheduling.Slot, err error)
	ActiveBookingForSlot(ctx context.Context, q scheduling.Querier, slotID uuid.UUID) (*scheduling.Booking, error)
}

// EventSource lists the external events that currently block availability.
type EventSource interface {
	ListActiveBlockingEvents(ctx context.Context, ownerKey string, after time.Time) ([]calendar.Event, error)
}

// Detector derives schedule conflicts from current state. Detection is pure
// read: running it twice against unchanged state yields identical conflicts
// with identical IDs.
type Detector struct {
	store  SchedulingStore
	events EventSource
	logger *logging.Logger
	now    func() time.Time
}

func NewDetector(store SchedulingStore, events EventSource, logger *logging.Logger) *Detector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Detector{
		store:  store,
		events: events,
		logger: logger.WithComponent("conflict-detector"),
		now:    time.Now,
	}
}

// Detect scans one owner's schedule and returns every conflict found,
// ordered by severity (critical first) then detection time.
func (d *Detector) Detect(ctx context.Context, owner scheduling.OwnerRef) ([]Conflict, error) {
	ctx, span := detectorTracer.Start(ctx, "detector.detect")
	defer span.End()

	now := d.now().UTC()
	cutoff := now.Add(-detectionLookback)

	booked, err := d.store.ListFutureBookedSlots(ctx, owner, cutoff, true)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	overlaps, err := d.detectEventOverlaps(ctx, owner, booked, now, cutoff)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, overlaps...)
	conflicts = append(conflicts, d.detectDoubleBookings(owner, booked, now)...)

	mismatches, err := d.detectStateMismatches(ctx, owner)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, mismatches...)

	sort.SliceStable(conflicts, func(i, j int) bool {
		ri, rj := severityRank(conflicts[i].Severity), severityRank(conflicts[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}

// detectEventOverlaps cross-checks every active blocking event, not just
// the ones the sync pass already flagged, so overlaps that appear after a
// booking lands are still caught.
func (d *Detector) detectEventOverlaps(ctx context.Context, owner scheduling.OwnerRef, booked []scheduling.BookedSlot, now, cutoff time.Time) ([]Conflict, error) {
	events, err := d.events.ListActiveBlockingEvents(ctx, owner.String(), cutoff)
	if err != nil {
		return nil, err
	}

	var out []Conflict
	for i := range events {
		ev := &events[i]
		for j := range booked {
			bs := &booked[j]
			if !bs.Slot.Overlaps(ev.StartTime, ev.EndTime) {
				continue
			}
			detectedAt := ev.LastSyncedAt
			if bs.Booking.CreatedAt.After(detectedAt) {
				detectedAt = bs.Booking.CreatedAt
			}
			eventID := ev.ID
			out = append(out, Conflict{
				ID:         conflictID("event-overlaps-booking", ev.ID.String(), bs.Slot.ID.String(), bs.Booking.ID.String()),
				Type:       EventOverlapsBooking,
				Severity:   overlapSeverity(bs, ev, now),
				OwnerKey:   owner.String(),
				SlotIDs:    []uuid.UUID{bs.Slot.ID},
				BookingIDs: []uuid.UUID{bs.Booking.ID},
				EventID:    &eventID,
				Description: fmt.Sprintf("calendar event %q (%s - %s) overlaps booking on slot %s",
					ev.Title,
					ev.StartTime.Format(time.RFC3339), ev.EndTime.Format(time.RFC3339),
					bs.Slot.ID),
				DetectedAt: detectedAt,
			})
		}
	}
	return out, nil
}

// overlapSeverity grades an event/booking overlap by how soon the event
// arrives. The checks run in order; the first match wins.
func overlapSeverity(bs *scheduling.BookedSlot, ev *calendar.Event, now time.Time) Severity {
	switch {
	case bs.Booking.Status == scheduling.BookingCancelled:
		return SeverityLow
	case bs.Booking.Status == scheduling.BookingPending:
		return SeverityMedium
	case !ev.EndTime.After(now):
		return SeverityLow
	case ev.StartTime.Sub(now) <= 24*time.Hour:
		return SeverityCritical
	case ev.StartTime.Sub(now) <= 7*24*time.Hour:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func (d *Detector) detectDoubleBookings(owner scheduling.OwnerRef, booked []scheduling.BookedSlot, now time.Time) []Conflict {
	active := make([]*scheduling.BookedSlot, 0, len(booked))
	for i := range booked {
		if booked[i].Booking.Status == scheduling.BookingCancelled {
			continue
		}
		active = append(active, &booked[i])
	}

	seen := make(map[string]struct{})
	var out []Conflict
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			a, b := active[i], active[j]
			if a.Slot.ID == b.Slot.ID {
				continue
			}
			if !a.Slot.Overlaps(b.Slot.StartTime, b.Slot.EndTime) {
				continue
			}
			key := pairKey(a.Slot.ID, b.Slot.ID)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			detectedAt := a.Booking.CreatedAt
			if b.Booking.CreatedAt.After(detectedAt) {
				detectedAt = b.Booking.CreatedAt
			}
			out = append(out, Conflict{
				ID:         conflictID("double-booking", key),
				Type:       DoubleBooking,
				Severity:   SeverityCritical,
				OwnerKey:   owner.String(),
				SlotIDs:    []uuid.UUID{a.Slot.ID, b.Slot.ID},
				BookingIDs: []uuid.UUID{a.Booking.ID, b.Booking.ID},
				Description: fmt.Sprintf("bookings %s and %s occupy overlapping slots (%s - %s vs %s - %s)",
					a.Booking.ID, b.Booking.ID,
					a.Slot.StartTime.Format(time.RFC3339), a.Slot.EndTime.Format(time.RFC3339),
					b.Slot.StartTime.Format(time.RFC3339), b.Slot.EndTime.Format(time.RFC3339)),
				DetectedAt: detectedAt,
			})
		}
	}
	return out
}

func (d *Detector) detectStateMismatches(ctx context.Context, owner scheduling.OwnerRef) ([]Conflict, error) {
	availableWithBooking, bookedWithout, err := d.store.ListStateMismatches(ctx, owner)
	if err != nil {
		return nil, err
	}

	var out []Conflict
	for i := range availableWithBooking {
		slot := &availableWithBooking[i]
		c := Conflict{
			ID:             conflictID("state-mismatch", slot.ID.String(), "available-with-booking"),
			Type:           SlotStateMismatch,
			Severity:       SeverityHigh,
			OwnerKey:       owner.String(),
			SlotIDs:        []uuid.UUID{slot.ID},
			Description:    fmt.Sprintf("slot %s is AVAILABLE but carries an active booking", slot.ID),
			DetectedAt:     slot.LastCalculated,
			AutoResolvable: true,
		}
		booking, err := d.store.ActiveBookingForSlot(ctx, nil, slot.ID)
		if err != nil {
			return nil, err
		}
		if booking != nil {
			c.BookingIDs = []uuid.UUID{booking.ID}
		}
		out = append(out, c)
	}
	for i := range bookedWithout {
		slot := &bookedWithout[i]
		out = append(out, Conflict{
			ID:             conflictID("state-mismatch", slot.ID.String(), "booked-without-booking"),
			Type:           SlotStateMismatch,
			Severity:       SeverityMedium,
			OwnerKey:       owner.String(),
			SlotIDs:        []uuid.UUID{slot.ID},
			Description:    fmt.Sprintf("slot %s is BOOKED but has no active booking", slot.ID),
			DetectedAt:     slot.LastCalculated,
			AutoResolvable: true,
		})
	}
	return out, nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Summary aggregates an owner's conflicts for dashboards.
type Summary struct {
	Total      int                  `json:"total"`
	ByType     map[ConflictType]int `json:"by_type"`
	BySeverity map[Severity]int     `json:"by_severity"`
	OldestAt   *time.Time           `json:"oldest_at,omitempty"`
}

func (d *Detector) Summarize(ctx context.Context, owner scheduling.OwnerRef) (Summary, error) {
	conflicts, err := d.Detect(ctx, owner)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Total:      len(conflicts),
		ByType:     make(map[ConflictType]int),
		BySeverity: make(map[Severity]int),
	}
	for i := range conflicts {
		s.ByType[conflicts[i].Type]++
		s.BySeverity[conflicts[i].Severity]++
		if s.OldestAt == nil || conflicts[i].DetectedAt.Before(*s.OldestAt) {
			t := conflicts[i].DetectedAt
			s.OldestAt = &t
		}
	}
	return s, nil
}
