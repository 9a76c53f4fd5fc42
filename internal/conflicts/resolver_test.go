package conflicts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sagewell/carebook-platform/internal/calendar"
	"github.com/sagewell/carebook-platform/internal/scheduling"
)

type fakeEventResolver struct {
	cleared map[uuid.UUID]bool // event id -> stopBlocking
}

func (f *fakeEventResolver) ClearEventConflict(ctx context.Context, id uuid.UUID, stopBlocking bool) error {
	if f.cleared == nil {
		f.cleared = map[uuid.UUID]bool{}
	}
	f.cleared[id] = stopBlocking
	return nil
}

type countingInvalidator struct {
	calls int
}

func (c *countingInvalidator) InvalidateOwner(ctx context.Context, ownerKey string) { c.calls++ }

func mismatchFixture(t *testing.T) (*fakeSchedStore, *Resolver, scheduling.OwnerRef, Conflict) {
	t.Helper()
	owner := scheduling.ProviderOwner(uuid.New())
	slot := scheduling.Slot{
		ID: uuid.New(), Owner: owner, Status: scheduling.SlotAvailable,
		StartTime: detNow.Add(time.Hour), EndTime: detNow.Add(2 * time.Hour),
		LastCalculated: detNow.Add(-time.Hour),
	}
	store := newFakeSchedStore()
	store.mismatchAvail = []scheduling.Slot{slot}
	store.bookings[slot.ID] = &scheduling.Booking{ID: uuid.New(), SlotID: slot.ID, Status: scheduling.BookingConfirmed}

	detector := newTestDetector(store, &fakeEventSource{})
	resolver := NewResolver(detector, store, &fakeEventResolver{}, nil)

	conflicts, err := detector.Detect(context.Background(), owner)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	return store, resolver, owner, conflicts[0]
}

func overlapFixture(t *testing.T) (*fakeSchedStore, *fakeEventResolver, *Resolver, scheduling.OwnerRef, Conflict) {
	t.Helper()
	owner := scheduling.ProviderOwner(uuid.New())
	bs := bookedSlot(owner, detNow.Add(12*time.Hour), scheduling.BookingConfirmed)
	ev := blockingEvent(bs.Slot.StartTime, bs.Slot.EndTime)

	store := newFakeSchedStore()
	store.booked = []scheduling.BookedSlot{bs}
	events := &fakeEventResolver{}
	detector := newTestDetector(store, &fakeEventSource{events: []calendar.Event{ev}})
	resolver := NewResolver(detector, store, events, nil)

	conflicts, err := detector.Detect(context.Background(), owner)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	return store, events, resolver, owner, conflicts[0]
}

func TestAutoResolveAvailableWithBooking(t *testing.T) {
	store, resolver, owner, conflict := mismatchFixture(t)
	inv := &countingInvalidator{}
	resolver.WithInvalidator(inv)

	if err := resolver.AutoResolve(context.Background(), owner, conflict.ID); err != nil {
		t.Fatalf("auto resolve: %v", err)
	}
	if len(store.transitions) != 1 {
		t.Fatalf("expected one transition, got %d", len(store.transitions))
	}
	tr := store.transitions[0]
	if tr[1] != scheduling.SlotAvailable || tr[2] != scheduling.SlotBooked {
		t.Fatalf("transition %v, want AVAILABLE -> BOOKED", tr)
	}
	if inv.calls != 1 {
		t.Fatal("availability cache not invalidated")
	}
}

func TestAutoResolveOrphanBookedSlot(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	slot := scheduling.Slot{
		ID: uuid.New(), Owner: owner, Status: scheduling.SlotBooked,
		StartTime: detNow.Add(time.Hour), EndTime: detNow.Add(2 * time.Hour),
		LastCalculated: detNow.Add(-time.Hour),
	}
	store := newFakeSchedStore()
	store.mismatchBooked = []scheduling.Slot{slot}
	detector := newTestDetector(store, &fakeEventSource{})
	resolver := NewResolver(detector, store, &fakeEventResolver{}, nil)

	conflicts, err := detector.Detect(context.Background(), owner)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("detect: %v, %d conflicts", err, len(conflicts))
	}
	if err := resolver.AutoResolve(context.Background(), owner, conflicts[0].ID); err != nil {
		t.Fatalf("auto resolve: %v", err)
	}
	tr := store.transitions[0]
	if tr[1] != scheduling.SlotBooked || tr[2] != scheduling.SlotAvailable {
		t.Fatalf("transition %v, want BOOKED -> AVAILABLE", tr)
	}
}

func TestAutoResolveRefusesOtherTypes(t *testing.T) {
	_, _, resolver, owner, conflict := overlapFixture(t)
	if err := resolver.AutoResolve(context.Background(), owner, conflict.ID); !errors.Is(err, ErrConflictNotAutoResolvable) {
		t.Fatalf("expected ErrConflictNotAutoResolvable, got %v", err)
	}
}

func TestAutoResolveUnknownConflict(t *testing.T) {
	_, resolver, owner, _ := mismatchFixture(t)
	if err := resolver.AutoResolve(context.Background(), owner, uuid.New()); !errors.Is(err, ErrConflictNotFound) {
		t.Fatalf("expected ErrConflictNotFound, got %v", err)
	}
}

func TestAutoResolveHealedMismatch(t *testing.T) {
	store, resolver, owner, conflict := mismatchFixture(t)
	store.transitionOK = false // state moved between detection and resolution

	if err := resolver.AutoResolve(context.Background(), owner, conflict.ID); !errors.Is(err, ErrConflictNotFound) {
		t.Fatalf("expected ErrConflictNotFound, got %v", err)
	}
}

func TestResolveKeepBooking(t *testing.T) {
	store, events, resolver, owner, conflict := overlapFixture(t)
	inv := &countingInvalidator{}
	resolver.WithInvalidator(inv)

	if err := resolver.Resolve(context.Background(), owner, conflict.ID, KeepBooking); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	stopBlocking, cleared := events.cleared[*conflict.EventID]
	if !cleared || !stopBlocking {
		t.Fatalf("event conflict not cleared with blocking stopped: %v", events.cleared)
	}
	if len(store.unblocked) != 1 || store.unblocked[0] != *conflict.EventID {
		t.Fatalf("slots not released: %v", store.unblocked)
	}
	if len(store.flagged) != 0 {
		t.Fatal("booking flagged despite keeping it")
	}
	if inv.calls != 1 {
		t.Fatal("availability cache not invalidated")
	}
}

func TestResolveKeepEvent(t *testing.T) {
	store, events, resolver, owner, conflict := overlapFixture(t)

	if err := resolver.Resolve(context.Background(), owner, conflict.ID, KeepEvent); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(store.flagged) != 1 || store.flagged[0] != conflict.BookingIDs[0] {
		t.Fatalf("booking not flagged for cancellation: %v", store.flagged)
	}
	stopBlocking, cleared := events.cleared[*conflict.EventID]
	if !cleared || stopBlocking {
		t.Fatalf("event should stay blocking after KEEP_EVENT: %v", events.cleared)
	}
	if len(store.unblocked) != 0 {
		t.Fatal("slots released despite keeping the event")
	}
}

func TestResolveUnknownResolution(t *testing.T) {
	_, _, resolver, owner, conflict := overlapFixture(t)
	if err := resolver.Resolve(context.Background(), owner, conflict.ID, Resolution("SPLIT")); !errors.Is(err, ErrUnknownResolution) {
		t.Fatalf("expected ErrUnknownResolution, got %v", err)
	}
}

func TestResolveRefusesMismatchConflicts(t *testing.T) {
	_, resolver, owner, conflict := mismatchFixture(t)
	if err := resolver.Resolve(context.Background(), owner, conflict.ID, KeepBooking); !errors.Is(err, ErrResolutionNotApplicable) {
		t.Fatalf("expected ErrResolutionNotApplicable, got %v", err)
	}
}
