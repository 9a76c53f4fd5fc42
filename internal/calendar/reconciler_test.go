package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sagewell/carebook-platform/internal/events"
	"github.com/sagewell/carebook-platform/internal/scheduling"
)

var testNow = time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC)

type fakeProvider struct {
	page        EventPage
	listErr     error
	listOpts    []ListOptions
	refreshed   Token
	refreshErr  error
	refreshHits int
}

func (f *fakeProvider) ListEvents(ctx context.Context, accessToken, calendarID string, opts ListOptions) (EventPage, error) {
	f.listOpts = append(f.listOpts, opts)
	if f.listErr != nil && opts.SyncToken != "" {
		return EventPage{}, f.listErr
	}
	return f.page, nil
}

func (f *fakeProvider) CreateEvent(ctx context.Context, accessToken, calendarID string, ev ExternalEvent, withMeetLink bool) (string, error) {
	return "ext-created", nil
}

func (f *fakeProvider) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev ExternalEvent) error {
	return nil
}

func (f *fakeProvider) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	return nil
}

func (f *fakeProvider) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	f.refreshHits++
	if f.refreshErr != nil {
		return Token{}, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeProvider) RevokeToken(ctx context.Context, token string) error { return nil }

type fakeIntegrations struct {
	byID         map[uuid.UUID]*Integration
	syncTokens   []string
	failures     int
	updatedToken string
}

func (f *fakeIntegrations) GetIntegration(ctx context.Context, id uuid.UUID) (*Integration, error) {
	integration, ok := f.byID[id]
	if !ok {
		return nil, ErrIntegrationNotFound
	}
	copied := *integration
	return &copied, nil
}

func (f *fakeIntegrations) ListEnabledIntegrations(ctx context.Context) ([]*Integration, error) {
	var out []*Integration
	for _, integration := range f.byID {
		if integration.SyncEnabled {
			out = append(out, integration)
		}
	}
	return out, nil
}

func (f *fakeIntegrations) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, expiresAt time.Time) error {
	f.updatedToken = accessToken
	if integration, ok := f.byID[id]; ok {
		integration.AccessToken = accessToken
		integration.ExpiresAt = expiresAt
	}
	return nil
}

func (f *fakeIntegrations) IncrementSyncFailure(ctx context.Context, id uuid.UUID) error {
	f.failures++
	return nil
}

func (f *fakeIntegrations) SetSyncToken(ctx context.Context, id uuid.UUID, token string) error {
	f.syncTokens = append(f.syncTokens, token)
	if integration, ok := f.byID[id]; ok {
		integration.NextSyncToken = token
	}
	return nil
}

type fakeEvents struct {
	byExternalID map[string]*Event
	cancelled    []string
	conflicts    map[uuid.UUID]string
	active       []Event
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{byExternalID: map[string]*Event{}, conflicts: map[uuid.UUID]string{}}
}

func (f *fakeEvents) UpsertEvent(ctx context.Context, integrationID uuid.UUID, ev ExternalEvent, blocks bool) (*Event, error) {
	event, ok := f.byExternalID[ev.ID]
	if !ok {
		event = &Event{ID: uuid.New(), IntegrationID: integrationID, ExternalEventID: ev.ID}
		f.byExternalID[ev.ID] = event
	}
	event.Title = ev.Title
	event.StartTime = ev.Start
	event.EndTime = ev.End
	event.BlocksAvailability = blocks
	event.LastSyncedAt = testNow
	copied := *event
	return &copied, nil
}

func (f *fakeEvents) MarkEventCancelled(ctx context.Context, integrationID uuid.UUID, externalEventID string) (*uuid.UUID, error) {
	f.cancelled = append(f.cancelled, externalEventID)
	if event, ok := f.byExternalID[externalEventID]; ok {
		id := event.ID
		return &id, nil
	}
	return nil, nil
}

func (f *fakeEvents) SetEventConflict(ctx context.Context, id uuid.UUID, details string) error {
	f.conflicts[id] = details
	return nil
}

func (f *fakeEvents) ListActiveBlockingEvents(ctx context.Context, ownerKey string, after time.Time) ([]Event, error) {
	return f.active, nil
}

type fakeSlots struct {
	slots     []scheduling.Slot
	bookings  map[uuid.UUID]*scheduling.Booking
	blocked   []uuid.UUID
	unblocked []uuid.UUID
	released  []uuid.UUID
	blockOK   bool
}

func newFakeSlots(slots ...scheduling.Slot) *fakeSlots {
	return &fakeSlots{slots: slots, bookings: map[uuid.UUID]*scheduling.Booking{}, blockOK: true}
}

func (f *fakeSlots) ListOverlapping(ctx context.Context, owner scheduling.OwnerRef, start, end time.Time, statuses ...scheduling.SlotStatus) ([]scheduling.Slot, error) {
	var out []scheduling.Slot
	for i := range f.slots {
		if f.slots[i].Overlaps(start, end) {
			out = append(out, f.slots[i])
		}
	}
	return out, nil
}

func (f *fakeSlots) ListSlots(ctx context.Context, owner scheduling.OwnerRef, from, to time.Time, statuses ...scheduling.SlotStatus) ([]scheduling.Slot, error) {
	var out []scheduling.Slot
	for i := range f.slots {
		for _, st := range statuses {
			if f.slots[i].Status == st {
				out = append(out, f.slots[i])
			}
		}
	}
	return out, nil
}

func (f *fakeSlots) BlockSlot(ctx context.Context, q scheduling.Querier, slotID, eventID uuid.UUID) (bool, error) {
	if !f.blockOK {
		return false, nil
	}
	f.blocked = append(f.blocked, slotID)
	return true, nil
}

func (f *fakeSlots) UnblockSlotsForEvent(ctx context.Context, eventID uuid.UUID) (int64, error) {
	f.unblocked = append(f.unblocked, eventID)
	var n int64
	for i := range f.slots {
		if f.slots[i].BlockedByEventID != nil && *f.slots[i].BlockedByEventID == eventID {
			n++
		}
	}
	return n, nil
}

func (f *fakeSlots) ReleaseNonOverlapping(ctx context.Context, eventID uuid.UUID, start, end time.Time) (int64, error) {
	var n int64
	for i := range f.slots {
		sl := &f.slots[i]
		if sl.BlockedByEventID == nil || *sl.BlockedByEventID != eventID || sl.Status != scheduling.SlotBlocked {
			continue
		}
		if sl.Overlaps(start, end) {
			continue
		}
		sl.Status = scheduling.SlotAvailable
		sl.BlockedByEventID = nil
		f.released = append(f.released, sl.ID)
		n++
	}
	return n, nil
}

func (f *fakeSlots) ActiveBookingForSlot(ctx context.Context, q scheduling.Querier, slotID uuid.UUID) (*scheduling.Booking, error) {
	return f.bookings[slotID], nil
}

type fakeOutbox struct {
	inserted []events.CanonicalEvent
}

func (f *fakeOutbox) Insert(ctx context.Context, aggregate, correlationID string, evt events.CanonicalEvent) (events.Envelope, error) {
	f.inserted = append(f.inserted, evt)
	return events.Envelope{EventID: uuid.New()}, nil
}

type fakeInvalidator struct {
	owners []string
}

func (f *fakeInvalidator) InvalidateOwner(ctx context.Context, ownerKey string) {
	f.owners = append(f.owners, ownerKey)
}

func testIntegration(owner scheduling.OwnerRef) *Integration {
	return &Integration{
		ID:           uuid.New(),
		OwnerKey:     owner.String(),
		Provider:     ProviderGoogle,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    testNow.Add(time.Hour),
		CalendarID:   "primary",
		SyncEnabled:  true,
	}
}

func calendarSlot(owner scheduling.OwnerRef, start time.Time, status scheduling.SlotStatus) scheduling.Slot {
	return scheduling.Slot{
		ID:        uuid.New(),
		Owner:     owner,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Status:    status,
	}
}

type reconcilerFixture struct {
	provider     *fakeProvider
	integrations *fakeIntegrations
	events       *fakeEvents
	slots        *fakeSlots
	outbox       *fakeOutbox
	invalidator  *fakeInvalidator
	reconciler   *Reconciler
	integration  *Integration
	owner        scheduling.OwnerRef
}

func newReconcilerFixture(t *testing.T, slots *fakeSlots, page EventPage) *reconcilerFixture {
	t.Helper()
	owner := scheduling.ProviderOwner(uuid.New())
	integration := testIntegration(owner)

	f := &reconcilerFixture{
		provider:     &fakeProvider{page: page},
		integrations: &fakeIntegrations{byID: map[uuid.UUID]*Integration{integration.ID: integration}},
		events:       newFakeEvents(),
		slots:        slots,
		outbox:       &fakeOutbox{},
		invalidator:  &fakeInvalidator{},
		integration:  integration,
		owner:        owner,
	}
	reconciler, err := NewReconciler(ReconcilerConfig{
		Provider:     f.provider,
		Integrations: f.integrations,
		Events:       f.events,
		Slots:        slots,
		Outbox:       f.outbox,
		Invalidator:  f.invalidator,
		Now:          func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	f.reconciler = reconciler
	return f
}

func TestSyncBlocksFreeSlots(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	start := testNow.Add(2 * time.Hour)
	slots := newFakeSlots(calendarSlot(owner, start, scheduling.SlotAvailable))
	page := EventPage{
		Events: []ExternalEvent{{
			ID: "ext-1", Title: "Dentist", Start: start, End: start.Add(time.Hour),
		}},
		NextSyncToken: "tok-next",
	}
	f := newReconcilerFixture(t, slots, page)

	result, err := f.reconciler.Sync(context.Background(), f.integration.ID, FullSync)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Imported != 1 || result.Blocked != 1 || result.Conflicts != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(slots.blocked) != 1 {
		t.Fatalf("expected one slot blocked, got %d", len(slots.blocked))
	}
	if len(f.outbox.inserted) != 1 {
		t.Fatalf("expected one outbox event, got %d", len(f.outbox.inserted))
	}
	if _, ok := f.outbox.inserted[0].(events.SlotBlockedV1); !ok {
		t.Fatalf("unexpected event type %T", f.outbox.inserted[0])
	}
	if len(f.integrations.syncTokens) != 1 || f.integrations.syncTokens[0] != "tok-next" {
		t.Fatalf("sync token not stored: %v", f.integrations.syncTokens)
	}
	if len(f.invalidator.owners) != 1 {
		t.Fatal("availability cache not invalidated after blocking")
	}
}

func TestSyncNeverBlocksBookedSlot(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	start := testNow.Add(2 * time.Hour)
	slot := calendarSlot(owner, start, scheduling.SlotBooked)
	slots := newFakeSlots(slot)
	slots.bookings[slot.ID] = &scheduling.Booking{ID: uuid.New(), SlotID: slot.ID, Status: scheduling.BookingConfirmed}
	page := EventPage{Events: []ExternalEvent{{
		ID: "ext-1", Title: "Dentist", Start: start, End: start.Add(time.Hour),
	}}}
	f := newReconcilerFixture(t, slots, page)

	result, err := f.reconciler.Sync(context.Background(), f.integration.ID, FullSync)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Conflicts != 1 || result.Blocked != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(slots.blocked) != 0 {
		t.Fatal("booked slot was blocked")
	}
	if len(f.events.conflicts) != 1 {
		t.Fatal("event not flagged as conflicting")
	}
	if len(f.outbox.inserted) != 1 {
		t.Fatalf("expected one outbox event, got %d", len(f.outbox.inserted))
	}
	conflict, ok := f.outbox.inserted[0].(events.ConflictDetectedV1)
	if !ok {
		t.Fatalf("unexpected event type %T", f.outbox.inserted[0])
	}
	if conflict.ConflictType != "EVENT_OVERLAPS_BOOKING" || conflict.Severity != "HIGH" {
		t.Fatalf("unexpected conflict payload: %+v", conflict)
	}
}

func TestSyncCancelledEventReleasesSlots(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	start := testNow.Add(2 * time.Hour)
	slots := newFakeSlots()
	page := EventPage{Events: []ExternalEvent{{ID: "ext-1", Cancelled: true}}}
	f := newReconcilerFixture(t, slots, page)

	// Seed the mirrored event and a slot it blocks.
	seeded, _ := f.events.UpsertEvent(context.Background(), f.integration.ID, ExternalEvent{
		ID: "ext-1", Start: start, End: start.Add(time.Hour),
	}, true)
	blocked := calendarSlot(owner, start, scheduling.SlotBlocked)
	blocked.BlockedByEventID = &seeded.ID
	slots.slots = append(slots.slots, blocked)

	result, err := f.reconciler.Sync(context.Background(), f.integration.ID, FullSync)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Unblocked != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(f.events.cancelled) != 1 || f.events.cancelled[0] != "ext-1" {
		t.Fatalf("event not marked cancelled: %v", f.events.cancelled)
	}
	if len(slots.unblocked) != 1 || slots.unblocked[0] != seeded.ID {
		t.Fatalf("slots not released for event: %v", slots.unblocked)
	}
}

func TestSyncTransparentEventDoesNotBlock(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	start := testNow.Add(2 * time.Hour)
	slots := newFakeSlots(calendarSlot(owner, start, scheduling.SlotAvailable))
	page := EventPage{Events: []ExternalEvent{{
		ID: "ext-1", Title: "Focus time", Start: start, End: start.Add(time.Hour), Transparent: true,
	}}}
	f := newReconcilerFixture(t, slots, page)

	result, err := f.reconciler.Sync(context.Background(), f.integration.ID, FullSync)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Blocked != 0 || result.Imported != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(slots.blocked) != 0 {
		t.Fatal("transparent event blocked a slot")
	}
}

func TestSyncPastEventIsImportedButNotApplied(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	start := testNow.Add(-3 * time.Hour)
	slots := newFakeSlots(calendarSlot(owner, start, scheduling.SlotAvailable))
	page := EventPage{Events: []ExternalEvent{{
		ID: "ext-1", Start: start, End: start.Add(time.Hour),
	}}}
	f := newReconcilerFixture(t, slots, page)

	result, err := f.reconciler.Sync(context.Background(), f.integration.ID, FullSync)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Imported != 1 || result.Blocked != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSyncInvalidTokenIsClearedAndSurfaced(t *testing.T) {
	slots := newFakeSlots()
	f := newReconcilerFixture(t, slots, EventPage{})
	f.integration.NextSyncToken = "stale"
	f.provider.listErr = ErrSyncTokenInvalid

	_, err := f.reconciler.Sync(context.Background(), f.integration.ID, IncrementalSync)
	if !errors.Is(err, ErrSyncTokenInvalid) {
		t.Fatalf("expected ErrSyncTokenInvalid, got %v", err)
	}
	if len(f.integrations.syncTokens) != 1 || f.integrations.syncTokens[0] != "" {
		t.Fatalf("stale token not cleared: %v", f.integrations.syncTokens)
	}
}

func TestSyncRefreshesExpiredToken(t *testing.T) {
	slots := newFakeSlots()
	f := newReconcilerFixture(t, slots, EventPage{})
	f.integration.ExpiresAt = testNow.Add(time.Minute) // inside the refresh leeway
	f.provider.refreshed = Token{AccessToken: "fresh", ExpiresAt: testNow.Add(time.Hour)}

	if _, err := f.reconciler.Sync(context.Background(), f.integration.ID, FullSync); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if f.provider.refreshHits != 1 {
		t.Fatalf("refresh called %d times, want 1", f.provider.refreshHits)
	}
	if f.integrations.updatedToken != "fresh" {
		t.Fatalf("refreshed token not persisted: %q", f.integrations.updatedToken)
	}
}

func TestSyncRefreshFailureCountsAndSurfaces(t *testing.T) {
	slots := newFakeSlots()
	f := newReconcilerFixture(t, slots, EventPage{})
	f.integration.ExpiresAt = testNow.Add(-time.Hour)
	f.provider.refreshErr = errors.New("invalid_grant")

	_, err := f.reconciler.Sync(context.Background(), f.integration.ID, FullSync)
	if !errors.Is(err, ErrTokenRefreshFailed) {
		t.Fatalf("expected ErrTokenRefreshFailed, got %v", err)
	}
	if f.integrations.failures != 1 {
		t.Fatalf("failure counter = %d, want 1", f.integrations.failures)
	}
}

func TestRegenerateReleasesStaleBlocks(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	staleEventID := uuid.New()
	start := testNow.Add(2 * time.Hour)

	stale := calendarSlot(owner, start, scheduling.SlotBlocked)
	stale.BlockedByEventID = &staleEventID
	free := calendarSlot(owner, start.Add(2*time.Hour), scheduling.SlotAvailable)
	slots := newFakeSlots(stale, free)

	f := newReconcilerFixture(t, slots, EventPage{})
	activeEvent := Event{
		ID:                 uuid.New(),
		StartTime:          free.StartTime,
		EndTime:            free.EndTime,
		BlocksAvailability: true,
	}
	f.events.active = []Event{activeEvent}

	result, err := f.reconciler.RegenerateForOwner(context.Background(), f.integration)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if result.Blocked != 1 {
		t.Fatalf("expected the free slot under the active event to be blocked, got %+v", result)
	}
	if result.Unblocked != 1 {
		t.Fatalf("expected the stale block to be released, got %+v", result)
	}
	if len(slots.unblocked) != 1 || slots.unblocked[0] != staleEventID {
		t.Fatalf("wrong events released: %v", slots.unblocked)
	}
}

func TestSyncMovedEventReleasesOldSlots(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	oldStart := testNow.Add(2 * time.Hour)
	newStart := testNow.Add(6 * time.Hour)
	slots := newFakeSlots(calendarSlot(owner, newStart, scheduling.SlotAvailable))
	page := EventPage{Events: []ExternalEvent{{
		ID: "ext-1", Title: "Dentist", Start: newStart, End: newStart.Add(time.Hour),
	}}}
	f := newReconcilerFixture(t, slots, page)

	// Seed the event at its original time with a slot it blocked there.
	seeded, _ := f.events.UpsertEvent(context.Background(), f.integration.ID, ExternalEvent{
		ID: "ext-1", Start: oldStart, End: oldStart.Add(time.Hour),
	}, true)
	held := calendarSlot(owner, oldStart, scheduling.SlotBlocked)
	held.BlockedByEventID = &seeded.ID
	slots.slots = append(slots.slots, held)

	result, err := f.reconciler.Sync(context.Background(), f.integration.ID, FullSync)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Unblocked != 1 || result.Blocked != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(slots.released) != 1 || slots.released[0] != held.ID {
		t.Fatalf("old slot not released: %v", slots.released)
	}
	if slots.slots[1].Status != scheduling.SlotAvailable || slots.slots[1].BlockedByEventID != nil {
		t.Fatalf("old slot still held: %+v", slots.slots[1])
	}
	if len(slots.blocked) != 1 || slots.blocked[0] != slots.slots[0].ID {
		t.Fatalf("slot at the new time not blocked: %v", slots.blocked)
	}
}

func TestRegenerateReleasesSlotsOfMovedEvent(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	eventID := uuid.New()
	oldStart := testNow.Add(2 * time.Hour)

	// The slot still points at an active event that no longer covers it.
	held := calendarSlot(owner, oldStart, scheduling.SlotBlocked)
	held.BlockedByEventID = &eventID
	slots := newFakeSlots(held)

	f := newReconcilerFixture(t, slots, EventPage{})
	f.events.active = []Event{{
		ID:                 eventID,
		StartTime:          testNow.Add(6 * time.Hour),
		EndTime:            testNow.Add(7 * time.Hour),
		BlocksAvailability: true,
	}}

	result, err := f.reconciler.RegenerateForOwner(context.Background(), f.integration)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if result.Unblocked != 1 {
		t.Fatalf("moved event did not release its old slot: %+v", result)
	}
	if slots.slots[0].Status != scheduling.SlotAvailable || slots.slots[0].BlockedByEventID != nil {
		t.Fatalf("slot still held by the moved event: %+v", slots.slots[0])
	}
}

func TestSyncAllRetriesFullSyncAfterInvalidToken(t *testing.T) {
	slots := newFakeSlots()
	f := newReconcilerFixture(t, slots, EventPage{NextSyncToken: "tok-new"})
	f.integration.NextSyncToken = "stale"
	// The fake rejects only requests carrying a sync token, so the full
	// retry succeeds.
	f.provider.listErr = ErrSyncTokenInvalid

	if _, err := f.reconciler.SyncAll(context.Background(), IncrementalSync); err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if len(f.provider.listOpts) != 2 {
		t.Fatalf("expected incremental then full fetch, got %d fetches", len(f.provider.listOpts))
	}
	if f.provider.listOpts[0].SyncToken != "stale" {
		t.Fatalf("first fetch should carry the stale token, got %+v", f.provider.listOpts[0])
	}
	if f.provider.listOpts[1].SyncToken != "" || f.provider.listOpts[1].TimeMin.IsZero() {
		t.Fatalf("second fetch should be a windowed full sync, got %+v", f.provider.listOpts[1])
	}
}
