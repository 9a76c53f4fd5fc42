package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sagewell/carebook-platform/internal/scheduling"
)

type fakeMirrorStore struct {
	integration *Integration
	recorded    map[uuid.UUID]string
	deleted     []uuid.UUID
}

func newFakeMirrorStore(integration *Integration) *fakeMirrorStore {
	return &fakeMirrorStore{integration: integration, recorded: map[uuid.UUID]string{}}
}

func (f *fakeMirrorStore) GetIntegrationForOwner(ctx context.Context, ownerKey string) (*Integration, error) {
	if f.integration == nil || f.integration.OwnerKey != ownerKey {
		return nil, ErrIntegrationNotFound
	}
	return f.integration, nil
}

func (f *fakeMirrorStore) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, expiresAt time.Time) error {
	f.integration.AccessToken = accessToken
	f.integration.ExpiresAt = expiresAt
	return nil
}

func (f *fakeMirrorStore) RecordBookingEvent(ctx context.Context, bookingID, integrationID uuid.UUID, externalEventID string) error {
	f.recorded[bookingID] = externalEventID
	return nil
}

func (f *fakeMirrorStore) LookupBookingEvent(ctx context.Context, bookingID uuid.UUID) (uuid.UUID, string, error) {
	return f.integration.ID, f.recorded[bookingID], nil
}

func (f *fakeMirrorStore) DeleteBookingEvent(ctx context.Context, bookingID uuid.UUID) error {
	f.deleted = append(f.deleted, bookingID)
	delete(f.recorded, bookingID)
	return nil
}

func (f *fakeMirrorStore) GetIntegration(ctx context.Context, id uuid.UUID) (*Integration, error) {
	if f.integration == nil || f.integration.ID != id {
		return nil, ErrIntegrationNotFound
	}
	return f.integration, nil
}

func TestMirrorBookingLifecycle(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	integration := testIntegration(owner)
	store := newFakeMirrorStore(integration)
	provider := &fakeProvider{}
	mirror := NewMirror(provider, store, nil)
	mirror.now = func() time.Time { return testNow }

	booking := &scheduling.Booking{ID: uuid.New(), GuestName: "Ada Park"}
	slot := &scheduling.Slot{
		ID:        uuid.New(),
		Owner:     owner,
		StartTime: testNow.Add(2 * time.Hour),
		EndTime:   testNow.Add(3 * time.Hour),
	}

	mirror.MirrorBookingCreated(context.Background(), booking, slot)
	if store.recorded[booking.ID] != "ext-created" {
		t.Fatalf("external event not recorded: %v", store.recorded)
	}

	mirror.MirrorBookingCancelled(context.Background(), booking, slot)
	if len(store.deleted) != 1 || store.deleted[0] != booking.ID {
		t.Fatalf("booking event mapping not removed: %v", store.deleted)
	}
}

func TestMirrorSkipsOwnersWithoutIntegration(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	store := newFakeMirrorStore(nil)
	mirror := NewMirror(&fakeProvider{}, store, nil)

	booking := &scheduling.Booking{ID: uuid.New()}
	slot := &scheduling.Slot{ID: uuid.New(), Owner: owner}
	// Must be a silent no-op.
	mirror.MirrorBookingCreated(context.Background(), booking, slot)
	if len(store.recorded) != 0 {
		t.Fatalf("unexpected mirror writes: %v", store.recorded)
	}
}

func TestMirrorSkipsDisabledIntegration(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	integration := testIntegration(owner)
	integration.SyncEnabled = false
	store := newFakeMirrorStore(integration)
	mirror := NewMirror(&fakeProvider{}, store, nil)
	mirror.now = func() time.Time { return testNow }

	mirror.MirrorBookingCreated(context.Background(), &scheduling.Booking{ID: uuid.New()}, &scheduling.Slot{Owner: owner})
	if len(store.recorded) != 0 {
		t.Fatalf("disabled integration still mirrored: %v", store.recorded)
	}
}

func TestMirrorCancelWithoutMappingIsNoop(t *testing.T) {
	owner := scheduling.ProviderOwner(uuid.New())
	integration := testIntegration(owner)
	store := newFakeMirrorStore(integration)
	mirror := NewMirror(&fakeProvider{}, store, nil)
	mirror.now = func() time.Time { return testNow }

	mirror.MirrorBookingCancelled(context.Background(), &scheduling.Booking{ID: uuid.New()}, &scheduling.Slot{Owner: owner})
	if len(store.deleted) != 0 {
		t.Fatalf("unexpected deletions: %v", store.deleted)
	}
}
