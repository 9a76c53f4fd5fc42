package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagewell/carebook-platform/internal/scheduling"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

// MirrorStore is the persistence the outbound mirror needs.
type MirrorStore interface {
	GetIntegrationForOwner(ctx context.Context, ownerKey string) (*Integration, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, expiresAt time.Time) error
	RecordBookingEvent(ctx context.Context, bookingID, integrationID uuid.UUID, externalEventID string) error
	LookupBookingEvent(ctx context.Context, bookingID uuid.UUID) (integrationID uuid.UUID, externalEventID string, err error)
	DeleteBookingEvent(ctx context.Context, bookingID uuid.UUID) error
	GetIntegration(ctx context.Context, id uuid.UUID) (*Integration, error)
}

// Mirror pushes committed bookings out to the owner's external calendar.
// Mirroring is best effort: the booking is already durable when these run,
// so failures are logged and the next sync pass reconciles the drift.
type Mirror struct {
	provider ProviderClient
	store    MirrorStore
	logger   *logging.Logger
	now      func() time.Time
}

func NewMirror(provider ProviderClient, store MirrorStore, logger *logging.Logger) *Mirror {
	if logger == nil {
		logger = logging.Default()
	}
	return &Mirror{
		provider: provider,
		store:    store,
		logger:   logger.WithComponent("calendar-mirror"),
		now:      time.Now,
	}
}

var _ scheduling.BookingMirror = (*Mirror)(nil)

func (m *Mirror) MirrorBookingCreated(ctx context.Context, booking *scheduling.Booking, slot *scheduling.Slot) {
	integration, err := m.store.GetIntegrationForOwner(ctx, slot.Owner.String())
	if err != nil {
		if err != ErrIntegrationNotFound {
			m.logger.Error("mirror lookup failed", "booking_id", booking.ID, "error", err)
		}
		return
	}
	if !integration.SyncEnabled {
		return
	}
	if err := m.freshen(ctx, integration); err != nil {
		m.logger.Error("mirror token refresh failed", "booking_id", booking.ID, "error", err)
		return
	}

	title := "Booked appointment"
	if booking.GuestName != "" {
		title = fmt.Sprintf("Appointment: %s", booking.GuestName)
	}
	externalID, err := m.provider.CreateEvent(ctx, integration.AccessToken, integration.CalendarID, ExternalEvent{
		Title: title,
		Start: slot.StartTime,
		End:   slot.EndTime,
	}, integration.AutoCreateMeetLinks)
	if err != nil {
		m.logger.Error("mirror event create failed", "booking_id", booking.ID, "error", err)
		return
	}
	if err := m.store.RecordBookingEvent(ctx, booking.ID, integration.ID, externalID); err != nil {
		m.logger.Error("mirror bookkeeping failed", "booking_id", booking.ID, "error", err)
		return
	}
	m.logger.Info("booking mirrored to calendar",
		"booking_id", booking.ID, "external_event_id", externalID)
}

func (m *Mirror) MirrorBookingCancelled(ctx context.Context, booking *scheduling.Booking, slot *scheduling.Slot) {
	integrationID, externalID, err := m.store.LookupBookingEvent(ctx, booking.ID)
	if err != nil {
		m.logger.Error("mirror lookup failed", "booking_id", booking.ID, "error", err)
		return
	}
	if externalID == "" {
		return
	}
	integration, err := m.store.GetIntegration(ctx, integrationID)
	if err != nil {
		m.logger.Error("mirror integration load failed", "booking_id", booking.ID, "error", err)
		return
	}
	if err := m.freshen(ctx, integration); err != nil {
		m.logger.Error("mirror token refresh failed", "booking_id", booking.ID, "error", err)
		return
	}
	if err := m.provider.DeleteEvent(ctx, integration.AccessToken, integration.CalendarID, externalID); err != nil {
		m.logger.Error("mirror event delete failed",
			"booking_id", booking.ID, "external_event_id", externalID, "error", err)
		return
	}
	if err := m.store.DeleteBookingEvent(ctx, booking.ID); err != nil {
		m.logger.Error("mirror bookkeeping failed", "booking_id", booking.ID, "error", err)
	}
}

func (m *Mirror) freshen(ctx context.Context, integration *Integration) error {
	if !integration.NeedsRefresh(m.now()) {
		return nil
	}
	token, err := m.provider.RefreshToken(ctx, integration.RefreshToken)
	if err != nil {
		return err
	}
	if err := m.store.UpdateTokens(ctx, integration.ID, token.AccessToken, token.ExpiresAt); err != nil {
		return err
	}
	integration.AccessToken = token.AccessToken
	integration.ExpiresAt = token.ExpiresAt
	return nil
}
