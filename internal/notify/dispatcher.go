package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sagewell/carebook-platform/internal/events"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

// dedupeChannel keys processed-event records for this dispatcher.
const dedupeChannel = "notifications"

// Deduper remembers event ids this channel already handled. Outbox delivery
// is at-least-once; the deduper makes notification sends effectively once.
type Deduper interface {
	AlreadyProcessed(ctx context.Context, channel string, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, channel string, eventID string) (bool, error)
}

// Dispatcher turns outbox entries into client notifications. It implements
// events.DeliveryHandler.
type Dispatcher struct {
	email  EmailSender
	dedupe Deduper
	logger *logging.Logger
}

func NewDispatcher(email EmailSender, dedupe Deduper, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if email == nil {
		email = NewStubEmailSender(logger)
	}
	return &Dispatcher{
		email:  email,
		dedupe: dedupe,
		logger: logger.WithComponent("notify-dispatcher"),
	}
}

var _ events.DeliveryHandler = (*Dispatcher)(nil)

func (d *Dispatcher) Handle(ctx context.Context, entry events.OutboxEntry) error {
	var env events.Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		return fmt.Errorf("notify: decode envelope: %w", err)
	}

	if d.dedupe != nil {
		seen, err := d.dedupe.AlreadyProcessed(ctx, dedupeChannel, env.EventID.String())
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
	}

	switch entry.Type {
	case events.TypeBookingCreated:
		var evt events.BookingCreatedV1
		if err := env.Decode(&evt); err != nil {
			return err
		}
		if err := d.bookingCreated(ctx, evt); err != nil {
			return err
		}
	case events.TypeBookingCancelled:
		var evt events.BookingCancelledV1
		if err := env.Decode(&evt); err != nil {
			return err
		}
		if err := d.bookingCancelled(ctx, evt); err != nil {
			return err
		}
	case events.TypeConflictDetected:
		var evt events.ConflictDetectedV1
		if err := env.Decode(&evt); err != nil {
			return err
		}
		d.logger.Warn("schedule conflict detected",
			"conflict_id", evt.ConflictID, "type", evt.ConflictType,
			"severity", evt.Severity, "owner", evt.OwnerKey)
	case events.TypeSlotBlocked:
		// Blocking is routine; nothing to notify.
	default:
		d.logger.Debug("ignoring event type", "type", entry.Type)
	}

	if d.dedupe != nil {
		if _, err := d.dedupe.MarkProcessed(ctx, dedupeChannel, env.EventID.String()); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) bookingCreated(ctx context.Context, evt events.BookingCreatedV1) error {
	if !wantsEmail(evt.NotificationPreferences) || evt.GuestEmail == "" {
		return nil
	}
	msg := EmailMessage{
		To:      evt.GuestEmail,
		ToName:  evt.GuestName,
		Subject: "Your appointment is booked",
		Body: fmt.Sprintf("Your appointment on %s is %s.",
			evt.StartTime.Format(time.RFC1123), statusPhrase(evt.Status)),
	}
	if err := d.email.Send(ctx, msg); err != nil {
		return err
	}
	d.logger.Info("booking confirmation sent", "booking_id", evt.BookingID)
	return nil
}

func (d *Dispatcher) bookingCancelled(ctx context.Context, evt events.BookingCancelledV1) error {
	if !wantsEmail(evt.NotificationPreferences) || evt.GuestEmail == "" {
		return nil
	}
	msg := EmailMessage{
		To:      evt.GuestEmail,
		ToName:  evt.GuestName,
		Subject: "Your appointment was cancelled",
		Body: fmt.Sprintf("Your appointment on %s has been cancelled.",
			evt.StartTime.Format(time.RFC1123)),
	}
	if err := d.email.Send(ctx, msg); err != nil {
		return err
	}
	d.logger.Info("cancellation notice sent", "booking_id", evt.BookingID)
	return nil
}

func wantsEmail(prefs []string) bool {
	if len(prefs) == 0 {
		return true
	}
	for _, p := range prefs {
		if p == "email" {
			return true
		}
	}
	return false
}

func statusPhrase(status string) string {
	if status == "PENDING" {
		return "awaiting confirmation"
	}
	return "confirmed"
}
