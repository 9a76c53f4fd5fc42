package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sagewell/carebook-platform/internal/events"
	"github.com/sagewell/carebook-platform/internal/observability/metrics"
	"github.com/sagewell/carebook-platform/internal/scheduling"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

var reconcilerTracer = otel.Tracer("carebook/calendar/reconciler")

// IntegrationStore is the integration persistence the reconciler needs.
type IntegrationStore interface {
	GetIntegration(ctx context.Context, id uuid.UUID) (*Integration, error)
	ListEnabledIntegrations(ctx context.Context) ([]*Integration, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, expiresAt time.Time) error
	IncrementSyncFailure(ctx context.Context, id uuid.UUID) error
	SetSyncToken(ctx context.Context, id uuid.UUID, token string) error
}

// EventStore is the mirrored-event persistence the reconciler needs.
type EventStore interface {
	UpsertEvent(ctx context.Context, integrationID uuid.UUID, ev ExternalEvent, blocks bool) (*Event, error)
	MarkEventCancelled(ctx context.Context, integrationID uuid.UUID, externalEventID string) (*uuid.UUID, error)
	SetEventConflict(ctx context.Context, id uuid.UUID, details string) error
	ListActiveBlockingEvents(ctx context.Context, ownerKey string, after time.Time) ([]Event, error)
}

// SlotStore is the slice of the scheduling store the reconciler drives.
// Blocking guards re-check slot state at write time, so concurrent bookings
// are never clobbered.
type SlotStore interface {
	ListOverlapping(ctx context.Context, owner scheduling.OwnerRef, start, end time.Time, statuses ...scheduling.SlotStatus) ([]scheduling.Slot, error)
	ListSlots(ctx context.Context, owner scheduling.OwnerRef, from, to time.Time, statuses ...scheduling.SlotStatus) ([]scheduling.Slot, error)
	BlockSlot(ctx context.Context, q scheduling.Querier, slotID, eventID uuid.UUID) (bool, error)
	UnblockSlotsForEvent(ctx context.Context, eventID uuid.UUID) (int64, error)
	ReleaseNonOverlapping(ctx context.Context, eventID uuid.UUID, start, end time.Time) (int64, error)
	ActiveBookingForSlot(ctx context.Context, q scheduling.Querier, slotID uuid.UUID) (*scheduling.Booking, error)
}

// Outbox emits domain events after blocking transitions.
type Outbox interface {
	Insert(ctx context.Context, aggregate, correlationID string, evt events.CanonicalEvent) (events.Envelope, error)
}

// Invalidator drops cached availability when blocking state changes.
type Invalidator interface {
	InvalidateOwner(ctx context.Context, ownerKey string)
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Imported  int
	Blocked   int
	Unblocked int
	Conflicts int
}

func (r *SyncResult) add(other SyncResult) {
	r.Imported += other.Imported
	r.Blocked += other.Blocked
	r.Unblocked += other.Unblocked
	r.Conflicts += other.Conflicts
}

// Reconciler synchronizes external calendars into slot blocking state.
type Reconciler struct {
	provider     ProviderClient
	integrations IntegrationStore
	events       EventStore
	slots        SlotStore
	outbox       Outbox
	invalidate   Invalidator
	logger       *logging.Logger
	metrics      *metrics.SchedulingMetrics
	windowDays   int
	now          func() time.Time
}

type ReconcilerConfig struct {
	Provider     ProviderClient
	Integrations IntegrationStore
	Events       EventStore
	Slots        SlotStore
	Outbox       Outbox
	Invalidator  Invalidator
	Logger       *logging.Logger
	Metrics      *metrics.SchedulingMetrics
	// WindowDays bounds full syncs: events are fetched WindowDays back and
	// forward from now.
	WindowDays int
	Now        func() time.Time
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Provider == nil || cfg.Integrations == nil || cfg.Events == nil || cfg.Slots == nil {
		return nil, errors.New("calendar: reconciler requires provider and stores")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	windowDays := cfg.WindowDays
	if windowDays <= 0 {
		windowDays = 90
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		provider:     cfg.Provider,
		integrations: cfg.Integrations,
		events:       cfg.Events,
		slots:        cfg.Slots,
		outbox:       cfg.Outbox,
		invalidate:   cfg.Invalidator,
		logger:       logger.WithComponent("reconciler"),
		metrics:      cfg.Metrics,
		windowDays:   windowDays,
		now:          now,
	}, nil
}

// Sync runs one pass for an integration. Incremental mode falls back to a
// full fetch when no sync token is stored. A rejected sync token is cleared
// and surfaced as ErrSyncTokenInvalid so the caller retries as FULL_SYNC;
// credential failures surface as ErrTokenRefreshFailed after bumping the
// failure counter.
func (r *Reconciler) Sync(ctx context.Context, integrationID uuid.UUID, mode SyncMode) (SyncResult, error) {
	ctx, span := reconcilerTracer.Start(ctx, "reconciler.sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("integration_id", integrationID.String()),
		attribute.String("mode", string(mode)),
	)

	started := r.now()
	result, err := r.sync(ctx, integrationID, mode)
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.ObserveSyncRun(string(mode), status, r.now().Sub(started).Seconds())
	return result, err
}

func (r *Reconciler) sync(ctx context.Context, integrationID uuid.UUID, mode SyncMode) (SyncResult, error) {
	var result SyncResult

	integration, err := r.integrations.GetIntegration(ctx, integrationID)
	if err != nil {
		return result, err
	}

	if err := r.ensureFreshToken(ctx, integration); err != nil {
		return result, err
	}

	opts := ListOptions{}
	now := r.now().UTC()
	if mode == IncrementalSync && integration.NextSyncToken != "" {
		opts.SyncToken = integration.NextSyncToken
	} else {
		mode = FullSync
		opts.TimeMin = now.AddDate(0, 0, -r.windowDays)
		opts.TimeMax = now.AddDate(0, 0, r.windowDays)
	}

	page, err := r.provider.ListEvents(ctx, integration.AccessToken, integration.CalendarID, opts)
	if err != nil {
		if errors.Is(err, ErrSyncTokenInvalid) {
			if clearErr := r.integrations.SetSyncToken(ctx, integration.ID, ""); clearErr != nil {
				r.logger.Error("failed to clear invalid sync token",
					"integration_id", integration.ID, "error", clearErr)
			}
			return result, ErrSyncTokenInvalid
		}
		return result, fmt.Errorf("calendar: fetch events: %w", err)
	}

	owner, err := scheduling.ParseOwnerRef(integration.OwnerKey)
	if err != nil {
		return result, err
	}

	changed := false
	for _, ev := range page.Events {
		// Each event is its own small unit of work; a failure on one is
		// logged and the pass continues, leaving partial progress that the
		// next sync resumes idempotently.
		evResult, err := r.applyEvent(ctx, integration, owner, ev, now)
		if err != nil {
			r.logger.Error("event sync failed",
				"integration_id", integration.ID, "external_event_id", ev.ID, "error", err)
			continue
		}
		result.add(evResult)
		if evResult.Blocked > 0 || evResult.Unblocked > 0 {
			changed = true
		}
	}

	if page.NextSyncToken != "" {
		if err := r.integrations.SetSyncToken(ctx, integration.ID, page.NextSyncToken); err != nil {
			r.logger.Error("failed to store sync token", "integration_id", integration.ID, "error", err)
		}
	}
	if changed && r.invalidate != nil {
		r.invalidate.InvalidateOwner(ctx, integration.OwnerKey)
	}

	r.metrics.ObserveEventsUpserted(result.Imported)
	r.metrics.ObserveSlotsBlocked(result.Blocked)
	r.metrics.ObserveSlotsUnblocked(result.Unblocked)
	r.logger.Info("calendar sync complete",
		"integration_id", integration.ID, "mode", string(mode),
		"imported", result.Imported, "blocked", result.Blocked,
		"unblocked", result.Unblocked, "conflicts", result.Conflicts)
	return result, nil
}

func (r *Reconciler) ensureFreshToken(ctx context.Context, integration *Integration) error {
	if !integration.NeedsRefresh(r.now()) {
		return nil
	}
	token, err := r.provider.RefreshToken(ctx, integration.RefreshToken)
	if err != nil {
		if incErr := r.integrations.IncrementSyncFailure(ctx, integration.ID); incErr != nil {
			r.logger.Error("failed to record sync failure",
				"integration_id", integration.ID, "error", incErr)
		}
		if errors.Is(err, ErrTokenRefreshFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	if err := r.integrations.UpdateTokens(ctx, integration.ID, token.AccessToken, token.ExpiresAt); err != nil {
		return err
	}
	integration.AccessToken = token.AccessToken
	integration.ExpiresAt = token.ExpiresAt
	return nil
}

func (r *Reconciler) applyEvent(ctx context.Context, integration *Integration, owner scheduling.OwnerRef, ev ExternalEvent, now time.Time) (SyncResult, error) {
	var result SyncResult

	if ev.Cancelled {
		id, err := r.events.MarkEventCancelled(ctx, integration.ID, ev.ID)
		if err != nil {
			return result, err
		}
		if id != nil {
			released, err := r.slots.UnblockSlotsForEvent(ctx, *id)
			if err != nil {
				return result, err
			}
			result.Unblocked += int(released)
		}
		return result, nil
	}

	blocks := !ev.Transparent
	event, err := r.events.UpsertEvent(ctx, integration.ID, ev, blocks)
	if err != nil {
		return result, err
	}
	result.Imported++

	if !blocks {
		// The event stopped blocking (or never did); release anything it
		// previously held.
		released, err := r.slots.UnblockSlotsForEvent(ctx, event.ID)
		if err != nil {
			return result, err
		}
		result.Unblocked += int(released)
		return result, nil
	}

	// A rescheduled event keeps its identity; free the slots it held at the
	// old time before blocking at the new one.
	released, err := r.slots.ReleaseNonOverlapping(ctx, event.ID, event.StartTime, event.EndTime)
	if err != nil {
		return result, err
	}
	result.Unblocked += int(released)

	if !event.EndTime.After(now) {
		return result, nil
	}

	blockResult, err := r.blockOverlapping(ctx, integration, owner, event)
	if err != nil {
		return result, err
	}
	result.add(blockResult)
	return result, nil
}

// blockOverlapping applies one blocking event to the owner's slots using the
// half-open overlap test. Slots carrying a booking are never blocked; the
// event is flagged as conflicting instead.
func (r *Reconciler) blockOverlapping(ctx context.Context, integration *Integration, owner scheduling.OwnerRef, event *Event) (SyncResult, error) {
	var result SyncResult

	overlapping, err := r.slots.ListOverlapping(ctx, owner, event.StartTime, event.EndTime,
		scheduling.SlotAvailable, scheduling.SlotBlocked, scheduling.SlotBooked)
	if err != nil {
		return result, err
	}

	for i := range overlapping {
		slot := &overlapping[i]
		booking, err := r.slots.ActiveBookingForSlot(ctx, nil, slot.ID)
		if err != nil {
			return result, err
		}
		if slot.Status == scheduling.SlotBooked || booking != nil {
			detail := fmt.Sprintf("event %q (%s - %s) overlaps booked slot %s",
				event.Title,
				event.StartTime.Format(time.RFC3339), event.EndTime.Format(time.RFC3339),
				slot.ID)
			if err := r.events.SetEventConflict(ctx, event.ID, detail); err != nil {
				return result, err
			}
			result.Conflicts++
			r.metrics.ObserveConflictDetected("EVENT_OVERLAPS_BOOKING")
			r.emitConflictDetected(ctx, integration.OwnerKey, slot, booking, event)
			continue
		}
		if slot.Status == scheduling.SlotBlocked {
			continue
		}
		ok, err := r.slots.BlockSlot(ctx, nil, slot.ID, event.ID)
		if err != nil {
			return result, err
		}
		if !ok {
			// The guard lost a race with a concurrent claim; leave the
			// slot alone.
			continue
		}
		result.Blocked++
		r.emitSlotBlocked(ctx, integration.OwnerKey, slot, event)
	}
	return result, nil
}

// RegenerateForOwner re-derives blocking state from every active blocking
// event of the owner. A repair pass, not the hot sync path: safe to run
// repeatedly, and it never unblocks a slot that acquired a booking in the
// interim (booked slots are not BLOCKED, so they never match the release
// filter). Staleness is judged per slot: a slot is released both when its
// blocking event is gone and when the event is still active but no longer
// covers the slot's interval.
func (r *Reconciler) RegenerateForOwner(ctx context.Context, integration *Integration) (SyncResult, error) {
	ctx, span := reconcilerTracer.Start(ctx, "reconciler.regenerate")
	defer span.End()

	var result SyncResult
	now := r.now().UTC()

	owner, err := scheduling.ParseOwnerRef(integration.OwnerKey)
	if err != nil {
		return result, err
	}

	active, err := r.events.ListActiveBlockingEvents(ctx, integration.OwnerKey, now)
	if err != nil {
		return result, err
	}
	activeIDs := make(map[uuid.UUID]struct{}, len(active))
	for i := range active {
		activeIDs[active[i].ID] = struct{}{}
		released, err := r.slots.ReleaseNonOverlapping(ctx, active[i].ID, active[i].StartTime, active[i].EndTime)
		if err != nil {
			r.logger.Error("regenerate release failed",
				"integration_id", integration.ID, "event_id", active[i].ID, "error", err)
			continue
		}
		result.Unblocked += int(released)
		blockResult, err := r.blockOverlapping(ctx, integration, owner, &active[i])
		if err != nil {
			r.logger.Error("regenerate blocking failed",
				"integration_id", integration.ID, "event_id", active[i].ID, "error", err)
			continue
		}
		result.add(blockResult)
	}

	// Release slots still held by events that are gone or no longer block.
	blocked, err := r.slots.ListSlots(ctx, owner, now, now.AddDate(1, 0, 0), scheduling.SlotBlocked)
	if err != nil {
		return result, err
	}
	stale := make(map[uuid.UUID]struct{})
	for i := range blocked {
		if blocked[i].BlockedByEventID == nil {
			continue
		}
		if _, ok := activeIDs[*blocked[i].BlockedByEventID]; !ok {
			stale[*blocked[i].BlockedByEventID] = struct{}{}
		}
	}
	for eventID := range stale {
		released, err := r.slots.UnblockSlotsForEvent(ctx, eventID)
		if err != nil {
			r.logger.Error("regenerate unblock failed",
				"integration_id", integration.ID, "event_id", eventID, "error", err)
			continue
		}
		result.Unblocked += int(released)
	}

	if (result.Blocked > 0 || result.Unblocked > 0) && r.invalidate != nil {
		r.invalidate.InvalidateOwner(ctx, integration.OwnerKey)
	}
	r.metrics.ObserveSlotsBlocked(result.Blocked)
	r.metrics.ObserveSlotsUnblocked(result.Unblocked)
	return result, nil
}

// SyncAll runs one pass over every sync-enabled integration. A failure for
// one owner never aborts the others; a rejected sync token triggers an
// immediate full-sync retry for that owner.
func (r *Reconciler) SyncAll(ctx context.Context, mode SyncMode) (SyncResult, error) {
	integrations, err := r.integrations.ListEnabledIntegrations(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	var total SyncResult
	var failures int
	for _, integration := range integrations {
		result, err := r.Sync(ctx, integration.ID, mode)
		if errors.Is(err, ErrSyncTokenInvalid) {
			result, err = r.Sync(ctx, integration.ID, FullSync)
		}
		if err != nil {
			failures++
			r.logger.Error("owner sync failed",
				"integration_id", integration.ID, "owner", integration.OwnerKey, "error", err)
			continue
		}
		total.add(result)
	}
	if failures > 0 {
		r.logger.Warn("sync batch finished with failures",
			"total", len(integrations), "failed", failures)
	}
	return total, nil
}

func (r *Reconciler) emitSlotBlocked(ctx context.Context, ownerKey string, slot *scheduling.Slot, event *Event) {
	if r.outbox == nil {
		return
	}
	_, err := r.outbox.Insert(ctx, "slot", slot.ID.String(), events.SlotBlockedV1{
		SlotID:          slot.ID,
		OwnerKey:        ownerKey,
		CalendarEventID: event.ID,
		StartTime:       slot.StartTime,
		EndTime:         slot.EndTime,
		BlockedAt:       r.now().UTC(),
	})
	if err != nil {
		r.logger.Error("failed to emit slot blocked event", "slot_id", slot.ID, "error", err)
	}
}

func (r *Reconciler) emitConflictDetected(ctx context.Context, ownerKey string, slot *scheduling.Slot, booking *scheduling.Booking, event *Event) {
	if r.outbox == nil {
		return
	}
	evt := events.ConflictDetectedV1{
		ConflictID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte("event-overlap|"+event.ID.String()+"|"+slot.ID.String())),
		ConflictType: "EVENT_OVERLAPS_BOOKING",
		Severity:     "HIGH",
		OwnerKey:     ownerKey,
		SlotID:       slot.ID,
		EventID:      event.ID,
		DetectedAt:   r.now().UTC(),
	}
	if booking != nil {
		evt.BookingID = booking.ID
	}
	if _, err := r.outbox.Insert(ctx, "conflict", evt.ConflictID.String(), evt); err != nil {
		r.logger.Error("failed to emit conflict event", "slot_id", slot.ID, "error", err)
	}
}
