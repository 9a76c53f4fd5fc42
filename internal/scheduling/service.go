package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagewell/carebook-platform/internal/cache"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

// Service manages availability windows and the slots they materialize into.
type Service struct {
	store    *Store
	expander *Expander
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

func NewService(store *Store, expander *Expander, c cache.Cache, cacheTTL time.Duration, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Service{
		store:    store,
		expander: expander,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger.WithComponent("scheduling"),
		now:      time.Now,
	}
}

// PublishWindow validates and persists a new window, then materializes its
// slots out to the expansion horizon.
func (s *Service) PublishWindow(ctx context.Context, w *AvailabilityWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateWindow(ctx, w); err != nil {
		return err
	}
	if err := s.materialize(ctx, w); err != nil {
		return err
	}
	s.InvalidateOwner(ctx, w.Owner.String())
	s.logger.Info("availability window published",
		"window_id", w.ID, "owner", w.Owner.String(), "recurrence", string(w.Recurrence.Kind))
	return nil
}

// EditWindow applies an update with the given scope. Booked slots are never
// invalidated by an edit; orphaned unbooked slots are removed and the
// affected range is rematerialized.
func (s *Service) EditWindow(ctx context.Context, windowID uuid.UUID, scope EditScope, effective time.Time, updated *AvailabilityWindow) error {
	current, err := s.store.GetWindow(ctx, windowID)
	if err != nil {
		return err
	}
	switch scope {
	case EditAll:
		updated.ID = current.ID
		updated.Owner = current.Owner
		if err := s.store.UpdateWindow(ctx, updated); err != nil {
			return err
		}
		if _, err := s.store.InvalidateUnbookedSlots(ctx, current.ID, s.now()); err != nil {
			return err
		}
		if err := s.materialize(ctx, updated); err != nil {
			return err
		}

	case EditThisAndFuture:
		if current.Recurrence.Kind == RecurrenceNone {
			return fmt.Errorf("%w: THIS_AND_FUTURE edit requires a recurring window", ErrWindowInvalid)
		}
		// Close the existing series the day before the split and start a
		// new window carrying the updated definition.
		until := dateOf(effective).AddDate(0, 0, -1)
		trimmed := *current
		trimmed.Recurrence.Kind = RecurrenceCustom
		if len(trimmed.Recurrence.Weekdays) == 0 {
			trimmed.Recurrence.Weekdays = allWeekdays()
		}
		trimmed.Recurrence.Until = &until
		if err := s.store.UpdateWindow(ctx, &trimmed); err != nil {
			return err
		}
		if _, err := s.store.InvalidateUnbookedSlots(ctx, current.ID, effective); err != nil {
			return err
		}
		updated.ID = uuid.Nil
		updated.Owner = current.Owner
		if err := s.store.CreateWindow(ctx, updated); err != nil {
			return err
		}
		if err := s.materialize(ctx, updated); err != nil {
			return err
		}

	case EditThisOccurrence:
		if _, err := s.store.InvalidateUnbookedSlotsForOccurrence(ctx, current.ID, effective); err != nil {
			return err
		}
		// The replacement occurrence is a standalone window for that date.
		updated.ID = uuid.Nil
		updated.Owner = current.Owner
		updated.Recurrence = Recurrence{Kind: RecurrenceNone}
		if err := s.store.CreateWindow(ctx, updated); err != nil {
			return err
		}
		if err := s.materialize(ctx, updated); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: unknown edit scope %q", ErrWindowInvalid, scope)
	}

	s.InvalidateOwner(ctx, current.Owner.String())
	s.logger.Info("availability window edited",
		"window_id", windowID, "scope", string(scope))
	return nil
}

// DeleteWindow removes a window; future not-yet-booked slots go with it,
// booked ones stay.
func (s *Service) DeleteWindow(ctx context.Context, windowID uuid.UUID) error {
	w, err := s.store.GetWindow(ctx, windowID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWindow(ctx, windowID, s.now()); err != nil {
		return err
	}
	s.InvalidateOwner(ctx, w.Owner.String())
	s.logger.Info("availability window deleted", "window_id", windowID, "owner", w.Owner.String())
	return nil
}

// GetWindow loads a window with its services.
func (s *Service) GetWindow(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	return s.store.GetWindow(ctx, id)
}

// ListWindows lists an owner's windows.
func (s *Service) ListWindows(ctx context.Context, owner OwnerRef) ([]*AvailabilityWindow, error) {
	return s.store.ListWindows(ctx, owner)
}

// Rematerialize re-expands one window for a range; idempotent because slot
// identities are deterministic and the upsert never clobbers state.
func (s *Service) Rematerialize(ctx context.Context, windowID uuid.UUID, from, to time.Time) error {
	w, err := s.store.GetWindow(ctx, windowID)
	if err != nil {
		return err
	}
	slots, err := s.expander.Expand(w, from, to)
	if err != nil {
		return err
	}
	return s.store.UpsertSlots(ctx, slots)
}

func (s *Service) materialize(ctx context.Context, w *AvailabilityWindow) error {
	from := s.now().UTC()
	if w.Start.After(from) {
		from = w.Start
	}
	to := s.now().Add(s.expander.Horizon)
	if !from.Before(to) {
		return nil
	}
	slots, err := s.expander.Expand(w, from, to)
	if err != nil {
		return err
	}
	return s.store.UpsertSlots(ctx, slots)
}

// SearchAvailableSlots returns an owner's AVAILABLE slots in a range,
// optionally narrowed to one service. Results are cached briefly; any write
// that changes availability bumps the owner's cache generation.
func (s *Service) SearchAvailableSlots(ctx context.Context, owner OwnerRef, serviceID *uuid.UUID, from, to time.Time) ([]Slot, error) {
	key := s.searchKey(ctx, owner, serviceID, from, to)
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var cached []Slot
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	slots, err := s.store.ListSlots(ctx, owner, from, to, SlotAvailable)
	if err != nil {
		return nil, err
	}
	if serviceID != nil {
		filtered := slots[:0]
		for _, sl := range slots {
			if sl.ServiceID == *serviceID {
				filtered = append(filtered, sl)
			}
		}
		slots = filtered
	}

	if s.cache != nil {
		if raw, err := json.Marshal(slots); err == nil {
			_ = s.cache.Set(ctx, key, raw, s.cacheTTL)
		}
	}
	return slots, nil
}

// InvalidateOwner bumps the owner's cache generation so stale availability
// listings stop being served. Safe to call with a nil cache.
func (s *Service) InvalidateOwner(ctx context.Context, ownerKey string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, genKey(ownerKey), []byte(uuid.NewString()), 0); err != nil {
		s.logger.Warn("availability cache invalidation failed", "owner", ownerKey, "error", err)
	}
}

func (s *Service) searchKey(ctx context.Context, owner OwnerRef, serviceID *uuid.UUID, from, to time.Time) string {
	gen := "0"
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, genKey(owner.String())); err == nil && ok {
			gen = string(raw)
		}
	}
	svc := "any"
	if serviceID != nil {
		svc = serviceID.String()
	}
	return fmt.Sprintf("slots:%s:%s:%s:%d:%d",
		owner.String(), gen, svc, from.UTC().Unix(), to.UTC().Unix())
}

func genKey(ownerKey string) string {
	return "slots:gen:" + ownerKey
}

func allWeekdays() []time.Weekday {
	return []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}
