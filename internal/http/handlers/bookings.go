package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sagewell/carebook-platform/internal/identity"
	"github.com/sagewell/carebook-platform/internal/scheduling"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

// BookingsHandler serves booking creation and lifecycle transitions.
type BookingsHandler struct {
	assignor *scheduling.Assignor
	store    *scheduling.Store
	logger   *logging.Logger
}

func NewBookingsHandler(assignor *scheduling.Assignor, store *scheduling.Store, logger *logging.Logger) *BookingsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &BookingsHandler{
		assignor: assignor,
		store:    store,
		logger:   logger,
	}
}

func (h *BookingsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{bookingID}", h.Get)
	r.Post("/{bookingID}/cancel", h.Cancel)
	r.Post("/{bookingID}/status", h.AdvanceStatus)
	return r
}

type guestRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type createBookingRequest struct {
	SlotID                  uuid.UUID     `json:"slot_id"`
	ClientID                *uuid.UUID    `json:"client_id,omitempty"`
	Guest                   *guestRequest `json:"guest,omitempty"`
	NotificationPreferences []string      `json:"notification_preferences,omitempty"`
}

type bookingResponse struct {
	ID                      uuid.UUID  `json:"id"`
	SlotID                  uuid.UUID  `json:"slot_id"`
	ClientID                *uuid.UUID `json:"client_id,omitempty"`
	GuestName               string     `json:"guest_name,omitempty"`
	GuestEmail              string     `json:"guest_email,omitempty"`
	GuestPhone              string     `json:"guest_phone,omitempty"`
	Status                  string     `json:"status"`
	NotificationPreferences []string   `json:"notification_preferences,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
}

func toBookingResponse(b *scheduling.Booking) bookingResponse {
	return bookingResponse{
		ID:                      b.ID,
		SlotID:                  b.SlotID,
		ClientID:                b.ClientID,
		GuestName:               b.GuestName,
		GuestEmail:              b.GuestEmail,
		GuestPhone:              b.GuestPhone,
		Status:                  string(b.Status),
		NotificationPreferences: b.NotificationPreferences,
		CreatedAt:               b.CreatedAt,
	}
}

// Create claims a slot. POST /bookings
func (h *BookingsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.SlotID == uuid.Nil {
		http.Error(w, `{"error": "slot_id required"}`, http.StatusBadRequest)
		return
	}
	client := scheduling.ClientInfo{
		ClientID:                req.ClientID,
		NotificationPreferences: req.NotificationPreferences,
	}
	if req.Guest != nil {
		client.Guest = &scheduling.GuestInfo{
			Name:  req.Guest.Name,
			Email: req.Guest.Email,
			Phone: req.Guest.Phone,
		}
	}

	booking, err := h.assignor.Book(r.Context(), req.SlotID, client)
	if err != nil {
		switch {
		case errors.Is(err, scheduling.ErrClientInfoInvalid):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, scheduling.ErrSlotNotFound):
			http.Error(w, `{"error": "slot not found"}`, http.StatusNotFound)
		case errors.Is(err, scheduling.ErrSlotNotAvailable):
			http.Error(w, `{"error": "slot is no longer available"}`, http.StatusConflict)
		default:
			h.logger.Error("booking failed", "slot_id", req.SlotID, "error", err)
			http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(booking))
}

// Get returns one booking. GET /bookings/{bookingID}
func (h *BookingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	booking, ok := h.loadAuthorized(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(booking))
}

// Cancel cancels a booking and releases its slot. POST /bookings/{bookingID}/cancel
func (h *BookingsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	booking, ok := h.loadAuthorized(w, r)
	if !ok {
		return
	}
	if err := h.assignor.Cancel(r.Context(), booking.ID); err != nil {
		h.transitionError(w, booking.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type advanceStatusRequest struct {
	Status string `json:"status"`
}

// AdvanceStatus moves a booking through its lifecycle.
// POST /bookings/{bookingID}/status
func (h *BookingsHandler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	booking, ok := h.loadAuthorized(w, r)
	if !ok {
		return
	}
	var req advanceStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	to := scheduling.BookingStatus(req.Status)
	if err := h.assignor.AdvanceStatus(r.Context(), booking.ID, to); err != nil {
		h.transitionError(w, booking.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(to)})
}

// loadAuthorized fetches the booking and checks the actor may touch it: the
// booking's own client, someone managing the slot's owner, or a platform
// admin.
func (h *BookingsHandler) loadAuthorized(w http.ResponseWriter, r *http.Request) (*scheduling.Booking, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		http.Error(w, `{"error": "invalid booking id"}`, http.StatusBadRequest)
		return nil, false
	}
	booking, err := h.store.GetBooking(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduling.ErrBookingNotFound) {
			http.Error(w, `{"error": "booking not found"}`, http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("failed to load booking", "booking_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return nil, false
	}
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "authentication required"}`, http.StatusUnauthorized)
		return nil, false
	}
	if booking.ClientID != nil && *booking.ClientID == actor.UserID {
		return booking, true
	}
	slot, err := h.store.GetSlot(r.Context(), booking.SlotID)
	if err != nil {
		h.logger.Error("failed to load slot", "booking_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return nil, false
	}
	if !actor.ManagesOwner(slot.Owner) {
		http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
		return nil, false
	}
	return booking, true
}

func (h *BookingsHandler) transitionError(w http.ResponseWriter, bookingID uuid.UUID, err error) {
	switch {
	case errors.Is(err, scheduling.ErrBookingNotFound):
		http.Error(w, `{"error": "booking not found"}`, http.StatusNotFound)
	case errors.Is(err, scheduling.ErrInvalidTransition):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("booking transition failed", "booking_id", bookingID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
	}
}
