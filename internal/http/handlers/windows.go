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

// WindowsHandler manages availability windows and slot search.
type WindowsHandler struct {
	service    *scheduling.Service
	authorizer *identity.Authorizer
	logger     *logging.Logger
}

func NewWindowsHandler(service *scheduling.Service, authorizer *identity.Authorizer, logger *logging.Logger) *WindowsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WindowsHandler{
		service:    service,
		authorizer: authorizer,
		logger:     logger,
	}
}

func (h *WindowsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Publish)
	r.Get("/", h.List)
	r.Get("/{windowID}", h.Get)
	r.Put("/{windowID}", h.Edit)
	r.Delete("/{windowID}", h.Delete)
	return r
}

type serviceConfigRequest struct {
	ServiceID       uuid.UUID `json:"service_id"`
	DurationMinutes int       `json:"duration_minutes"`
	PriceCents      int64     `json:"price_cents"`
	Online          bool      `json:"online"`
	InPerson        bool      `json:"in_person"`
}

type recurrenceRequest struct {
	Kind     string     `json:"kind"`
	Weekdays []int      `json:"weekdays,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
}

type windowRequest struct {
	OwnerKey             string                 `json:"owner_key"`
	Start                time.Time              `json:"start"`
	End                  time.Time              `json:"end"`
	Recurrence           recurrenceRequest      `json:"recurrence"`
	Granularity          string                 `json:"granularity"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	Online               bool                   `json:"online"`
	InPerson             bool                   `json:"in_person"`
	Services             []serviceConfigRequest `json:"services"`
}

func (req *windowRequest) toWindow() (*scheduling.AvailabilityWindow, error) {
	owner, err := scheduling.ParseOwnerRef(req.OwnerKey)
	if err != nil {
		return nil, err
	}
	weekdays := make([]time.Weekday, 0, len(req.Recurrence.Weekdays))
	for _, d := range req.Recurrence.Weekdays {
		weekdays = append(weekdays, time.Weekday(d))
	}
	services := make([]scheduling.ServiceConfig, 0, len(req.Services))
	for _, sc := range req.Services {
		services = append(services, scheduling.ServiceConfig{
			ID:         uuid.New(),
			ServiceID:  sc.ServiceID,
			Duration:   time.Duration(sc.DurationMinutes) * time.Minute,
			PriceCents: sc.PriceCents,
			Online:     sc.Online,
			InPerson:   sc.InPerson,
		})
	}
	kind := scheduling.RecurrenceKind(req.Recurrence.Kind)
	if req.Recurrence.Kind == "" {
		kind = scheduling.RecurrenceNone
	}
	return &scheduling.AvailabilityWindow{
		Owner: owner,
		Start: req.Start,
		End:   req.End,
		Recurrence: scheduling.Recurrence{
			Kind:     kind,
			Weekdays: weekdays,
			Until:    req.Recurrence.Until,
		},
		Granularity:          scheduling.Granularity(req.Granularity),
		RequiresConfirmation: req.RequiresConfirmation,
		Online:               req.Online,
		InPerson:             req.InPerson,
		Services:             services,
	}, nil
}

type windowResponse struct {
	ID                   uuid.UUID              `json:"id"`
	OwnerKey             string                 `json:"owner_key"`
	Start                time.Time              `json:"start"`
	End                  time.Time              `json:"end"`
	Recurrence           recurrenceRequest      `json:"recurrence"`
	Granularity          string                 `json:"granularity"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	Online               bool                   `json:"online"`
	InPerson             bool                   `json:"in_person"`
	Services             []serviceConfigRequest `json:"services"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

func toWindowResponse(w *scheduling.AvailabilityWindow) windowResponse {
	weekdays := make([]int, 0, len(w.Recurrence.Weekdays))
	for _, d := range w.Recurrence.Weekdays {
		weekdays = append(weekdays, int(d))
	}
	services := make([]serviceConfigRequest, 0, len(w.Services))
	for _, sc := range w.Services {
		services = append(services, serviceConfigRequest{
			ServiceID:       sc.ServiceID,
			DurationMinutes: int(sc.Duration / time.Minute),
			PriceCents:      sc.PriceCents,
			Online:          sc.Online,
			InPerson:        sc.InPerson,
		})
	}
	return windowResponse{
		ID:       w.ID,
		OwnerKey: w.Owner.String(),
		Start:    w.Start,
		End:      w.End,
		Recurrence: recurrenceRequest{
			Kind:     string(w.Recurrence.Kind),
			Weekdays: weekdays,
			Until:    w.Recurrence.Until,
		},
		Granularity:          string(w.Granularity),
		RequiresConfirmation: w.RequiresConfirmation,
		Online:               w.Online,
		InPerson:             w.InPerson,
		Services:             services,
		CreatedAt:            w.CreatedAt,
		UpdatedAt:            w.UpdatedAt,
	}
}

// Publish creates a window and materializes its slots. POST /windows
func (h *WindowsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	window, err := req.toWindow()
	if err != nil {
		http.Error(w, `{"error": "invalid owner_key"}`, http.StatusBadRequest)
		return
	}
	if !h.canPublish(w, r, window.Owner) {
		return
	}
	if err := h.service.PublishWindow(r.Context(), window); err != nil {
		h.windowError(w, err, "publish window failed")
		return
	}
	writeJSON(w, http.StatusCreated, toWindowResponse(window))
}

// List returns the owner's windows. GET /windows?owner=provider:<id>
func (h *WindowsHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, err := scheduling.ParseOwnerRef(r.URL.Query().Get("owner"))
	if err != nil {
		http.Error(w, `{"error": "owner query parameter required"}`, http.StatusBadRequest)
		return
	}
	windows, err := h.service.ListWindows(r.Context(), owner)
	if err != nil {
		h.logger.Error("list windows failed", "owner", owner.String(), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	out := make([]windowResponse, 0, len(windows))
	for _, win := range windows {
		out = append(out, toWindowResponse(win))
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": out})
}

// Get returns one window. GET /windows/{windowID}
func (h *WindowsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "windowID"))
	if err != nil {
		http.Error(w, `{"error": "invalid window id"}`, http.StatusBadRequest)
		return
	}
	window, err := h.service.GetWindow(r.Context(), id)
	if err != nil {
		h.windowError(w, err, "get window failed")
		return
	}
	writeJSON(w, http.StatusOK, toWindowResponse(window))
}

type editWindowRequest struct {
	windowRequest
	// Scope selects which occurrences the edit touches; Effective anchors
	// THIS_OCCURRENCE and THIS_AND_FUTURE edits.
	Scope     string    `json:"scope"`
	Effective time.Time `json:"effective"`
}

// Edit applies a scoped edit to a window. PUT /windows/{windowID}
func (h *WindowsHandler) Edit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "windowID"))
	if err != nil {
		http.Error(w, `{"error": "invalid window id"}`, http.StatusBadRequest)
		return
	}
	var req editWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	updated, err := req.toWindow()
	if err != nil {
		http.Error(w, `{"error": "invalid owner_key"}`, http.StatusBadRequest)
		return
	}
	if !h.canPublish(w, r, updated.Owner) {
		return
	}
	scope := scheduling.EditScope(req.Scope)
	if req.Scope == "" {
		scope = scheduling.EditAll
	}
	if err := h.service.EditWindow(r.Context(), id, scope, req.Effective, updated); err != nil {
		h.windowError(w, err, "edit window failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Delete removes a window and its future unbooked slots. DELETE /windows/{windowID}
func (h *WindowsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "windowID"))
	if err != nil {
		http.Error(w, `{"error": "invalid window id"}`, http.StatusBadRequest)
		return
	}
	window, err := h.service.GetWindow(r.Context(), id)
	if err != nil {
		h.windowError(w, err, "get window failed")
		return
	}
	if !h.canPublish(w, r, window.Owner) {
		return
	}
	if err := h.service.DeleteWindow(r.Context(), id); err != nil {
		h.windowError(w, err, "delete window failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WindowsHandler) canPublish(w http.ResponseWriter, r *http.Request, owner scheduling.OwnerRef) bool {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "authentication required"}`, http.StatusUnauthorized)
		return false
	}
	allowed, err := h.authorizer.CanPublishAvailability(r.Context(), actor, owner)
	if err != nil {
		h.logger.Error("authorization check failed", "owner", owner.String(), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return false
	}
	if !allowed {
		http.Error(w, `{"error": "not allowed to publish availability for this owner"}`, http.StatusForbidden)
		return false
	}
	return true
}

func (h *WindowsHandler) windowError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, scheduling.ErrWindowInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, scheduling.ErrWindowNotFound):
		http.Error(w, `{"error": "window not found"}`, http.StatusNotFound)
	default:
		h.logger.Error(logMsg, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
	}
}

// SlotsHandler serves availability search.
type SlotsHandler struct {
	service *scheduling.Service
	logger  *logging.Logger
}

func NewSlotsHandler(service *scheduling.Service, logger *logging.Logger) *SlotsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SlotsHandler{service: service, logger: logger}
}

func (h *SlotsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Search)
	return r
}

type slotResponse struct {
	ID        uuid.UUID `json:"id"`
	WindowID  uuid.UUID `json:"window_id"`
	ServiceID uuid.UUID `json:"service_id"`
	OwnerKey  string    `json:"owner_key"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
}

// Search returns AVAILABLE slots in a range.
// GET /slots?owner=provider:<id>&from=...&to=...&service_id=...
func (h *SlotsHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, err := scheduling.ParseOwnerRef(q.Get("owner"))
	if err != nil {
		http.Error(w, `{"error": "owner query parameter required"}`, http.StatusBadRequest)
		return
	}
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		http.Error(w, `{"error": "from must be RFC 3339"}`, http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		http.Error(w, `{"error": "to must be RFC 3339"}`, http.StatusBadRequest)
		return
	}
	var serviceID *uuid.UUID
	if raw := q.Get("service_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, `{"error": "invalid service_id"}`, http.StatusBadRequest)
			return
		}
		serviceID = &id
	}

	slots, err := h.service.SearchAvailableSlots(r.Context(), owner, serviceID, from, to)
	if err != nil {
		h.logger.Error("slot search failed", "owner", owner.String(), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	out := make([]slotResponse, 0, len(slots))
	for i := range slots {
		out = append(out, slotResponse{
			ID:        slots[i].ID,
			WindowID:  slots[i].WindowID,
			ServiceID: slots[i].ServiceID,
			OwnerKey:  slots[i].Owner.String(),
			StartTime: slots[i].StartTime,
			EndTime:   slots[i].EndTime,
			Status:    string(slots[i].Status),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": out})
}
