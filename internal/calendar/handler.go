package calendar

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

// Handler exposes calendar integration management over HTTP.
type Handler struct {
	store      *Store
	reconciler *Reconciler
	logger     *logging.Logger
}

func NewHandler(store *Store, reconciler *Reconciler, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:      store,
		reconciler: reconciler,
		logger:     logger,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/integrations", h.Connect)
	// The owner rides in a query parameter since organization owner keys
	// contain a path separator.
	r.Get("/integrations", h.Status)
	r.Put("/integrations/{integrationID}/enabled", h.SetEnabled)
	r.Post("/integrations/{integrationID}/sync", h.SyncNow)
	r.Post("/integrations/{integrationID}/regenerate", h.Regenerate)
	return r
}

type connectRequest struct {
	OwnerKey            string    `json:"owner_key"`
	CalendarID          string    `json:"calendar_id"`
	AccessToken         string    `json:"access_token"`
	RefreshToken        string    `json:"refresh_token"`
	ExpiresAt           time.Time `json:"expires_at"`
	AutoCreateMeetLinks bool      `json:"auto_create_meet_links"`
}

type integrationResponse struct {
	ID                  uuid.UUID `json:"id"`
	OwnerKey            string    `json:"owner_key"`
	Provider            string    `json:"provider"`
	CalendarID          string    `json:"calendar_id"`
	SyncEnabled         bool      `json:"sync_enabled"`
	SyncFailureCount    int       `json:"sync_failure_count"`
	AutoCreateMeetLinks bool      `json:"auto_create_meet_links"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func toIntegrationResponse(i *Integration) integrationResponse {
	return integrationResponse{
		ID:                  i.ID,
		OwnerKey:            i.OwnerKey,
		Provider:            i.Provider,
		CalendarID:          i.CalendarID,
		SyncEnabled:         i.SyncEnabled,
		SyncFailureCount:    i.SyncFailureCount,
		AutoCreateMeetLinks: i.AutoCreateMeetLinks,
		CreatedAt:           i.CreatedAt,
		UpdatedAt:           i.UpdatedAt,
	}
}

// Connect stores tokens obtained from the provider's OAuth flow and enables
// syncing for the owner. Reconnecting an existing owner replaces the tokens
// and restarts from a full sync.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	owner, err := scheduling.ParseOwnerRef(req.OwnerKey)
	if err != nil {
		http.Error(w, `{"error": "invalid owner_key"}`, http.StatusBadRequest)
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		http.Error(w, `{"error": "access_token and refresh_token required"}`, http.StatusBadRequest)
		return
	}
	if !h.authorized(w, r, owner) {
		return
	}

	calendarID := req.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	integration := &Integration{
		OwnerKey:            owner.String(),
		Provider:            ProviderGoogle,
		AccessToken:         req.AccessToken,
		RefreshToken:        req.RefreshToken,
		ExpiresAt:           req.ExpiresAt,
		CalendarID:          calendarID,
		SyncEnabled:         true,
		AutoCreateMeetLinks: req.AutoCreateMeetLinks,
	}
	if err := h.store.CreateIntegration(r.Context(), integration); err != nil {
		h.logger.Error("failed to create integration", "owner", owner.String(), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toIntegrationResponse(integration))
}

type statusResponse struct {
	Integration integrationResponse `json:"integration"`
	Conflicts   []conflictedEvent   `json:"conflicts"`
}

type conflictedEvent struct {
	EventID         uuid.UUID `json:"event_id"`
	Title           string    `json:"title"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	ConflictDetails string    `json:"conflict_details"`
}

// Status returns the owner's integration plus its currently conflicted
// events. GET /integrations?owner=
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	owner, err := scheduling.ParseOwnerRef(r.URL.Query().Get("owner"))
	if err != nil {
		http.Error(w, `{"error": "invalid owner"}`, http.StatusBadRequest)
		return
	}
	if !h.authorized(w, r, owner) {
		return
	}

	integration, err := h.store.GetIntegrationForOwner(r.Context(), owner.String())
	if err != nil {
		if errors.Is(err, ErrIntegrationNotFound) {
			http.Error(w, `{"error": "integration not found"}`, http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load integration", "owner", owner.String(), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	conflicted, err := h.store.ListConflictedEvents(r.Context(), owner.String(), time.Now().UTC())
	if err != nil {
		h.logger.Error("failed to list conflicted events", "owner", owner.String(), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	resp := statusResponse{
		Integration: toIntegrationResponse(integration),
		Conflicts:   make([]conflictedEvent, 0, len(conflicted)),
	}
	for i := range conflicted {
		resp.Conflicts = append(resp.Conflicts, conflictedEvent{
			EventID:         conflicted[i].ID,
			Title:           conflicted[i].Title,
			StartTime:       conflicted[i].StartTime,
			EndTime:         conflicted[i].EndTime,
			ConflictDetails: conflicted[i].ConflictDetails,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetEnabled pauses or resumes syncing without dropping tokens.
func (h *Handler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	integration, ok := h.loadAuthorized(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := h.store.SetSyncEnabled(r.Context(), integration.ID, req.Enabled); err != nil {
		h.logger.Error("failed to toggle sync", "integration_id", integration.ID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	integration.SyncEnabled = req.Enabled
	writeJSON(w, http.StatusOK, toIntegrationResponse(integration))
}

type syncResponse struct {
	Mode      string `json:"mode"`
	Imported  int    `json:"imported"`
	Blocked   int    `json:"blocked"`
	Unblocked int    `json:"unblocked"`
	Conflicts int    `json:"conflicts"`
}

// SyncNow runs one on-demand sync pass. ?mode=full forces a full fetch.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	integration, ok := h.loadAuthorized(w, r)
	if !ok {
		return
	}
	mode := IncrementalSync
	if r.URL.Query().Get("mode") == "full" {
		mode = FullSync
	}
	result, err := h.reconciler.Sync(r.Context(), integration.ID, mode)
	if errors.Is(err, ErrSyncTokenInvalid) {
		result, err = h.reconciler.Sync(r.Context(), integration.ID, FullSync)
		mode = FullSync
	}
	if err != nil {
		if errors.Is(err, ErrTokenRefreshFailed) {
			http.Error(w, `{"error": "calendar credentials expired, reconnect required"}`, http.StatusConflict)
			return
		}
		h.logger.Error("on-demand sync failed", "integration_id", integration.ID, "error", err)
		http.Error(w, `{"error": "sync failed"}`, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{
		Mode:      string(mode),
		Imported:  result.Imported,
		Blocked:   result.Blocked,
		Unblocked: result.Unblocked,
		Conflicts: result.Conflicts,
	})
}

// Regenerate re-derives blocking state from stored events without touching
// the provider.
func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	integration, ok := h.loadAuthorized(w, r)
	if !ok {
		return
	}
	result, err := h.reconciler.RegenerateForOwner(r.Context(), integration)
	if err != nil {
		h.logger.Error("regenerate failed", "integration_id", integration.ID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{
		Mode:      "REGENERATE",
		Blocked:   result.Blocked,
		Unblocked: result.Unblocked,
		Conflicts: result.Conflicts,
	})
}

func (h *Handler) loadAuthorized(w http.ResponseWriter, r *http.Request) (*Integration, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "integrationID"))
	if err != nil {
		http.Error(w, `{"error": "invalid integration id"}`, http.StatusBadRequest)
		return nil, false
	}
	integration, err := h.store.GetIntegration(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrIntegrationNotFound) {
			http.Error(w, `{"error": "integration not found"}`, http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("failed to load integration", "integration_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return nil, false
	}
	owner, err := scheduling.ParseOwnerRef(integration.OwnerKey)
	if err != nil {
		h.logger.Error("stored integration has bad owner key", "integration_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return nil, false
	}
	if !h.authorized(w, r, owner) {
		return nil, false
	}
	return integration, true
}

func (h *Handler) authorized(w http.ResponseWriter, r *http.Request, owner scheduling.OwnerRef) bool {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "authentication required"}`, http.StatusUnauthorized)
		return false
	}
	if !actor.ManagesOwner(owner) {
		http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
