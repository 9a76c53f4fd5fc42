package conflicts

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sagewell/carebook-platform/internal/identity"
	"github.com/sagewell/carebook-platform/internal/scheduling"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

// Handler exposes conflict inspection and resolution over HTTP.
type Handler struct {
	detector *Detector
	resolver *Resolver
	logger   *logging.Logger
}

func NewHandler(detector *Detector, resolver *Resolver, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		detector: detector,
		resolver: resolver,
		logger:   logger,
	}
}

// Routes takes the owner as a query parameter since organization owner
// keys contain a path separator.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/summary", h.Summary)
	r.Post("/{conflictID}/auto-resolve", h.AutoResolve)
	r.Post("/{conflictID}/resolve", h.Resolve)
	return r
}

// List returns every current conflict for an owner. GET /?owner=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerFromRequest(w, r)
	if !ok {
		return
	}
	conflicts, err := h.detector.Detect(r.Context(), owner)
	if err != nil {
		h.logger.Error("conflict detection failed", "owner", owner.String(), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	if conflicts == nil {
		conflicts = []Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// Summary returns aggregate counts. GET /summary?owner=
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.ownerFromRequest(w, r)
	if !ok {
		return
	}
	summary, err := h.detector.Summarize(r.Context(), owner)
	if err != nil {
		h.logger.Error("conflict summary failed", "owner", owner.String(), "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AutoResolve repairs a slot state mismatch. POST /{conflictID}/auto-resolve?owner=
func (h *Handler) AutoResolve(w http.ResponseWriter, r *http.Request) {
	owner, conflictID, ok := h.conflictFromRequest(w, r)
	if !ok {
		return
	}
	err := h.resolver.AutoResolve(r.Context(), owner, conflictID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	case errors.Is(err, ErrConflictNotFound):
		http.Error(w, `{"error": "conflict not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrConflictNotAutoResolvable):
		http.Error(w, `{"error": "conflict requires manual resolution"}`, http.StatusUnprocessableEntity)
	default:
		h.logger.Error("auto resolve failed", "conflict_id", conflictID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
	}
}

type resolveRequest struct {
	Resolution Resolution `json:"resolution"`
}

// Resolve applies a manual choice. POST /{conflictID}/resolve?owner=
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	owner, conflictID, ok := h.conflictFromRequest(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	err := h.resolver.Resolve(r.Context(), owner, conflictID, req.Resolution)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	case errors.Is(err, ErrUnknownResolution):
		http.Error(w, `{"error": "unknown resolution"}`, http.StatusBadRequest)
	case errors.Is(err, ErrConflictNotFound):
		http.Error(w, `{"error": "conflict not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrResolutionNotApplicable):
		http.Error(w, `{"error": "resolution does not apply to this conflict"}`, http.StatusUnprocessableEntity)
	default:
		h.logger.Error("resolve failed", "conflict_id", conflictID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
	}
}

func (h *Handler) ownerFromRequest(w http.ResponseWriter, r *http.Request) (scheduling.OwnerRef, bool) {
	owner, err := scheduling.ParseOwnerRef(r.URL.Query().Get("owner"))
	if err != nil {
		http.Error(w, `{"error": "invalid owner"}`, http.StatusBadRequest)
		return scheduling.OwnerRef{}, false
	}
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error": "authentication required"}`, http.StatusUnauthorized)
		return scheduling.OwnerRef{}, false
	}
	if !actor.ManagesOwner(owner) {
		http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
		return scheduling.OwnerRef{}, false
	}
	return owner, true
}

func (h *Handler) conflictFromRequest(w http.ResponseWriter, r *http.Request) (scheduling.OwnerRef, uuid.UUID, bool) {
	owner, ok := h.ownerFromRequest(w, r)
	if !ok {
		return scheduling.OwnerRef{}, uuid.Nil, false
	}
	conflictID, err := uuid.Parse(chi.URLParam(r, "conflictID"))
	if err != nil {
		http.Error(w, `{"error": "invalid conflict id"}`, http.StatusBadRequest)
		return scheduling.OwnerRef{}, uuid.Nil, false
	}
	return owner, conflictID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
