package conflicts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sagewell/carebook-platform/internal/calendar"
	"github.com/sagewell/carebook-platform/internal/identity"
	"github.com/sagewell/carebook-platform/internal/scheduling"
)

func ownerQuery(owner scheduling.OwnerRef) string {
	return url.QueryEscape(owner.String())
}

func ownerActor(owner scheduling.OwnerRef) *identity.Actor {
	return &identity.Actor{
		UserID:     uuid.New(),
		Role:       identity.RoleProvider,
		ProviderID: &owner.ProviderID,
	}
}

func handlerRequest(method, target string, body string, actor *identity.Actor) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if actor != nil {
		req = req.WithContext(identity.WithActor(req.Context(), actor))
	}
	return req
}

func newOverlapHandler(t *testing.T) (*Handler, scheduling.OwnerRef, Conflict) {
	t.Helper()
	owner := scheduling.ProviderOwner(uuid.New())
	bs := bookedSlot(owner, detNow.Add(12*time.Hour), scheduling.BookingConfirmed)
	ev := blockingEvent(bs.Slot.StartTime, bs.Slot.EndTime)

	store := newFakeSchedStore()
	store.booked = []scheduling.BookedSlot{bs}
	detector := newTestDetector(store, &fakeEventSource{events: []calendar.Event{ev}})
	resolver := NewResolver(detector, store, &fakeEventResolver{}, nil)

	conflicts, err := detector.Detect(context.Background(), owner)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	return NewHandler(detector, resolver, nil), owner, conflicts[0]
}

func TestHandlerListConflicts(t *testing.T) {
	h, owner, want := newOverlapHandler(t)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, handlerRequest(http.MethodGet, "/?owner="+ownerQuery(owner), "", ownerActor(owner)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Conflicts) != 1 || resp.Conflicts[0].ID != want.ID {
		t.Fatalf("unexpected conflicts: %+v", resp.Conflicts)
	}
}

func TestHandlerListRequiresAuthentication(t *testing.T) {
	h, owner, _ := newOverlapHandler(t)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, handlerRequest(http.MethodGet, "/?owner="+ownerQuery(owner), "", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandlerListForbiddenForForeignOwner(t *testing.T) {
	h, owner, _ := newOverlapHandler(t)
	other := scheduling.ProviderOwner(uuid.New())
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, handlerRequest(http.MethodGet, "/?owner="+ownerQuery(owner), "", ownerActor(other)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandlerListOrganizationOwner(t *testing.T) {
	orgID := uuid.New()
	owner := scheduling.OrganizationLocationOwner(orgID, uuid.New())
	bs := bookedSlot(owner, detNow.Add(12*time.Hour), scheduling.BookingConfirmed)
	ev := blockingEvent(bs.Slot.StartTime, bs.Slot.EndTime)

	store := newFakeSchedStore()
	store.booked = []scheduling.BookedSlot{bs}
	detector := newTestDetector(store, &fakeEventSource{events: []calendar.Event{ev}})
	h := NewHandler(detector, NewResolver(detector, store, &fakeEventResolver{}, nil), nil)

	admin := &identity.Actor{
		UserID:            uuid.New(),
		Role:              identity.RoleOrgAdmin,
		OrganizationRoles: []identity.OrgRole{{OrganizationID: orgID, Role: identity.RoleOrgAdmin}},
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, handlerRequest(http.MethodGet, "/?owner="+ownerQuery(owner), "", admin))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Conflicts) != 1 {
		t.Fatalf("expected the organization owner's conflict, got %+v", resp.Conflicts)
	}
}

func TestHandlerSummary(t *testing.T) {
	h, owner, _ := newOverlapHandler(t)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, handlerRequest(http.MethodGet, "/summary?owner="+ownerQuery(owner), "", ownerActor(owner)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var summary Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Total != 1 {
		t.Fatalf("total = %d, want 1", summary.Total)
	}
}

func TestHandlerAutoResolveRefusesOverlap(t *testing.T) {
	h, owner, conflict := newOverlapHandler(t)
	target := "/" + conflict.ID.String() + "/auto-resolve?owner=" + ownerQuery(owner)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, handlerRequest(http.MethodPost, target, "", ownerActor(owner)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestHandlerAutoResolveMismatch(t *testing.T) {
	_, resolver, owner, conflict := mismatchFixture(t)
	detector := resolver.detector
	h := NewHandler(detector, resolver, nil)

	target := "/" + conflict.ID.String() + "/auto-resolve?owner=" + ownerQuery(owner)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, handlerRequest(http.MethodPost, target, "", ownerActor(owner)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerResolveUnknownResolution(t *testing.T) {
	h, owner, conflict := newOverlapHandler(t)
	target := "/" + conflict.ID.String() + "/resolve?owner=" + ownerQuery(owner)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, handlerRequest(http.MethodPost, target, `{"resolution":"SPLIT"}`, ownerActor(owner)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerResolveConflictNotFound(t *testing.T) {
	h, owner, _ := newOverlapHandler(t)
	target := "/" + uuid.NewString() + "/resolve?owner=" + ownerQuery(owner)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, handlerRequest(http.MethodPost, target, `{"resolution":"KEEP_BOOKING"}`, ownerActor(owner)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
