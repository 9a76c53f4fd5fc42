package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/sagewell/carebook-platform/internal/identity"
	"github.com/sagewell/carebook-platform/internal/scheduling"
)

func newBookingsFixture(t *testing.T) (pgxmock.PgxPoolIface, *BookingsHandler) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	store := scheduling.NewStore(mock)
	assignor := scheduling.NewAssignor(store, nil, nil)
	return mock, NewBookingsHandler(assignor, store, nil)
}

func clientActor(userID uuid.UUID) *identity.Actor {
	return &identity.Actor{UserID: userID, Role: identity.RoleClient}
}

func slotQueryRows(id uuid.UUID, owner scheduling.OwnerRef, status string) *pgxmock.Rows {
	start := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)
	return pgxmock.NewRows([]string{
		"id", "window_id", "service_id", "service_config_id", "owner_key",
		"start_time", "end_time", "status", "blocked_by_event_id", "occurrence_date", "last_calculated",
	}).AddRow(id, uuid.New(), uuid.New(), uuid.New(), owner.String(),
		start, start.Add(time.Hour), status, (*uuid.UUID)(nil), start.Truncate(24*time.Hour), start)
}

func bookingQueryRows(id, slotID uuid.UUID, clientID *uuid.UUID, status string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "slot_id", "client_id", "guest_name", "guest_email", "guest_phone",
		"status", "notification_preferences", "created_at",
	}).AddRow(id, slotID, clientID, "Ada Park", "ada@example.com", "",
		status, []string{"email"}, time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
}

func bookingWindowRows(id uuid.UUID, owner scheduling.OwnerRef, requiresConfirmation bool) *pgxmock.Rows {
	start := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)
	return pgxmock.NewRows([]string{
		"id", "owner_key", "start_time", "end_time", "recurrence_kind", "recurrence_weekdays",
		"recurrence_until", "granularity", "requires_confirmation", "online", "in_person",
		"created_at", "updated_at",
	}).AddRow(id, owner.String(), start, start.Add(3*time.Hour), "NONE", []int32(nil),
		(*time.Time)(nil), "FIXED_HOUR", requiresConfirmation, true, true, start, start)
}

func windowServiceRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "service_id", "duration_minutes", "price_cents", "online", "in_person",
	}).AddRow(uuid.New(), uuid.New(), 60, int64(15000), true, true)
}

func TestCreateBookingClaimsSlot(t *testing.T) {
	mock, h := newBookingsFixture(t)
	owner := scheduling.ProviderOwner(uuid.New())
	slotID := uuid.New()
	windowID := uuid.New()

	peek := slotQueryRows(slotID, owner, "AVAILABLE")
	mock.ExpectQuery("FROM slots").WithArgs(slotID).WillReturnRows(peek)
	mock.ExpectQuery("FROM availability_windows").WithArgs(pgxmock.AnyArg()).WillReturnRows(bookingWindowRows(windowID, owner, false))
	mock.ExpectQuery("FROM window_services").WithArgs(pgxmock.AnyArg()).WillReturnRows(windowServiceRows())
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(slotID).WillReturnRows(slotQueryRows(slotID, owner, "AVAILABLE"))
	mock.ExpectExec("INSERT INTO bookings").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE slots SET status").
		WithArgs(slotID, "AVAILABLE", "BOOKED").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	body := marshalBody(t, createBookingRequest{
		SlotID: slotID,
		Guest:  &guestRequest{Name: "Ada Park", Email: "ada@example.com"},
	})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodPost, "/", body, nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp bookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "CONFIRMED" || resp.SlotID != slotID {
		t.Fatalf("unexpected booking: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateBookingRequiresSlotID(t *testing.T) {
	_, h := newBookingsFixture(t)
	body := marshalBody(t, createBookingRequest{
		Guest: &guestRequest{Name: "Ada Park", Email: "ada@example.com"},
	})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodPost, "/", body, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateBookingRejectsInvalidClient(t *testing.T) {
	_, h := newBookingsFixture(t)
	// Neither a registered client nor guest details.
	body := marshalBody(t, createBookingRequest{SlotID: uuid.New()})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodPost, "/", body, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateBookingSlotNotFound(t *testing.T) {
	mock, h := newBookingsFixture(t)
	mock.ExpectQuery("FROM slots").WithArgs(pgxmock.AnyArg()).WillReturnError(pgx.ErrNoRows)

	body := marshalBody(t, createBookingRequest{
		SlotID: uuid.New(),
		Guest:  &guestRequest{Name: "Ada Park", Email: "ada@example.com"},
	})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodPost, "/", body, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCreateBookingConflictWhenSlotTaken(t *testing.T) {
	mock, h := newBookingsFixture(t)
	owner := scheduling.ProviderOwner(uuid.New())
	slotID := uuid.New()

	mock.ExpectQuery("FROM slots").WithArgs(pgxmock.AnyArg()).WillReturnRows(slotQueryRows(slotID, owner, "AVAILABLE"))
	mock.ExpectQuery("FROM availability_windows").WithArgs(pgxmock.AnyArg()).WillReturnRows(bookingWindowRows(uuid.New(), owner, false))
	mock.ExpectQuery("FROM window_services").WithArgs(pgxmock.AnyArg()).WillReturnRows(windowServiceRows())
	mock.ExpectBegin()
	// Another claim won between the peek and the lock.
	mock.ExpectQuery("FOR UPDATE").WithArgs(pgxmock.AnyArg()).WillReturnRows(slotQueryRows(slotID, owner, "BOOKED"))
	mock.ExpectRollback()

	body := marshalBody(t, createBookingRequest{
		SlotID: slotID,
		Guest:  &guestRequest{Name: "Ada Park", Email: "ada@example.com"},
	})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodPost, "/", body, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestGetBookingRequiresAuthentication(t *testing.T) {
	mock, h := newBookingsFixture(t)
	bookingID := uuid.New()
	mock.ExpectQuery("FROM bookings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(bookingQueryRows(bookingID, uuid.New(), nil, "CONFIRMED"))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodGet, "/"+bookingID.String(), nil, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGetBookingAsOwningClient(t *testing.T) {
	mock, h := newBookingsFixture(t)
	bookingID := uuid.New()
	clientID := uuid.New()
	mock.ExpectQuery("FROM bookings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(bookingQueryRows(bookingID, uuid.New(), &clientID, "CONFIRMED"))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodGet, "/"+bookingID.String(), nil, clientActor(clientID)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp bookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != bookingID || resp.Status != "CONFIRMED" {
		t.Fatalf("unexpected booking: %+v", resp)
	}
}

func TestGetBookingForbiddenForUnrelatedClient(t *testing.T) {
	mock, h := newBookingsFixture(t)
	owner := scheduling.ProviderOwner(uuid.New())
	bookingID := uuid.New()
	slotID := uuid.New()
	otherClient := uuid.New()
	mock.ExpectQuery("FROM bookings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(bookingQueryRows(bookingID, slotID, &otherClient, "CONFIRMED"))
	mock.ExpectQuery("FROM slots").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(slotQueryRows(slotID, owner, "BOOKED"))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodGet, "/"+bookingID.String(), nil, clientActor(uuid.New())))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetBookingNotFound(t *testing.T) {
	mock, h := newBookingsFixture(t)
	mock.ExpectQuery("FROM bookings").WithArgs(pgxmock.AnyArg()).WillReturnError(pgx.ErrNoRows)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodGet, "/"+uuid.NewString(), nil, clientActor(uuid.New())))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelBookingAlreadyCancelled(t *testing.T) {
	mock, h := newBookingsFixture(t)
	bookingID := uuid.New()
	clientID := uuid.New()
	// Loaded once by the handler's authorization pass and once by the
	// cancel flow itself.
	mock.ExpectQuery("FROM bookings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(bookingQueryRows(bookingID, uuid.New(), &clientID, "CANCELLED"))
	mock.ExpectQuery("FROM bookings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(bookingQueryRows(bookingID, uuid.New(), &clientID, "CANCELLED"))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodPost, "/"+bookingID.String()+"/cancel", nil, clientActor(clientID)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAdvanceStatusConfirmsPendingBooking(t *testing.T) {
	mock, h := newBookingsFixture(t)
	bookingID := uuid.New()
	clientID := uuid.New()
	mock.ExpectQuery("FROM bookings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(bookingQueryRows(bookingID, uuid.New(), &clientID, "PENDING"))
	mock.ExpectQuery("FROM bookings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(bookingQueryRows(bookingID, uuid.New(), &clientID, "PENDING"))
	mock.ExpectExec("UPDATE bookings SET status").
		WithArgs(bookingID, "PENDING", "CONFIRMED").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	body := marshalBody(t, advanceStatusRequest{Status: "CONFIRMED"})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodPost, "/"+bookingID.String()+"/status", body, clientActor(clientID)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdvanceStatusRejectsIllegalMove(t *testing.T) {
	mock, h := newBookingsFixture(t)
	bookingID := uuid.New()
	clientID := uuid.New()
	mock.ExpectQuery("FROM bookings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(bookingQueryRows(bookingID, uuid.New(), &clientID, "PENDING"))
	mock.ExpectQuery("FROM bookings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(bookingQueryRows(bookingID, uuid.New(), &clientID, "PENDING"))

	body := marshalBody(t, advanceStatusRequest{Status: "COMPLETED"})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, actorRequest(http.MethodPost, "/"+bookingID.String()+"/status", body, clientActor(clientID)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}
