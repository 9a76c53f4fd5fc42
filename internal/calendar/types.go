package calendar

import (
	"time"

	"github.com/google/uuid"
)

// ProviderGoogle is the only external calendar provider currently wired.
const ProviderGoogle = "GOOGLE"

// Integration stores OAuth credentials and sync state linking an owner to
// one external calendar.
type Integration struct {
	ID                  uuid.UUID
	OwnerKey            string
	Provider            string
	AccessToken         string
	RefreshToken        string
	ExpiresAt           time.Time
	CalendarID          string
	NextSyncToken       string
	SyncEnabled         bool
	SyncFailureCount    int
	AutoCreateMeetLinks bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// tokenRefreshLeeway: tokens are refreshed whenever now + leeway >= expiry.
const tokenRefreshLeeway = 5 * time.Minute

// NeedsRefresh reports whether the access token must be refreshed before use.
func (i *Integration) NeedsRefresh(now time.Time) bool {
	return !now.Add(tokenRefreshLeeway).Before(i.ExpiresAt)
}

// Event is the internal mirror of one external calendar entry.
// (IntegrationID, ExternalEventID) is unique.
type Event struct {
	ID                 uuid.UUID
	IntegrationID      uuid.UUID
	ExternalEventID    string
	Title              string
	StartTime          time.Time
	EndTime            time.Time
	IsAllDay           bool
	ETag               string
	Cancelled          bool
	LastSyncedAt       time.Time
	BlocksAvailability bool
	HasConflict        bool
	ConflictDetails    string
	Version            int
}
