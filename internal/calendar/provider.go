package calendar

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTokenRefreshFailed means the stored credentials were rejected;
	// the owner must reconnect the integration.
	ErrTokenRefreshFailed = errors.New("calendar: token refresh failed")

	// ErrSyncTokenInvalid means the provider rejected the incremental sync
	// token; the caller should clear it and retry as a full sync.
	ErrSyncTokenInvalid = errors.New("calendar: sync token invalid")

	// ErrIntegrationNotFound is returned when no integration matches.
	ErrIntegrationNotFound = errors.New("calendar: integration not found")
)

// SyncMode selects how a sync pass fetches events.
type SyncMode string

const (
	FullSync        SyncMode = "FULL_SYNC"
	IncrementalSync SyncMode = "INCREMENTAL_SYNC"
)

// ExternalEvent is a provider-normalized calendar entry.
type ExternalEvent struct {
	ID        string
	Title     string
	Start     time.Time
	End       time.Time
	AllDay    bool
	ETag      string
	Cancelled bool
	// Transparent events ("free" in Google terms) do not block availability.
	Transparent bool
}

// ListOptions narrows an event fetch: either a time window (full sync) or a
// sync token (incremental).
type ListOptions struct {
	TimeMin   time.Time
	TimeMax   time.Time
	SyncToken string
}

// EventPage is the result of one fetch, with the token for the next
// incremental pass.
type EventPage struct {
	Events        []ExternalEvent
	NextSyncToken string
}

// Token is a refreshed access credential.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// ProviderClient abstracts the external calendar vendor. The reconciler
// depends only on this interface.
type ProviderClient interface {
	ListEvents(ctx context.Context, accessToken, calendarID string, opts ListOptions) (EventPage, error)
	CreateEvent(ctx context.Context, accessToken, calendarID string, ev ExternalEvent, withMeetLink bool) (string, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev ExternalEvent) error
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
	RefreshToken(ctx context.Context, refreshToken string) (Token, error)
	RevokeToken(ctx context.Context, token string) error
}
