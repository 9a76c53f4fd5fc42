package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleClient implements ProviderClient against the Google Calendar API.
type GoogleClient struct {
	oauth *oauth2.Config
}

// NewGoogleClient builds a client from the platform's OAuth application
// credentials. Per-owner tokens are supplied on each call.
func NewGoogleClient(clientID, clientSecret, redirectURI string) *GoogleClient {
	return &GoogleClient{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gcal.CalendarEventsScope},
		},
	}
}

func (g *GoogleClient) service(ctx context.Context, accessToken string) (*gcal.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("calendar: build google service: %w", err)
	}
	return svc, nil
}

// ListEvents fetches events by window or sync token, following pagination.
func (g *GoogleClient) ListEvents(ctx context.Context, accessToken, calendarID string, opts ListOptions) (EventPage, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return EventPage{}, err
	}

	var page EventPage
	pageToken := ""
	for {
		call := svc.Events.List(calendarID).
			Context(ctx).
			SingleEvents(true).
			ShowDeleted(true).
			MaxResults(250)
		if opts.SyncToken != "" {
			call = call.SyncToken(opts.SyncToken)
		} else {
			call = call.TimeMin(opts.TimeMin.UTC().Format(time.RFC3339)).
				TimeMax(opts.TimeMax.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		res, err := call.Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == 410 {
				return EventPage{}, ErrSyncTokenInvalid
			}
			return EventPage{}, fmt.Errorf("calendar: list google events: %w", err)
		}
		for _, item := range res.Items {
			ev, err := mapGoogleEvent(item)
			if err != nil {
				return EventPage{}, err
			}
			page.Events = append(page.Events, ev)
		}
		if res.NextPageToken == "" {
			page.NextSyncToken = res.NextSyncToken
			return page, nil
		}
		pageToken = res.NextPageToken
	}
}

func mapGoogleEvent(item *gcal.Event) (ExternalEvent, error) {
	ev := ExternalEvent{
		ID:          item.Id,
		Title:       item.Summary,
		ETag:        item.Etag,
		Cancelled:   item.Status == "cancelled",
		Transparent: item.Transparency == "transparent",
	}
	if ev.Cancelled {
		// Cancelled items from an incremental feed may omit times.
		return ev, nil
	}
	start, allDayStart, err := parseEventTime(item.Start)
	if err != nil {
		return ExternalEvent{}, fmt.Errorf("calendar: event %s start: %w", item.Id, err)
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return ExternalEvent{}, fmt.Errorf("calendar: event %s end: %w", item.Id, err)
	}
	ev.Start = start
	ev.End = end
	ev.AllDay = allDayStart
	return ev, nil
}

// parseEventTime handles timed events (dateTime) and all-day events (date,
// interpreted as UTC midnight).
func parseEventTime(edt *gcal.EventDateTime) (time.Time, bool, error) {
	if edt == nil {
		return time.Time{}, false, errors.New("missing time")
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		return t.UTC(), false, err
	}
	t, err := time.Parse("2006-01-02", edt.Date)
	return t.UTC(), true, err
}

// CreateEvent inserts an event, optionally requesting a Meet link.
func (g *GoogleClient) CreateEvent(ctx context.Context, accessToken, calendarID string, ev ExternalEvent, withMeetLink bool) (string, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	gev := toGoogleEvent(ev)
	call := svc.Events.Insert(calendarID, gev).Context(ctx)
	if withMeetLink {
		gev.ConferenceData = &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             uuid.NewString(),
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
		call = call.ConferenceDataVersion(1)
	}
	created, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("calendar: create google event: %w", err)
	}
	return created.Id, nil
}

// UpdateEvent rewrites a single event.
func (g *GoogleClient) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev ExternalEvent) error {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if _, err := svc.Events.Update(calendarID, eventID, toGoogleEvent(ev)).Context(ctx).Do(); err != nil {
		return fmt.Errorf("calendar: update google event: %w", err)
	}
	return nil
}

// DeleteEvent removes a single event.
func (g *GoogleClient) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("calendar: delete google event: %w", err)
	}
	return nil
}

// RefreshToken exchanges the stored refresh token for a fresh access token.
func (g *GoogleClient) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	ts := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	return Token{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry.UTC()}, nil
}

// RevokeToken invalidates a credential at Google's revocation endpoint.
func (g *GoogleClient) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://oauth2.googleapis.com/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("calendar: revoke token: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: revoke token: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 400 {
		return fmt.Errorf("calendar: revoke token: status %d", res.StatusCode)
	}
	return nil
}

func toGoogleEvent(ev ExternalEvent) *gcal.Event {
	gev := &gcal.Event{Summary: ev.Title}
	if ev.AllDay {
		gev.Start = &gcal.EventDateTime{Date: ev.Start.UTC().Format("2006-01-02")}
		gev.End = &gcal.EventDateTime{Date: ev.End.UTC().Format("2006-01-02")}
	} else {
		gev.Start = &gcal.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339)}
		gev.End = &gcal.EventDateTime{DateTime: ev.End.UTC().Format(time.RFC3339)}
	}
	return gev
}
