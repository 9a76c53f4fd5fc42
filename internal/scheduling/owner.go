package scheduling

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OwnerKind discriminates who publishes availability.
type OwnerKind string

const (
	OwnerProvider             OwnerKind = "PROVIDER"
	OwnerOrganizationLocation OwnerKind = "ORGANIZATION_LOCATION"
)

// OwnerRef is a tagged variant identifying either an individual provider
// or an organization location. All scheduling code operates against it
// uniformly instead of branching on separate schemas.
type OwnerRef struct {
	Kind           OwnerKind
	ProviderID     uuid.UUID
	OrganizationID uuid.UUID
	LocationID     uuid.UUID
}

// ProviderOwner builds an OwnerRef for an individual provider.
func ProviderOwner(providerID uuid.UUID) OwnerRef {
	return OwnerRef{Kind: OwnerProvider, ProviderID: providerID}
}

// OrganizationLocationOwner builds an OwnerRef for an organization location.
func OrganizationLocationOwner(orgID, locationID uuid.UUID) OwnerRef {
	return OwnerRef{Kind: OwnerOrganizationLocation, OrganizationID: orgID, LocationID: locationID}
}

// Validate checks that the variant carries the ids its kind requires.
func (o OwnerRef) Validate() error {
	switch o.Kind {
	case OwnerProvider:
		if o.ProviderID == uuid.Nil {
			return fmt.Errorf("scheduling: provider owner requires provider id")
		}
	case OwnerOrganizationLocation:
		if o.OrganizationID == uuid.Nil || o.LocationID == uuid.Nil {
			return fmt.Errorf("scheduling: organization owner requires organization and location ids")
		}
	default:
		return fmt.Errorf("scheduling: unknown owner kind %q", o.Kind)
	}
	return nil
}

// String renders a stable textual key, e.g. "provider:<id>" or
// "org:<id>/loc:<id>". Used for cache keys and log fields.
func (o OwnerRef) String() string {
	if o.Kind == OwnerProvider {
		return "provider:" + o.ProviderID.String()
	}
	return "org:" + o.OrganizationID.String() + "/loc:" + o.LocationID.String()
}

// ParseOwnerRef inverts String. It accepts the two formats String emits.
func ParseOwnerRef(s string) (OwnerRef, error) {
	switch {
	case strings.HasPrefix(s, "provider:"):
		id, err := uuid.Parse(strings.TrimPrefix(s, "provider:"))
		if err != nil {
			return OwnerRef{}, fmt.Errorf("scheduling: parse owner ref %q: %w", s, err)
		}
		return ProviderOwner(id), nil
	case strings.HasPrefix(s, "org:"):
		rest := strings.TrimPrefix(s, "org:")
		orgPart, locPart, ok := strings.Cut(rest, "/loc:")
		if !ok {
			return OwnerRef{}, fmt.Errorf("scheduling: parse owner ref %q: missing location", s)
		}
		orgID, err := uuid.Parse(orgPart)
		if err != nil {
			return OwnerRef{}, fmt.Errorf("scheduling: parse owner ref %q: %w", s, err)
		}
		locID, err := uuid.Parse(locPart)
		if err != nil {
			return OwnerRef{}, fmt.Errorf("scheduling: parse owner ref %q: %w", s, err)
		}
		return OrganizationLocationOwner(orgID, locID), nil
	}
	return OwnerRef{}, fmt.Errorf("scheduling: parse owner ref %q: unknown format", s)
}
