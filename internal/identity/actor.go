package identity

import (
	"github.com/google/uuid"

	"github.com/sagewell/carebook-platform/internal/scheduling"
)

// Role is the platform-level role of an authenticated user.
type Role string

const (
	RoleClient        Role = "CLIENT"
	RoleProvider      Role = "PROVIDER"
	RoleOrgAdmin      Role = "ORG_ADMIN"
	RoleOrgMember     Role = "ORG_MEMBER"
	RolePlatformAdmin Role = "PLATFORM_ADMIN"
)

// OrgRole scopes a role to one organization.
type OrgRole struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Role           Role      `json:"role"`
}

// Actor is the current authenticated user with role-in-context. Produced by
// the session layer (JWT middleware here); the scheduling core only consumes
// it through CanPublishAvailability.
type Actor struct {
	UserID            uuid.UUID  `json:"user_id"`
	Role              Role       `json:"role"`
	ProviderID        *uuid.UUID `json:"provider_id,omitempty"`
	OrganizationRoles []OrgRole  `json:"organization_roles,omitempty"`
}

// ManagesOwner reports whether the actor controls the given owner: the
// matching provider, an admin of the owning organization, or a platform
// admin.
func (a *Actor) ManagesOwner(owner scheduling.OwnerRef) bool {
	if a == nil {
		return false
	}
	if a.Role == RolePlatformAdmin {
		return true
	}
	switch owner.Kind {
	case scheduling.OwnerProvider:
		return a.ProviderID != nil && *a.ProviderID == owner.ProviderID
	case scheduling.OwnerOrganizationLocation:
		for _, or := range a.OrganizationRoles {
			if or.OrganizationID == owner.OrganizationID && or.Role == RoleOrgAdmin {
				return true
			}
		}
	}
	return false
}
