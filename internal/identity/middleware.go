package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const actorKey contextKey = "actor"

// actorClaims is the JWT claim set the session layer issues.
type actorClaims struct {
	jwt.RegisteredClaims
	Role              string          `json:"role"`
	ProviderID        string          `json:"provider_id,omitempty"`
	OrganizationRoles json.RawMessage `json:"organization_roles,omitempty"`
}

// Middleware validates the bearer token and stores the resulting Actor in
// the request context.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error":"authentication disabled"}`, http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			claims := actorClaims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			actor, err := claims.toActor()
			if err != nil {
				http.Error(w, `{"error":"malformed actor claims"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func (c *actorClaims) toActor() (*Actor, error) {
	userID, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, err
	}
	actor := &Actor{UserID: userID, Role: Role(c.Role)}
	if c.ProviderID != "" {
		pid, err := uuid.Parse(c.ProviderID)
		if err != nil {
			return nil, err
		}
		actor.ProviderID = &pid
	}
	if len(c.OrganizationRoles) > 0 {
		if err := json.Unmarshal(c.OrganizationRoles, &actor.OrganizationRoles); err != nil {
			return nil, err
		}
	}
	return actor, nil
}

// WithActor stores an actor in the context (exported for tests).
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	actor, ok := ctx.Value(actorKey).(*Actor)
	return actor, ok
}
