package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sagewell/carebook-platform/internal/scheduling"
)

// ApprovalStore answers whether an owner passed the admin approval workflow.
// The workflow itself lives outside this platform core; only the boolean
// predicate is consumed here.
type ApprovalStore interface {
	IsOwnerApproved(ctx context.Context, ownerKey string) (bool, error)
}

// Authorizer combines actor control with owner approval.
type Authorizer struct {
	approvals ApprovalStore
}

func NewAuthorizer(approvals ApprovalStore) *Authorizer {
	return &Authorizer{approvals: approvals}
}

// CanPublishAvailability is the single predicate windows create/edit/delete
// must pass: the actor controls the owner and the owner is approved.
func (az *Authorizer) CanPublishAvailability(ctx context.Context, actor *Actor, owner scheduling.OwnerRef) (bool, error) {
	if !actor.ManagesOwner(owner) {
		return false, nil
	}
	if az.approvals == nil {
		return true, nil
	}
	approved, err := az.approvals.IsOwnerApproved(ctx, owner.String())
	if err != nil {
		return false, fmt.Errorf("identity: check owner approval: %w", err)
	}
	return approved, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgApprovalStore reads owner approval flags from Postgres.
type PgApprovalStore struct {
	pool rowQuerier
}

func NewPgApprovalStore(pool rowQuerier) *PgApprovalStore {
	return &PgApprovalStore{pool: pool}
}

func (s *PgApprovalStore) IsOwnerApproved(ctx context.Context, ownerKey string) (bool, error) {
	var approved bool
	err := s.pool.QueryRow(ctx,
		`SELECT approved FROM owner_approvals WHERE owner_key = $1`, ownerKey,
	).Scan(&approved)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("identity: load owner approval: %w", err)
	}
	return approved, nil
}
