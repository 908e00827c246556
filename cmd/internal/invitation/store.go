package invitation

import (
	"context"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/group"
)

// CreateRecord is a normalized invitation insert payload.
type CreateRecord struct {
	ID           string
	GroupID      string
	InviteeID    string
	InviteeEmail string
	Roles        []string
	OwnerID      string
	CreatedAt    time.Time
}

// UnitOfWork is what a respond or recover step may touch while it holds the
// invitation's scope. On stores that support it, every call shares one transaction.
type UnitOfWork interface {
	group.MembershipLookup
	group.MembershipWriter

	// SetStatus moves a PENDING invitation to st. It returns ErrInvalidState
	// when the row is no longer pending.
	SetStatus(ctx context.Context, id string, st Status, now time.Time) error
}

// Store is the persistence boundary for invitations.
//
// Stores return ErrNotFound, ErrConflict and ErrInvalidInput as-is; anything
// else is treated as a persistence failure by Service.
type Store interface {
	// Create inserts a PENDING invitation. It returns ErrConflict when a PENDING
	// invitation already exists for the same (group, invitee).
	Create(ctx context.Context, in CreateRecord) (Invitation, error)
	Get(ctx context.Context, id string) (Invitation, error)
	Delete(ctx context.Context, id string) error

	ListPendingByInvitee(ctx context.Context, inviteeID string) ([]Invitation, error)
	// ListByGroup lists a group's invitations, optionally filtered by status.
	ListByGroup(ctx context.Context, groupID string, status *Status) ([]Invitation, error)
	// ListStalled lists up to limit PENDING invitations, last updated at or
	// before olderThan, whose invitee already holds a membership created from
	// that same invitation.
	ListStalled(ctx context.Context, olderThan time.Time, limit int) ([]Invitation, error)

	// WithInvitation loads invitation id and runs fn while holding that
	// invitation's mutual-exclusion scope. Concurrent calls for the same id
	// are serialized. It returns ErrNotFound when id does not exist.
	WithInvitation(ctx context.Context, id string, fn func(ctx context.Context, inv Invitation, uow UnitOfWork) error) error
}
