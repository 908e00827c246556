// Package group holds the host-side collaborators of the invitation workflow:
// group memberships and group-scoped permissions.
//
// The invitation core only reads permissions and memberships, and writes
// memberships when an invitation is accepted. Everything else about groups
// (creation, role management UI) lives outside this service.
package group

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("membership not found")
	ErrConflict     = errors.New("membership already exists")
)

// Permission is a capability granted to a user scoped to one group.
type Permission string

const (
	PermInviteUsers          Permission = "invite users to group"
	PermViewInvitations      Permission = "view group invitations"
	PermDeleteOwnInvitations Permission = "delete own invitations"
	PermDeleteAnyInvitation  Permission = "delete any invitation"
)

// Permissions lists every permission this service defines, in display order.
var Permissions = []Permission{
	PermInviteUsers,
	PermViewInvitations,
	PermDeleteOwnInvitations,
	PermDeleteAnyInvitation,
}

// Membership is a user's confirmed belonging to a group.
type Membership struct {
	GroupID string
	UserID  string
	Roles   []string

	// InvitationID is set when the membership was materialized from an accepted invitation.
	InvitationID *string

	CreatedAt time.Time
}

// MembershipLookup finds an existing membership.
type MembershipLookup interface {
	// FindMembership returns (membership, true, nil) when userID belongs to groupID.
	FindMembership(ctx context.Context, groupID, userID string) (Membership, bool, error)
}

// MembershipWriter persists new memberships.
type MembershipWriter interface {
	// CreateMembership inserts m. It returns ErrConflict if the user is already a member.
	CreateMembership(ctx context.Context, m Membership) error
}

// Authorizer answers group-scoped permission questions.
type Authorizer interface {
	HasPermission(ctx context.Context, userID, groupID string, perm Permission) (bool, error)
}

// NormalizeRoles trims role ids, drops empties and duplicates, and keeps first-seen order.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func validMembership(m Membership) bool {
	return strings.TrimSpace(m.GroupID) != "" && strings.TrimSpace(m.UserID) != ""
}
