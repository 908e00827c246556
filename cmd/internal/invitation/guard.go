package invitation

import (
	"context"
	"errors"
	"strings"

	"github.com/CarstenHoyer/ginvite/cmd/internal/group"
)

// Guard decides whether an actor may perform an operation on an invitation.
//
// It only reads: permissions come from the Authorizer and memberships from the
// MembershipLookup. Errors from either are returned as-is.
type Guard struct {
	members group.MembershipLookup
	authz   group.Authorizer
}

// NewGuard constructs a Guard.
func NewGuard(members group.MembershipLookup, authz group.Authorizer) (*Guard, error) {
	if members == nil || authz == nil {
		return nil, errors.New("invitation: guard requires membership lookup and authorizer")
	}
	return &Guard{members: members, authz: authz}, nil
}

// in returns a copy of g whose membership reads go through members, so a
// decision made inside a unit of work sees the same data the write will.
func (g *Guard) in(members group.MembershipLookup) *Guard {
	if members == nil {
		return g
	}
	return &Guard{members: members, authz: g.authz}
}

// CanRespond allows only the invitee, and only while they hold no membership
// in the invitation's group. The inviter is not special here.
func (g *Guard) CanRespond(ctx context.Context, inv Invitation, actorID string) (bool, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" || actorID != inv.InviteeID {
		return false, nil
	}
	_, isMember, err := g.members.FindMembership(ctx, inv.GroupID, actorID)
	if err != nil {
		return false, err
	}
	return !isMember, nil
}

// CanCreate requires "invite users to group" on groupID.
func (g *Guard) CanCreate(ctx context.Context, groupID, actorID string) (bool, error) {
	return g.has(ctx, actorID, groupID, group.PermInviteUsers)
}

// CanView requires "view group invitations" on the invitation's group.
func (g *Guard) CanView(ctx context.Context, inv Invitation, actorID string) (bool, error) {
	return g.CanViewGroup(ctx, inv.GroupID, actorID)
}

// CanViewGroup requires "view group invitations" on groupID.
func (g *Guard) CanViewGroup(ctx context.Context, groupID, actorID string) (bool, error) {
	return g.has(ctx, actorID, groupID, group.PermViewInvitations)
}

// CanUpdate is always false: invitations are never edited, a new one is created instead.
func (g *Guard) CanUpdate(Invitation, string) bool { return false }

// CanDelete requires "delete own invitations" when the actor owns the
// invitation and "delete any invitation" otherwise. An owner without the
// former is refused even if they hold the latter.
func (g *Guard) CanDelete(ctx context.Context, inv Invitation, actorID string) (bool, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return false, nil
	}
	if actorID == inv.OwnerID {
		return g.has(ctx, actorID, inv.GroupID, group.PermDeleteOwnInvitations)
	}
	return g.has(ctx, actorID, inv.GroupID, group.PermDeleteAnyInvitation)
}

func (g *Guard) has(ctx context.Context, actorID, groupID string, perm group.Permission) (bool, error) {
	actorID = strings.TrimSpace(actorID)
	groupID = strings.TrimSpace(groupID)
	if actorID == "" || groupID == "" {
		return false, nil
	}
	return g.authz.HasPermission(ctx, actorID, groupID, perm)
}
