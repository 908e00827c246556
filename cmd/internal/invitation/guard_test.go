package invitation

import (
	"context"
	"testing"
)

func TestGuard_CanRespond(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	pending := f.seed(t, "7", "5", "3", "member")
	forMember := f.seed(t, "8", "6", "3", "admin")

	cases := []struct {
		name  string
		inv   Invitation
		actor string
		want  bool
	}{
		{name: "invitee without membership", inv: pending, actor: "5", want: true},
		{name: "someone else", inv: pending, actor: "6", want: false},
		{name: "inviter is not the invitee", inv: pending, actor: "3", want: false},
		{name: "admin is not the invitee", inv: pending, actor: "1", want: false},
		{name: "empty actor", inv: pending, actor: "", want: false},
		{name: "invitee already a member", inv: forMember, actor: "6", want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.guard.CanRespond(ctx, tc.inv, tc.actor)
			if err != nil {
				t.Fatalf("can respond: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestGuard_CanDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	ownedByInviter := f.seed(t, "10", "5", "3")
	ownedByModerator := f.seed(t, "11", "9", "2")
	ownedByEditor := f.seed(t, "12", "8", "4")

	cases := []struct {
		name  string
		inv   Invitation
		actor string
		want  bool
	}{
		{name: "owner with delete own", inv: ownedByInviter, actor: "3", want: true},
		{name: "non-owner with delete any", inv: ownedByInviter, actor: "2", want: true},
		{name: "non-owner with delete own only", inv: ownedByInviter, actor: "4", want: false},
		{name: "owner lacking delete own", inv: ownedByModerator, actor: "2", want: false},
		{name: "owner editor with delete own", inv: ownedByEditor, actor: "4", want: true},
		{name: "admin non-owner", inv: ownedByEditor, actor: "1", want: true},
		{name: "plain member", inv: ownedByInviter, actor: "6", want: false},
		{name: "outsider", inv: ownedByInviter, actor: "99", want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.guard.CanDelete(ctx, tc.inv, tc.actor)
			if err != nil {
				t.Fatalf("can delete: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestGuard_CreateViewUpdate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	inv := f.seed(t, "7", "5", "3")

	for _, tc := range []struct {
		actor      string
		canCreate  bool
		canViewInv bool
	}{
		{actor: "1", canCreate: true, canViewInv: true},
		{actor: "2", canCreate: false, canViewInv: true},
		{actor: "3", canCreate: true, canViewInv: false},
		{actor: "6", canCreate: false, canViewInv: false},
		{actor: "5", canCreate: false, canViewInv: false},
	} {
		got, err := f.guard.CanCreate(ctx, testGroup, tc.actor)
		if err != nil || got != tc.canCreate {
			t.Fatalf("actor %s: can create = %v (%v), want %v", tc.actor, got, err, tc.canCreate)
		}
		got, err = f.guard.CanView(ctx, inv, tc.actor)
		if err != nil || got != tc.canViewInv {
			t.Fatalf("actor %s: can view = %v (%v), want %v", tc.actor, got, err, tc.canViewInv)
		}
		if f.guard.CanUpdate(inv, tc.actor) {
			t.Fatalf("actor %s: update must never be allowed", tc.actor)
		}
	}

	if f.guard.CanUpdate(Invitation{}, "") || f.guard.CanUpdate(inv, inv.OwnerID) || f.guard.CanUpdate(inv, inv.InviteeID) {
		t.Fatalf("update must never be allowed")
	}
}
