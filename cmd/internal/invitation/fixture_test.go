package invitation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/group"
	"github.com/CarstenHoyer/ginvite/cmd/internal/notify"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

const testGroup = "42"

// Users in testGroup:
//
//	1 admin     every permission
//	2 moderator view + delete any
//	3 inviter   invite + delete own
//	4 editor    delete own only
//	6 member    nothing
type fixture struct {
	members *group.MemoryStore
	store   *MemoryStore
	inbox   *notify.Inbox
	guard   *Guard
	manager *Manager
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore builds the fixture; wrap, when non-nil, decorates the
// memory store handed to the Service.
func newFixtureWithStore(t *testing.T, wrap func(*MemoryStore) Store) *fixture {
	t.Helper()

	members := group.NewMemoryStore()
	members.Grant(testGroup, "admin", group.Permissions...)
	members.Grant(testGroup, "moderator", group.PermViewInvitations, group.PermDeleteAnyInvitation)
	members.Grant(testGroup, "inviter", group.PermInviteUsers, group.PermDeleteOwnInvitations)
	members.Grant(testGroup, "editor", group.PermDeleteOwnInvitations)

	for uid, role := range map[string]string{"1": "admin", "2": "moderator", "3": "inviter", "4": "editor", "6": "member"} {
		mustCreateMembership(t, members, testGroup, uid, role)
	}

	store := NewMemoryStore(members)
	inbox := notify.NewInbox(0)

	guard, err := NewGuard(members, members)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	manager, err := NewManager(WithSink(inbox), WithManagerLogger(testLog))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	var svcStore Store = store
	if wrap != nil {
		svcStore = wrap(store)
	}
	svc, err := NewService(svcStore, guard, manager, WithLogger(testLog))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	return &fixture{members: members, store: store, inbox: inbox, guard: guard, manager: manager, svc: svc}
}

func mustCreateMembership(t *testing.T, members *group.MemoryStore, groupID, userID string, roles ...string) {
	t.Helper()
	if err := members.CreateMembership(context.Background(), group.Membership{GroupID: groupID, UserID: userID, Roles: roles}); err != nil {
		t.Fatalf("create membership %s/%s: %v", groupID, userID, err)
	}
}

func (f *fixture) seed(t *testing.T, id, inviteeID, ownerID string, roles ...string) Invitation {
	t.Helper()
	inv, err := f.store.Create(context.Background(), CreateRecord{
		ID:           id,
		GroupID:      testGroup,
		InviteeID:    inviteeID,
		InviteeEmail: "user" + inviteeID + "@example.com",
		Roles:        roles,
		OwnerID:      ownerID,
		CreatedAt:    time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed invitation %s: %v", id, err)
	}
	return inv
}

func (f *fixture) mustGet(t *testing.T, id string) Invitation {
	t.Helper()
	inv, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return inv
}

// faultUOW wraps a UnitOfWork and fails selected calls.
type faultUOW struct {
	UnitOfWork

	findErr   error
	createErr error
	statusErr error

	creates    int
	statusSets int
}

func (f *faultUOW) FindMembership(ctx context.Context, groupID, userID string) (group.Membership, bool, error) {
	if f.findErr != nil {
		return group.Membership{}, false, f.findErr
	}
	return f.UnitOfWork.FindMembership(ctx, groupID, userID)
}

func (f *faultUOW) CreateMembership(ctx context.Context, m group.Membership) error {
	f.creates++
	if f.createErr != nil {
		return f.createErr
	}
	return f.UnitOfWork.CreateMembership(ctx, m)
}

func (f *faultUOW) SetStatus(ctx context.Context, id string, st Status, now time.Time) error {
	f.statusSets++
	if f.statusErr != nil {
		return f.statusErr
	}
	return f.UnitOfWork.SetStatus(ctx, id, st, now)
}
