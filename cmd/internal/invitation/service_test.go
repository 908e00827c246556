package invitation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestService_Respond_AcceptScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "7", "5", "3", "member")

	res, err := f.svc.Respond(ctx, RespondInput{ActorID: "5", InvitationID: "7", Operation: OperationAccept})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Invitation.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", res.Invitation.Status)
	}

	m, ok, err := f.members.FindMembership(ctx, "42", "5")
	if err != nil || !ok {
		t.Fatalf("expected membership 42/5, ok=%v err=%v", ok, err)
	}
	if len(m.Roles) != 1 || m.Roles[0] != "member" {
		t.Fatalf("unexpected roles: %v", m.Roles)
	}
	if got := f.mustGet(t, "7").Status; got != StatusAccepted {
		t.Fatalf("expected stored status accepted, got %s", got)
	}
}

func TestService_Respond_NotInviteeIsForbidden(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "7", "5", "3", "member")
	before := f.members.Count(testGroup)

	for _, actor := range []string{"6", "3", "1", ""} {
		for _, op := range []Operation{OperationAccept, OperationDecline} {
			_, err := f.svc.Respond(ctx, RespondInput{ActorID: actor, InvitationID: "7", Operation: op})
			if !IsForbidden(err) {
				t.Fatalf("actor %q %s: expected forbidden, got %v", actor, op, err)
			}
		}
	}
	if got := f.mustGet(t, "7").Status; got != StatusPending {
		t.Fatalf("denied respond must not change status, got %s", got)
	}
	if f.members.Count(testGroup) != before {
		t.Fatalf("denied respond must not create a membership")
	}
	if f.inbox.Len("5") != 0 {
		t.Fatalf("denied respond must not notify")
	}
}

func TestService_Respond_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "7", "5", "3")
	f.seed(t, "8", "6", "3")
	f.seed(t, "9", "10", "3")
	f.seed(t, "11", "12", "3")

	if _, err := f.svc.Respond(ctx, RespondInput{ActorID: "10", InvitationID: "9", Operation: OperationDecline}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := f.svc.Respond(ctx, RespondInput{ActorID: "12", InvitationID: "11", Operation: OperationAccept}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	cases := []struct {
		name  string
		in    RespondInput
		check func(error) bool
	}{
		{name: "unknown id", in: RespondInput{ActorID: "5", InvitationID: "nope", Operation: OperationAccept}, check: IsNotFound},
		{name: "bad operation", in: RespondInput{ActorID: "5", InvitationID: "7", Operation: "delete"}, check: IsInvalidInput},
		{name: "missing id", in: RespondInput{ActorID: "5", Operation: OperationAccept}, check: IsInvalidInput},
		{name: "invitee already a member", in: RespondInput{ActorID: "6", InvitationID: "8", Operation: OperationAccept}, check: IsForbidden},
		{name: "already rejected", in: RespondInput{ActorID: "10", InvitationID: "9", Operation: OperationAccept}, check: IsInvalidState},
		{name: "already accepted", in: RespondInput{ActorID: "12", InvitationID: "11", Operation: OperationDecline}, check: IsForbidden},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Respond(ctx, tc.in)
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	if got := f.mustGet(t, "9").Status; got != StatusRejected {
		t.Fatalf("rejected invitation changed to %s", got)
	}
}

func TestService_Respond_ConcurrentAcceptCreatesOneMembership(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "7", "5", "3", "member")
	before := f.members.Count(testGroup)

	const n = 16
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Respond(ctx, RespondInput{ActorID: "5", InvitationID: "7", Operation: OperationAccept})
			if err == nil {
				success.Add(1)
				return
			}
			if !IsForbidden(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := success.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful accept, got %d", got)
	}
	if got := f.members.Count(testGroup) - before; got != 1 {
		t.Fatalf("expected exactly 1 new membership, got %d", got)
	}
}

func TestService_Create(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.svc.Create(ctx, CreateInput{
		ActorID:      "3",
		GroupID:      testGroup,
		InviteeID:    "5",
		InviteeEmail: "Five@Example.com",
		Roles:        []string{"member", " member ", "editor", ""},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(inv.ID) != 26 {
		t.Fatalf("expected ULID id, got %q", inv.ID)
	}
	if inv.Status != StatusPending || inv.OwnerID != "3" || inv.InviteeEmail != "five@example.com" {
		t.Fatalf("unexpected invitation: %+v", inv)
	}
	if len(inv.Roles) != 2 || inv.Roles[0] != "member" || inv.Roles[1] != "editor" {
		t.Fatalf("unexpected roles: %v", inv.Roles)
	}

	cases := []struct {
		name  string
		in    CreateInput
		check func(error) bool
	}{
		{name: "duplicate pending", in: CreateInput{ActorID: "1", GroupID: testGroup, InviteeID: "5", InviteeEmail: "five@example.com"}, check: IsConflict},
		{name: "already a member", in: CreateInput{ActorID: "1", GroupID: testGroup, InviteeID: "6", InviteeEmail: "six@example.com"}, check: IsConflict},
		{name: "no invite permission", in: CreateInput{ActorID: "2", GroupID: testGroup, InviteeID: "9", InviteeEmail: "nine@example.com"}, check: IsForbidden},
		{name: "outsider", in: CreateInput{ActorID: "99", GroupID: testGroup, InviteeID: "9", InviteeEmail: "nine@example.com"}, check: IsForbidden},
		{name: "bad email", in: CreateInput{ActorID: "1", GroupID: testGroup, InviteeID: "9", InviteeEmail: "not-an-email"}, check: IsInvalidInput},
		{name: "display name email", in: CreateInput{ActorID: "1", GroupID: testGroup, InviteeID: "9", InviteeEmail: "Nine <nine@example.com>"}, check: IsInvalidInput},
		{name: "missing invitee", in: CreateInput{ActorID: "1", GroupID: testGroup, InviteeEmail: "nine@example.com"}, check: IsInvalidInput},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.in)
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	// Once answered, the invitee may be invited again.
	if _, err := f.svc.Respond(ctx, RespondInput{ActorID: "5", InvitationID: inv.ID, Operation: OperationDecline}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := f.svc.Create(ctx, CreateInput{ActorID: "1", GroupID: testGroup, InviteeID: "5", InviteeEmail: "five@example.com"}); err != nil {
		t.Fatalf("re-invite after decline: %v", err)
	}
}

func TestService_GetListDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "7", "5", "3", "member")
	f.seed(t, "8", "5", "2")
	f.seed(t, "9", "9", "3")

	if _, err := f.svc.Get(ctx, "5", "7"); err != nil {
		t.Fatalf("invitee get: %v", err)
	}
	if _, err := f.svc.Get(ctx, "2", "7"); err != nil {
		t.Fatalf("moderator get: %v", err)
	}
	if _, err := f.svc.Get(ctx, "6", "7"); !IsForbidden(err) {
		t.Fatalf("member get: expected forbidden, got %v", err)
	}
	if _, err := f.svc.Get(ctx, "5", "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	mine, err := f.svc.ListPendingForUser(ctx, "5", "5")
	if err != nil || len(mine) != 2 || mine[0].ID != "7" || mine[1].ID != "8" {
		t.Fatalf("list pending: %v %+v", err, mine)
	}
	if _, err := f.svc.ListPendingForUser(ctx, "6", "5"); !IsForbidden(err) {
		t.Fatalf("listing someone else's invitations: expected forbidden, got %v", err)
	}

	if _, err := f.svc.Respond(ctx, RespondInput{ActorID: "9", InvitationID: "9", Operation: OperationDecline}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	pending := StatusPending
	list, err := f.svc.ListForGroup(ctx, "1", testGroup, &pending)
	if err != nil || len(list) != 2 {
		t.Fatalf("list pending for group: %v %d", err, len(list))
	}
	all, err := f.svc.ListForGroup(ctx, "2", testGroup, nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("list all for group: %v %d", err, len(all))
	}
	if _, err := f.svc.ListForGroup(ctx, "3", testGroup, nil); !IsForbidden(err) {
		t.Fatalf("inviter without view permission: expected forbidden, got %v", err)
	}

	if err := f.svc.Delete(ctx, "4", "7"); !IsForbidden(err) {
		t.Fatalf("editor deleting another's invitation: expected forbidden, got %v", err)
	}
	if err := f.svc.Delete(ctx, "2", "8"); !IsForbidden(err) {
		t.Fatalf("owner lacking delete own: expected forbidden, got %v", err)
	}
	if err := f.svc.Delete(ctx, "3", "7"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if err := f.svc.Delete(ctx, "3", "7"); !IsNotFound(err) {
		t.Fatalf("second delete: expected not found, got %v", err)
	}
}

// statusFailStore fails every SetStatus while fail is set.
type statusFailStore struct {
	*MemoryStore
	fail atomic.Bool
}

func (s *statusFailStore) WithInvitation(ctx context.Context, id string, fn func(ctx context.Context, inv Invitation, uow UnitOfWork) error) error {
	return s.MemoryStore.WithInvitation(ctx, id, func(ctx context.Context, inv Invitation, uow UnitOfWork) error {
		if s.fail.Load() {
			uow = &faultUOW{UnitOfWork: uow, statusErr: errors.New("connection reset")}
		}
		return fn(ctx, inv, uow)
	})
}

func TestService_PartialAcceptRecover(t *testing.T) {
	t.Parallel()

	var failing *statusFailStore
	f := newFixtureWithStore(t, func(ms *MemoryStore) Store {
		failing = &statusFailStore{MemoryStore: ms}
		return failing
	})
	ctx := context.Background()
	f.seed(t, "7", "5", "3", "member")
	f.seed(t, "8", "9", "3", "member")
	before := f.members.Count(testGroup)

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	f.svc.metrics = metrics

	failing.fail.Store(true)
	_, err = f.svc.Respond(ctx, RespondInput{ActorID: "5", InvitationID: "7", Operation: OperationAccept})
	if !IsPartialAccept(err) {
		t.Fatalf("expected partial accept, got %v", err)
	}
	failing.fail.Store(false)

	// The invitee now holds a membership, so responding again is refused;
	// recovery goes through Recover.
	if _, err := f.svc.Respond(ctx, RespondInput{ActorID: "5", InvitationID: "7", Operation: OperationAccept}); !IsForbidden(err) {
		t.Fatalf("expected forbidden after partial accept, got %v", err)
	}

	res, ok, err := f.svc.Recover(ctx, "7")
	if err != nil || !ok {
		t.Fatalf("recover: ok=%v err=%v", ok, err)
	}
	if res.MembershipCreated || res.Invitation.Status != StatusAccepted {
		t.Fatalf("unexpected recover result: %+v", res)
	}
	if got := f.mustGet(t, "7").Status; got != StatusAccepted {
		t.Fatalf("expected accepted, got %s", got)
	}
	if got := f.members.Count(testGroup) - before; got != 1 {
		t.Fatalf("expected exactly 1 new membership, got %d", got)
	}

	// Nothing to do for a converged or an untouched invitation.
	if _, ok, err := f.svc.Recover(ctx, "7"); err != nil || ok {
		t.Fatalf("second recover: ok=%v err=%v", ok, err)
	}
	if _, ok, err := f.svc.Recover(ctx, "8"); err != nil || ok {
		t.Fatalf("recover untouched: ok=%v err=%v", ok, err)
	}

	if got := testutil.ToFloat64(metrics.responses.WithLabelValues("accept", "partial_accept")); got != 1 {
		t.Fatalf("expected 1 partial_accept, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.responses.WithLabelValues("accept", "forbidden")); got != 1 {
		t.Fatalf("expected 1 forbidden, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.recovered); got != 1 {
		t.Fatalf("expected 1 recovered, got %v", got)
	}
}

func TestService_RecoverIgnoresForeignMembership(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	// User 6 is a member that did not come from invitation 8.
	f.seed(t, "8", "6", "3")

	if _, ok, err := f.svc.Recover(ctx, "8"); err != nil || ok {
		t.Fatalf("expected no recovery, ok=%v err=%v", ok, err)
	}
	if got := f.mustGet(t, "8").Status; got != StatusPending {
		t.Fatalf("expected pending, got %s", got)
	}
}

// commitFailStore reports a failure after fn succeeds, like a transaction
// whose COMMIT is lost.
type commitFailStore struct {
	*MemoryStore
}

func (s commitFailStore) WithInvitation(ctx context.Context, id string, fn func(ctx context.Context, inv Invitation, uow UnitOfWork) error) error {
	if err := s.MemoryStore.WithInvitation(ctx, id, fn); err != nil {
		return err
	}
	return errors.New("commit: connection reset")
}

func TestService_Respond_NoSuccessNoticeWhenCommitFails(t *testing.T) {
	t.Parallel()

	f := newFixtureWithStore(t, func(ms *MemoryStore) Store { return commitFailStore{MemoryStore: ms} })
	ctx := context.Background()
	f.seed(t, "7", "5", "3", "member")
	f.seed(t, "8", "9", "3", "member")

	if _, err := f.svc.Respond(ctx, RespondInput{ActorID: "5", InvitationID: "7", Operation: OperationAccept}); !IsPersistence(err) {
		t.Fatalf("accept: expected persistence error, got %v", err)
	}
	if _, err := f.svc.Respond(ctx, RespondInput{ActorID: "9", InvitationID: "8", Operation: OperationDecline}); !IsPersistence(err) {
		t.Fatalf("decline: expected persistence error, got %v", err)
	}

	for _, uid := range []string{"5", "9"} {
		for _, n := range f.inbox.Drain(uid) {
			if n.Message == msgAccepted || n.Message == msgDeclined {
				t.Fatalf("user %s got a success notice for an uncommitted response: %+v", uid, n)
			}
		}
	}
}
