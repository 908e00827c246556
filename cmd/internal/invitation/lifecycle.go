package invitation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/group"
	"github.com/CarstenHoyer/ginvite/cmd/internal/notify"
)

const (
	msgAccepted    = "You have accepted the group invitation."
	msgDeclined    = "You have declined the group invitation."
	msgAcceptError = "Error accepting invitation."
)

// Result is the outcome of a successful transition.
type Result struct {
	Invitation Invitation

	// Membership is set on accept. MembershipCreated is false when an
	// existing membership satisfied the accept.
	Membership        *group.Membership
	MembershipCreated bool

	// notice is sent by Manager.Announce once the transition is durable.
	notice *notify.Notice
}

// Manager is the single writer of invitation status and the only creator of
// memberships that come from an accepted invitation.
//
// It performs no authorization: callers ask the Guard first. Failure notices
// go out immediately; success notices wait for Announce.
type Manager struct {
	sink notify.Sink
	log  *slog.Logger
	now  func() time.Time
}

// ManagerOption configures Manager.
type ManagerOption func(*Manager) error

// WithSink sets where user-facing notices go (default: discarded).
func WithSink(s notify.Sink) ManagerOption {
	return func(m *Manager) error {
		if s == nil {
			return errors.New("invitation: nil sink")
		}
		m.sink = s
		return nil
	}
}

// WithManagerLogger sets the Manager's logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) error {
		if log == nil {
			return errors.New("invitation: nil logger")
		}
		m.log = log
		return nil
	}
}

// WithManagerClock overrides time.Now (tests).
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) error {
		if now == nil {
			return errors.New("invitation: nil clock")
		}
		m.now = now
		return nil
	}
}

// NewManager constructs a Manager.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		sink: notify.Discard,
		log:  slog.Default(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Respond applies op to a PENDING invitation through uow.
//
// Accept writes the membership first and the status second. If the membership
// write fails nothing has changed and ErrPersistence is returned. If the status
// write fails after the membership exists, a *PartialAcceptError is returned.
// An existing membership for the invitee satisfies the accept without a second
// write, which makes re-running accept safe.
func (m *Manager) Respond(ctx context.Context, uow UnitOfWork, inv Invitation, op Operation) (Result, error) {
	const opName = "invitation.Respond"

	if uow == nil {
		return Result{}, OpError{Op: opName, Kind: ErrInvalidInput, Msg: "nil unit of work"}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !inv.Pending() {
		return Result{}, OpError{Op: opName, Kind: ErrInvalidState, Msg: "status is " + inv.Status.String()}
	}

	switch op {
	case OperationAccept:
		return m.accept(ctx, uow, inv)
	case OperationDecline:
		return m.decline(ctx, uow, inv)
	default:
		return Result{}, OpError{Op: opName, Kind: ErrInvalidInput, Msg: "unknown operation " + string(op)}
	}
}

func (m *Manager) accept(ctx context.Context, uow UnitOfWork, inv Invitation) (Result, error) {
	const opName = "invitation.Respond"
	now := m.now()

	mem, found, err := uow.FindMembership(ctx, inv.GroupID, inv.InviteeID)
	if err != nil {
		m.fail(ctx, inv, "invitation.respond.lookup_failed", err)
		return Result{}, OpError{Op: opName, Kind: ErrPersistence, Msg: "membership lookup", Err: err}
	}

	created := false
	if !found {
		invID := inv.ID
		mem = group.Membership{
			GroupID:      inv.GroupID,
			UserID:       inv.InviteeID,
			Roles:        group.NormalizeRoles(inv.Roles),
			InvitationID: &invID,
			CreatedAt:    now,
		}
		switch err := uow.CreateMembership(ctx, mem); {
		case err == nil:
			created = true
		case errors.Is(err, group.ErrConflict):
			// Someone else materialized it between the lookup and the write.
		default:
			m.fail(ctx, inv, "invitation.respond.membership_failed", err)
			return Result{}, OpError{Op: opName, Kind: ErrPersistence, Msg: "create membership", Err: err}
		}
	}

	if err := uow.SetStatus(ctx, inv.ID, StatusAccepted, now); err != nil {
		m.log.ErrorContext(ctx, "invitation.respond.partial",
			"invitation_id", inv.ID,
			"group_id", inv.GroupID,
			"user_id", inv.InviteeID,
			"err", err,
		)
		m.sink.Notify(ctx, inv.InviteeID, notify.Notice{Message: msgAcceptError, Severity: notify.SeverityError})
		return Result{}, &PartialAcceptError{InvitationID: inv.ID, GroupID: inv.GroupID, UserID: inv.InviteeID, Err: err}
	}

	out := cloneInvitation(inv)
	out.Status = StatusAccepted
	out.UpdatedAt = now

	m.log.InfoContext(ctx, "invitation.respond.accepted",
		"invitation_id", inv.ID,
		"group_id", inv.GroupID,
		"user_id", inv.InviteeID,
		"membership_created", created,
	)
	return Result{
		Invitation:        out,
		Membership:        &mem,
		MembershipCreated: created,
		notice:            &notify.Notice{Message: msgAccepted, Severity: notify.SeverityStatus},
	}, nil
}

func (m *Manager) decline(ctx context.Context, uow UnitOfWork, inv Invitation) (Result, error) {
	now := m.now()
	if err := uow.SetStatus(ctx, inv.ID, StatusRejected, now); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return Result{}, OpError{Op: "invitation.Respond", Kind: ErrInvalidState, Err: err}
		}
		m.log.WarnContext(ctx, "invitation.respond.decline_failed", "invitation_id", inv.ID, "err", err)
		return Result{}, OpError{Op: "invitation.Respond", Kind: ErrPersistence, Msg: "set status", Err: err}
	}

	out := cloneInvitation(inv)
	out.Status = StatusRejected
	out.UpdatedAt = now

	m.log.InfoContext(ctx, "invitation.respond.declined",
		"invitation_id", inv.ID,
		"group_id", inv.GroupID,
		"user_id", inv.InviteeID,
	)
	return Result{
		Invitation: out,
		notice:     &notify.Notice{Message: msgDeclined, Severity: notify.SeverityStatus},
	}, nil
}

// Announce tells the invitee about a transition returned by Respond. Call it
// only after the unit of work Respond ran in has committed.
func (m *Manager) Announce(ctx context.Context, res Result) {
	if res.notice == nil {
		return
	}
	m.sink.Notify(ctx, res.Invitation.InviteeID, *res.notice)
}

func (m *Manager) fail(ctx context.Context, inv Invitation, event string, err error) {
	m.log.WarnContext(ctx, event, "invitation_id", inv.ID, "group_id", inv.GroupID, "err", err)
	m.sink.Notify(ctx, inv.InviteeID, notify.Notice{Message: msgAcceptError, Severity: notify.SeverityError})
}
