package invitation

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/identity/ids"
	"github.com/CarstenHoyer/ginvite/cmd/internal/group"
)

const maxRoles = 32

// CreateInput is the request to invite a user into a group.
type CreateInput struct {
	ActorID      string
	GroupID      string
	InviteeID    string
	InviteeEmail string
	Roles        []string
	Now          time.Time
}

// RespondInput is an invitee's answer.
type RespondInput struct {
	ActorID      string
	InvitationID string
	Operation    Operation
}

// Service orchestrates invitations: Guard first, then Store or Manager.
type Service struct {
	store   Store
	guard   *Guard
	manager *Manager
	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time
}

// Option configures Service.
type Option func(*Service) error

// WithMetrics records outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithLogger sets the Service's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log == nil {
			return errors.New("invitation: nil logger")
		}
		s.log = log
		return nil
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("invitation: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service.
func NewService(store Store, guard *Guard, manager *Manager, opts ...Option) (*Service, error) {
	if store == nil || guard == nil || manager == nil {
		return nil, errors.New("invitation: service requires store, guard and manager")
	}
	s := &Service{
		store:   store,
		guard:   guard,
		manager: manager,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Guard exposes the access rules, e.g. for the HTTP layer's update refusal.
func (s *Service) Guard() *Guard { return s.guard }

// Create invites in.InviteeID into in.GroupID.
//
// The actor needs "invite users to group". A user who is already a member, or
// who already has a PENDING invitation to the group, cannot be invited again
// (ErrConflict).
func (s *Service) Create(ctx context.Context, in CreateInput) (Invitation, error) {
	const op = "invitation.Create"

	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	in.ActorID = strings.TrimSpace(in.ActorID)
	in.GroupID = strings.TrimSpace(in.GroupID)
	in.InviteeID = strings.TrimSpace(in.InviteeID)
	if in.ActorID == "" || in.GroupID == "" || in.InviteeID == "" {
		return Invitation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "actor, group and invitee are required"}
	}
	email, err := normalizeEmail(in.InviteeEmail)
	if err != nil {
		return Invitation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invalid invitee email"}
	}
	roles := group.NormalizeRoles(in.Roles)
	if len(roles) > maxRoles {
		return Invitation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "too many roles"}
	}

	ok, err := s.guard.CanCreate(ctx, in.GroupID, in.ActorID)
	if err != nil {
		return Invitation{}, OpError{Op: op, Kind: ErrPersistence, Msg: "permission check", Err: err}
	}
	if !ok {
		return Invitation{}, OpError{Op: op, Kind: ErrForbidden}
	}

	_, isMember, err := s.guard.members.FindMembership(ctx, in.GroupID, in.InviteeID)
	if err != nil {
		return Invitation{}, OpError{Op: op, Kind: ErrPersistence, Msg: "membership lookup", Err: err}
	}
	if isMember {
		return Invitation{}, OpError{Op: op, Kind: ErrConflict, Msg: "invitee is already a member"}
	}

	now := in.Now
	if now.IsZero() {
		now = s.now()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Invitation{}, OpError{Op: op, Kind: ErrPersistence, Msg: "generate id", Err: err}
	}

	inv, err := s.store.Create(ctx, CreateRecord{
		ID:           id,
		GroupID:      in.GroupID,
		InviteeID:    in.InviteeID,
		InviteeEmail: email,
		Roles:        roles,
		OwnerID:      in.ActorID,
		CreatedAt:    now,
	})
	if err != nil {
		if IsConflict(err) {
			return Invitation{}, OpError{Op: op, Kind: ErrConflict, Msg: "a pending invitation already exists"}
		}
		return Invitation{}, storeErr(op, err)
	}

	s.metrics.incCreated()
	s.log.InfoContext(ctx, "invitation.created",
		"invitation_id", inv.ID,
		"group_id", inv.GroupID,
		"invitee_id", inv.InviteeID,
		"owner_id", inv.OwnerID,
	)
	return inv, nil
}

// Get returns an invitation to an actor allowed to view it: a holder of
// "view group invitations", or the invitee.
func (s *Service) Get(ctx context.Context, actorID, id string) (Invitation, error) {
	const op = "invitation.Get"

	inv, err := s.load(ctx, op, id)
	if err != nil {
		return Invitation{}, err
	}
	if strings.TrimSpace(actorID) != "" && actorID == inv.InviteeID {
		return inv, nil
	}
	ok, err := s.guard.CanView(ctx, inv, actorID)
	if err != nil {
		return Invitation{}, OpError{Op: op, Kind: ErrPersistence, Msg: "permission check", Err: err}
	}
	if !ok {
		return Invitation{}, OpError{Op: op, Kind: ErrForbidden}
	}
	return inv, nil
}

// ListForGroup lists a group's invitations, optionally filtered by status.
func (s *Service) ListForGroup(ctx context.Context, actorID, groupID string, status *Status) ([]Invitation, error) {
	const op = "invitation.ListForGroup"

	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "group is required"}
	}
	if status != nil && !status.Valid() {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invalid status"}
	}
	ok, err := s.guard.CanViewGroup(ctx, groupID, actorID)
	if err != nil {
		return nil, OpError{Op: op, Kind: ErrPersistence, Msg: "permission check", Err: err}
	}
	if !ok {
		return nil, OpError{Op: op, Kind: ErrForbidden}
	}

	out, err := s.store.ListByGroup(ctx, groupID, status)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

// ListPendingForUser lists the PENDING invitations addressed to userID.
// Actors may only list their own.
func (s *Service) ListPendingForUser(ctx context.Context, actorID, userID string) ([]Invitation, error) {
	const op = "invitation.ListPendingForUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "user is required"}
	}
	if strings.TrimSpace(actorID) != userID {
		return nil, OpError{Op: op, Kind: ErrForbidden}
	}
	out, err := s.store.ListPendingByInvitee(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

// Delete removes an invitation when Guard.CanDelete allows it.
func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	const op = "invitation.Delete"

	inv, err := s.load(ctx, op, id)
	if err != nil {
		return err
	}
	ok, err := s.guard.CanDelete(ctx, inv, actorID)
	if err != nil {
		return OpError{Op: op, Kind: ErrPersistence, Msg: "permission check", Err: err}
	}
	if !ok {
		return OpError{Op: op, Kind: ErrForbidden}
	}
	if err := s.store.Delete(ctx, inv.ID); err != nil {
		return storeErr(op, err)
	}

	s.metrics.incDeleted()
	s.log.InfoContext(ctx, "invitation.deleted", "invitation_id", inv.ID, "group_id", inv.GroupID, "actor_id", actorID)
	return nil
}

// Respond lets the invitee accept or decline.
//
// The invitation is loaded, checked and transitioned inside one per-invitation
// scope, so two concurrent accepts cannot both see PENDING.
func (s *Service) Respond(ctx context.Context, in RespondInput) (Result, error) {
	const op = "invitation.Respond"

	parsed, err := ParseOperation(string(in.Operation))
	if err != nil {
		s.metrics.observeResponse("invalid", err)
		return Result{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "operation must be accept or decline"}
	}
	in.Operation = parsed

	res, err := s.respond(ctx, op, in)
	s.metrics.observeResponse(in.Operation, err)
	return res, err
}

func (s *Service) respond(ctx context.Context, op string, in RespondInput) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	id := strings.TrimSpace(in.InvitationID)
	if id == "" {
		return Result{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invitation id is required"}
	}

	var res Result
	err := s.store.WithInvitation(ctx, id, func(ctx context.Context, inv Invitation, uow UnitOfWork) error {
		ok, err := s.guard.in(uow).CanRespond(ctx, inv, in.ActorID)
		if err != nil {
			return OpError{Op: op, Kind: ErrPersistence, Msg: "membership lookup", Err: err}
		}
		if !ok {
			return OpError{Op: op, Kind: ErrForbidden}
		}
		res, err = s.manager.Respond(ctx, uow, inv, in.Operation)
		return err
	})
	if err != nil {
		return Result{}, respondErr(op, err)
	}
	s.manager.Announce(ctx, res)
	return res, nil
}

// Recover converges an invitation left PENDING by a partial accept.
//
// It applies only when the invitee already holds a membership that was created
// from this very invitation; the accept is then re-run, which skips the
// membership write and sets ACCEPTED. It reports whether anything changed.
func (s *Service) Recover(ctx context.Context, id string) (Result, bool, error) {
	const op = "invitation.Recover"

	id = strings.TrimSpace(id)
	if id == "" {
		return Result{}, false, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invitation id is required"}
	}

	var (
		res       Result
		recovered bool
	)
	err := s.store.WithInvitation(ctx, id, func(ctx context.Context, inv Invitation, uow UnitOfWork) error {
		if !inv.Pending() {
			return nil
		}
		mem, found, err := uow.FindMembership(ctx, inv.GroupID, inv.InviteeID)
		if err != nil {
			return OpError{Op: op, Kind: ErrPersistence, Msg: "membership lookup", Err: err}
		}
		if !found || mem.InvitationID == nil || *mem.InvitationID != inv.ID {
			return nil
		}
		res, err = s.manager.Respond(ctx, uow, inv, OperationAccept)
		if err != nil {
			return err
		}
		recovered = true
		return nil
	})
	if err != nil {
		return Result{}, false, respondErr(op, err)
	}
	if recovered {
		s.manager.Announce(ctx, res)
		s.metrics.incRecovered()
		s.log.InfoContext(ctx, "invitation.recovered", "invitation_id", id)
	}
	return res, recovered, nil
}

func (s *Service) load(ctx context.Context, op, id string) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Invitation{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invitation id is required"}
	}
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return Invitation{}, storeErr(op, err)
	}
	return inv, nil
}

// respondErr keeps errors already classified by the guard or manager and
// classifies the rest like any store error.
func respondErr(op string, err error) error {
	var oe OpError
	var pa *PartialAcceptError
	if errors.As(err, &oe) || errors.As(err, &pa) {
		return err
	}
	return storeErr(op, err)
}

// storeErr maps a Store error onto the sentinel kinds. Unclassified errors
// become ErrPersistence; context errors pass through.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case IsNotFound(err):
		return OpError{Op: op, Kind: ErrNotFound}
	case IsConflict(err):
		return OpError{Op: op, Kind: ErrConflict}
	case IsInvalidInput(err):
		return OpError{Op: op, Kind: ErrInvalidInput}
	case IsInvalidState(err):
		return OpError{Op: op, Kind: ErrInvalidState}
	default:
		return OpError{Op: op, Kind: ErrPersistence, Err: err}
	}
}

// normalizeEmail accepts a bare address (no display name) and lower-cases it.
func normalizeEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 254 {
		return "", ErrInvalidInput
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return "", ErrInvalidInput
	}
	return strings.ToLower(addr.Address), nil
}
