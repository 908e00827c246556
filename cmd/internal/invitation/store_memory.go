package invitation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/group"
)

// MemoryStore keeps invitations in process memory and writes memberships to a
// group.MemoryStore.
//
// WithInvitation serializes per invitation id with a keyed mutex. It is not
// transactional: a failed status write after a membership write leaves a
// partial accept for Service.Recover.
type MemoryStore struct {
	members *group.MemoryStore
	locks   keyedMutex

	mu   sync.RWMutex
	rows map[string]Invitation
}

// NewMemoryStore constructs a MemoryStore. A nil members gets a fresh group.MemoryStore.
func NewMemoryStore(members *group.MemoryStore) *MemoryStore {
	if members == nil {
		members = group.NewMemoryStore()
	}
	return &MemoryStore{
		members: members,
		locks:   keyedMutex{m: make(map[string]*keyedLock)},
		rows:    make(map[string]Invitation),
	}
}

// Members returns the membership store accepts are written to.
func (s *MemoryStore) Members() *group.MemoryStore { return s.members }

func (s *MemoryStore) Create(ctx context.Context, in CreateRecord) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.GroupID) == "" || strings.TrimSpace(in.InviteeID) == "" {
		return Invitation{}, ErrInvalidInput
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[in.ID]; ok {
		return Invitation{}, ErrConflict
	}
	for _, r := range s.rows {
		if r.Pending() && r.GroupID == in.GroupID && r.InviteeID == in.InviteeID {
			return Invitation{}, ErrConflict
		}
	}

	inv := Invitation{
		ID:           in.ID,
		GroupID:      in.GroupID,
		InviteeID:    in.InviteeID,
		InviteeEmail: in.InviteeEmail,
		Roles:        group.NormalizeRoles(in.Roles),
		Status:       StatusPending,
		OwnerID:      in.OwnerID,
		CreatedAt:    in.CreatedAt,
		UpdatedAt:    in.CreatedAt,
	}
	s.rows[inv.ID] = inv
	return cloneInvitation(inv), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.rows[id]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return cloneInvitation(inv), nil
}

// Delete waits for any in-flight respond on the same invitation.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *MemoryStore) ListPendingByInvitee(ctx context.Context, inviteeID string) ([]Invitation, error) {
	return s.list(ctx, func(inv Invitation) bool {
		return inv.Pending() && inv.InviteeID == inviteeID
	})
}

func (s *MemoryStore) ListByGroup(ctx context.Context, groupID string, status *Status) ([]Invitation, error) {
	return s.list(ctx, func(inv Invitation) bool {
		return inv.GroupID == groupID && (status == nil || inv.Status == *status)
	})
}

func (s *MemoryStore) ListStalled(ctx context.Context, olderThan time.Time, limit int) ([]Invitation, error) {
	candidates, err := s.list(ctx, func(inv Invitation) bool {
		return inv.Pending() && !inv.UpdatedAt.After(olderThan)
	})
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, inv := range candidates {
		m, ok, err := s.members.FindMembership(ctx, inv.GroupID, inv.InviteeID)
		if err != nil {
			return nil, err
		}
		if !ok || m.InvitationID == nil || *m.InvitationID != inv.ID {
			continue
		}
		out = append(out, inv)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) WithInvitation(ctx context.Context, id string, fn func(ctx context.Context, inv Invitation, uow UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	inv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, inv, memoryUnitOfWork{s: s})
}

func (s *MemoryStore) setStatus(ctx context.Context, id string, st Status, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if !inv.Pending() {
		return ErrInvalidState
	}
	inv.Status = st
	inv.UpdatedAt = now
	s.rows[id] = inv
	return nil
}

// list returns matching invitations ordered by creation time, then id.
func (s *MemoryStore) list(ctx context.Context, keep func(Invitation) bool) ([]Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Invitation, 0)
	for _, inv := range s.rows {
		if keep(inv) {
			out = append(out, cloneInvitation(inv))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type memoryUnitOfWork struct {
	s *MemoryStore
}

func (u memoryUnitOfWork) FindMembership(ctx context.Context, groupID, userID string) (group.Membership, bool, error) {
	return u.s.members.FindMembership(ctx, groupID, userID)
}

func (u memoryUnitOfWork) CreateMembership(ctx context.Context, m group.Membership) error {
	return u.s.members.CreateMembership(ctx, m)
}

func (u memoryUnitOfWork) SetStatus(ctx context.Context, id string, st Status, now time.Time) error {
	return u.s.setStatus(ctx, id, st, now)
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds or waits on it.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l := k.m[key]
	if l == nil {
		l = &keyedLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
