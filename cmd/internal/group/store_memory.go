package group

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory MembershipLookup, MembershipWriter and Authorizer.
// It backs dev mode (no database) and tests.
//
// Permissions are granted to roles per group; a user holds a permission when
// one of the roles on their membership carries it.
type MemoryStore struct {
	mu          sync.RWMutex
	memberships map[memberKey]Membership
	grants      map[grantKey]struct{}
}

type memberKey struct {
	groupID string
	userID  string
}

type grantKey struct {
	groupID string
	role    string
	perm    Permission
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		memberships: make(map[memberKey]Membership),
		grants:      make(map[grantKey]struct{}),
	}
}

// FindMembership implements MembershipLookup.
func (s *MemoryStore) FindMembership(ctx context.Context, groupID, userID string) (Membership, bool, error) {
	if err := ctx.Err(); err != nil {
		return Membership{}, false, err
	}

	s.mu.RLock()
	m, ok := s.memberships[memberKey{groupID: groupID, userID: userID}]
	s.mu.RUnlock()
	if !ok {
		return Membership{}, false, nil
	}
	return cloneMembership(m), true, nil
}

// CreateMembership implements MembershipWriter.
func (s *MemoryStore) CreateMembership(ctx context.Context, m Membership) error {
	if !validMembership(m) {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Roles = NormalizeRoles(m.Roles)

	k := memberKey{groupID: m.GroupID, userID: m.UserID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberships[k]; ok {
		return ErrConflict
	}
	s.memberships[k] = cloneMembership(m)
	return nil
}

// Grant gives perm to every member of groupID holding role.
func (s *MemoryStore) Grant(groupID, role string, perms ...Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		s.grants[grantKey{groupID: groupID, role: role, perm: p}] = struct{}{}
	}
}

// HasPermission implements Authorizer.
func (s *MemoryStore) HasPermission(ctx context.Context, userID, groupID string, perm Permission) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memberships[memberKey{groupID: groupID, userID: userID}]
	if !ok {
		return false, nil
	}
	for _, role := range m.Roles {
		if _, ok := s.grants[grantKey{groupID: groupID, role: role, perm: perm}]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Count returns the number of memberships held in groupID.
func (s *MemoryStore) Count(groupID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.memberships {
		if k.groupID == groupID {
			n++
		}
	}
	return n
}

func cloneMembership(m Membership) Membership {
	out := m
	out.Roles = append([]string(nil), m.Roles...)
	if m.InvitationID != nil {
		id := *m.InvitationID
		out.InvitationID = &id
	}
	return out
}
