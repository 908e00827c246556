package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CarstenHoyer/ginvite/cmd/internal/group"
)

// BootstrapRole is the role granted to GINVITE_BOOTSTRAP_ADMINS. It holds
// every invitation permission.
const BootstrapRole = "admin"

type groupUser struct {
	GroupID string
	UserID  string
}

func parseBootstrapAdmins(raw []string) ([]groupUser, error) {
	out := make([]groupUser, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		g, u, ok := strings.Cut(item, ":")
		g, u = strings.TrimSpace(g), strings.TrimSpace(u)
		if !ok || g == "" || u == "" {
			return nil, fmt.Errorf("config: GINVITE_BOOTSTRAP_ADMINS entry %q must be group:user", item)
		}
		out = append(out, groupUser{GroupID: g, UserID: u})
	}
	return out, nil
}

// groupSeeder is the slice of a group store that bootstrapping needs.
type groupSeeder interface {
	group.MembershipWriter
	grant(ctx context.Context, groupID, role string, perms ...group.Permission) error
}

type memoryGroupSeeder struct{ *group.MemoryStore }

func (s memoryGroupSeeder) grant(_ context.Context, groupID, role string, perms ...group.Permission) error {
	s.Grant(groupID, role, perms...)
	return nil
}

type postgresGroupSeeder struct{ *group.PostgresStore }

func (s postgresGroupSeeder) grant(ctx context.Context, groupID, role string, perms ...group.Permission) error {
	return s.Grant(ctx, groupID, role, perms...)
}

// bootstrapAdmins grants BootstrapRole in each listed group and makes the user
// a member. Existing memberships are left as they are.
func bootstrapAdmins(ctx context.Context, s groupSeeder, admins []groupUser, log Logger) error {
	for _, a := range admins {
		if err := s.grant(ctx, a.GroupID, BootstrapRole, group.Permissions...); err != nil {
			return fmt.Errorf("bootstrap grant %s: %w", a.GroupID, err)
		}
		err := s.CreateMembership(ctx, group.Membership{GroupID: a.GroupID, UserID: a.UserID, Roles: []string{BootstrapRole}})
		switch {
		case err == nil:
			log.Info("bootstrap.admin.created", "group_id", a.GroupID, "user_id", a.UserID)
		case errors.Is(err, group.ErrConflict):
			log.Debug("bootstrap.admin.exists", "group_id", a.GroupID, "user_id", a.UserID)
		default:
			return fmt.Errorf("bootstrap membership %s/%s: %w", a.GroupID, a.UserID, err)
		}
	}
	return nil
}
