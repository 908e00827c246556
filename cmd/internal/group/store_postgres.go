package group

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads and writes memberships and role grants in PostgreSQL.
//
// It does NOT own the pool; the caller closes it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "ginvite").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !isValidPGIdent(schema) {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "ginvite"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// Schema returns the schema the store queries.
func (s *PostgresStore) Schema() string { return s.schema }

// FindMembership implements MembershipLookup.
func (s *PostgresStore) FindMembership(ctx context.Context, groupID, userID string) (Membership, bool, error) {
	if s == nil || s.pool == nil {
		return Membership{}, false, ErrInvalidInput
	}
	return s.FindMembershipIn(ctx, s.pool, groupID, userID)
}

// FindMembershipIn runs FindMembership on q, which may be a transaction.
func (s *PostgresStore) FindMembershipIn(ctx context.Context, q Querier, groupID, userID string) (Membership, bool, error) {
	groupID = strings.TrimSpace(groupID)
	userID = strings.TrimSpace(userID)
	if groupID == "" || userID == "" {
		return Membership{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Membership{}, false, err
	}

	members := pgIdent(s.schema, "group_memberships")

	var m Membership
	err := q.QueryRow(ctx,
		`SELECT group_id, user_id, roles, invitation_id, created_at
		   FROM `+members+`
		  WHERE group_id = $1 AND user_id = $2`,
		groupID, userID,
	).Scan(&m.GroupID, &m.UserID, &m.Roles, &m.InvitationID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, false, nil
	}
	if err != nil {
		return Membership{}, false, err
	}
	if m.Roles == nil {
		m.Roles = []string{}
	}
	return m, true, nil
}

// CreateMembership implements MembershipWriter.
func (s *PostgresStore) CreateMembership(ctx context.Context, m Membership) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	return s.CreateMembershipIn(ctx, s.pool, m)
}

// CreateMembershipIn runs CreateMembership on q, which may be a transaction.
func (s *PostgresStore) CreateMembershipIn(ctx context.Context, q Querier, m Membership) error {
	if !validMembership(m) {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	members := pgIdent(s.schema, "group_memberships")
	_, err := q.Exec(ctx,
		`INSERT INTO `+members+` (group_id, user_id, roles, invitation_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.GroupID, m.UserID, NormalizeRoles(m.Roles), m.InvitationID, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// HasPermission implements Authorizer: perm is held when any role on the user's
// membership in groupID is granted perm.
func (s *PostgresStore) HasPermission(ctx context.Context, userID, groupID string, perm Permission) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrInvalidInput
	}
	userID = strings.TrimSpace(userID)
	groupID = strings.TrimSpace(groupID)
	if userID == "" || groupID == "" || perm == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "group_memberships")
	grants := pgIdent(s.schema, "group_role_permissions")

	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1
		     FROM `+members+` m
		     JOIN `+grants+` g
		       ON g.group_id = m.group_id
		      AND g.role = ANY (m.roles)
		    WHERE m.group_id = $1
		      AND m.user_id = $2
		      AND g.permission = $3
		 )`,
		groupID, userID, string(perm),
	).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Grant gives perms to role within groupID. Existing grants are left untouched.
func (s *PostgresStore) Grant(ctx context.Context, groupID, role string, perms ...Permission) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(groupID) == "" || strings.TrimSpace(role) == "" {
		return ErrInvalidInput
	}

	grants := pgIdent(s.schema, "group_role_permissions")
	for _, p := range perms {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO `+grants+` (group_id, role, permission) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			groupID, role, string(p),
		); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
