package invitation

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/CarstenHoyer/ginvite/cmd/internal/group"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const invitationColumns = `id, group_id, invitee_id, invitee_email, roles, status, owner_id, created_at, updated_at`

// PostgresStore persists invitations in PostgreSQL.
//
// WithInvitation holds a row lock (SELECT ... FOR UPDATE) for the duration of
// fn, and the membership insert and status update commit in one transaction.
// It does NOT own the pool; the caller closes it.
type PostgresStore struct {
	pool    *pgxpool.Pool
	members *group.PostgresStore
	schema  string
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

// NewPostgresStore constructs a PostgresStore. Memberships are written through members.
func NewPostgresStore(pool *pgxpool.Pool, members *group.PostgresStore, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, members: members, schema: "ginvite"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil || st.members == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

func (s *PostgresStore) Create(ctx context.Context, in CreateRecord) (Invitation, error) {
	if s == nil || s.pool == nil {
		return Invitation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.GroupID) == "" || strings.TrimSpace(in.InviteeID) == "" {
		return Invitation{}, ErrInvalidInput
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	invitations := pgIdent(s.schema, "invitations")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+invitations+` (
		     id, group_id, invitee_id, invitee_email, roles, status, owner_id, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		in.ID,
		in.GroupID,
		in.InviteeID,
		in.InviteeEmail,
		group.NormalizeRoles(in.Roles),
		int16(StatusPending),
		in.OwnerID,
		in.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Invitation{}, ErrConflict
		}
		return Invitation{}, err
	}

	return Invitation{
		ID:           in.ID,
		GroupID:      in.GroupID,
		InviteeID:    in.InviteeID,
		InviteeEmail: in.InviteeEmail,
		Roles:        group.NormalizeRoles(in.Roles),
		Status:       StatusPending,
		OwnerID:      in.OwnerID,
		CreatedAt:    in.CreatedAt,
		UpdatedAt:    in.CreatedAt,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Invitation, error) {
	if s == nil || s.pool == nil {
		return Invitation{}, ErrInvalidInput
	}
	return s.getIn(ctx, s.pool, id, false)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	invitations := pgIdent(s.schema, "invitations")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+invitations+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPendingByInvitee(ctx context.Context, inviteeID string) ([]Invitation, error) {
	invitations := pgIdent(s.schema, "invitations")
	return s.query(ctx,
		`SELECT `+invitationColumns+`
		   FROM `+invitations+`
		  WHERE invitee_id = $1 AND status = $2
		  ORDER BY created_at, id`,
		inviteeID, int16(StatusPending),
	)
}

func (s *PostgresStore) ListByGroup(ctx context.Context, groupID string, status *Status) ([]Invitation, error) {
	invitations := pgIdent(s.schema, "invitations")
	var filter *int16
	if status != nil {
		v := int16(*status)
		filter = &v
	}
	return s.query(ctx,
		`SELECT `+invitationColumns+`
		   FROM `+invitations+`
		  WHERE group_id = $1 AND ($2::SMALLINT IS NULL OR status = $2)
		  ORDER BY created_at, id`,
		groupID, filter,
	)
}

func (s *PostgresStore) ListStalled(ctx context.Context, olderThan time.Time, limit int) ([]Invitation, error) {
	if limit <= 0 {
		limit = defaultReconcileBatch
	}
	invitations := pgIdent(s.schema, "invitations")
	members := pgIdent(s.schema, "group_memberships")
	return s.query(ctx,
		`SELECT `+invitationColumns+`
		   FROM `+invitations+` AS i
		  WHERE i.status = $1 AND i.updated_at <= $2
		    AND EXISTS (
		          SELECT 1 FROM `+members+` AS m
		           WHERE m.group_id = i.group_id
		             AND m.user_id = i.invitee_id
		             AND m.invitation_id = i.id)
		  ORDER BY i.updated_at, i.id
		  LIMIT $3`,
		int16(StatusPending), olderThan, limit,
	)
}

func (s *PostgresStore) WithInvitation(ctx context.Context, id string, fn func(ctx context.Context, inv Invitation, uow UnitOfWork) error) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inv, err := s.getIn(ctx, tx, id, true)
	if err != nil {
		return err
	}

	if err := fn(ctx, inv, &pgUnitOfWork{s: s, tx: tx}); err != nil {
		// The membership insert rolls back with the failed status update, so
		// nothing was left half done.
		var pa *PartialAcceptError
		if errors.As(err, &pa) {
			return OpError{Op: "invitation.Respond", Kind: ErrPersistence, Msg: "accept rolled back", Err: pa.Err}
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) getIn(ctx context.Context, q group.Querier, id string, forUpdate bool) (Invitation, error) {
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Invitation{}, ErrInvalidInput
	}
	invitations := pgIdent(s.schema, "invitations")

	sql := `SELECT ` + invitationColumns + ` FROM ` + invitations + ` WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	inv, err := scanInvitation(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invitation{}, ErrNotFound
		}
		return Invitation{}, err
	}
	return inv, nil
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]Invitation, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Invitation, 0)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvitation(row pgx.Row) (Invitation, error) {
	var (
		inv    Invitation
		status int16
	)
	if err := row.Scan(
		&inv.ID,
		&inv.GroupID,
		&inv.InviteeID,
		&inv.InviteeEmail,
		&inv.Roles,
		&status,
		&inv.OwnerID,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	); err != nil {
		return Invitation{}, err
	}
	inv.Status = Status(status)
	if inv.Roles == nil {
		inv.Roles = []string{}
	}
	return inv, nil
}

type pgUnitOfWork struct {
	s  *PostgresStore
	tx pgx.Tx
}

func (u *pgUnitOfWork) FindMembership(ctx context.Context, groupID, userID string) (group.Membership, bool, error) {
	return u.s.members.FindMembershipIn(ctx, u.tx, groupID, userID)
}

// CreateMembership runs in a savepoint so a unique violation does not abort
// the surrounding transaction.
func (u *pgUnitOfWork) CreateMembership(ctx context.Context, m group.Membership) error {
	sp, err := u.tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := u.s.members.CreateMembershipIn(ctx, sp, m); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func (u *pgUnitOfWork) SetStatus(ctx context.Context, id string, st Status, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	invitations := pgIdent(u.s.schema, "invitations")

	tag, err := u.tx.Exec(ctx,
		`UPDATE `+invitations+`
		    SET status = $1, updated_at = $2
		  WHERE id = $3 AND status = $4`,
		int16(st), now, id, int16(StatusPending),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
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
