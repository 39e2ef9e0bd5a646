package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/NCGHoldings/StoresONE-sub005/internal/database"
	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// RoleRepository reads role membership and user relationships. Role names
// are stored lower-cased.
type RoleRepository struct {
	db *database.DB
}

// NewRoleRepository creates a new RoleRepository.
func NewRoleRepository(db *database.DB) *RoleRepository {
	return &RoleRepository{db: db}
}

func (r *RoleRepository) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	return r.strings(ctx, `
		SELECT user_id FROM user_roles
		WHERE role = $1
		ORDER BY user_id
	`, normalizeRole(role))
}

func (r *RoleRepository) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	return r.strings(ctx, `
		SELECT role FROM user_roles
		WHERE user_id = $1
		ORDER BY role
	`, userID)
}

func (r *RoleRepository) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)
	`, userID, normalizeRole(role)).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check role")
	}
	return ok, nil
}

func (r *RoleRepository) RelatedUsers(ctx context.Context, userID, relationship string) ([]string, error) {
	return r.strings(ctx, `
		SELECT related_user_id FROM user_relationships
		WHERE user_id = $1 AND relationship = $2
		ORDER BY related_user_id
	`, userID, strings.ToLower(relationship))
}

// GrantRole inserts the grant; granting a held role is a no-op.
func (r *RoleRepository) GrantRole(ctx context.Context, grant *RoleGrant) error {
	return insertGrant(ctx, r.db, grant)
}

// GrantRoleGuarded locks the user's holdings for the transaction, hands them
// to guard and inserts the grant only if guard returns nil.
func (r *RoleRepository) GrantRoleGuarded(ctx context.Context, grant *RoleGrant, guard func(held []string) error) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('user_roles:' || $1))`, grant.UserID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock user roles")
		}
		rows, err := tx.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, grant.UserID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to query roles")
		}
		held, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan roles")
		}
		if err := guard(held); err != nil {
			return err
		}
		return insertGrant(ctx, tx, grant)
	})
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertGrant(ctx context.Context, q rowQuerier, grant *RoleGrant) error {
	err := q.QueryRow(ctx, `
		INSERT INTO user_roles (user_id, role, granted_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, role) DO UPDATE SET granted_by = user_roles.granted_by
		RETURNING granted_at
	`, grant.UserID, normalizeRole(grant.Role), grant.GrantedBy).Scan(&grant.GrantedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to grant role")
	}
	return nil
}

func (r *RoleRepository) RevokeRole(ctx context.Context, userID, role string) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM user_roles WHERE user_id = $1 AND role = $2
	`, userID, normalizeRole(role))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to revoke role")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("role_grant", userID+"/"+role)
	}
	return nil
}

func (r *RoleRepository) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query roles")
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan roles")
	}
	return out, nil
}

var _ RoleStore = (*RoleRepository)(nil)
