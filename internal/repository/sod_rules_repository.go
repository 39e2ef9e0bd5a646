package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/NCGHoldings/StoresONE-sub005/internal/database"
	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// SoDRuleRepository handles CRUD for sod_conflict_rules.
type SoDRuleRepository struct {
	db *database.DB
}

// NewSoDRuleRepository creates a new SoDRuleRepository.
func NewSoDRuleRepository(db *database.DB) *SoDRuleRepository {
	return &SoDRuleRepository{db: db}
}

// CreateRule inserts a rule. A second rule for the same unordered role pair
// is a conflict.
func (r *SoDRuleRepository) CreateRule(ctx context.Context, rule *SoDRule) error {
	query := `
		INSERT INTO sod_conflict_rules
		    (role_a, role_b, conflict_label, description,
		     risk_level, is_blocking, is_active)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		rule.RoleA,
		rule.RoleB,
		rule.ConflictLabel,
		rule.Description,
		rule.RiskLevel,
		rule.IsBlocking,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt)
	if database.IsUniqueViolation(err, "uniq_sod_rule_pair") {
		return errors.New(errors.ErrCodeConflict, "a rule for this role pair already exists")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create SoD rule")
	}
	return nil
}

// ListActiveRules returns active rules oldest-first.
func (r *SoDRuleRepository) ListActiveRules(ctx context.Context) ([]*SoDRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, role_a, role_b, conflict_label, description,
		       risk_level, is_blocking, is_active, created_at
		FROM sod_conflict_rules
		WHERE is_active
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list SoD rules")
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*SoDRule, error) {
		rule := &SoDRule{}
		err := row.Scan(
			&rule.ID,
			&rule.RoleA,
			&rule.RoleB,
			&rule.ConflictLabel,
			&rule.Description,
			&rule.RiskLevel,
			&rule.IsBlocking,
			&rule.IsActive,
			&rule.CreatedAt,
		)
		return rule, err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan SoD rules")
	}
	return rules, nil
}

// DeleteRule removes a rule.
func (r *SoDRuleRepository) DeleteRule(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM sod_conflict_rules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete SoD rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("sod_rule", id)
	}
	return nil
}

var _ SoDRuleStore = (*SoDRuleRepository)(nil)
