package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/NCGHoldings/StoresONE-sub005/internal/database"
	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// WorkflowRepository persists workflow definitions in Postgres. A workflow
// and its step graph are always written together in one transaction.
type WorkflowRepository struct {
	db    *database.DB
	steps *ApprovalStepsRepository
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db, steps: NewApprovalStepsRepository(db)}
}

// CreateWorkflow inserts the workflow with the next version for its entity
// type. Versions are serialised per entity type with an advisory lock.
func (r *WorkflowRepository) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, wf.EntityType); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow versioning")
		}

		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1
			FROM approval_workflows
			WHERE entity_type = $1
		`, wf.EntityType).Scan(&wf.Version); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to compute workflow version")
		}

		if wf.IsActive {
			if err := deactivateEntityType(ctx, tx, wf.EntityType); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO approval_workflows
			    (entity_type, name, description, is_active, version, created_by)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`
		err := tx.QueryRow(ctx, query,
			wf.EntityType,
			wf.Name,
			wf.Description,
			wf.IsActive,
			wf.Version,
			wf.CreatedBy,
		).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow")
		}

		return r.steps.insertSteps(ctx, tx, wf)
	})
	if database.IsUniqueViolation(err, "uniq_active_workflow_per_entity_type") {
		return errors.Wrap(err, errors.ErrCodeConflict, "another workflow was activated concurrently")
	}
	if database.IsUniqueViolation(err, "uniq_step_order") {
		return errors.Wrap(err, errors.ErrCodeConfiguration, "step order collision")
	}
	return err
}

// GetWorkflow returns a workflow with its full step graph.
func (r *WorkflowRepository) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, selectWorkflow+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow")
	}
	if err := r.steps.loadSteps(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// GetActiveWorkflow returns the active workflow for an entity type, or nil.
func (r *WorkflowRepository) GetActiveWorkflow(ctx context.Context, entityType string) (*Workflow, error) {
	wf, err := r.scanWorkflow(r.db.QueryRow(ctx,
		selectWorkflow+` WHERE entity_type = $1 AND is_active`, entityType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get active workflow")
	}
	if err := r.steps.loadSteps(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns every version, newest first. An empty entityType
// lists all types.
func (r *WorkflowRepository) ListWorkflows(ctx context.Context, entityType string) ([]*Workflow, error) {
	query := selectWorkflow + `
		WHERE ($1 = '' OR entity_type = $1)
		ORDER BY entity_type ASC, version DESC
	`
	rows, err := r.db.Query(ctx, query, entityType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}

	for _, wf := range out {
		if err := r.steps.loadSteps(ctx, wf); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ActivateWorkflow deactivates every other workflow of the same entity type
// and activates id, atomically.
func (r *WorkflowRepository) ActivateWorkflow(ctx context.Context, id string) (*Workflow, error) {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var entityType string
		err := tx.QueryRow(ctx,
			`SELECT entity_type FROM approval_workflows WHERE id = $1 FOR UPDATE`, id,
		).Scan(&entityType)
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow")
		}

		if err := deactivateEntityType(ctx, tx, entityType); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE approval_workflows
			SET is_active = TRUE, updated_at = NOW()
			WHERE id = $1
		`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to activate workflow")
		}
		return nil
	})
	if database.IsUniqueViolation(err, "uniq_active_workflow_per_entity_type") {
		return nil, errors.Wrap(err, errors.ErrCodeConflict, "another workflow was activated concurrently")
	}
	if err != nil {
		return nil, err
	}
	return r.GetWorkflow(ctx, id)
}

// DeactivateWorkflow clears the active flag.
func (r *WorkflowRepository) DeactivateWorkflow(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_workflows
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate workflow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow", id)
	}
	return nil
}

func deactivateEntityType(ctx context.Context, tx pgx.Tx, entityType string) error {
	_, err := tx.Exec(ctx, `
		UPDATE approval_workflows
		SET is_active = FALSE, updated_at = NOW()
		WHERE entity_type = $1 AND is_active
	`, entityType)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal,
			fmt.Sprintf("failed to deactivate workflows for %s", entityType))
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

const selectWorkflow = `
	SELECT id, entity_type, name, description, is_active, version,
	       created_by, created_at, updated_at
	FROM approval_workflows`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	err := row.Scan(
		&wf.ID,
		&wf.EntityType,
		&wf.Name,
		&wf.Description,
		&wf.IsActive,
		&wf.Version,
		&wf.CreatedBy,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

var _ WorkflowStore = (*WorkflowRepository)(nil)
