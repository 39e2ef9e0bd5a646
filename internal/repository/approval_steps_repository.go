package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/NCGHoldings/StoresONE-sub005/internal/database"
	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// ApprovalStepsRepository reads and writes the step graph of a workflow:
// steps, their conditions and approver specs. Writes only happen inside the
// WorkflowRepository transaction.
type ApprovalStepsRepository struct {
	db *database.DB
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db *database.DB) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

func (r *ApprovalStepsRepository) insertSteps(ctx context.Context, tx pgx.Tx, wf *Workflow) error {
	stepQuery := `
		INSERT INTO approval_workflow_steps
		    (workflow_id, step_order, name, approval_type, required_percentage,
		     can_skip, timeout_hours, escalation_action, escalation_role)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
		RETURNING id
	`
	condQuery := `
		INSERT INTO approval_step_conditions
		    (step_id, field_path, operator, value, action, target_role, condition_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	approverQuery := `
		INSERT INTO approval_step_approvers (step_id, approver_type, approver_value)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	for i := range wf.Steps {
		step := &wf.Steps[i]
		step.WorkflowID = wf.ID

		err := tx.QueryRow(ctx, stepQuery,
			step.WorkflowID,
			step.StepOrder,
			step.Name,
			step.ApprovalType,
			step.RequiredPercentage,
			step.CanSkip,
			step.TimeoutHours,
			step.EscalationAction,
			step.EscalationRole,
		).Scan(&step.ID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
		}

		for j := range step.Conditions {
			cond := &step.Conditions[j]
			cond.StepID = step.ID
			value, err := json.Marshal(cond.Value)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInvalidInput, "condition value is not valid JSON")
			}
			err = tx.QueryRow(ctx, condQuery,
				cond.StepID,
				cond.FieldPath,
				cond.Operator,
				value,
				cond.Action,
				cond.TargetRole,
				cond.ConditionOrder,
			).Scan(&cond.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create step condition")
			}
		}

		for j := range step.Approvers {
			spec := &step.Approvers[j]
			spec.StepID = step.ID
			err := tx.QueryRow(ctx, approverQuery,
				spec.StepID,
				spec.ApproverType,
				spec.ApproverValue,
			).Scan(&spec.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create step approver")
			}
		}
	}
	return nil
}

// loadSteps fills wf.Steps, ordered by step_order with conditions ordered by
// condition_order.
func (r *ApprovalStepsRepository) loadSteps(ctx context.Context, wf *Workflow) error {
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_id, step_order, name, approval_type, required_percentage,
		       can_skip, timeout_hours, escalation_action, escalation_role
		FROM approval_workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order ASC
	`, wf.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow steps")
	}
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Step, error) {
		var s Step
		err := row.Scan(
			&s.ID,
			&s.WorkflowID,
			&s.StepOrder,
			&s.Name,
			&s.ApprovalType,
			&s.RequiredPercentage,
			&s.CanSkip,
			&s.TimeoutHours,
			&s.EscalationAction,
			&s.EscalationRole,
		)
		return s, err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow steps")
	}

	index := make(map[string]int, len(steps))
	for i := range steps {
		index[steps[i].ID] = i
		steps[i].Conditions = []Condition{}
		steps[i].Approvers = []ApproverSpec{}
	}

	condRows, err := r.db.Query(ctx, `
		SELECT c.id, c.step_id, c.field_path, c.operator, c.value,
		       c.action, c.target_role, c.condition_order
		FROM approval_step_conditions c
		JOIN approval_workflow_steps s ON s.id = c.step_id
		WHERE s.workflow_id = $1
		ORDER BY c.condition_order ASC
	`, wf.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get step conditions")
	}
	conds, err := pgx.CollectRows(condRows, func(row pgx.CollectableRow) (Condition, error) {
		var c Condition
		var raw []byte
		if err := row.Scan(
			&c.ID,
			&c.StepID,
			&c.FieldPath,
			&c.Operator,
			&raw,
			&c.Action,
			&c.TargetRole,
			&c.ConditionOrder,
		); err != nil {
			return c, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &c.Value); err != nil {
				return c, err
			}
		}
		return c, nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step conditions")
	}
	for _, c := range conds {
		if i, ok := index[c.StepID]; ok {
			steps[i].Conditions = append(steps[i].Conditions, c)
		}
	}

	approverRows, err := r.db.Query(ctx, `
		SELECT a.id, a.step_id, a.approver_type, a.approver_value
		FROM approval_step_approvers a
		JOIN approval_workflow_steps s ON s.id = a.step_id
		WHERE s.workflow_id = $1
	`, wf.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get step approvers")
	}
	specs, err := pgx.CollectRows(approverRows, func(row pgx.CollectableRow) (ApproverSpec, error) {
		var a ApproverSpec
		err := row.Scan(&a.ID, &a.StepID, &a.ApproverType, &a.ApproverValue)
		return a, err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step approvers")
	}
	for _, a := range specs {
		if i, ok := index[a.StepID]; ok {
			steps[i].Approvers = append(steps[i].Approvers, a)
		}
	}

	wf.Steps = steps
	return nil
}
