package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/NCGHoldings/StoresONE-sub005/internal/database"
	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// RequestRepository persists approval requests. Every write applies a
// RequestChange in one transaction: the request row, its new actions, audit
// events and pending effects.
type RequestRepository struct {
	db      *database.DB
	audit   *ApprovalAuditRepository
	effects *EffectRepository
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{
		db:      db,
		audit:   NewApprovalAuditRepository(db),
		effects: NewEffectRepository(db),
	}
}

// CreateRequest inserts a new request. The partial unique index on
// (entity_type, entity_id) WHERE status = 'pending' makes this the atomic
// check-and-insert for the one-pending-request rule.
func (r *RequestRepository) CreateRequest(ctx context.Context, change *RequestChange) error {
	req := change.Request
	document, snapshot, state, err := marshalRequest(req)
	if err != nil {
		return err
	}

	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_requests
			    (id, workflow_id, workflow_version, entity_type, entity_id, entity_number,
			     status, current_step_id, current_step_order,
			     submitted_by, submitted_at, completed_at,
			     document, workflow_snapshot, step_state, step_due_at, version)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9,
			        $10, $11, $12,
			        $13, $14, $15, $16, 1)
			RETURNING version, created_at, updated_at
		`
		err := tx.QueryRow(ctx, query,
			req.ID,
			req.WorkflowID,
			req.WorkflowVersion,
			req.EntityType,
			req.EntityID,
			req.EntityNumber,
			req.Status,
			req.CurrentStepID,
			req.CurrentStepOrder,
			req.SubmittedBy,
			req.SubmittedAt,
			req.CompletedAt,
			document,
			snapshot,
			state,
			req.StepDueAt,
		).Scan(&req.Version, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return err
		}
		return r.appendHistory(ctx, tx, change)
	})
	if database.IsUniqueViolation(err, "uniq_pending_request_per_document") {
		return ErrAlreadyPending
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// SaveRequest updates the request if its stored version still equals
// change.ExpectedVersion, bumping the version by one.
func (r *RequestRepository) SaveRequest(ctx context.Context, change *RequestChange) error {
	req := change.Request
	_, _, state, err := marshalRequest(req)
	if err != nil {
		return err
	}

	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET status             = $3,
			    current_step_id    = $4,
			    current_step_order = $5,
			    completed_at       = $6,
			    step_state         = $7,
			    step_due_at        = $8,
			    version            = version + 1,
			    updated_at         = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at
		`
		err := tx.QueryRow(ctx, query,
			req.ID,
			change.ExpectedVersion,
			req.Status,
			req.CurrentStepID,
			req.CurrentStepOrder,
			req.CompletedAt,
			state,
			req.StepDueAt,
		).Scan(&req.Version, &req.UpdatedAt)
		if err == pgx.ErrNoRows {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, req.ID,
			).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return errors.NotFound("approval_request", req.ID)
			}
			return ErrConcurrencyConflict
		}
		if err != nil {
			return err
		}
		return r.appendHistory(ctx, tx, change)
	})
	if err != nil {
		var appErr *errors.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save approval request")
	}
	return nil
}

func (r *RequestRepository) appendHistory(ctx context.Context, tx pgx.Tx, change *RequestChange) error {
	if err := r.audit.insertActions(ctx, tx, change.Actions); err != nil {
		return err
	}
	if err := r.audit.insertEvents(ctx, tx, change.Events); err != nil {
		return err
	}
	return r.effects.insertEffects(ctx, tx, change.Effects)
}

// GetRequest returns a request by id.
func (r *RequestRepository) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := r.scanRequest(r.db.QueryRow(ctx, selectRequest+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// GetPendingByEntity returns the pending request for a document, or nil.
func (r *RequestRepository) GetPendingByEntity(ctx context.Context, entityType, entityID string) (*ApprovalRequest, error) {
	req, err := r.scanRequest(r.db.QueryRow(ctx,
		selectRequest+` WHERE entity_type = $1 AND entity_id = $2 AND status = 'pending'`,
		entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approval request")
	}
	return req, nil
}

// ListPendingForUser returns pending requests whose current step the user
// can still approve.
func (r *RequestRepository) ListPendingForUser(ctx context.Context, userID string, limit int) ([]*ApprovalRequest, error) {
	return r.list(ctx, selectRequest+`
		WHERE status = 'pending'
		  AND step_state -> 'eligible' ? $1
		ORDER BY submitted_at ASC
		LIMIT $2
	`, userID, limit)
}

// ListOverdue returns pending requests whose step deadline is at or before now.
func (r *RequestRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	return r.list(ctx, selectRequest+`
		WHERE status = 'pending'
		  AND step_due_at IS NOT NULL
		  AND step_due_at <= $1
		ORDER BY step_due_at ASC
		LIMIT $2
	`, now, limit)
}

func (r *RequestRepository) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	return r.audit.ListActions(ctx, requestID)
}

func (r *RequestRepository) ListAuditEvents(ctx context.Context, requestID string) ([]*AuditEvent, error) {
	return r.audit.ListEvents(ctx, requestID)
}

func (r *RequestRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	return out, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectRequest = `
	SELECT id, workflow_id, workflow_version, entity_type, entity_id, entity_number,
	       status, current_step_id, current_step_order,
	       submitted_by, submitted_at, completed_at,
	       document, workflow_snapshot, step_state, step_due_at,
	       version, created_at, updated_at
	FROM approval_requests`

func (r *RequestRepository) scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var document, snapshot, state []byte
	err := row.Scan(
		&req.ID,
		&req.WorkflowID,
		&req.WorkflowVersion,
		&req.EntityType,
		&req.EntityID,
		&req.EntityNumber,
		&req.Status,
		&req.CurrentStepID,
		&req.CurrentStepOrder,
		&req.SubmittedBy,
		&req.SubmittedAt,
		&req.CompletedAt,
		&document,
		&snapshot,
		&state,
		&req.StepDueAt,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(document, &req.Document); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &req.Workflow); err != nil {
		return nil, err
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &req.StepState); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func marshalRequest(req *ApprovalRequest) (document, snapshot, state []byte, err error) {
	doc := req.Document
	if doc == nil {
		doc = map[string]any{}
	}
	if document, err = json.Marshal(doc); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "document payload is not valid JSON")
	}
	if snapshot, err = json.Marshal(req.Workflow); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow snapshot")
	}
	if req.StepState != nil {
		if state, err = json.Marshal(req.StepState); err != nil {
			return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal step state")
		}
	}
	return document, snapshot, state, nil
}

var _ RequestStore = (*RequestRepository)(nil)
