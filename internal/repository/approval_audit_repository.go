package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/NCGHoldings/StoresONE-sub005/internal/database"
	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// ApprovalAuditRepository appends and reads the immutable history of a
// request: approval actions and audit events. Both tables carry an
// append-only trigger, so inserts are the only writes.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

func (r *ApprovalAuditRepository) insertActions(ctx context.Context, tx pgx.Tx, actions []*ApprovalAction) error {
	query := `
		INSERT INTO approval_actions
		    (id, request_id, step_id, step_order, action,
		     actor_id, delegated_to, comment, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
	`
	for _, a := range actions {
		if _, err := tx.Exec(ctx, query,
			a.ID,
			a.RequestID,
			a.StepID,
			a.StepOrder,
			a.Action,
			a.ActorID,
			a.DelegatedTo,
			a.Comment,
			a.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

func (r *ApprovalAuditRepository) insertEvents(ctx context.Context, tx pgx.Tx, events []*AuditEvent) error {
	query := `
		INSERT INTO approval_audit_events
		    (id, request_id, entity_type, entity_id, event_type, actor_id,
		     status_before, status_after, step_id, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11)
	`
	for _, e := range events {
		metadata := e.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadataJSON, err := json.Marshal(metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
		if _, err := tx.Exec(ctx, query,
			e.ID,
			e.RequestID,
			e.EntityType,
			e.EntityID,
			e.EventType,
			e.ActorID,
			e.StatusBefore,
			e.StatusAfter,
			e.StepID,
			metadataJSON,
			e.OccurredAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// ListActions returns a request's actions oldest-first.
func (r *ApprovalAuditRepository) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, request_id, step_id, step_order, action,
		       actor_id, delegated_to, comment, created_at
		FROM approval_actions
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC
	`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval actions")
	}
	actions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ApprovalAction, error) {
		a := &ApprovalAction{}
		err := row.Scan(
			&a.ID,
			&a.RequestID,
			&a.StepID,
			&a.StepOrder,
			&a.Action,
			&a.ActorID,
			&a.DelegatedTo,
			&a.Comment,
			&a.CreatedAt,
		)
		return a, err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval actions")
	}
	return actions, nil
}

// ListEvents returns a request's audit trail oldest-first.
func (r *ApprovalAuditRepository) ListEvents(ctx context.Context, requestID string) ([]*AuditEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, request_id, entity_type, entity_id, event_type, actor_id,
		       status_before, status_after, step_id, metadata, occurred_at
		FROM approval_audit_events
		WHERE request_id = $1
		ORDER BY occurred_at ASC, id ASC
	`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit events")
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*AuditEvent, error) {
		e := &AuditEvent{}
		var metadata []byte
		if err := row.Scan(
			&e.ID,
			&e.RequestID,
			&e.EntityType,
			&e.EntityID,
			&e.EventType,
			&e.ActorID,
			&e.StatusBefore,
			&e.StatusAfter,
			&e.StepID,
			&metadata,
			&e.OccurredAt,
		); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, err
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit events")
	}
	return events, nil
}
