package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/NCGHoldings/StoresONE-sub005/internal/database"
	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// EffectRepository is the outbox for side effects committed with terminal
// transitions.
type EffectRepository struct {
	db *database.DB
}

// NewEffectRepository creates a new EffectRepository.
func NewEffectRepository(db *database.DB) *EffectRepository {
	return &EffectRepository{db: db}
}

func (r *EffectRepository) insertEffects(ctx context.Context, tx pgx.Tx, effects []*PendingEffect) error {
	query := `
		INSERT INTO approval_pending_effects
		    (id, request_id, kind, payload, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	for _, e := range effects {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal effect payload")
		}
		if _, err := tx.Exec(ctx, query,
			e.ID,
			e.RequestID,
			e.Kind,
			payload,
			e.Status,
			e.Attempts,
			e.NextAttemptAt,
			e.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// ListDueEffects returns pending effects whose next attempt is due.
func (r *EffectRepository) ListDueEffects(ctx context.Context, now time.Time, limit int) ([]*PendingEffect, error) {
	return r.list(ctx, selectEffect+`
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, now, limit)
}

// ListFailedEffects returns effects that exhausted their attempts.
func (r *EffectRepository) ListFailedEffects(ctx context.Context, limit int) ([]*PendingEffect, error) {
	return r.list(ctx, selectEffect+`
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
}

func (r *EffectRepository) MarkEffectDone(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_pending_effects
		SET status = 'done', attempts = attempts + 1, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark effect done")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("pending_effect", id)
	}
	return nil
}

func (r *EffectRepository) MarkEffectAttempt(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	var nextAt *time.Time
	if !next.IsZero() {
		nextAt = &next
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_pending_effects
		SET attempts        = $2,
		    last_error      = $3,
		    status          = CASE WHEN $4::timestamptz IS NULL THEN 'failed' ELSE 'pending' END,
		    next_attempt_at = COALESCE($4::timestamptz, next_attempt_at),
		    updated_at      = NOW()
		WHERE id = $1
	`, id, attempts, lastErr, nextAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record effect attempt")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("pending_effect", id)
	}
	return nil
}

const selectEffect = `
	SELECT id, request_id, kind, payload, status, attempts, last_error,
	       next_attempt_at, created_at, updated_at
	FROM approval_pending_effects`

func (r *EffectRepository) list(ctx context.Context, query string, args ...any) ([]*PendingEffect, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending effects")
	}
	effects, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*PendingEffect, error) {
		e := &PendingEffect{}
		var payload []byte
		if err := row.Scan(
			&e.ID,
			&e.RequestID,
			&e.Kind,
			&payload,
			&e.Status,
			&e.Attempts,
			&e.LastError,
			&e.NextAttemptAt,
			&e.CreatedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, err
		}
		return e, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending effects")
	}
	return effects, nil
}

var _ EffectStore = (*EffectRepository)(nil)
