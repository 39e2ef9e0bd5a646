package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/NCGHoldings/StoresONE-sub005/internal/database"
	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// DocumentTarget says where an entity type keeps its lifecycle status and
// which values mean approved and rejected.
type DocumentTarget struct {
	Table          string
	StatusColumn   string
	ApprovedStatus string
	RejectedStatus string
}

func (t DocumentTarget) statusFor(outcome string) (string, error) {
	switch outcome {
	case StatusApproved:
		if t.ApprovedStatus != "" {
			return t.ApprovedStatus, nil
		}
	case StatusRejected:
		if t.RejectedStatus != "" {
			return t.RejectedStatus, nil
		}
	default:
		return "", errors.InvalidInput("status", "only approved and rejected are synced")
	}
	return outcome, nil
}

// DocumentStatusRepository writes approval outcomes back to the owning
// document tables.
type DocumentStatusRepository struct {
	db      *database.DB
	targets map[string]DocumentTarget
}

// NewDocumentStatusRepository creates a syncer for the configured entity types.
func NewDocumentStatusRepository(db *database.DB, targets map[string]DocumentTarget) *DocumentStatusRepository {
	return &DocumentStatusRepository{db: db, targets: targets}
}

// SyncStatus updates the document row. An unconfigured entity type or a
// missing document is an error so the outbox keeps retrying and alerting.
func (r *DocumentStatusRepository) SyncStatus(ctx context.Context, update StatusUpdate) error {
	target, ok := r.targets[update.EntityType]
	if !ok {
		return errors.New(errors.ErrCodeConfiguration,
			fmt.Sprintf("no status target configured for %s", update.EntityType))
	}
	status, err := target.statusFor(update.Status)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE id::text = $2`,
		qualifiedIdentifier(target.Table).Sanitize(),
		pgx.Identifier{target.StatusColumn}.Sanitize(),
	)
	tag, err := r.db.Exec(ctx, query, status, update.EntityID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSideEffect, "failed to update document status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(update.EntityType, update.EntityID)
	}
	return nil
}

func qualifiedIdentifier(name string) pgx.Identifier {
	return pgx.Identifier(strings.Split(name, "."))
}

// MemoryDocumentStatus records synced statuses in process. It backs the
// memory storage driver.
type MemoryDocumentStatus struct {
	mu       sync.Mutex
	targets  map[string]DocumentTarget
	statuses map[string]string
}

func NewMemoryDocumentStatus(targets map[string]DocumentTarget) *MemoryDocumentStatus {
	return &MemoryDocumentStatus{targets: targets, statuses: make(map[string]string)}
}

func (m *MemoryDocumentStatus) SyncStatus(ctx context.Context, update StatusUpdate) error {
	status := update.Status
	if target, ok := m.targets[update.EntityType]; ok {
		var err error
		if status, err = target.statusFor(update.Status); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[docKey(update.EntityType, update.EntityID)] = status
	return nil
}

// Status returns the last synced status for a document.
func (m *MemoryDocumentStatus) Status(entityType, entityID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[docKey(entityType, entityID)]
	return s, ok
}
