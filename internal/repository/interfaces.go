package repository

import (
	"context"
	"time"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

var (
	// ErrConcurrencyConflict is returned when a save's expected version no
	// longer matches the stored request.
	ErrConcurrencyConflict = errors.New(errors.ErrCodeConcurrency, "approval request was modified concurrently; re-fetch and retry")

	// ErrAlreadyPending is returned when a document already has a pending request.
	ErrAlreadyPending = errors.New(errors.ErrCodeConcurrency, "document already has a pending approval request")
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// CreateWorkflow inserts wf with the next version for its entity type.
	// When wf.IsActive, prior active workflows of the type are deactivated
	// in the same transaction.
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// GetActiveWorkflow returns nil, nil when no workflow is active.
	GetActiveWorkflow(ctx context.Context, entityType string) (*Workflow, error)
	ListWorkflows(ctx context.Context, entityType string) ([]*Workflow, error)
	ActivateWorkflow(ctx context.Context, id string) (*Workflow, error)
	DeactivateWorkflow(ctx context.Context, id string) error
}

// RequestStore persists approval requests and their append-only history.
type RequestStore interface {
	// CreateRequest applies change for a new request. Returns
	// ErrAlreadyPending when the document already has a pending request.
	CreateRequest(ctx context.Context, change *RequestChange) error
	// SaveRequest applies change if the stored version equals
	// change.ExpectedVersion, otherwise returns ErrConcurrencyConflict.
	SaveRequest(ctx context.Context, change *RequestChange) error
	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	// GetPendingByEntity returns nil, nil when the document has no pending request.
	GetPendingByEntity(ctx context.Context, entityType, entityID string) (*ApprovalRequest, error)
	ListPendingForUser(ctx context.Context, userID string, limit int) ([]*ApprovalRequest, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error)
	ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error)
	ListAuditEvents(ctx context.Context, requestID string) ([]*AuditEvent, error)
}

// EffectStore tracks outbox side effects.
type EffectStore interface {
	ListDueEffects(ctx context.Context, now time.Time, limit int) ([]*PendingEffect, error)
	ListFailedEffects(ctx context.Context, limit int) ([]*PendingEffect, error)
	MarkEffectDone(ctx context.Context, id string) error
	// MarkEffectAttempt records a failed attempt. A zero next marks the
	// effect failed for good.
	MarkEffectAttempt(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error
}

// RoleStore answers role membership queries and records grants.
type RoleStore interface {
	UsersWithRole(ctx context.Context, role string) ([]string, error)
	RolesForUser(ctx context.Context, userID string) ([]string, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	// RelatedUsers returns identities linked to userID by relationship,
	// e.g. the user's manager.
	RelatedUsers(ctx context.Context, userID, relationship string) ([]string, error)
	GrantRole(ctx context.Context, grant *RoleGrant) error
	// GrantRoleGuarded grants once guard accepts the roles the user holds at
	// that moment. Guarded grants to one user are serialised, so guard
	// always sees the outcome of the previous one.
	GrantRoleGuarded(ctx context.Context, grant *RoleGrant, guard func(held []string) error) error
	RevokeRole(ctx context.Context, userID, role string) error
}

// SoDRuleStore persists conflict rules.
type SoDRuleStore interface {
	ListActiveRules(ctx context.Context) ([]*SoDRule, error)
	CreateRule(ctx context.Context, rule *SoDRule) error
	DeleteRule(ctx context.Context, id string) error
}
