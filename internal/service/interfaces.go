package service

import (
	"context"
	"time"

	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// StatusSyncer writes an approval outcome back to the owning document.
type StatusSyncer interface {
	SyncStatus(ctx context.Context, update repository.StatusUpdate) error
}

// NotifyIntent asks the delivery collaborator to tell recipients about an
// approval event.
type NotifyIntent struct {
	EventType    string   `json:"event_type"`
	RequestID    string   `json:"request_id"`
	EntityType   string   `json:"entity_type"`
	EntityID     string   `json:"entity_id"`
	EntityNumber string   `json:"entity_number,omitempty"`
	StepID       string   `json:"step_id,omitempty"`
	StepName     string   `json:"step_name,omitempty"`
	ActorID      string   `json:"actor_id"`
	Recipients   []string `json:"recipients"`
}

const (
	NotifyApprovalRequired = "approval_required"
	NotifyEscalated        = "approval_escalated"
	NotifyReminder         = "approval_reminder"
	NotifyDelegated        = "approval_delegated"
	NotifyApproverMissing  = "approver_unresolved"
	NotifyRequestApproved  = "request_approved"
	NotifyRequestRejected  = "request_rejected"
	NotifyRequestCancelled = "request_cancelled"
)

// Notifier dispatches notify intents. Delivery failures are the notifier's
// concern; Notify never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, intent NotifyIntent)
}

// NopNotifier discards every intent.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, NotifyIntent) {}

// SweepLease elects one replica per sweep tick.
type SweepLease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// LocalLease always grants the lease. Use it when a single instance runs.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }
