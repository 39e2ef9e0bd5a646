package repository

import (
	"sort"
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

const (
	ApprovalTypeAny        = "any"
	ApprovalTypeAll        = "all"
	ApprovalTypePercentage = "percentage"
)

const (
	EscalationAutoApprove    = "auto_approve"
	EscalationAutoReject     = "auto_reject"
	EscalationEscalateToRole = "escalate_to_role"
	EscalationNotifyOnly     = "notify_only"
)

const (
	OperatorEq  = "eq"
	OperatorNeq = "neq"
	OperatorLt  = "lt"
	OperatorLte = "lte"
	OperatorGt  = "gt"
	OperatorGte = "gte"
	OperatorIn  = "in"
)

const (
	ConditionRequire     = "require"
	ConditionApprove     = "approve"
	ConditionSkip        = "skip"
	ConditionRouteToRole = "route_to_role"
)

const (
	ApproverTypeRole    = "role"
	ApproverTypeUser    = "user"
	ApproverTypeDynamic = "dynamic"
)

const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionDelegate = "delegate"
	ActionComment  = "comment"
)

const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

const (
	EffectKindStatusSync = "status_sync"

	EffectPending = "pending"
	EffectDone    = "done"
	EffectFailed  = "failed"
)

// ── Workflow configuration ───────────────────────────────────────────────────

// Workflow is a versioned approval policy for one entity type.
type Workflow struct {
	ID          string    `json:"id"`
	EntityType  string    `json:"entity_type"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	Version     int       `json:"version"`
	Steps       []Step    `json:"steps"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step is one ordered stage of a workflow.
type Step struct {
	ID                 string         `json:"id"`
	WorkflowID         string         `json:"workflow_id"`
	StepOrder          int            `json:"step_order"`
	Name               string         `json:"name"`
	ApprovalType       string         `json:"approval_type"`
	RequiredPercentage *int           `json:"required_percentage,omitempty"`
	CanSkip            bool           `json:"can_skip"`
	TimeoutHours       *int           `json:"timeout_hours,omitempty"`
	EscalationAction   string         `json:"escalation_action"`
	EscalationRole     *string        `json:"escalation_role,omitempty"`
	Conditions         []Condition    `json:"conditions"`
	Approvers          []ApproverSpec `json:"approvers"`
}

// Timeout returns the step's timeout, or zero when it has none.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutHours == nil || *s.TimeoutHours <= 0 {
		return 0
	}
	return time.Duration(*s.TimeoutHours) * time.Hour
}

// Condition is a predicate over the document payload attached to a step.
type Condition struct {
	ID             string  `json:"id"`
	StepID         string  `json:"step_id"`
	FieldPath      string  `json:"field_path"`
	Operator       string  `json:"operator"`
	Value          any     `json:"value"`
	Action         string  `json:"action"`
	TargetRole     *string `json:"target_role,omitempty"`
	ConditionOrder int     `json:"condition_order"`
}

// ApproverSpec is an abstract approver reference resolved at step entry.
type ApproverSpec struct {
	ID            string `json:"id"`
	StepID        string `json:"step_id"`
	ApproverType  string `json:"approver_type"`
	ApproverValue string `json:"approver_value"`
}

// SortSteps orders steps by step_order and each step's conditions by
// condition_order.
func (w *Workflow) SortSteps() {
	sort.SliceStable(w.Steps, func(i, j int) bool {
		return w.Steps[i].StepOrder < w.Steps[j].StepOrder
	})
	for i := range w.Steps {
		conds := w.Steps[i].Conditions
		sort.SliceStable(conds, func(a, b int) bool {
			return conds[a].ConditionOrder < conds[b].ConditionOrder
		})
	}
}

// StepIndex returns the index of the step with the given id, or -1.
func (w *Workflow) StepIndex(stepID string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// ── Requests ─────────────────────────────────────────────────────────────────

// ApprovalRequest is one document's passage through a workflow. Workflow
// holds the graph as it was at submission time.
type ApprovalRequest struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	WorkflowVersion  int            `json:"workflow_version"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	EntityNumber     string         `json:"entity_number"`
	Status           string         `json:"status"`
	CurrentStepID    *string        `json:"current_step_id,omitempty"`
	CurrentStepOrder *int           `json:"current_step_order,omitempty"`
	SubmittedBy      string         `json:"submitted_by"`
	SubmittedAt      time.Time      `json:"submitted_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Document         map[string]any `json:"document"`
	Workflow         *Workflow      `json:"workflow"`
	StepState        *StepState     `json:"step_state,omitempty"`
	StepDueAt        *time.Time     `json:"step_due_at,omitempty"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the request has left pending.
func (r *ApprovalRequest) IsTerminal() bool {
	return r.Status != StatusPending
}

// CurrentStep returns the snapshot step the cursor points at.
func (r *ApprovalRequest) CurrentStep() (*Step, int) {
	if r.CurrentStepID == nil || r.Workflow == nil {
		return nil, -1
	}
	idx := r.Workflow.StepIndex(*r.CurrentStepID)
	if idx < 0 {
		return nil, -1
	}
	return &r.Workflow.Steps[idx], idx
}

// StepState is the mutable state of the current step. Approvers is the set
// frozen at resolution time; each entry is a slot that counts once toward
// consensus.
type StepState struct {
	StepID      string            `json:"step_id"`
	EnteredAt   time.Time         `json:"entered_at"`
	DueAt       *time.Time        `json:"due_at,omitempty"`
	Approvers   []string          `json:"approvers"`
	RoutedRole  *string           `json:"routed_role,omitempty"`
	Delegations map[string]string `json:"delegations,omitempty"`
	Approvals   map[string]string `json:"approvals,omitempty"`
	Eligible    []string          `json:"eligible"`
	Escalated   bool              `json:"escalated,omitempty"`
	Reminders   int               `json:"reminders,omitempty"`
	Halted      bool              `json:"halted,omitempty"`
	HaltReason  string            `json:"halt_reason,omitempty"`
}

// Holder returns the identity currently entitled to act for slot.
func (s *StepState) Holder(slot string) string {
	if to, ok := s.Delegations[slot]; ok {
		return to
	}
	return slot
}

// SlotsHeldBy returns the slots actor may act for, approved or not.
func (s *StepState) SlotsHeldBy(actor string) []string {
	var slots []string
	for _, slot := range s.Approvers {
		if s.Holder(slot) == actor {
			slots = append(slots, slot)
		}
	}
	return slots
}

// OpenSlotsHeldBy returns the slots actor may still approve.
func (s *StepState) OpenSlotsHeldBy(actor string) []string {
	var slots []string
	for _, slot := range s.SlotsHeldBy(actor) {
		if _, done := s.Approvals[slot]; !done {
			slots = append(slots, slot)
		}
	}
	return slots
}

// ApprovalCount is the number of slots with a recorded approval.
func (s *StepState) ApprovalCount() int {
	n := 0
	for _, slot := range s.Approvers {
		if _, ok := s.Approvals[slot]; ok {
			n++
		}
	}
	return n
}

// RefreshEligible recomputes the denormalised list of identities that can
// still approve. It backs the pending-approvals inbox query.
func (s *StepState) RefreshEligible() {
	seen := make(map[string]struct{})
	eligible := make([]string, 0, len(s.Approvers))
	for _, slot := range s.Approvers {
		if _, done := s.Approvals[slot]; done {
			continue
		}
		holder := s.Holder(slot)
		if _, ok := seen[holder]; ok {
			continue
		}
		seen[holder] = struct{}{}
		eligible = append(eligible, holder)
	}
	sort.Strings(eligible)
	s.Eligible = eligible
}

// ApprovalAction is one immutable decision against a step.
type ApprovalAction struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	StepID      string    `json:"step_id"`
	StepOrder   int       `json:"step_order"`
	Action      string    `json:"action"`
	ActorID     string    `json:"actor_id"`
	DelegatedTo *string   `json:"delegated_to,omitempty"`
	Comment     *string   `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEvent is one immutable state-transition record.
type AuditEvent struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	StepID       *string        `json:"step_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// StatusUpdate is the payload handed to the document's status owner.
type StatusUpdate struct {
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	Status     string  `json:"status"`
	ActorID    string  `json:"actor_id"`
	Comment    *string `json:"comment,omitempty"`
}

// PendingEffect is an outbox row for a side effect committed alongside a
// terminal transition.
type PendingEffect struct {
	ID            string       `json:"id"`
	RequestID     string       `json:"request_id"`
	Kind          string       `json:"kind"`
	Payload       StatusUpdate `json:"payload"`
	Status        string       `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     *string      `json:"last_error,omitempty"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// RequestChange is everything one engine operation writes. It is applied
// atomically: the request row, appended actions, audit events and effects.
type RequestChange struct {
	Request         *ApprovalRequest
	ExpectedVersion int64
	Actions         []*ApprovalAction
	Events          []*AuditEvent
	Effects         []*PendingEffect
}

// ── Roles and SoD ────────────────────────────────────────────────────────────

// SoDRule pairs two roles that one identity should not hold together.
type SoDRule struct {
	ID            string    `json:"id"`
	RoleA         string    `json:"role_a"`
	RoleB         string    `json:"role_b"`
	ConflictLabel string    `json:"conflict_label"`
	Description   *string   `json:"description,omitempty"`
	RiskLevel     string    `json:"risk_level"`
	IsBlocking    bool      `json:"is_blocking"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// RoleGrant records one role held by one user.
type RoleGrant struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}
