package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// Audit event types.
const (
	EventRequestCreated     = "request_created"
	EventStepEntered        = "step_entered"
	EventStepSkipped        = "step_skipped"
	EventStepAutoApproved   = "step_auto_approved"
	EventStepCompleted      = "step_completed"
	EventActionRecorded     = "action_recorded"
	EventEscalationFired    = "escalation_fired"
	EventApproverUnresolved = "approver_unresolved"
	EventEvaluationFailed   = "evaluation_failed"
	EventRequestTerminal    = "request_" // + terminal status
)

// transition accumulates everything one engine operation writes so it can
// be committed as a single RequestChange.
type transition struct {
	req             *repository.ApprovalRequest
	expectedVersion int64
	creating        bool
	now             time.Time
	effectDelay     time.Duration

	actions []*repository.ApprovalAction
	events  []*repository.AuditEvent
	effects []*repository.PendingEffect
	notices []NotifyIntent

	escalations []string
	evalErrors  int
	terminal    bool
}

func newTransition(req *repository.ApprovalRequest, creating bool, now time.Time, effectDelay time.Duration) *transition {
	return &transition{
		req:             req,
		expectedVersion: req.Version,
		creating:        creating,
		now:             now,
		effectDelay:     effectDelay,
	}
}

func (t *transition) record(step *repository.Step, action, actor string, delegatedTo, comment *string) *repository.ApprovalAction {
	a := &repository.ApprovalAction{
		ID:          uuid.NewString(),
		RequestID:   t.req.ID,
		StepID:      step.ID,
		StepOrder:   step.StepOrder,
		Action:      action,
		ActorID:     actor,
		DelegatedTo: delegatedTo,
		Comment:     comment,
		CreatedAt:   t.now,
	}
	t.actions = append(t.actions, a)
	return a
}

func (t *transition) event(eventType, actor string, step *repository.Step, metadata map[string]any) {
	status := t.req.Status
	e := &repository.AuditEvent{
		ID:           uuid.NewString(),
		RequestID:    t.req.ID,
		EntityType:   t.req.EntityType,
		EntityID:     t.req.EntityID,
		EventType:    eventType,
		ActorID:      actor,
		StatusBefore: &status,
		StatusAfter:  &status,
		Metadata:     metadata,
		OccurredAt:   t.now,
	}
	if step != nil {
		stepID := step.ID
		e.StepID = &stepID
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		e.Metadata["step_order"] = step.StepOrder
		e.Metadata["step_name"] = step.Name
	}
	t.events = append(t.events, e)
}

func (t *transition) notify(eventType, actor string, step *repository.Step, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	n := NotifyIntent{
		EventType:    eventType,
		RequestID:    t.req.ID,
		EntityType:   t.req.EntityType,
		EntityID:     t.req.EntityID,
		EntityNumber: t.req.EntityNumber,
		ActorID:      actor,
		Recipients:   append([]string(nil), recipients...),
	}
	if step != nil {
		n.StepID = step.ID
		n.StepName = step.Name
	}
	t.notices = append(t.notices, n)
}

// setCurrent moves the cursor to step with a fresh state for approvers.
func (t *transition) setCurrent(step *repository.Step, approvers []string, routedRole *string) *repository.StepState {
	stepID := step.ID
	stepOrder := step.StepOrder

	state := &repository.StepState{
		StepID:      stepID,
		EnteredAt:   t.now,
		Approvers:   approvers,
		RoutedRole:  routedRole,
		Delegations: map[string]string{},
		Approvals:   map[string]string{},
	}
	if state.Approvers == nil {
		state.Approvers = []string{}
	}
	if timeout := step.Timeout(); timeout > 0 {
		due := t.now.Add(timeout)
		state.DueAt = &due
	}
	state.RefreshEligible()

	t.req.CurrentStepID = &stepID
	t.req.CurrentStepOrder = &stepOrder
	t.req.StepState = state
	t.req.StepDueAt = state.DueAt
	return state
}

// terminate ends the request. Approved and rejected outcomes queue a status
// sync in the same change; cancellation does not.
func (t *transition) terminate(status, actor string, comment *string) {
	before := t.req.Status
	var recipients []string
	if t.req.StepState != nil {
		recipients = append(recipients, t.req.StepState.Eligible...)
	}

	t.req.Status = status
	completed := t.now
	t.req.CompletedAt = &completed
	t.req.StepDueAt = nil
	if t.req.StepState != nil {
		t.req.StepState.DueAt = nil
		t.req.StepState.Eligible = []string{}
	}
	t.terminal = true

	step, _ := t.req.CurrentStep()
	t.event(EventRequestTerminal+status, actor, step, map[string]any{"comment": comment})
	t.events[len(t.events)-1].StatusBefore = &before

	switch status {
	case repository.StatusApproved, repository.StatusRejected:
		t.effects = append(t.effects, &repository.PendingEffect{
			ID:        uuid.NewString(),
			RequestID: t.req.ID,
			Kind:      repository.EffectKindStatusSync,
			Payload: repository.StatusUpdate{
				EntityType: t.req.EntityType,
				EntityID:   t.req.EntityID,
				Status:     status,
				ActorID:    actor,
				Comment:    comment,
			},
			Status:        repository.EffectPending,
			NextAttemptAt: t.now.Add(t.effectDelay),
			CreatedAt:     t.now,
			UpdatedAt:     t.now,
		})
	}

	eventType := NotifyRequestCancelled
	switch status {
	case repository.StatusApproved:
		eventType = NotifyRequestApproved
		recipients = nil
	case repository.StatusRejected:
		eventType = NotifyRequestRejected
		recipients = nil
	}
	t.notify(eventType, actor, step, append(recipients, t.req.SubmittedBy))
}

func (t *transition) change() *repository.RequestChange {
	return &repository.RequestChange{
		Request:         t.req,
		ExpectedVersion: t.expectedVersion,
		Actions:         t.actions,
		Events:          t.events,
		Effects:         t.effects,
	}
}
