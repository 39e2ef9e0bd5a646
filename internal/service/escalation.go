package service

import (
	"context"
	"time"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// FireEscalation applies the timeout action of a request's current step.
// dueAt is the deadline the caller observed. The escalation is discarded,
// reporting false, when the request has since left that step or its
// deadline moved, or when a concurrent action wins the save.
func (e *Engine) FireEscalation(ctx context.Context, requestID, stepID string, dueAt time.Time) (bool, error) {
	req, err := e.requests.GetRequest(ctx, requestID)
	if err != nil {
		return false, err
	}

	step, idx := req.CurrentStep()
	switch {
	case req.IsTerminal(),
		step == nil,
		step.ID != stepID,
		req.StepDueAt == nil,
		!req.StepDueAt.Equal(dueAt),
		e.cfg.Now().Before(dueAt):
		e.discardEscalation(requestID, stepID, "stale")
		return false, nil
	}

	t := e.begin(req, false)
	res, err := e.escalate(ctx, t, step, "timeout")
	if err != nil {
		return false, err
	}
	if res == stepPassed {
		t.event(EventStepCompleted, e.cfg.SystemActor, step, map[string]any{"reason": "escalation"})
		if err := e.advanceFrom(ctx, t, idx+1, e.cfg.SystemActor); err != nil {
			return false, err
		}
	}

	if err := e.commit(ctx, t); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			e.discardEscalation(requestID, stepID, "concurrent_update")
			return false, nil
		}
		return false, err
	}

	e.log.Info().
		Str("request_id", requestID).
		Str("step_id", stepID).
		Str("escalation_action", step.EscalationAction).
		Str("status", req.Status).
		Msg("Escalation fired")
	return true, nil
}

func (e *Engine) discardEscalation(requestID, stepID, reason string) {
	e.metrics.EscalationDiscarded()
	e.log.Debug().
		Str("request_id", requestID).
		Str("step_id", stepID).
		Str("reason", reason).
		Msg("Escalation discarded")
}

// escalate applies step's escalation action to the current step state.
// escalate_to_role re-routes once; a later expiry only reminds.
func (e *Engine) escalate(ctx context.Context, t *transition, step *repository.Step, reason string) (stepResult, error) {
	system := e.cfg.SystemActor
	action := step.EscalationAction
	if action == "" {
		action = repository.EscalationNotifyOnly
	}
	if action == repository.EscalationEscalateToRole && t.req.StepState != nil && t.req.StepState.Escalated {
		action = repository.EscalationNotifyOnly
	}

	t.event(EventEscalationFired, system, step, map[string]any{
		"escalation_action": action,
		"reason":            reason,
	})
	t.escalations = append(t.escalations, action)

	switch action {
	case repository.EscalationAutoApprove:
		comment := "auto-approved on escalation"
		t.record(step, repository.ActionApprove, system, nil, &comment)
		return stepPassed, nil

	case repository.EscalationAutoReject:
		comment := "auto-rejected on escalation"
		t.record(step, repository.ActionReject, system, nil, &comment)
		t.terminate(repository.StatusRejected, system, &comment)
		return stepTerminated, nil

	case repository.EscalationEscalateToRole:
		res, ok, err := e.escalateToRole(ctx, t, step)
		if err != nil || ok {
			return res, err
		}
	}

	e.remind(ctx, t, step)
	return stepAwaiting, nil
}

// escalateToRole replaces the step's approvers with holders of the step's
// escalation role. Approvals already given by identities in the new set
// carry over. ok is false when the role has no holders.
func (e *Engine) escalateToRole(ctx context.Context, t *transition, step *repository.Step) (stepResult, bool, error) {
	approvers, err := e.resolver.ResolveApprovers(ctx, step, e.docContext(t.req), step.EscalationRole)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeUnresolvedApprover) {
			e.log.Warn().Err(err).
				Str("request_id", t.req.ID).
				Str("step", step.Name).
				Msg("Escalation role has no holders; falling back to reminders")
			if t.req.StepState != nil {
				t.req.StepState.Escalated = true
			}
			return stepAwaiting, false, nil
		}
		return stepAwaiting, false, err
	}

	var prior map[string]string
	if t.req.StepState != nil {
		prior = t.req.StepState.Approvals
	}
	state := t.setCurrent(step, approvers, step.EscalationRole)
	state.Escalated = true
	inSet := make(map[string]struct{}, len(approvers))
	for _, id := range approvers {
		inSet[id] = struct{}{}
	}
	for _, actor := range prior {
		if _, ok := inSet[actor]; ok {
			state.Approvals[actor] = actor
		}
	}
	state.RefreshEligible()

	t.notify(NotifyEscalated, e.cfg.SystemActor, step, state.Eligible)
	if ConsensusReached(step, state) {
		return stepPassed, true, nil
	}
	return stepAwaiting, true, nil
}

// remind re-notifies the current holders and pushes the deadline out by
// the step timeout. A step with nobody to remind is halted for an admin.
func (e *Engine) remind(ctx context.Context, t *transition, step *repository.Step) {
	state := t.req.StepState
	if state == nil {
		state = t.setCurrent(step, nil, nil)
	}
	state.Reminders++

	state.DueAt = nil
	if timeout := step.Timeout(); timeout > 0 {
		due := t.now.Add(timeout)
		state.DueAt = &due
	}
	t.req.StepDueAt = state.DueAt

	if len(state.Eligible) > 0 {
		t.notify(NotifyReminder, e.cfg.SystemActor, step, state.Eligible)
		return
	}

	state.Halted = true
	state.HaltReason = "no approvers could be resolved"
	e.log.Alert().
		Str("request_id", t.req.ID).
		Str("step", step.Name).
		Msg("Step has no eligible approvers; administrator action required")
	e.notifyAdmins(ctx, t, NotifyApproverMissing, step)
}

// EscalationScheduler sweeps overdue steps and fires their escalations.
type EscalationScheduler struct {
	engine   *Engine
	requests repository.RequestStore
	lease    SweepLease
	leaseTTL time.Duration
	batch    int
	log      *logger.Logger
}

// NewEscalationScheduler creates a new EscalationScheduler. lease may be
// nil for a single instance.
func NewEscalationScheduler(
	engine *Engine,
	requests repository.RequestStore,
	lease SweepLease,
	leaseTTL time.Duration,
	batch int,
	log *logger.Logger,
) *EscalationScheduler {
	if lease == nil {
		lease = LocalLease{}
	}
	if batch <= 0 {
		batch = 100
	}
	return &EscalationScheduler{
		engine:   engine,
		requests: requests,
		lease:    lease,
		leaseTTL: leaseTTL,
		batch:    batch,
		log:      log,
	}
}

// Sweep fires every escalation that is due, returning how many fired.
// Only the replica holding the sweep lease does any work.
func (s *EscalationScheduler) Sweep(ctx context.Context) (int, error) {
	ok, err := s.lease.Acquire(ctx, s.leaseTTL)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to acquire sweep lease")
	}
	if !ok {
		return 0, nil
	}

	overdue, err := s.requests.ListOverdue(ctx, s.engine.cfg.Now(), s.batch)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, req := range overdue {
		if req.CurrentStepID == nil || req.StepDueAt == nil {
			continue
		}
		ok, err := s.engine.FireEscalation(ctx, req.ID, *req.CurrentStepID, *req.StepDueAt)
		if err != nil {
			s.log.Error().Err(err).Str("request_id", req.ID).Msg("Failed to fire escalation")
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// Tick adapts Sweep to a TickWorker.
func (s *EscalationScheduler) Tick(ctx context.Context) {
	fired, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Escalation sweep failed")
		return
	}
	if fired > 0 {
		s.log.Info().Int("fired", fired).Msg("Escalation sweep completed")
	}
}
