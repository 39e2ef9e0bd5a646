package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/metrics"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// EngineConfig tunes the approval engine.
type EngineConfig struct {
	// AdminRole holders may act on any step and cancel any request.
	AdminRole string
	// SystemActor is recorded on actions the engine takes by itself.
	SystemActor string
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Engine drives approval requests through their workflow steps.
type Engine struct {
	registry *WorkflowRegistry
	requests repository.RequestStore
	roles    repository.RoleStore
	resolver *ApproverResolver
	effects  *EffectDispatcher
	notifier Notifier
	metrics  *metrics.Metrics
	cfg      EngineConfig
	log      *logger.Logger
}

// NewEngine creates a new Engine. notifier and m may be nil.
func NewEngine(
	registry *WorkflowRegistry,
	requests repository.RequestStore,
	roles repository.RoleStore,
	resolver *ApproverResolver,
	effects *EffectDispatcher,
	notifier Notifier,
	m *metrics.Metrics,
	cfg EngineConfig,
	log *logger.Logger,
) *Engine {
	if cfg.AdminRole == "" {
		cfg.AdminRole = "approval_admin"
	}
	if cfg.SystemActor == "" {
		cfg.SystemActor = "system"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		registry: registry,
		requests: requests,
		roles:    roles,
		resolver: resolver,
		effects:  effects,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		log:      log,
	}
}

// SubmitRequest starts approval for one document.
type SubmitRequest struct {
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	EntityNumber string         `json:"entity_number"`
	SubmittedBy  string         `json:"submitted_by"`
	Document     map[string]any `json:"document"`
}

// ActionInput is one approver decision against the current step.
type ActionInput struct {
	RequestID   string  `json:"request_id"`
	StepID      string  `json:"step_id"`
	ActorID     string  `json:"actor_id"`
	Action      string  `json:"action"`
	DelegatedTo *string `json:"delegated_to,omitempty"`
	Comment     *string `json:"comment,omitempty"`
}

type stepResult int

const (
	stepAwaiting stepResult = iota
	stepPassed
	stepTerminated
)

// ── Submission ───────────────────────────────────────────────────────────────

// Submit creates an approval request against the active workflow for the
// document's entity type and advances it to the first step that needs a
// human. Steps skipped or satisfied by conditions are recorded as such; if
// none remain the request is approved immediately.
func (e *Engine) Submit(ctx context.Context, in *SubmitRequest) (*repository.ApprovalRequest, error) {
	if in.EntityType == "" {
		return nil, errors.InvalidInput("entity_type", "is required")
	}
	if in.EntityID == "" {
		return nil, errors.InvalidInput("entity_id", "is required")
	}
	if in.SubmittedBy == "" {
		return nil, errors.InvalidInput("submitted_by", "is required")
	}

	existing, err := e.requests.GetPendingByEntity(ctx, in.EntityType, in.EntityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Wrap(ErrAlreadyPending, errors.ErrCodeConcurrency,
			fmt.Sprintf("request %s", existing.ID))
	}

	wf, err := e.registry.ResolveWorkflow(ctx, in.EntityType)
	if err != nil {
		return nil, err
	}

	doc, err := normalizeDocument(in.Document)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "document must be a JSON object")
	}

	now := e.cfg.Now()
	req := &repository.ApprovalRequest{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		EntityType:      in.EntityType,
		EntityID:        in.EntityID,
		EntityNumber:    in.EntityNumber,
		Status:          repository.StatusPending,
		SubmittedBy:     in.SubmittedBy,
		SubmittedAt:     now,
		Document:        doc,
		Workflow:        wf,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	t := e.begin(req, true)
	t.event(EventRequestCreated, in.SubmittedBy, nil, map[string]any{
		"workflow_id":      wf.ID,
		"workflow_version": wf.Version,
	})

	if err := e.advanceFrom(ctx, t, 0, e.cfg.SystemActor); err != nil {
		if errors.Is(err, ErrConditionEvaluation) {
			e.metrics.EvaluationError()
			e.log.Alert().Err(err).
				Str("entity_type", in.EntityType).
				Str("entity_id", in.EntityID).
				Msg("Submission blocked by a condition that cannot be evaluated")
		}
		return nil, err
	}

	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("request_id", req.ID).
		Str("entity_type", req.EntityType).
		Str("entity_id", req.EntityID).
		Str("status", req.Status).
		Msg("Approval request submitted")
	return req, nil
}

// ── Actions ──────────────────────────────────────────────────────────────────

// Act records an approve, reject, delegate or comment action on the
// request's current step.
//
// The actor must hold an approver slot on the step or hold the admin role.
// An approve by a non-approver admin satisfies the step outright. Replaying
// an approve whose slots are already approved is a no-op.
func (e *Engine) Act(ctx context.Context, in *ActionInput) (*repository.ApprovalRequest, error) {
	if err := validateAction(in); err != nil {
		return nil, err
	}

	req, err := e.requests.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.IsTerminal() {
		return nil, errors.Wrap(ErrInvalidStepContext, errors.ErrCodeConflict,
			fmt.Sprintf("request is %s", req.Status))
	}
	step, idx := req.CurrentStep()
	if step == nil || step.ID != in.StepID || req.StepState == nil {
		return nil, errors.Wrap(ErrInvalidStepContext, errors.ErrCodeConflict,
			fmt.Sprintf("step %s is not the current step", in.StepID))
	}

	state := req.StepState
	held := state.SlotsHeldBy(in.ActorID)
	open := state.OpenSlotsHeldBy(in.ActorID)

	admin := false
	if len(held) == 0 {
		admin, err = e.isAdmin(ctx, in.ActorID)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, ErrNotAnApprover
		}
	}

	t := e.begin(req, false)
	meta := map[string]any{"action": in.Action, "admin_override": admin}

	switch in.Action {
	case repository.ActionComment:
		t.record(step, in.Action, in.ActorID, nil, in.Comment)
		t.event(EventActionRecorded, in.ActorID, step, meta)

	case repository.ActionReject:
		t.record(step, in.Action, in.ActorID, nil, in.Comment)
		t.event(EventActionRecorded, in.ActorID, step, meta)
		t.terminate(repository.StatusRejected, in.ActorID, in.Comment)

	case repository.ActionDelegate:
		if len(open) == 0 {
			return nil, errors.Wrap(ErrNotAnApprover, errors.ErrCodeUnauthorized,
				"no open approver slot to delegate")
		}
		if state.Delegations == nil {
			state.Delegations = map[string]string{}
		}
		for _, slot := range open {
			state.Delegations[slot] = *in.DelegatedTo
		}
		state.RefreshEligible()
		meta["delegated_to"] = *in.DelegatedTo
		meta["slots"] = open
		t.record(step, in.Action, in.ActorID, in.DelegatedTo, in.Comment)
		t.event(EventActionRecorded, in.ActorID, step, meta)
		t.notify(NotifyDelegated, in.ActorID, step, []string{*in.DelegatedTo})

	case repository.ActionApprove:
		if len(held) > 0 && len(open) == 0 {
			return req, nil
		}
		satisfied := admin
		if !admin {
			if state.Approvals == nil {
				state.Approvals = map[string]string{}
			}
			for _, slot := range open {
				state.Approvals[slot] = in.ActorID
			}
			state.RefreshEligible()
			meta["slots"] = open
			satisfied = ConsensusReached(step, state)
		}
		t.record(step, in.Action, in.ActorID, nil, in.Comment)
		t.event(EventActionRecorded, in.ActorID, step, meta)

		if satisfied {
			t.event(EventStepCompleted, in.ActorID, step, map[string]any{
				"approvals": state.ApprovalCount(),
				"required":  RequiredApprovals(step, len(state.Approvers)),
			})
			if err := e.advanceFrom(ctx, t, idx+1, in.ActorID); err != nil {
				return nil, err
			}
		}
	}

	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("request_id", req.ID).
		Str("step_id", in.StepID).
		Str("actor_id", in.ActorID).
		Str("action", in.Action).
		Str("status", req.Status).
		Msg("Approval action recorded")
	return req, nil
}

// Cancel withdraws a pending request. Only the submitter or an admin may
// cancel. The document's status is left untouched.
func (e *Engine) Cancel(ctx context.Context, requestID, actorID string, reason *string) (*repository.ApprovalRequest, error) {
	if actorID == "" {
		return nil, errors.InvalidInput("actor_id", "is required")
	}
	req, err := e.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsTerminal() {
		return nil, errors.Wrap(ErrInvalidStepContext, errors.ErrCodeConflict,
			fmt.Sprintf("request is %s", req.Status))
	}
	if actorID != req.SubmittedBy {
		admin, err := e.isAdmin(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, errors.New(errors.ErrCodeUnauthorized,
				"only the submitter or an administrator can cancel a request")
		}
	}

	t := e.begin(req, false)
	t.terminate(repository.StatusCancelled, actorID, reason)
	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}

	e.log.Info().Str("request_id", req.ID).Str("actor_id", actorID).Msg("Approval request cancelled")
	return req, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (e *Engine) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return e.requests.GetRequest(ctx, id)
}

// GetActiveRequest returns the pending request for a document.
func (e *Engine) GetActiveRequest(ctx context.Context, entityType, entityID string) (*repository.ApprovalRequest, error) {
	req, err := e.requests.GetPendingByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.NotFound("pending approval request", entityType+"/"+entityID)
	}
	return req, nil
}

// History returns the request's approval actions oldest first.
func (e *Engine) History(ctx context.Context, requestID string) ([]*repository.ApprovalAction, error) {
	if _, err := e.requests.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return e.requests.ListActions(ctx, requestID)
}

// AuditTrail returns the request's audit events oldest first.
func (e *Engine) AuditTrail(ctx context.Context, requestID string) ([]*repository.AuditEvent, error) {
	if _, err := e.requests.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return e.requests.ListAuditEvents(ctx, requestID)
}

// PendingForUser lists pending requests whose current step userID can
// still approve.
func (e *Engine) PendingForUser(ctx context.Context, userID string, limit int) ([]*repository.ApprovalRequest, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.requests.ListPendingForUser(ctx, userID, limit)
}

// ── Step progression ─────────────────────────────────────────────────────────

// advanceFrom enters steps from idx onward until one awaits approvers or the
// request terminates. Running off the end approves the request.
func (e *Engine) advanceFrom(ctx context.Context, t *transition, idx int, actor string) error {
	steps := t.req.Workflow.Steps
	for i := idx; i < len(steps); i++ {
		res, err := e.enterStep(ctx, t, &steps[i])
		if err != nil {
			return err
		}
		switch res {
		case stepAwaiting, stepTerminated:
			return nil
		}
	}
	t.terminate(repository.StatusApproved, actor, nil)
	return nil
}

func (e *Engine) enterStep(ctx context.Context, t *transition, step *repository.Step) (stepResult, error) {
	system := e.cfg.SystemActor

	outcome, err := EvaluateConditions(step.Conditions, t.req.Document)
	if err != nil {
		if t.creating {
			return stepAwaiting, err
		}
		e.haltStep(ctx, t, step, err)
		return stepAwaiting, nil
	}

	switch outcome.Decision {
	case DecisionSkip:
		t.event(EventStepSkipped, system, step, conditionMeta("condition", outcome))
		return stepPassed, nil
	case DecisionApprove:
		comment := "satisfied by condition"
		t.record(step, repository.ActionApprove, system, nil, &comment)
		t.event(EventStepAutoApproved, system, step, conditionMeta("condition", outcome))
		return stepPassed, nil
	}

	approvers, err := e.resolver.ResolveApprovers(ctx, step, e.docContext(t.req), outcome.RoutedRole)
	if err != nil {
		if !errors.HasCode(err, errors.ErrCodeUnresolvedApprover) {
			return stepAwaiting, err
		}
		if step.CanSkip {
			t.event(EventStepSkipped, system, step, map[string]any{
				"reason": "unresolved_approver",
				"error":  err.Error(),
			})
			return stepPassed, nil
		}

		e.log.Warn().Err(err).
			Str("request_id", t.req.ID).
			Str("step", step.Name).
			Msg("Approvers could not be resolved; escalating")
		t.setCurrent(step, nil, outcome.RoutedRole)
		t.event(EventApproverUnresolved, system, step, map[string]any{"error": err.Error()})
		return e.escalate(ctx, t, step, "unresolved_approver")
	}

	t.setCurrent(step, approvers, outcome.RoutedRole)
	meta := map[string]any{"approvers": approvers}
	if outcome.RoutedRole != nil {
		meta["routed_role"] = *outcome.RoutedRole
	}
	t.event(EventStepEntered, system, step, meta)
	t.notify(NotifyApprovalRequired, system, step, approvers)
	return stepAwaiting, nil
}

// haltStep parks the request on step after its conditions could not be
// evaluated. Only an admin override moves it on.
func (e *Engine) haltStep(ctx context.Context, t *transition, step *repository.Step, cause error) {
	state := t.setCurrent(step, nil, nil)
	state.Halted = true
	state.HaltReason = cause.Error()
	state.DueAt = nil
	t.req.StepDueAt = nil
	t.evalErrors++

	t.event(EventEvaluationFailed, e.cfg.SystemActor, step, map[string]any{"error": cause.Error()})
	e.log.Alert().Err(cause).
		Str("request_id", t.req.ID).
		Str("step", step.Name).
		Msg("Condition evaluation failed; request halted pending administrator action")
	e.notifyAdmins(ctx, t, NotifyApproverMissing, step)
}

func (e *Engine) notifyAdmins(ctx context.Context, t *transition, eventType string, step *repository.Step) {
	admins, err := e.resolver.UsersWithRole(ctx, e.cfg.AdminRole)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to look up administrators for notification")
		return
	}
	t.notify(eventType, e.cfg.SystemActor, step, admins)
}

func (e *Engine) isAdmin(ctx context.Context, userID string) (bool, error) {
	ok, err := e.roles.HasRole(ctx, userID, e.cfg.AdminRole)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check administrator role")
	}
	return ok, nil
}

func (e *Engine) docContext(req *repository.ApprovalRequest) DocumentContext {
	return DocumentContext{
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		SubmittedBy: req.SubmittedBy,
		Document:    req.Document,
	}
}

func (e *Engine) begin(req *repository.ApprovalRequest, creating bool) *transition {
	var delay time.Duration
	if e.effects != nil {
		delay = e.effects.InlineGrace()
	}
	return newTransition(req, creating, e.cfg.Now(), delay)
}

// commit writes the transition, then runs post-commit work: metrics,
// notifications and inline side-effect dispatch. None of the post-commit
// work can fail the operation.
func (e *Engine) commit(ctx context.Context, t *transition) error {
	t.req.UpdatedAt = t.now
	change := t.change()

	var err error
	if t.creating {
		err = e.requests.CreateRequest(ctx, change)
	} else {
		err = e.requests.SaveRequest(ctx, change)
	}
	if err != nil {
		return err
	}

	if t.creating {
		e.metrics.RequestSubmitted(t.req.EntityType)
	}
	for _, a := range t.actions {
		e.metrics.ActionRecorded(a.Action)
	}
	for _, action := range t.escalations {
		e.metrics.EscalationFired(action)
	}
	for i := 0; i < t.evalErrors; i++ {
		e.metrics.EvaluationError()
	}
	if t.terminal {
		e.metrics.RequestTerminal(t.req.EntityType, t.req.Status)
	}

	detached := context.WithoutCancel(ctx)
	for _, n := range t.notices {
		e.notifier.Notify(detached, n)
	}
	if e.effects != nil && len(change.Effects) > 0 {
		e.effects.Dispatch(detached, change.Effects)
	}
	return nil
}

func validateAction(in *ActionInput) error {
	if in.RequestID == "" {
		return errors.InvalidInput("request_id", "is required")
	}
	if in.StepID == "" {
		return errors.InvalidInput("step_id", "is required")
	}
	if in.ActorID == "" {
		return errors.InvalidInput("actor_id", "is required")
	}
	switch in.Action {
	case repository.ActionApprove, repository.ActionReject, repository.ActionComment:
	case repository.ActionDelegate:
		if in.DelegatedTo == nil || *in.DelegatedTo == "" {
			return errors.InvalidInput("delegated_to", "is required for delegate")
		}
		if *in.DelegatedTo == in.ActorID {
			return errors.InvalidInput("delegated_to", "cannot delegate to yourself")
		}
	default:
		return errors.InvalidInput("action", fmt.Sprintf("unknown action %q", in.Action))
	}
	return nil
}

func conditionMeta(reason string, outcome ConditionOutcome) map[string]any {
	meta := map[string]any{"reason": reason}
	if c := outcome.Matched; c != nil {
		meta["condition_id"] = c.ID
		meta["field_path"] = c.FieldPath
		meta["operator"] = c.Operator
	}
	return meta
}

// normalizeDocument round-trips doc through JSON so condition evaluation
// sees the same value types before and after persistence.
func normalizeDocument(doc map[string]any) (map[string]any, error) {
	if doc == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
