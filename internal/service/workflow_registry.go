package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// WorkflowRegistry stores workflow definitions and resolves the active one
// for an entity type. Definitions are immutable once created; a change is a
// new version.
type WorkflowRegistry struct {
	store    repository.WorkflowStore
	resolver *ApproverResolver
	log      *logger.Logger
}

// NewWorkflowRegistry creates a new WorkflowRegistry. resolver may be nil,
// in which case dynamic rule keys are not checked at creation.
func NewWorkflowRegistry(store repository.WorkflowStore, resolver *ApproverResolver, log *logger.Logger) *WorkflowRegistry {
	return &WorkflowRegistry{store: store, resolver: resolver, log: log}
}

// CreateWorkflowRequest is the definition submitted by an administrator.
type CreateWorkflowRequest struct {
	EntityType  string            `json:"entity_type"`
	Name        string            `json:"name"`
	Description *string           `json:"description,omitempty"`
	Activate    bool              `json:"activate"`
	Steps       []repository.Step `json:"steps"`
}

// ── Resolution ───────────────────────────────────────────────────────────────

// ResolveWorkflow returns the active workflow for entityType with steps
// ordered by step_order and conditions by condition_order.
func (s *WorkflowRegistry) ResolveWorkflow(ctx context.Context, entityType string) (*repository.Workflow, error) {
	wf, err := s.store.GetActiveWorkflow(ctx, entityType)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, errors.Wrap(ErrNoActiveWorkflow, errors.ErrCodeConfiguration,
			fmt.Sprintf("entity type %q", entityType))
	}
	wf.SortSteps()
	return wf, nil
}

// ── Administration ───────────────────────────────────────────────────────────

// CreateWorkflow validates and stores a new workflow version. When
// req.Activate is set, the previous active version is deactivated in the
// same transaction.
func (s *WorkflowRegistry) CreateWorkflow(ctx context.Context, req *CreateWorkflowRequest, actor string) (*repository.Workflow, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	wf := &repository.Workflow{
		EntityType:  strings.TrimSpace(req.EntityType),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		IsActive:    req.Activate,
		Steps:       req.Steps,
		CreatedBy:   actor,
	}
	for i := range wf.Steps {
		if wf.Steps[i].Conditions == nil {
			wf.Steps[i].Conditions = []repository.Condition{}
		}
	}
	wf.SortSteps()

	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("entity_type", wf.EntityType).
		Int("version", wf.Version).
		Bool("active", wf.IsActive).
		Int("steps", len(wf.Steps)).
		Str("actor_id", actor).
		Msg("Workflow created")

	return wf, nil
}

// ActivateWorkflow makes id the single active workflow for its entity type.
func (s *WorkflowRegistry) ActivateWorkflow(ctx context.Context, id, actor string) (*repository.Workflow, error) {
	wf, err := s.store.ActivateWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("workflow_id", id).
		Str("entity_type", wf.EntityType).
		Int("version", wf.Version).
		Str("actor_id", actor).
		Msg("Workflow activated")
	return wf, nil
}

// DeactivateWorkflow leaves the entity type without an active workflow.
// In-flight requests keep their snapshot and are unaffected.
func (s *WorkflowRegistry) DeactivateWorkflow(ctx context.Context, id, actor string) error {
	if err := s.store.DeactivateWorkflow(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("workflow_id", id).Str("actor_id", actor).Msg("Workflow deactivated")
	return nil
}

func (s *WorkflowRegistry) GetWorkflow(ctx context.Context, id string) (*repository.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

func (s *WorkflowRegistry) ListWorkflows(ctx context.Context, entityType string) ([]*repository.Workflow, error) {
	return s.store.ListWorkflows(ctx, entityType)
}

// ── Validation ───────────────────────────────────────────────────────────────

func (s *WorkflowRegistry) validate(req *CreateWorkflowRequest) error {
	if strings.TrimSpace(req.EntityType) == "" {
		return errors.InvalidInput("entity_type", "is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return errors.InvalidInput("name", "is required")
	}

	orders := make(map[int]struct{}, len(req.Steps))
	for i := range req.Steps {
		step := &req.Steps[i]
		field := fmt.Sprintf("steps[%d]", i)

		if step.StepOrder <= 0 {
			return errors.InvalidInput(field+".step_order", "must be positive")
		}
		if _, dup := orders[step.StepOrder]; dup {
			return errors.New(errors.ErrCodeConfiguration,
				fmt.Sprintf("%s.step_order: step order %d is used twice", field, step.StepOrder))
		}
		orders[step.StepOrder] = struct{}{}

		if strings.TrimSpace(step.Name) == "" {
			return errors.InvalidInput(field+".name", "is required")
		}
		if err := validateConsensus(field, step); err != nil {
			return err
		}
		if err := validateEscalation(field, step); err != nil {
			return err
		}
		if len(step.Approvers) == 0 {
			return errors.InvalidInput(field+".approvers", "at least one approver is required")
		}
		for j, spec := range step.Approvers {
			if err := s.validateApprover(fmt.Sprintf("%s.approvers[%d]", field, j), spec); err != nil {
				return err
			}
		}
		for j, c := range step.Conditions {
			if err := validateCondition(fmt.Sprintf("%s.conditions[%d]", field, j), c); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateConsensus(field string, step *repository.Step) error {
	switch step.ApprovalType {
	case repository.ApprovalTypeAny, repository.ApprovalTypeAll:
		if step.RequiredPercentage != nil {
			return errors.InvalidInput(field+".required_percentage", "only allowed for percentage steps")
		}
	case repository.ApprovalTypePercentage:
		if step.RequiredPercentage == nil {
			return errors.InvalidInput(field+".required_percentage", "is required for percentage steps")
		}
		if p := *step.RequiredPercentage; p < 1 || p > 100 {
			return errors.InvalidInput(field+".required_percentage", "must be between 1 and 100")
		}
	default:
		return errors.InvalidInput(field+".approval_type", "must be any, all or percentage")
	}
	return nil
}

func validateEscalation(field string, step *repository.Step) error {
	if step.EscalationAction == "" {
		step.EscalationAction = repository.EscalationNotifyOnly
	}
	switch step.EscalationAction {
	case repository.EscalationAutoApprove, repository.EscalationAutoReject, repository.EscalationNotifyOnly:
	case repository.EscalationEscalateToRole:
		if step.EscalationRole == nil || strings.TrimSpace(*step.EscalationRole) == "" {
			return errors.InvalidInput(field+".escalation_role", "is required for escalate_to_role")
		}
	default:
		return errors.InvalidInput(field+".escalation_action",
			"must be auto_approve, auto_reject, escalate_to_role or notify_only")
	}
	if step.TimeoutHours != nil && *step.TimeoutHours <= 0 {
		return errors.InvalidInput(field+".timeout_hours", "must be positive")
	}
	return nil
}

func (s *WorkflowRegistry) validateApprover(field string, spec repository.ApproverSpec) error {
	if strings.TrimSpace(spec.ApproverValue) == "" {
		return errors.InvalidInput(field+".approver_value", "is required")
	}
	switch spec.ApproverType {
	case repository.ApproverTypeRole, repository.ApproverTypeUser:
	case repository.ApproverTypeDynamic:
		if s.resolver != nil && !s.resolver.HasRule(spec.ApproverValue) {
			return errors.New(errors.ErrCodeConfiguration,
				fmt.Sprintf("%s.approver_value: unknown dynamic rule %q", field, spec.ApproverValue))
		}
	default:
		return errors.InvalidInput(field+".approver_type", "must be role, user or dynamic")
	}
	return nil
}

func validateCondition(field string, c repository.Condition) error {
	if strings.TrimSpace(c.FieldPath) == "" {
		return errors.InvalidInput(field+".field_path", "is required")
	}
	switch c.Operator {
	case repository.OperatorEq, repository.OperatorNeq,
		repository.OperatorLt, repository.OperatorLte,
		repository.OperatorGt, repository.OperatorGte:
	case repository.OperatorIn:
		if _, ok := c.Value.([]any); !ok {
			return errors.InvalidInput(field+".value", "in needs a list value")
		}
	default:
		return errors.InvalidInput(field+".operator", "must be eq, neq, lt, lte, gt, gte or in")
	}
	switch c.Action {
	case repository.ConditionRequire, repository.ConditionApprove, repository.ConditionSkip:
	case repository.ConditionRouteToRole:
		if c.TargetRole == nil || strings.TrimSpace(*c.TargetRole) == "" {
			return errors.InvalidInput(field+".target_role", "is required for route_to_role")
		}
	default:
		return errors.InvalidInput(field+".action", "must be require, approve, skip or route_to_role")
	}
	return nil
}
