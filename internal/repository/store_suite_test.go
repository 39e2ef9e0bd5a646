package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// storeSet is one backend's implementation of every store port.
type storeSet struct {
	workflows WorkflowStore
	requests  RequestStore
	effects   EffectStore
	roles     RoleStore
	rules     SoDRuleStore
}

func intPtr(v int) *int { return &v }

func testWorkflow(entityType string, active bool) *Workflow {
	return &Workflow{
		EntityType: entityType,
		Name:       entityType + " approval",
		IsActive:   active,
		CreatedBy:  "admin",
		Steps: []Step{
			{
				StepOrder:        1,
				Name:             "manager",
				ApprovalType:     ApprovalTypeAny,
				TimeoutHours:     intPtr(24),
				EscalationAction: EscalationAutoReject,
				Conditions: []Condition{{
					FieldPath:      "$.total_amount",
					Operator:       OperatorGt,
					Value:          float64(1000),
					Action:         ConditionRequire,
					ConditionOrder: 1,
				}},
				Approvers: []ApproverSpec{{ApproverType: ApproverTypeRole, ApproverValue: "manager"}},
			},
			{
				StepOrder:          2,
				Name:               "finance",
				ApprovalType:       ApprovalTypePercentage,
				RequiredPercentage: intPtr(50),
				EscalationAction:   EscalationNotifyOnly,
				Conditions:         []Condition{},
				Approvers:          []ApproverSpec{{ApproverType: ApproverTypeUser, ApproverValue: "carol"}},
			},
		},
	}
}

func testRequest(wf *Workflow, entityID string, eligible []string, dueAt *time.Time, now time.Time) *ApprovalRequest {
	step := wf.Steps[0]
	order := step.StepOrder
	state := &StepState{
		StepID:    step.ID,
		EnteredAt: now,
		DueAt:     dueAt,
		Approvers: eligible,
		Eligible:  eligible,
	}
	return &ApprovalRequest{
		ID:               uuid.NewString(),
		WorkflowID:       wf.ID,
		WorkflowVersion:  wf.Version,
		EntityType:       wf.EntityType,
		EntityID:         entityID,
		EntityNumber:     "DOC-" + entityID,
		Status:           StatusPending,
		CurrentStepID:    &step.ID,
		CurrentStepOrder: &order,
		SubmittedBy:      "requester",
		SubmittedAt:      now,
		Document:         map[string]any{"total_amount": float64(1500)},
		Workflow:         wf,
		StepState:        state,
		StepDueAt:        dueAt,
	}
}

func statusPtr(s string) *string { return &s }

func runStoreSuite(t *testing.T, newStores func(t *testing.T) storeSet) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("workflow versions and activation", func(t *testing.T) {
		s := newStores(t)

		v1 := testWorkflow("purchase_order", true)
		require.NoError(t, s.workflows.CreateWorkflow(ctx, v1))
		assert.NotEmpty(t, v1.ID)
		assert.Equal(t, 1, v1.Version)
		for _, step := range v1.Steps {
			assert.NotEmpty(t, step.ID)
			assert.Equal(t, v1.ID, step.WorkflowID)
		}

		v2 := testWorkflow("purchase_order", true)
		require.NoError(t, s.workflows.CreateWorkflow(ctx, v2))
		assert.Equal(t, 2, v2.Version)

		active, err := s.workflows.GetActiveWorkflow(ctx, "purchase_order")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, v2.ID, active.ID)
		require.Len(t, active.Steps, 2)
		assert.Equal(t, "manager", active.Steps[0].Name)
		require.Len(t, active.Steps[0].Conditions, 1)
		assert.Equal(t, OperatorGt, active.Steps[0].Conditions[0].Operator)
		assert.EqualValues(t, 1000, active.Steps[0].Conditions[0].Value)
		require.NotNil(t, active.Steps[1].RequiredPercentage)
		assert.Equal(t, 50, *active.Steps[1].RequiredPercentage)

		old, err := s.workflows.GetWorkflow(ctx, v1.ID)
		require.NoError(t, err)
		assert.False(t, old.IsActive)

		reactivated, err := s.workflows.ActivateWorkflow(ctx, v1.ID)
		require.NoError(t, err)
		assert.True(t, reactivated.IsActive)
		active, err = s.workflows.GetActiveWorkflow(ctx, "purchase_order")
		require.NoError(t, err)
		assert.Equal(t, v1.ID, active.ID)

		require.NoError(t, s.workflows.DeactivateWorkflow(ctx, v1.ID))
		active, err = s.workflows.GetActiveWorkflow(ctx, "purchase_order")
		require.NoError(t, err)
		assert.Nil(t, active)

		all, err := s.workflows.ListWorkflows(ctx, "purchase_order")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = s.workflows.GetWorkflow(ctx, uuid.NewString())
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	})

	t.Run("step order is unique within a workflow", func(t *testing.T) {
		s := newStores(t)
		wf := testWorkflow("credit_note", true)
		wf.Steps[1].StepOrder = wf.Steps[0].StepOrder

		err := s.workflows.CreateWorkflow(ctx, wf)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration))

		active, err := s.workflows.GetActiveWorkflow(ctx, "credit_note")
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("one pending request per document", func(t *testing.T) {
		s := newStores(t)
		wf := testWorkflow("goods_receipt", true)
		require.NoError(t, s.workflows.CreateWorkflow(ctx, wf))

		first := testRequest(wf, "gr-1", []string{"alice"}, nil, now)
		require.NoError(t, s.requests.CreateRequest(ctx, &RequestChange{Request: first}))
		assert.EqualValues(t, 1, first.Version)

		second := testRequest(wf, "gr-1", []string{"alice"}, nil, now)
		err := s.requests.CreateRequest(ctx, &RequestChange{Request: second})
		assert.ErrorIs(t, err, ErrAlreadyPending)

		pending, err := s.requests.GetPendingByEntity(ctx, "goods_receipt", "gr-1")
		require.NoError(t, err)
		require.NotNil(t, pending)
		assert.Equal(t, first.ID, pending.ID)
		require.NotNil(t, pending.Workflow)
		assert.Len(t, pending.Workflow.Steps, 2)
		assert.EqualValues(t, 1500, pending.Document["total_amount"])

		none, err := s.requests.GetPendingByEntity(ctx, "goods_receipt", "gr-2")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("save is guarded by version", func(t *testing.T) {
		s := newStores(t)
		wf := testWorkflow("supplier_registration", true)
		require.NoError(t, s.workflows.CreateWorkflow(ctx, wf))

		req := testRequest(wf, "sup-1", []string{"alice", "bob"}, nil, now)
		require.NoError(t, s.requests.CreateRequest(ctx, &RequestChange{Request: req}))

		stale, err := s.requests.GetRequest(ctx, req.ID)
		require.NoError(t, err)

		req.StepState.Approvals = map[string]string{"alice": "alice"}
		req.StepState.RefreshEligible()
		action := &ApprovalAction{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			StepID:    *req.CurrentStepID,
			StepOrder: 1,
			Action:    ActionApprove,
			ActorID:   "alice",
			CreatedAt: now,
		}
		event := &AuditEvent{
			ID:         uuid.NewString(),
			RequestID:  req.ID,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			EventType:  "action_recorded",
			ActorID:    "alice",
			StepID:     req.CurrentStepID,
			Metadata:   map[string]any{"action": "approve"},
			OccurredAt: now,
		}
		require.NoError(t, s.requests.SaveRequest(ctx, &RequestChange{
			Request:         req,
			ExpectedVersion: 1,
			Actions:         []*ApprovalAction{action},
			Events:          []*AuditEvent{event},
		}))
		assert.EqualValues(t, 2, req.Version)

		stale.Status = StatusRejected
		err = s.requests.SaveRequest(ctx, &RequestChange{Request: stale, ExpectedVersion: stale.Version})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)

		got, err := s.requests.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, []string{"bob"}, got.StepState.Eligible)

		actions, err := s.requests.ListActions(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, "alice", actions[0].ActorID)

		events, err := s.requests.ListAuditEvents(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "approve", events[0].Metadata["action"])

		_, err = s.requests.GetRequest(ctx, uuid.NewString())
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	})

	t.Run("delegated slot approved by an earlier approver", func(t *testing.T) {
		s := newStores(t)
		wf := testWorkflow("vendor_onboarding", true)
		require.NoError(t, s.workflows.CreateWorkflow(ctx, wf))

		req := testRequest(wf, "ven-1", []string{"a", "b", "c"}, nil, now)
		require.NoError(t, s.requests.CreateRequest(ctx, &RequestChange{Request: req}))
		stepID := *req.CurrentStepID

		record := func(action, actor string, delegatedTo *string) *ApprovalAction {
			return &ApprovalAction{
				ID:          uuid.NewString(),
				RequestID:   req.ID,
				StepID:      stepID,
				StepOrder:   1,
				Action:      action,
				ActorID:     actor,
				DelegatedTo: delegatedTo,
				CreatedAt:   now,
			}
		}

		req.StepState.Approvals = map[string]string{"a": "a"}
		req.StepState.RefreshEligible()
		require.NoError(t, s.requests.SaveRequest(ctx, &RequestChange{
			Request:         req,
			ExpectedVersion: req.Version,
			Actions:         []*ApprovalAction{record(ActionApprove, "a", nil)},
		}))

		req.StepState.Delegations = map[string]string{"b": "a"}
		req.StepState.RefreshEligible()
		require.NoError(t, s.requests.SaveRequest(ctx, &RequestChange{
			Request:         req,
			ExpectedVersion: req.Version,
			Actions:         []*ApprovalAction{record(ActionDelegate, "b", statusPtr("a"))},
		}))

		req.StepState.Approvals["b"] = "a"
		req.StepState.RefreshEligible()
		require.NoError(t, s.requests.SaveRequest(ctx, &RequestChange{
			Request:         req,
			ExpectedVersion: req.Version,
			Actions:         []*ApprovalAction{record(ActionApprove, "a", nil)},
		}))

		got, err := s.requests.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "a", "b": "a"}, got.StepState.Approvals)
		assert.Equal(t, []string{"c"}, got.StepState.Eligible)

		actions, err := s.requests.ListActions(ctx, req.ID)
		require.NoError(t, err)
		approvals := 0
		for _, a := range actions {
			if a.Action == ActionApprove {
				assert.Equal(t, "a", a.ActorID)
				approvals++
			}
		}
		assert.Equal(t, 2, approvals)
	})

	t.Run("terminal save frees the document", func(t *testing.T) {
		s := newStores(t)
		wf := testWorkflow("purchase_requisition", true)
		require.NoError(t, s.workflows.CreateWorkflow(ctx, wf))

		req := testRequest(wf, "pr-1", []string{"alice"}, nil, now)
		require.NoError(t, s.requests.CreateRequest(ctx, &RequestChange{Request: req}))

		completed := now.Add(time.Minute)
		req.Status = StatusApproved
		req.CompletedAt = &completed
		req.CurrentStepID = nil
		req.CurrentStepOrder = nil
		req.StepState = nil
		effect := &PendingEffect{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			Kind:      EffectKindStatusSync,
			Payload: StatusUpdate{
				EntityType: req.EntityType,
				EntityID:   req.EntityID,
				Status:     StatusApproved,
				ActorID:    "alice",
			},
			Status:        EffectPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		require.NoError(t, s.requests.SaveRequest(ctx, &RequestChange{
			Request:         req,
			ExpectedVersion: 1,
			Events: []*AuditEvent{{
				ID:           uuid.NewString(),
				RequestID:    req.ID,
				EntityType:   req.EntityType,
				EntityID:     req.EntityID,
				EventType:    "request_approved",
				ActorID:      "alice",
				StatusBefore: statusPtr(StatusPending),
				StatusAfter:  statusPtr(StatusApproved),
				OccurredAt:   completed,
			}},
			Effects: []*PendingEffect{effect},
		}))

		pending, err := s.requests.GetPendingByEntity(ctx, "purchase_requisition", "pr-1")
		require.NoError(t, err)
		assert.Nil(t, pending)

		resubmit := testRequest(wf, "pr-1", []string{"alice"}, nil, now)
		require.NoError(t, s.requests.CreateRequest(ctx, &RequestChange{Request: resubmit}))

		due, err := s.effects.ListDueEffects(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, effect.ID, due[0].ID)
		assert.Equal(t, StatusApproved, due[0].Payload.Status)

		require.NoError(t, s.effects.MarkEffectAttempt(ctx, effect.ID, 1, "timeout", now.Add(time.Hour)))
		due, err = s.effects.ListDueEffects(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		require.NoError(t, s.effects.MarkEffectAttempt(ctx, effect.ID, 2, "timeout", time.Time{}))
		failed, err := s.effects.ListFailedEffects(ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, 2, failed[0].Attempts)
		require.NotNil(t, failed[0].LastError)
		assert.Equal(t, "timeout", *failed[0].LastError)

		assert.True(t, errors.HasCode(s.effects.MarkEffectDone(ctx, uuid.NewString()), errors.ErrCodeNotFound))
	})

	t.Run("inbox and overdue queries", func(t *testing.T) {
		s := newStores(t)
		wf := testWorkflow("purchase_order", true)
		require.NoError(t, s.workflows.CreateWorkflow(ctx, wf))

		past := now.Add(-time.Hour)
		future := now.Add(time.Hour)
		overdue := testRequest(wf, "po-1", []string{"alice"}, &past, now.Add(-2*time.Hour))
		upcoming := testRequest(wf, "po-2", []string{"alice", "bob"}, &future, now.Add(-time.Hour))
		require.NoError(t, s.requests.CreateRequest(ctx, &RequestChange{Request: overdue}))
		require.NoError(t, s.requests.CreateRequest(ctx, &RequestChange{Request: upcoming}))

		inbox, err := s.requests.ListPendingForUser(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, inbox, 2)
		assert.Equal(t, overdue.ID, inbox[0].ID)

		inbox, err = s.requests.ListPendingForUser(ctx, "bob", 10)
		require.NoError(t, err)
		require.Len(t, inbox, 1)
		assert.Equal(t, upcoming.ID, inbox[0].ID)

		due, err := s.requests.ListOverdue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, overdue.ID, due[0].ID)
	})

	t.Run("role grants", func(t *testing.T) {
		s := newStores(t)

		require.NoError(t, s.roles.GrantRole(ctx, &RoleGrant{UserID: "bob", Role: "AP_Clerk", GrantedBy: "admin"}))
		require.NoError(t, s.roles.GrantRole(ctx, &RoleGrant{UserID: "bob", Role: "ap_clerk", GrantedBy: "admin"}))
		require.NoError(t, s.roles.GrantRole(ctx, &RoleGrant{UserID: "alice", Role: "ap_clerk", GrantedBy: "admin"}))

		users, err := s.roles.UsersWithRole(ctx, "AP_CLERK")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, users)

		ok, err := s.roles.HasRole(ctx, "bob", "ap_clerk")
		require.NoError(t, err)
		assert.True(t, ok)

		roles, err := s.roles.RolesForUser(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"ap_clerk"}, roles)

		require.NoError(t, s.roles.RevokeRole(ctx, "bob", "ap_clerk"))
		ok, err = s.roles.HasRole(ctx, "bob", "ap_clerk")
		require.NoError(t, err)
		assert.False(t, ok)

		err = s.roles.RevokeRole(ctx, "bob", "ap_clerk")
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	})

	t.Run("guarded grants are serialised per user", func(t *testing.T) {
		s := newStores(t)
		require.NoError(t, s.roles.GrantRole(ctx, &RoleGrant{UserID: "dan", Role: "buyer", GrantedBy: "admin"}))

		refused := errors.New(errors.ErrCodeConflict, "refused")
		var seen []string
		err := s.roles.GrantRoleGuarded(ctx, &RoleGrant{UserID: "dan", Role: "receiver", GrantedBy: "admin"},
			func(held []string) error {
				seen = held
				return refused
			})
		assert.ErrorIs(t, err, refused)
		assert.Equal(t, []string{"buyer"}, seen)

		ok, err := s.roles.HasRole(ctx, "dan", "receiver")
		require.NoError(t, err)
		assert.False(t, ok)

		// Exactly one of two racing grants guarded on "holds nothing
		// but buyer" may land.
		var (
			wg      sync.WaitGroup
			granted atomic.Int32
		)
		for _, role := range []string{"receiver", "payer"} {
			wg.Add(1)
			go func(role string) {
				defer wg.Done()
				err := s.roles.GrantRoleGuarded(ctx, &RoleGrant{UserID: "dan", Role: role, GrantedBy: "admin"},
					func(held []string) error {
						if len(held) > 1 {
							return refused
						}
						return nil
					})
				if err == nil {
					granted.Add(1)
				}
			}(role)
		}
		wg.Wait()
		assert.EqualValues(t, 1, granted.Load())

		roles, err := s.roles.RolesForUser(ctx, "dan")
		require.NoError(t, err)
		assert.Len(t, roles, 2)
	})

	t.Run("sod rules", func(t *testing.T) {
		s := newStores(t)

		rule := &SoDRule{
			RoleA:         "ap_clerk",
			RoleB:         "payment_approver",
			ConflictLabel: "create and pay",
			RiskLevel:     RiskCritical,
			IsBlocking:    true,
			IsActive:      true,
		}
		require.NoError(t, s.rules.CreateRule(ctx, rule))
		assert.NotEmpty(t, rule.ID)

		mirrored := &SoDRule{
			RoleA:         "Payment_Approver",
			RoleB:         "AP_Clerk",
			ConflictLabel: "duplicate",
			RiskLevel:     RiskLow,
			IsActive:      true,
		}
		err := s.rules.CreateRule(ctx, mirrored)
		assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

		rules, err := s.rules.ListActiveRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, rule.ID, rules[0].ID)
		assert.True(t, rules[0].IsBlocking)

		require.NoError(t, s.rules.DeleteRule(ctx, rule.ID))
		err = s.rules.DeleteRule(ctx, rule.ID)
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	})
}
