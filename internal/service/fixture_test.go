package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	intents []NotifyIntent
}

func (n *recordingNotifier) Notify(_ context.Context, intent NotifyIntent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.intents = append(n.intents, intent)
}

func (n *recordingNotifier) ofType(eventType string) []NotifyIntent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []NotifyIntent
	for _, i := range n.intents {
		if i.EventType == eventType {
			out = append(out, i)
		}
	}
	return out
}

type fakeSyncer struct {
	mu       sync.Mutex
	updates  []repository.StatusUpdate
	failures int
	calls    int
}

func (s *fakeSyncer) SyncStatus(_ context.Context, update repository.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return stderrors.New("document service unavailable")
	}
	s.updates = append(s.updates, update)
	return nil
}

func (s *fakeSyncer) synced() []repository.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repository.StatusUpdate(nil), s.updates...)
}

type fixture struct {
	store    *repository.MemoryStore
	resolver *ApproverResolver
	registry *WorkflowRegistry
	effects  *EffectDispatcher
	engine   *Engine
	notifier *recordingNotifier
	syncer   *fakeSyncer
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()
	store := repository.NewMemoryStore()

	resolver, err := NewApproverResolver(store, ResolverConfig{
		RetryAttempts: 1,
		RetryInitial:  time.Millisecond,
	}, log)
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		resolver: resolver,
		registry: NewWorkflowRegistry(store, resolver, log),
		notifier: &recordingNotifier{},
		syncer:   &fakeSyncer{},
		clock:    &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	f.effects = NewEffectDispatcher(store, f.syncer, EffectConfig{
		RetryAttempts: 1,
		RetryInitial:  time.Millisecond,
		MaxAttempts:   3,
		RetryDelay:    time.Minute,
		Now:           f.clock.Now,
	}, nil, log)
	f.engine = f.newEngine(store)
	return f
}

// newEngine wires an engine over requests, sharing everything else.
func (f *fixture) newEngine(requests repository.RequestStore) *Engine {
	return NewEngine(f.registry, requests, f.store, f.resolver, f.effects, f.notifier, nil, EngineConfig{
		AdminRole:   "approval_admin",
		SystemActor: "system",
		Now:         f.clock.Now,
	}, logger.Nop())
}

func (f *fixture) grant(t *testing.T, userID string, roles ...string) {
	t.Helper()
	for _, role := range roles {
		require.NoError(t, f.store.GrantRole(context.Background(), &repository.RoleGrant{UserID: userID, Role: role}))
	}
}

func (f *fixture) workflow(t *testing.T, entityType string, steps ...repository.Step) *repository.Workflow {
	t.Helper()
	wf, err := f.registry.CreateWorkflow(context.Background(), &CreateWorkflowRequest{
		EntityType: entityType,
		Name:       entityType + " approval",
		Activate:   true,
		Steps:      steps,
	}, "admin")
	require.NoError(t, err)
	return wf
}

func (f *fixture) submit(t *testing.T, entityID string, doc map[string]any) *repository.ApprovalRequest {
	t.Helper()
	req, err := f.engine.Submit(context.Background(), &SubmitRequest{
		EntityType:   "purchase_order",
		EntityID:     entityID,
		EntityNumber: "PO-" + entityID,
		SubmittedBy:  "requester",
		Document:     doc,
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) act(req *repository.ApprovalRequest, actor, action string) (*repository.ApprovalRequest, error) {
	stepID := ""
	if req.CurrentStepID != nil {
		stepID = *req.CurrentStepID
	}
	return f.engine.Act(context.Background(), &ActionInput{
		RequestID: req.ID,
		StepID:    stepID,
		ActorID:   actor,
		Action:    action,
	})
}

func (f *fixture) eventTypes(t *testing.T, requestID string) []string {
	t.Helper()
	events, err := f.engine.AuditTrail(context.Background(), requestID)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func userStep(order int, approvalType string, users ...string) repository.Step {
	step := repository.Step{
		StepOrder:    order,
		Name:         "step " + string(rune('0'+order)),
		ApprovalType: approvalType,
	}
	for _, u := range users {
		step.Approvers = append(step.Approvers, repository.ApproverSpec{
			ApproverType:  repository.ApproverTypeUser,
			ApproverValue: u,
		})
	}
	return step
}

func roleStep(order int, role string) repository.Step {
	return repository.Step{
		StepOrder:    order,
		Name:         role + " review",
		ApprovalType: repository.ApprovalTypeAny,
		Approvers: []repository.ApproverSpec{
			{ApproverType: repository.ApproverTypeRole, ApproverValue: role},
		},
	}
}
