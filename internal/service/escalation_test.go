package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

func timedStep(order int, action string, hours int, users ...string) repository.Step {
	step := userStep(order, repository.ApprovalTypeAny, users...)
	step.EscalationAction = action
	step.TimeoutHours = intPtr(hours)
	return step
}

func (f *fixture) scheduler(lease SweepLease) *EscalationScheduler {
	return NewEscalationScheduler(f.engine, f.store, lease, time.Minute, 10, logger.Nop())
}

func TestAutoRejectAfterTimeout(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "purchase_order", timedStep(1, repository.EscalationAutoReject, 24, "a"))
	req := f.submit(t, "po-1", nil)

	require.NotNil(t, req.StepDueAt)
	assert.True(t, req.StepDueAt.Equal(f.clock.Now().Add(24*time.Hour)))

	sched := f.scheduler(nil)

	f.clock.Advance(23 * time.Hour)
	fired, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	f.clock.Advance(time.Hour)
	fired, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	stored, err := f.engine.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, stored.Status)

	history, err := f.engine.History(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "system", history[0].ActorID)
	assert.Equal(t, repository.ActionReject, history[0].Action)

	synced := f.syncer.synced()
	require.Len(t, synced, 1)
	assert.Equal(t, repository.StatusRejected, synced[0].Status)
	assert.Equal(t, "system", synced[0].ActorID)

	fired, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestAutoApproveAdvancesToNextStep(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "purchase_order",
		timedStep(1, repository.EscalationAutoApprove, 8, "a"),
		userStep(2, repository.ApprovalTypeAny, "b"),
	)
	req := f.submit(t, "po-1", nil)

	f.clock.Advance(8 * time.Hour)
	ok, err := f.engine.FireEscalation(context.Background(), req.ID, *req.CurrentStepID, *req.StepDueAt)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := f.engine.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, stored.Status)
	assert.Equal(t, 2, *stored.CurrentStepOrder)
	assert.Nil(t, stored.StepDueAt)
}

func TestEscalationAfterHumanActionIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "purchase_order",
		timedStep(1, repository.EscalationAutoReject, 24, "a"),
		userStep(2, repository.ApprovalTypeAny, "b"),
	)
	req := f.submit(t, "po-1", nil)
	stepID, dueAt := *req.CurrentStepID, *req.StepDueAt

	_, err := f.act(req, "a", repository.ActionApprove)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	ok, err := f.engine.FireEscalation(context.Background(), req.ID, stepID, dueAt)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := f.engine.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, stored.Status)
	assert.Equal(t, 2, *stored.CurrentStepOrder)
}

func TestEscalationBeforeDeadlineIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "purchase_order", timedStep(1, repository.EscalationAutoReject, 24, "a"))
	req := f.submit(t, "po-1", nil)

	ok, err := f.engine.FireEscalation(context.Background(), req.ID, *req.CurrentStepID, *req.StepDueAt)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEscalateToRoleOnceThenRemind(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "fd", "finance_director")
	step := timedStep(1, repository.EscalationEscalateToRole, 4, "a")
	step.EscalationRole = strPtr("finance_director")
	f.workflow(t, "purchase_order", step)
	req := f.submit(t, "po-1", nil)
	sched := f.scheduler(LocalLease{})

	f.clock.Advance(4 * time.Hour)
	fired, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fired)

	stored, err := f.engine.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fd"}, stored.StepState.Approvers)
	assert.True(t, stored.StepState.Escalated)
	assert.True(t, stored.StepDueAt.Equal(f.clock.Now().Add(4*time.Hour)))
	escalated := f.notifier.ofType(NotifyEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, []string{"fd"}, escalated[0].Recipients)

	f.clock.Advance(4 * time.Hour)
	fired, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fired)

	stored, err = f.engine.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fd"}, stored.StepState.Approvers)
	assert.Equal(t, 1, stored.StepState.Reminders)
	require.Len(t, f.notifier.ofType(NotifyReminder), 1)

	_, err = f.act(stored, "fd", repository.ActionApprove)
	require.NoError(t, err)
}

func TestEscalateToRoleKeepsPriorApprovals(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "a", "controller")
	f.grant(t, "c", "controller")
	step := timedStep(1, repository.EscalationEscalateToRole, 4, "a", "b")
	step.ApprovalType = repository.ApprovalTypeAll
	step.EscalationRole = strPtr("controller")
	f.workflow(t, "purchase_order", step)
	req := f.submit(t, "po-1", nil)

	req, err := f.act(req, "a", repository.ActionApprove)
	require.NoError(t, err)

	f.clock.Advance(4 * time.Hour)
	ok, err := f.engine.FireEscalation(context.Background(), req.ID, *req.CurrentStepID, *req.StepDueAt)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := f.engine.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, stored.StepState.Approvers)
	assert.Equal(t, []string{"c"}, stored.StepState.Eligible)

	stored, err = f.act(stored, "c", repository.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, stored.Status)
}

func TestNotifyOnlyPushesDeadline(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "purchase_order", timedStep(1, repository.EscalationNotifyOnly, 2, "a", "b"))
	req := f.submit(t, "po-1", nil)

	f.clock.Advance(3 * time.Hour)
	ok, err := f.engine.FireEscalation(context.Background(), req.ID, *req.CurrentStepID, *req.StepDueAt)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := f.engine.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, stored.Status)
	assert.True(t, stored.StepDueAt.Equal(f.clock.Now().Add(2*time.Hour)))
	reminders := f.notifier.ofType(NotifyReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, []string{"a", "b"}, reminders[0].Recipients)
}

type deniedLease struct{ err error }

func (l deniedLease) Acquire(context.Context, time.Duration) (bool, error) { return false, l.err }

func TestSweepRequiresLease(t *testing.T) {
	f := newFixture(t)
	f.workflow(t, "purchase_order", timedStep(1, repository.EscalationAutoReject, 1, "a"))
	req := f.submit(t, "po-1", nil)
	f.clock.Advance(2 * time.Hour)

	fired, err := f.scheduler(deniedLease{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	_, err = f.scheduler(deniedLease{err: stderrors.New("redis down")}).Sweep(context.Background())
	assert.Error(t, err)

	stored, err := f.engine.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, stored.Status)
}
