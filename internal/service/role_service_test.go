package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

func newRoleService(t *testing.T) (*RoleService, *ApproverResolver, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	resolver, err := NewApproverResolver(store, ResolverConfig{RoleCacheTTL: time.Hour, RetryAttempts: 1}, logger.Nop())
	require.NoError(t, err)
	checker := NewSoDChecker(store, store, nil, logger.Nop())
	return NewRoleService(store, store, checker, resolver, "approval_admin", logger.Nop()), resolver, store
}

func TestGrantRoleRefusesBlockingConflict(t *testing.T) {
	svc, _, store := newRoleService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, &CreateRuleRequest{
		RoleA:         "ap_clerk",
		RoleB:         "payment_approver",
		ConflictLabel: "enter and pay invoices",
		RiskLevel:     repository.RiskCritical,
		IsBlocking:    true,
	})
	require.NoError(t, err)
	_, err = svc.GrantRole(ctx, "u1", "ap_clerk", "admin")
	require.NoError(t, err)

	check, err := svc.GrantRole(ctx, "u1", "payment_approver", "admin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlockingConflict))
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	require.NotNil(t, check)
	assert.True(t, check.Blocking)

	held, err := store.HasRole(ctx, "u1", "payment_approver")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestGrantRoleAllowsAdvisoryConflict(t *testing.T) {
	svc, _, store := newRoleService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, &CreateRuleRequest{
		RoleA:         "buyer",
		RoleB:         "receiver",
		ConflictLabel: "order and receive goods",
	})
	require.NoError(t, err)
	_, err = svc.GrantRole(ctx, "u1", "buyer", "admin")
	require.NoError(t, err)

	check, err := svc.GrantRole(ctx, "u1", "receiver", "admin")
	require.NoError(t, err)
	assert.False(t, check.Blocking)
	require.Len(t, check.Conflicts, 1)
	assert.Equal(t, repository.RiskMedium, check.Conflicts[0].RiskLevel)

	held, err := store.HasRole(ctx, "u1", "receiver")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestConcurrentGrantsCannotBypassBlockingRule(t *testing.T) {
	svc, _, store := newRoleService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, &CreateRuleRequest{
		RoleA:         "ap_clerk",
		RoleB:         "payment_approver",
		ConflictLabel: "enter and pay invoices",
		IsBlocking:    true,
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		user := fmt.Sprintf("u%d", i)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for j, role := range []string{"ap_clerk", "payment_approver"} {
			wg.Add(1)
			go func(j int, role string) {
				defer wg.Done()
				_, errs[j] = svc.GrantRole(ctx, user, role, "admin")
			}(j, role)
		}
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err != nil {
				assert.True(t, errors.Is(err, ErrBlockingConflict))
				failed++
			}
		}
		assert.Equal(t, 1, failed, user)

		roles, err := store.RolesForUser(ctx, user)
		require.NoError(t, err)
		assert.Len(t, roles, 1, user)
	}
}

func TestRequireAdmin(t *testing.T) {
	svc, _, _ := newRoleService(t)
	ctx := context.Background()

	err := svc.RequireAdmin(ctx, "mallory")
	assert.True(t, errors.Is(err, ErrAdminRequired))
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
	assert.True(t, errors.Is(svc.RequireAdmin(ctx, ""), ErrAdminRequired))

	require.NoError(t, svc.BootstrapAdmins(ctx, []string{"root"}, "system"))
	assert.NoError(t, svc.RequireAdmin(ctx, "root"))

	roles, err := svc.RolesForUser(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"approval_admin"}, roles)
}

func TestRoleChangesInvalidateResolverCache(t *testing.T) {
	svc, resolver, _ := newRoleService(t)
	ctx := context.Background()

	_, err := svc.GrantRole(ctx, "u1", "controller", "admin")
	require.NoError(t, err)
	users, err := resolver.UsersWithRole(ctx, "controller")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	_, err = svc.GrantRole(ctx, "u2", "controller", "admin")
	require.NoError(t, err)
	users, err = resolver.UsersWithRole(ctx, "controller")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	require.NoError(t, svc.RevokeRole(ctx, "u1", "controller", "admin"))
	users, err = resolver.UsersWithRole(ctx, "controller")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, users)
}

func TestCreateRuleValidation(t *testing.T) {
	svc, _, _ := newRoleService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   CreateRuleRequest
		field string
	}{
		{"missing role a", CreateRuleRequest{RoleB: "b", ConflictLabel: "x"}, "role_a"},
		{"same roles", CreateRuleRequest{RoleA: "Buyer", RoleB: "buyer", ConflictLabel: "x"}, "role_b"},
		{"missing label", CreateRuleRequest{RoleA: "a", RoleB: "b"}, "conflict_label"},
		{"bad risk", CreateRuleRequest{RoleA: "a", RoleB: "b", ConflictLabel: "x", RiskLevel: "extreme"}, "risk_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateRule(ctx, &tt.req)
			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.field, appErr.Field)
		})
	}

	_, err := svc.CreateRule(ctx, &CreateRuleRequest{RoleA: "a", RoleB: "b", ConflictLabel: "x"})
	require.NoError(t, err)
	_, err = svc.CreateRule(ctx, &CreateRuleRequest{RoleA: "B", RoleB: "A", ConflictLabel: "y"})
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	rules, err := svc.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NoError(t, svc.DeleteRule(ctx, rules[0].ID))
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(svc.DeleteRule(ctx, rules[0].ID)))
}
