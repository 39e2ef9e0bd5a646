package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// RoleService mutates role holdings and SoD rules. Every grant is checked
// against the SoD rules first.
type RoleService struct {
	roles     repository.RoleStore
	rules     repository.SoDRuleStore
	checker   *SoDChecker
	resolver  *ApproverResolver
	adminRole string
	log       *logger.Logger
}

// NewRoleService creates a new RoleService. resolver may be nil; when set,
// its role cache is invalidated on every change. adminRole defaults to
// approval_admin.
func NewRoleService(
	roles repository.RoleStore,
	rules repository.SoDRuleStore,
	checker *SoDChecker,
	resolver *ApproverResolver,
	adminRole string,
	log *logger.Logger,
) *RoleService {
	if adminRole == "" {
		adminRole = "approval_admin"
	}
	return &RoleService{
		roles:     roles,
		rules:     rules,
		checker:   checker,
		resolver:  resolver,
		adminRole: adminRole,
		log:       log,
	}
}

// RequireAdmin returns ErrAdminRequired unless actor holds the admin role.
func (s *RoleService) RequireAdmin(ctx context.Context, actor string) error {
	if actor == "" {
		return ErrAdminRequired
	}
	ok, err := s.roles.HasRole(ctx, actor, s.adminRole)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAdminRequired
	}
	return nil
}

// BootstrapAdmins grants the admin role to each configured user. It runs
// at startup so a fresh store has someone able to administer it.
func (s *RoleService) BootstrapAdmins(ctx context.Context, users []string, grantedBy string) error {
	for _, user := range users {
		if _, err := s.GrantRole(ctx, user, s.adminRole, grantedBy); err != nil {
			return fmt.Errorf("bootstrap admin %s: %w", user, err)
		}
	}
	return nil
}

// GrantRole gives role to userID unless a blocking SoD rule forbids it.
// The rule check and the insert happen under one per-user lock, so two
// concurrent grants cannot both slip past a blocking rule. The returned
// check lists any advisory conflicts the grant introduced.
func (s *RoleService) GrantRole(ctx context.Context, userID, role, grantedBy string) (*ConflictCheck, error) {
	role = strings.TrimSpace(role)
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	if role == "" {
		return nil, errors.InvalidInput("role", "is required")
	}

	rules, err := s.rules.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	var check *ConflictCheck
	err = s.roles.GrantRoleGuarded(ctx, &repository.RoleGrant{
		UserID:    userID,
		Role:      role,
		GrantedBy: grantedBy,
	}, func(held []string) error {
		check = simulateGrant(userID, role, roleSet(held), rules)
		if check.Blocking {
			return errors.Wrap(ErrBlockingConflict, errors.ErrCodeConflict,
				fmt.Sprintf("granting %s to %s", role, userID))
		}
		return nil
	})
	if check != nil {
		s.checker.report(check)
	}
	if errors.Is(err, ErrBlockingConflict) {
		s.log.Warn().
			Str("user_id", userID).
			Str("role", role).
			Str("granted_by", grantedBy).
			Msg("Role grant refused by blocking SoD rule")
		return check, err
	}
	if err != nil {
		return nil, err
	}
	s.invalidate(role)

	s.log.Info().
		Str("user_id", userID).
		Str("role", role).
		Str("granted_by", grantedBy).
		Int("advisory_conflicts", len(check.Conflicts)).
		Msg("Role granted")
	return check, nil
}

func (s *RoleService) RevokeRole(ctx context.Context, userID, role, revokedBy string) error {
	if err := s.roles.RevokeRole(ctx, userID, role); err != nil {
		return err
	}
	s.invalidate(role)
	s.log.Info().Str("user_id", userID).Str("role", role).Str("revoked_by", revokedBy).Msg("Role revoked")
	return nil
}

func (s *RoleService) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	return s.roles.RolesForUser(ctx, userID)
}

// CreateRuleRequest defines a new SoD rule.
type CreateRuleRequest struct {
	RoleA         string  `json:"role_a"`
	RoleB         string  `json:"role_b"`
	ConflictLabel string  `json:"conflict_label"`
	Description   *string `json:"description,omitempty"`
	RiskLevel     string  `json:"risk_level"`
	IsBlocking    bool    `json:"is_blocking"`
}

func (s *RoleService) CreateRule(ctx context.Context, req *CreateRuleRequest) (*repository.SoDRule, error) {
	a, b := strings.TrimSpace(req.RoleA), strings.TrimSpace(req.RoleB)
	if a == "" {
		return nil, errors.InvalidInput("role_a", "is required")
	}
	if b == "" {
		return nil, errors.InvalidInput("role_b", "is required")
	}
	if roleKey(a) == roleKey(b) {
		return nil, errors.InvalidInput("role_b", "must differ from role_a")
	}
	if req.ConflictLabel == "" {
		return nil, errors.InvalidInput("conflict_label", "is required")
	}
	risk := req.RiskLevel
	if risk == "" {
		risk = repository.RiskMedium
	}
	if _, ok := riskRank[risk]; !ok {
		return nil, errors.InvalidInput("risk_level", fmt.Sprintf("unknown risk level %q", risk))
	}

	rule := &repository.SoDRule{
		RoleA:         a,
		RoleB:         b,
		ConflictLabel: req.ConflictLabel,
		Description:   req.Description,
		RiskLevel:     risk,
		IsBlocking:    req.IsBlocking,
		IsActive:      true,
	}
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	s.log.Info().Str("rule_id", rule.ID).Str("role_a", a).Str("role_b", b).Msg("SoD rule created")
	return rule, nil
}

func (s *RoleService) ListRules(ctx context.Context) ([]*repository.SoDRule, error) {
	return s.rules.ListActiveRules(ctx)
}

func (s *RoleService) DeleteRule(ctx context.Context, id string) error {
	return s.rules.DeleteRule(ctx, id)
}

func (s *RoleService) invalidate(role string) {
	if s.resolver != nil {
		s.resolver.InvalidateRole(role)
	}
}
