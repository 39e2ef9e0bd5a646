package service

import (
	"context"
	"sort"
	"strings"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/metrics"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// Conflict is one SoD rule matched against a user's roles.
type Conflict struct {
	RuleID        string  `json:"rule_id"`
	HeldRole      string  `json:"held_role"`
	ConflictRole  string  `json:"conflict_role"`
	ConflictLabel string  `json:"conflict_label"`
	Description   *string `json:"description,omitempty"`
	RiskLevel     string  `json:"risk_level"`
	IsBlocking    bool    `json:"is_blocking"`
}

// ConflictCheck is the result of simulating one role grant.
type ConflictCheck struct {
	UserID        string     `json:"user_id"`
	CandidateRole string     `json:"candidate_role"`
	Blocking      bool       `json:"blocking"`
	Conflicts     []Conflict `json:"conflicts"`
}

// SoDChecker evaluates segregation-of-duties rules against role holdings.
// Rules are symmetric: a rule on {a, b} matches whichever side is held.
type SoDChecker struct {
	rules   repository.SoDRuleStore
	roles   repository.RoleStore
	metrics *metrics.Metrics
	log     *logger.Logger
}

func NewSoDChecker(rules repository.SoDRuleStore, roles repository.RoleStore, m *metrics.Metrics, log *logger.Logger) *SoDChecker {
	return &SoDChecker{rules: rules, roles: roles, metrics: m, log: log}
}

// Check returns the active rules violated by roles userID already holds.
func (c *SoDChecker) Check(ctx context.Context, userID string) ([]Conflict, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	held, err := c.heldRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	rules, err := c.rules.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	conflicts := []Conflict{}
	for _, rule := range rules {
		a, b := roleKey(rule.RoleA), roleKey(rule.RoleB)
		_, hasA := held[a]
		_, hasB := held[b]
		if hasA && hasB {
			conflicts = append(conflicts, newConflict(rule, rule.RoleA, rule.RoleB))
		}
	}
	sortConflicts(conflicts)
	return conflicts, nil
}

// WouldConflict simulates granting candidateRole to userID. Blocking is
// true when any matched rule is blocking; the caller must then refuse the
// grant. Non-blocking conflicts are advisory.
func (c *SoDChecker) WouldConflict(ctx context.Context, userID, candidateRole string) (*ConflictCheck, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	candidate := roleKey(candidateRole)
	if candidate == "" {
		return nil, errors.InvalidInput("role", "is required")
	}

	held, err := c.heldRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	rules, err := c.rules.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	check := simulateGrant(userID, candidateRole, held, rules)
	c.report(check)
	return check, nil
}

// simulateGrant matches candidateRole against rules given the held role keys.
func simulateGrant(userID, candidateRole string, held map[string]struct{}, rules []*repository.SoDRule) *ConflictCheck {
	candidate := roleKey(candidateRole)
	check := &ConflictCheck{UserID: userID, CandidateRole: candidateRole, Conflicts: []Conflict{}}
	for _, rule := range rules {
		a, b := roleKey(rule.RoleA), roleKey(rule.RoleB)
		var heldSide string
		switch candidate {
		case a:
			heldSide = rule.RoleB
		case b:
			heldSide = rule.RoleA
		default:
			continue
		}
		if _, ok := held[roleKey(heldSide)]; !ok {
			continue
		}
		check.Conflicts = append(check.Conflicts, newConflict(rule, heldSide, candidateRole))
		if rule.IsBlocking {
			check.Blocking = true
		}
	}
	sortConflicts(check.Conflicts)
	return check
}

func (c *SoDChecker) report(check *ConflictCheck) {
	if len(check.Conflicts) == 0 {
		return
	}
	c.metrics.SoDConflict(check.Blocking)
	c.log.Info().
		Str("user_id", check.UserID).
		Str("candidate_role", check.CandidateRole).
		Int("conflicts", len(check.Conflicts)).
		Bool("blocking", check.Blocking).
		Msg("SoD conflict detected")
}

func (c *SoDChecker) heldRoles(ctx context.Context, userID string) (map[string]struct{}, error) {
	roles, err := c.roles.RolesForUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load user roles")
	}
	return roleSet(roles), nil
}

func roleSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[roleKey(r)] = struct{}{}
	}
	return set
}

func roleKey(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func newConflict(rule *repository.SoDRule, held, other string) Conflict {
	return Conflict{
		RuleID:        rule.ID,
		HeldRole:      held,
		ConflictRole:  other,
		ConflictLabel: rule.ConflictLabel,
		Description:   rule.Description,
		RiskLevel:     rule.RiskLevel,
		IsBlocking:    rule.IsBlocking,
	}
}

var riskRank = map[string]int{
	repository.RiskCritical: 0,
	repository.RiskHigh:     1,
	repository.RiskMedium:   2,
	repository.RiskLow:      3,
}

// sortConflicts puts blocking and higher-risk conflicts first.
func sortConflicts(conflicts []Conflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].IsBlocking != conflicts[j].IsBlocking {
			return conflicts[i].IsBlocking
		}
		return riskRank[conflicts[i].RiskLevel] < riskRank[conflicts[j].RiskLevel]
	})
}
