package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/patrickmn/go-cache"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

// DocumentContext is what approver rules may look at.
type DocumentContext struct {
	EntityType  string
	EntityID    string
	SubmittedBy string
	Document    map[string]any
}

// DynamicRule resolves a dynamic approver key to identities.
type DynamicRule func(ctx context.Context, docCtx DocumentContext) ([]string, error)

type specResolver func(ctx context.Context, value string, docCtx DocumentContext) ([]string, error)

// Built-in dynamic rule keys.
const (
	RuleRequesterManager        = "requester_manager"
	RuleRequesterDepartmentHead = "requester_department_head"
)

// ResolverConfig configures an ApproverResolver.
type ResolverConfig struct {
	// ExprRules maps a dynamic rule key to an expression evaluated against
	// {document, submitter, entity_type, entity_id}. It must yield a user id
	// or a list of user ids.
	ExprRules     map[string]string
	RoleCacheTTL  time.Duration
	RetryAttempts int
	RetryInitial  time.Duration
}

// ApproverResolver turns approver specs into concrete identities. Specs are
// dispatched through a table keyed by approver type.
type ApproverResolver struct {
	roles     repository.RoleStore
	resolvers map[string]specResolver
	dynamic   map[string]DynamicRule
	roleCache *cache.Cache
	cfg       ResolverConfig
	log       *logger.Logger
}

// NewApproverResolver builds a resolver. Every expression rule is compiled
// up front so a bad rule fails startup, not a submission.
func NewApproverResolver(roles repository.RoleStore, cfg ResolverConfig, log *logger.Logger) (*ApproverResolver, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 100 * time.Millisecond
	}

	r := &ApproverResolver{
		roles:   roles,
		dynamic: make(map[string]DynamicRule),
		cfg:     cfg,
		log:     log,
	}
	if cfg.RoleCacheTTL > 0 {
		r.roleCache = cache.New(cfg.RoleCacheTTL, 2*cfg.RoleCacheTTL)
	}

	r.resolvers = map[string]specResolver{
		repository.ApproverTypeRole:    r.resolveRole,
		repository.ApproverTypeUser:    resolveUser,
		repository.ApproverTypeDynamic: r.resolveDynamic,
	}

	r.dynamic[RuleRequesterManager] = r.relationshipRule("manager")
	r.dynamic[RuleRequesterDepartmentHead] = r.relationshipRule("department_head")

	for key, source := range cfg.ExprRules {
		program, err := expr.Compile(source, expr.Env(ruleEnv(DocumentContext{})))
		if err != nil {
			return nil, fmt.Errorf("compile dynamic rule %q: %w", key, err)
		}
		r.dynamic[key] = exprRule(key, program)
	}
	return r, nil
}

// RegisterRule adds or replaces a dynamic rule.
func (r *ApproverResolver) RegisterRule(key string, rule DynamicRule) {
	r.dynamic[key] = rule
}

// HasRule reports whether a dynamic rule key is known.
func (r *ApproverResolver) HasRule(key string) bool {
	_, ok := r.dynamic[key]
	return ok
}

// ResolveApprovers returns the sorted, de-duplicated identities for a step.
// A non-nil routedRole replaces the step's configured approvers for this
// evaluation only.
func (r *ApproverResolver) ResolveApprovers(ctx context.Context, step *repository.Step, docCtx DocumentContext, routedRole *string) ([]string, error) {
	specs := step.Approvers
	if routedRole != nil {
		specs = []repository.ApproverSpec{{ApproverType: repository.ApproverTypeRole, ApproverValue: *routedRole}}
	}

	seen := make(map[string]struct{})
	for _, spec := range specs {
		resolve, ok := r.resolvers[spec.ApproverType]
		if !ok {
			return nil, errors.New(errors.ErrCodeConfiguration,
				fmt.Sprintf("step %q has unknown approver type %q", step.Name, spec.ApproverType))
		}
		ids, err := resolve(ctx, spec.ApproverValue, docCtx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				seen[id] = struct{}{}
			}
		}
	}

	if len(seen) == 0 {
		return nil, errors.Wrap(ErrNoEligibleApprovers, errors.ErrCodeUnresolvedApprover,
			fmt.Sprintf("step %q", step.Name))
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// UsersWithRole returns role holders through the cache.
func (r *ApproverResolver) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	key := strings.ToLower(role)
	if r.roleCache != nil {
		if cached, ok := r.roleCache.Get(key); ok {
			return cached.([]string), nil
		}
	}

	var users []string
	err := r.retry(ctx, func() error {
		var err error
		users, err = r.roles.UsersWithRole(ctx, role)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to resolve role %s", role))
	}

	if r.roleCache != nil {
		r.roleCache.SetDefault(key, users)
	}
	return users, nil
}

// InvalidateRole drops a cached role lookup after membership changes.
func (r *ApproverResolver) InvalidateRole(role string) {
	if r.roleCache != nil {
		r.roleCache.Delete(strings.ToLower(role))
	}
}

func (r *ApproverResolver) resolveRole(ctx context.Context, role string, _ DocumentContext) ([]string, error) {
	return r.UsersWithRole(ctx, role)
}

func resolveUser(_ context.Context, userID string, _ DocumentContext) ([]string, error) {
	return []string{userID}, nil
}

func (r *ApproverResolver) resolveDynamic(ctx context.Context, key string, docCtx DocumentContext) ([]string, error) {
	rule, ok := r.dynamic[key]
	if !ok {
		return nil, errors.New(errors.ErrCodeConfiguration, fmt.Sprintf("unknown dynamic approver rule %q", key))
	}

	var ids []string
	err := r.retry(ctx, func() error {
		var err error
		ids, err = rule(ctx, docCtx)
		if errors.HasCode(err, errors.ErrCodeConfiguration) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(ErrUnresolvedDynamicApprover, errors.ErrCodeUnresolvedApprover,
			fmt.Sprintf("rule %q failed: %v", key, err))
	}
	if len(ids) == 0 {
		return nil, errors.Wrap(ErrUnresolvedDynamicApprover, errors.ErrCodeUnresolvedApprover,
			fmt.Sprintf("rule %q", key))
	}
	return ids, nil
}

func (r *ApproverResolver) relationshipRule(relationship string) DynamicRule {
	return func(ctx context.Context, docCtx DocumentContext) ([]string, error) {
		return r.roles.RelatedUsers(ctx, docCtx.SubmittedBy, relationship)
	}
}

func (r *ApproverResolver) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.RetryAttempts-1)), ctx)
	return backoff.Retry(op, policy)
}

func ruleEnv(docCtx DocumentContext) map[string]any {
	doc := docCtx.Document
	if doc == nil {
		doc = map[string]any{}
	}
	return map[string]any{
		"document":    doc,
		"submitter":   docCtx.SubmittedBy,
		"entity_type": docCtx.EntityType,
		"entity_id":   docCtx.EntityID,
	}
}

func exprRule(key string, program *vm.Program) DynamicRule {
	return func(_ context.Context, docCtx DocumentContext) ([]string, error) {
		result, err := expr.Run(program, ruleEnv(docCtx))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfiguration, fmt.Sprintf("rule %q", key))
		}
		switch v := result.(type) {
		case nil:
			return nil, nil
		case string:
			if v == "" {
				return nil, nil
			}
			return []string{v}, nil
		case []string:
			return v, nil
		case []any:
			ids := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, errors.New(errors.ErrCodeConfiguration,
						fmt.Sprintf("rule %q yielded a non-string element %T", key, item))
				}
				ids = append(ids, s)
			}
			return ids, nil
		default:
			return nil, errors.New(errors.ErrCodeConfiguration,
				fmt.Sprintf("rule %q yielded %T, want string or list", key, result))
		}
	}
}
