package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
)

// MemoryStore implements every store interface in process. It backs the
// "memory" storage driver and the service tests. All reads return copies.
type MemoryStore struct {
	mu sync.RWMutex

	workflows     map[string]*Workflow
	requests      map[string]*ApprovalRequest
	pendingByDoc  map[string]string
	actions       map[string][]*ApprovalAction
	events        map[string][]*AuditEvent
	effects       map[string]*PendingEffect
	effectOrder   []string
	roles         map[string]map[string]*RoleGrant
	relationships map[string]map[string][]string
	sodRules      map[string]*SoDRule

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:     make(map[string]*Workflow),
		requests:      make(map[string]*ApprovalRequest),
		pendingByDoc:  make(map[string]string),
		actions:       make(map[string][]*ApprovalAction),
		events:        make(map[string][]*AuditEvent),
		effects:       make(map[string]*PendingEffect),
		roles:         make(map[string]map[string]*RoleGrant),
		relationships: make(map[string]map[string][]string),
		sodRules:      make(map[string]*SoDRule),
		now:           time.Now,
	}
}

func docKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

// ── Workflows ────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make(map[int]struct{}, len(wf.Steps))
	for _, step := range wf.Steps {
		if _, dup := orders[step.StepOrder]; dup {
			return errors.New(errors.ErrCodeConfiguration, "step order collision")
		}
		orders[step.StepOrder] = struct{}{}
	}

	now := m.now()
	maxVersion := 0
	for _, existing := range m.workflows {
		if existing.EntityType == wf.EntityType && existing.Version > maxVersion {
			maxVersion = existing.Version
		}
	}

	wf.ID = uuid.NewString()
	wf.Version = maxVersion + 1
	wf.CreatedAt = now
	wf.UpdatedAt = now
	for i := range wf.Steps {
		step := &wf.Steps[i]
		step.ID = uuid.NewString()
		step.WorkflowID = wf.ID
		for j := range step.Conditions {
			step.Conditions[j].ID = uuid.NewString()
			step.Conditions[j].StepID = step.ID
		}
		for j := range step.Approvers {
			step.Approvers[j].ID = uuid.NewString()
			step.Approvers[j].StepID = step.ID
		}
	}

	if wf.IsActive {
		m.deactivateTypeLocked(wf.EntityType, now)
	}
	m.workflows[wf.ID] = clone(wf)
	return nil
}

func (m *MemoryStore) deactivateTypeLocked(entityType string, now time.Time) {
	for _, existing := range m.workflows {
		if existing.EntityType == entityType && existing.IsActive {
			existing.IsActive = false
			existing.UpdatedAt = now
		}
	}
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return clone(wf), nil
}

func (m *MemoryStore) GetActiveWorkflow(ctx context.Context, entityType string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, wf := range m.workflows {
		if wf.EntityType == entityType && wf.IsActive {
			return clone(wf), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, entityType string) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Workflow
	for _, wf := range m.workflows {
		if entityType == "" || wf.EntityType == entityType {
			out = append(out, clone(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (m *MemoryStore) ActivateWorkflow(ctx context.Context, id string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	now := m.now()
	m.deactivateTypeLocked(wf.EntityType, now)
	wf.IsActive = true
	wf.UpdatedAt = now
	return clone(wf), nil
}

func (m *MemoryStore) DeactivateWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.workflows[id]
	if !ok {
		return errors.NotFound("workflow", id)
	}
	wf.IsActive = false
	wf.UpdatedAt = m.now()
	return nil
}

// ── Requests ─────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateRequest(ctx context.Context, change *RequestChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := change.Request
	key := docKey(req.EntityType, req.EntityID)
	if req.Status == StatusPending {
		if _, exists := m.pendingByDoc[key]; exists {
			return ErrAlreadyPending
		}
	}
	if _, exists := m.requests[req.ID]; exists {
		return errors.New(errors.ErrCodeConflict, "approval request already exists: "+req.ID)
	}
	if err := m.checkEffectsLocked(change); err != nil {
		return err
	}

	now := m.now()
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now
	m.requests[req.ID] = clone(req)
	if req.Status == StatusPending {
		m.pendingByDoc[key] = req.ID
	}
	m.appendLocked(change)
	return nil
}

func (m *MemoryStore) SaveRequest(ctx context.Context, change *RequestChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := change.Request
	stored, ok := m.requests[req.ID]
	if !ok {
		return errors.NotFound("approval_request", req.ID)
	}
	if stored.Version != change.ExpectedVersion {
		return ErrConcurrencyConflict
	}
	if err := m.checkEffectsLocked(change); err != nil {
		return err
	}

	req.Version = change.ExpectedVersion + 1
	req.UpdatedAt = m.now()
	m.requests[req.ID] = clone(req)
	if req.Status != StatusPending {
		delete(m.pendingByDoc, docKey(req.EntityType, req.EntityID))
	}
	m.appendLocked(change)
	return nil
}

func (m *MemoryStore) checkEffectsLocked(change *RequestChange) error {
	for _, eff := range change.Effects {
		if _, exists := m.effects[eff.ID]; exists {
			return errors.New(errors.ErrCodeConflict, "pending effect already exists: "+eff.ID)
		}
	}
	return nil
}

func (m *MemoryStore) appendLocked(change *RequestChange) {
	for _, a := range change.Actions {
		m.actions[a.RequestID] = append(m.actions[a.RequestID], clone(a))
	}
	for _, e := range change.Events {
		m.events[e.RequestID] = append(m.events[e.RequestID], clone(e))
	}
	for _, eff := range change.Effects {
		m.effects[eff.ID] = clone(eff)
		m.effectOrder = append(m.effectOrder, eff.ID)
	}
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return clone(req), nil
}

func (m *MemoryStore) GetPendingByEntity(ctx context.Context, entityType, entityID string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pendingByDoc[docKey(entityType, entityID)]
	if !ok {
		return nil, nil
	}
	return clone(m.requests[id]), nil
}

func (m *MemoryStore) ListPendingForUser(ctx context.Context, userID string, limit int) ([]*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ApprovalRequest
	for _, req := range m.requests {
		if req.Status != StatusPending || req.StepState == nil {
			continue
		}
		for _, id := range req.StepState.Eligible {
			if id == userID {
				out = append(out, clone(req))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ApprovalRequest
	for _, req := range m.requests {
		if req.Status == StatusPending && req.StepDueAt != nil && !req.StepDueAt.After(now) {
			out = append(out, clone(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepDueAt.Before(*out[j].StepDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ApprovalAction, 0, len(m.actions[requestID]))
	for _, a := range m.actions[requestID] {
		out = append(out, clone(a))
	}
	return out, nil
}

func (m *MemoryStore) ListAuditEvents(ctx context.Context, requestID string) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AuditEvent, 0, len(m.events[requestID]))
	for _, e := range m.events[requestID] {
		out = append(out, clone(e))
	}
	return out, nil
}

// ── Effects ──────────────────────────────────────────────────────────────────

func (m *MemoryStore) ListDueEffects(ctx context.Context, now time.Time, limit int) ([]*PendingEffect, error) {
	return m.listEffects(limit, func(e *PendingEffect) bool {
		return e.Status == EffectPending && !e.NextAttemptAt.After(now)
	})
}

func (m *MemoryStore) ListFailedEffects(ctx context.Context, limit int) ([]*PendingEffect, error) {
	return m.listEffects(limit, func(e *PendingEffect) bool {
		return e.Status == EffectFailed
	})
}

func (m *MemoryStore) listEffects(limit int, match func(*PendingEffect) bool) ([]*PendingEffect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PendingEffect
	for _, id := range m.effectOrder {
		if e := m.effects[id]; match(e) {
			out = append(out, clone(e))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkEffectDone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.effects[id]
	if !ok {
		return errors.NotFound("pending_effect", id)
	}
	e.Status = EffectDone
	e.Attempts++
	e.LastError = nil
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkEffectAttempt(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.effects[id]
	if !ok {
		return errors.NotFound("pending_effect", id)
	}
	e.Attempts = attempts
	e.LastError = &lastErr
	e.UpdatedAt = m.now()
	if next.IsZero() {
		e.Status = EffectFailed
	} else {
		e.NextAttemptAt = next
	}
	return nil
}

// ── Roles ────────────────────────────────────────────────────────────────────

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func (m *MemoryStore) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	role = normalizeRole(role)
	var users []string
	for userID, grants := range m.roles {
		if _, ok := grants[role]; ok {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (m *MemoryStore) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var roles []string
	for _, g := range m.roles[userID] {
		roles = append(roles, g.Role)
	}
	sort.Strings(roles)
	return roles, nil
}

func (m *MemoryStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.roles[userID][normalizeRole(role)]
	return ok, nil
}

func (m *MemoryStore) RelatedUsers(ctx context.Context, userID, relationship string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	related := m.relationships[userID][relationship]
	return append([]string(nil), related...), nil
}

func (m *MemoryStore) GrantRole(ctx context.Context, grant *RoleGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.grantLocked(grant)
	return nil
}

// GrantRoleGuarded runs guard under the store lock; guard must not call back
// into the store.
func (m *MemoryStore) GrantRoleGuarded(ctx context.Context, grant *RoleGrant, guard func(held []string) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := make([]string, 0, len(m.roles[grant.UserID]))
	for _, g := range m.roles[grant.UserID] {
		held = append(held, g.Role)
	}
	sort.Strings(held)
	if err := guard(held); err != nil {
		return err
	}
	m.grantLocked(grant)
	return nil
}

func (m *MemoryStore) grantLocked(grant *RoleGrant) {
	key := normalizeRole(grant.Role)
	if m.roles[grant.UserID] == nil {
		m.roles[grant.UserID] = make(map[string]*RoleGrant)
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = m.now()
	}
	stored := *grant
	stored.Role = key
	m.roles[grant.UserID][key] = &stored
}

func (m *MemoryStore) RevokeRole(ctx context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := normalizeRole(role)
	if _, ok := m.roles[userID][key]; !ok {
		return errors.NotFound("role_grant", userID+"/"+role)
	}
	delete(m.roles[userID], key)
	return nil
}

// SetRelationship links userID to related identities, replacing any
// previous links of the same kind.
func (m *MemoryStore) SetRelationship(userID, relationship string, related ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.relationships[userID] == nil {
		m.relationships[userID] = make(map[string][]string)
	}
	m.relationships[userID][relationship] = append([]string(nil), related...)
}

// ── SoD rules ────────────────────────────────────────────────────────────────

func (m *MemoryStore) ListActiveRules(ctx context.Context) ([]*SoDRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SoDRule
	for _, r := range m.sodRules {
		if r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateRule(ctx context.Context, rule *SoDRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, b := normalizeRole(rule.RoleA), normalizeRole(rule.RoleB)
	for _, existing := range m.sodRules {
		ea, eb := normalizeRole(existing.RoleA), normalizeRole(existing.RoleB)
		if (ea == a && eb == b) || (ea == b && eb == a) {
			return errors.New(errors.ErrCodeConflict, "a rule for this role pair already exists")
		}
	}
	rule.ID = uuid.NewString()
	rule.CreatedAt = m.now()
	cp := *rule
	m.sodRules[rule.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sodRules[id]; !ok {
		return errors.NotFound("sod_rule", id)
	}
	delete(m.sodRules, id)
	return nil
}

var (
	_ WorkflowStore = (*MemoryStore)(nil)
	_ RequestStore  = (*MemoryStore)(nil)
	_ EffectStore   = (*MemoryStore)(nil)
	_ RoleStore     = (*MemoryStore)(nil)
	_ SoDRuleStore  = (*MemoryStore)(nil)
)
