package handler

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
	"github.com/NCGHoldings/StoresONE-sub005/internal/service"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, service.NotifyIntent) {}

type nopSyncer struct{}

func (nopSyncer) SyncStatus(context.Context, repository.StatusUpdate) error { return nil }

type testServer struct {
	store  *repository.MemoryStore
	router *mux.Router
	h      *HTTPHandler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Nop()
	store := repository.NewMemoryStore()

	resolver, err := service.NewApproverResolver(store, service.ResolverConfig{
		RetryAttempts: 1,
		RetryInitial:  time.Millisecond,
	}, log)
	require.NoError(t, err)

	registry := service.NewWorkflowRegistry(store, resolver, log)
	effects := service.NewEffectDispatcher(store, nopSyncer{}, service.EffectConfig{
		RetryAttempts: 1,
		RetryInitial:  time.Millisecond,
	}, nil, log)
	engine := service.NewEngine(registry, store, store, resolver, effects, nopNotifier{}, nil, service.EngineConfig{}, log)
	checker := service.NewSoDChecker(store, store, nil, log)
	roles := service.NewRoleService(store, store, checker, resolver, "approval_admin", log)

	require.NoError(t, store.GrantRole(context.Background(), &repository.RoleGrant{
		UserID: "admin", Role: "approval_admin", GrantedBy: "system",
	}))

	h := NewHTTPHandler(engine, registry, checker, roles, effects, log)
	r := mux.NewRouter()
	h.Register(r)
	return &testServer{store: store, router: r, h: h}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody[map[string]map[string]string](t, rec)
	return body["error"]["code"]
}

func (s *testServer) seedWorkflow(t *testing.T) *repository.Workflow {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/workflows", "admin", service.CreateWorkflowRequest{
		EntityType: "purchase_order",
		Name:       "PO approval",
		Activate:   true,
		Steps: []repository.Step{{
			StepOrder:    1,
			Name:         "manager",
			ApprovalType: repository.ApprovalTypeAny,
			Approvers: []repository.ApproverSpec{
				{ApproverType: repository.ApproverTypeUser, ApproverValue: "alice"},
			},
		}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[*repository.Workflow](t, rec)
}

func (s *testServer) submit(t *testing.T, entityID string) *repository.ApprovalRequest {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/requests", "requester", service.SubmitRequest{
		EntityType:   "purchase_order",
		EntityID:     entityID,
		EntityNumber: "PO-" + entityID,
		Document:     map[string]any{"total_amount": 1200},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[*repository.ApprovalRequest](t, rec)
}

func TestHTTPHandler_Health(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.h.SetHealthCheck(func(context.Context) error { return stderrors.New("db down") })
	rec = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPHandler_RequiresUser(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/requests", "", service.SubmitRequest{EntityType: "purchase_order"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
}

func TestHTTPHandler_WorkflowLifecycle(t *testing.T) {
	s := newTestServer(t)
	wf := s.seedWorkflow(t)

	rec := s.do(t, http.MethodGet, "/api/v1/workflows/resolve/purchase_order", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wf.ID, decodeBody[*repository.Workflow](t, rec).ID)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows?entity_type=purchase_order", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string][]*repository.Workflow](t, rec)
	assert.Len(t, list["workflows"], 1)

	rec = s.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/deactivate", "admin", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/resolve/purchase_order", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "CONFIGURATION", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/activate", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[*repository.Workflow](t, rec).IsActive)
}

func TestHTTPHandler_InvalidWorkflow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/workflows", "admin", service.CreateWorkflowRequest{
		EntityType: "purchase_order",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]map[string]string](t, rec)
	assert.Equal(t, "INVALID_INPUT", body["error"]["code"])
	assert.Equal(t, "name", body["error"]["field"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString("{not json"))
	req.Header.Set(UserHeader, "admin")
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestHTTPHandler_RequestFlow(t *testing.T) {
	s := newTestServer(t)
	s.seedWorkflow(t)
	req := s.submit(t, "po-1")
	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, "requester", req.SubmittedBy)

	t.Run("duplicate submission conflicts", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/requests", "requester", service.SubmitRequest{
			EntityType: "purchase_order",
			EntityID:   "po-1",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("inbox lists the pending request", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/requests/pending", "alice", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Requests []*repository.ApprovalRequest `json:"requests"`
			Total    int                           `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, 1, body.Total)
		assert.Equal(t, req.ID, body.Requests[0].ID)
	})

	t.Run("non-approver is refused", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/actions", "mallory", actionBody{
			StepID: *req.CurrentStepID,
			Action: repository.ActionApprove,
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("approval completes the request", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/actions", "alice", actionBody{
			StepID: *req.CurrentStepID,
			Action: repository.ActionApprove,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, repository.StatusApproved, decodeBody[*repository.ApprovalRequest](t, rec).Status)
	})

	t.Run("history and audit trail", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/requests/"+req.ID+"/history", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		actions := decodeBody[map[string][]*repository.ApprovalAction](t, rec)["actions"]
		require.Len(t, actions, 1)
		assert.Equal(t, "alice", actions[0].ActorID)

		rec = s.do(t, http.MethodGet, "/api/v1/requests/"+req.ID+"/audit", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, decodeBody[map[string][]*repository.AuditEvent](t, rec)["events"])
	})

	t.Run("no active request once terminal", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/v1/documents/purchase_order/po-1/request", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHTTPHandler_Cancel(t *testing.T) {
	s := newTestServer(t)
	s.seedWorkflow(t)
	req := s.submit(t, "po-2")

	rec := s.do(t, http.MethodGet, "/api/v1/documents/purchase_order/po-2/request", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	reason := "duplicate order"
	rec = s.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/cancel", "requester", cancelBody{Reason: &reason})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, repository.StatusCancelled, decodeBody[*repository.ApprovalRequest](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/v1/requests/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPHandler_SoD(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/sod/rules", "admin", service.CreateRuleRequest{
		RoleA:         "ap_clerk",
		RoleB:         "payment_approver",
		ConflictLabel: "create and pay",
		RiskLevel:     "critical",
		IsBlocking:    true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decodeBody[*repository.SoDRule](t, rec)

	rec = s.do(t, http.MethodPost, "/api/v1/users/bob/roles", "admin", grantBody{Role: "ap_clerk"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/sod/users/bob/check?role=PAYMENT_APPROVER", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	check := decodeBody[*service.ConflictCheck](t, rec)
	assert.True(t, check.Blocking)
	require.Len(t, check.Conflicts, 1)
	assert.Equal(t, rule.ID, check.Conflicts[0].RuleID)

	rec = s.do(t, http.MethodPost, "/api/v1/users/bob/roles", "admin", grantBody{Role: "payment_approver"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var refused struct {
		Check *service.ConflictCheck `json:"check"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refused))
	require.NotNil(t, refused.Check)
	assert.True(t, refused.Check.Blocking)

	rec = s.do(t, http.MethodGet, "/api/v1/users/bob/roles", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ap_clerk"}, decodeBody[map[string][]string](t, rec)["roles"])

	rec = s.do(t, http.MethodGet, "/api/v1/sod/users/bob/conflicts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[map[string][]service.Conflict](t, rec)["conflicts"])

	rec = s.do(t, http.MethodDelete, "/api/v1/sod/rules/"+rule.ID, "admin", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/users/bob/roles/ap_clerk", "admin", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHTTPHandler_FailedEffects(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/effects/failed?limit=10", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[map[string][]*repository.PendingEffect](t, rec)["effects"])
}

func TestHTTPHandler_AdminOnly(t *testing.T) {
	s := newTestServer(t)
	wf := s.seedWorkflow(t)

	rec := s.do(t, http.MethodPost, "/api/v1/sod/rules", "admin", service.CreateRuleRequest{
		RoleA: "ap_clerk", RoleB: "payment_approver", ConflictLabel: "create and pay", IsBlocking: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rule := decodeBody[*repository.SoDRule](t, rec)

	rec = s.do(t, http.MethodPost, "/api/v1/users/bob/roles", "admin", grantBody{Role: "ap_clerk"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"create workflow", http.MethodPost, "/api/v1/workflows", service.CreateWorkflowRequest{EntityType: "purchase_order", Name: "x"}},
		{"activate workflow", http.MethodPost, "/api/v1/workflows/" + wf.ID + "/activate", nil},
		{"deactivate workflow", http.MethodPost, "/api/v1/workflows/" + wf.ID + "/deactivate", nil},
		{"create sod rule", http.MethodPost, "/api/v1/sod/rules", service.CreateRuleRequest{RoleA: "a", RoleB: "b", ConflictLabel: "x"}},
		{"delete sod rule", http.MethodDelete, "/api/v1/sod/rules/" + rule.ID, nil},
		{"grant self admin", http.MethodPost, "/api/v1/users/mallory/roles", grantBody{Role: "approval_admin"}},
		{"revoke role", http.MethodDelete, "/api/v1/users/bob/roles/ap_clerk", nil},
		{"failed effects", http.MethodGet, "/api/v1/effects/failed", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, "mallory", tt.body)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))

			rec = s.do(t, tt.method, tt.path, "", tt.body)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	held, err := s.store.HasRole(context.Background(), "mallory", "approval_admin")
	require.NoError(t, err)
	assert.False(t, held)

	rules, err := s.store.ListActiveRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	active, err := s.store.GetActiveWorkflow(context.Background(), "purchase_order")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, wf.ID, active.ID)
}
