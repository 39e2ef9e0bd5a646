package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/middleware"
	"github.com/NCGHoldings/StoresONE-sub005/internal/service"
)

// UserHeader carries the authenticated caller's identity, set by the
// gateway in front of this service.
const UserHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine   *service.Engine
	registry *service.WorkflowRegistry
	sod      *service.SoDChecker
	roles    *service.RoleService
	effects  *service.EffectDispatcher
	ping     func(ctx context.Context) error
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	engine *service.Engine,
	registry *service.WorkflowRegistry,
	sod *service.SoDChecker,
	roles *service.RoleService,
	effects *service.EffectDispatcher,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		engine:   engine,
		registry: registry,
		sod:      sod,
		roles:    roles,
		effects:  effects,
		log:      log,
	}
}

// SetHealthCheck sets the dependency check behind /health.
func (h *HTTPHandler) SetHealthCheck(ping func(ctx context.Context) error) {
	h.ping = ping
}

// Register mounts every route on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.CreateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows", h.ListWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows/resolve/{entityType}", h.ResolveWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/activate", h.ActivateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/deactivate", h.DeactivateWorkflow).Methods(http.MethodPost)

	api.HandleFunc("/requests", h.SubmitRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/pending", h.PendingApprovals).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", h.GetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/history", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/audit", h.GetAuditTrail).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/actions", h.RecordAction).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", h.CancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/documents/{entityType}/{entityId}/request", h.GetActiveRequest).Methods(http.MethodGet)

	api.HandleFunc("/sod/users/{userId}/conflicts", h.CheckConflicts).Methods(http.MethodGet)
	api.HandleFunc("/sod/users/{userId}/check", h.WouldConflict).Methods(http.MethodGet)
	api.HandleFunc("/sod/rules", h.CreateRule).Methods(http.MethodPost)
	api.HandleFunc("/sod/rules", h.ListRules).Methods(http.MethodGet)
	api.HandleFunc("/sod/rules/{id}", h.DeleteRule).Methods(http.MethodDelete)

	api.HandleFunc("/users/{userId}/roles", h.ListRoles).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/roles", h.GrantRole).Methods(http.MethodPost)
	api.HandleFunc("/users/{userId}/roles/{role}", h.RevokeRole).Methods(http.MethodDelete)

	api.HandleFunc("/effects/failed", h.ListFailedEffects).Methods(http.MethodGet)
}

// ── Workflows ────────────────────────────────────────────────────────────────

func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var req service.CreateWorkflowRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.registry.CreateWorkflow(r.Context(), &req, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.registry.ListWorkflows(r.Context(), r.URL.Query().Get("entity_type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": workflows})
}

func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.registry.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *HTTPHandler) ResolveWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.registry.ResolveWorkflow(r.Context(), mux.Vars(r)["entityType"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *HTTPHandler) ActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	wf, err := h.registry.ActivateWorkflow(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *HTTPHandler) DeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	if err := h.registry.DeactivateWorkflow(r.Context(), mux.Vars(r)["id"], actor); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Requests ─────────────────────────────────────────────────────────────────

// SubmitRequest starts approval for a document. The submitter defaults to
// the calling user.
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req service.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SubmittedBy == "" {
		req.SubmittedBy = actor
	}
	created, err := h.engine.Submit(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTPHandler) GetActiveRequest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req, err := h.engine.GetActiveRequest(r.Context(), vars["entityType"], vars["entityId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	actions, err := h.engine.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.AuditTrail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type actionBody struct {
	StepID      string  `json:"step_id"`
	Action      string  `json:"action"`
	DelegatedTo *string `json:"delegated_to,omitempty"`
	Comment     *string `json:"comment,omitempty"`
}

func (h *HTTPHandler) RecordAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body actionBody
	if !h.decode(w, r, &body) {
		return
	}
	req, err := h.engine.Act(r.Context(), &service.ActionInput{
		RequestID:   mux.Vars(r)["id"],
		StepID:      body.StepID,
		ActorID:     actor,
		Action:      body.Action,
		DelegatedTo: body.DelegatedTo,
		Comment:     body.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type cancelBody struct {
	Reason *string `json:"reason,omitempty"`
}

func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body cancelBody
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	req, err := h.engine.Cancel(r.Context(), mux.Vars(r)["id"], actor, body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// PendingApprovals is the caller's approval inbox.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	requests, err := h.engine.PendingForUser(r.Context(), actor, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests, "total": len(requests)})
}

// ── SoD and roles ────────────────────────────────────────────────────────────

func (h *HTTPHandler) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.sod.Check(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

func (h *HTTPHandler) WouldConflict(w http.ResponseWriter, r *http.Request) {
	check, err := h.sod.WouldConflict(r.Context(), mux.Vars(r)["userId"], r.URL.Query().Get("role"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req service.CreateRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := h.roles.CreateRule(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.roles.ListRules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	if err := h.roles.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roles.RolesForUser(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": roles})
}

type grantBody struct {
	Role string `json:"role"`
}

// GrantRole refuses grants that would create a blocking SoD conflict and
// returns advisory conflicts alongside a successful grant.
func (h *HTTPHandler) GrantRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var body grantBody
	if !h.decode(w, r, &body) {
		return
	}
	check, err := h.roles.GrantRole(r.Context(), mux.Vars(r)["userId"], body.Role, actor)
	if err != nil {
		if check != nil && check.Blocking {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": errorBody(err),
				"check": check,
			})
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, check)
}

func (h *HTTPHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := h.roles.RevokeRole(r.Context(), vars["userId"], vars["role"], actor); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Operations ───────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListFailedEffects(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	effects, err := h.effects.ListFailed(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"effects": effects})
}

// Health reports liveness and, when configured, dependency health.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error": map[string]string{"code": string(errors.ErrCodeUnauthorized), "message": UserHeader + " header is required"},
		})
		return "", false
	}
	return user, true
}

// requireAdmin is requireUser plus the administrator role check. Workflow
// configuration, SoD rules and role holdings are admin-only.
func (h *HTTPHandler) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return "", false
	}
	if err := h.roles.RequireAdmin(r.Context(), user); err != nil {
		h.writeError(w, r, err)
		return "", false
	}
	return user, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeJSON(w, status, map[string]interface{}{
			"error": map[string]string{"code": string(code), "message": "internal error"},
		})
		return
	}
	writeJSON(w, status, map[string]interface{}{"error": errorBody(err)})
}

func errorBody(err error) map[string]string {
	body := map[string]string{
		"code":    string(errors.CodeOf(err)),
		"message": err.Error(),
	}
	var appErr *errors.AppError
	if errors.As(err, &appErr) && appErr.Field != "" {
		body["field"] = appErr.Field
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
