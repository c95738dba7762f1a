package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/estatehub/estatehub/internal/platform/httpx"
)

// Handler exposes access checks and binding administration as JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountAccess registers /api/access routes.
func (h *Handler) MountAccess(r chi.Router) {
	r.Use(h.rbac.Authenticated)
	r.Post("/check", h.check)
	r.Get("/explain", h.explain)
	r.Get("/scopes", h.scopes)
	r.Get("/isolation/{kind}", h.isolation)
}

// MountAdmin registers /api/admin routes. Each operation is gated inside the
// service against the target scope.
func (h *Handler) MountAdmin(r chi.Router) {
	r.Use(h.rbac.Authenticated)
	r.Get("/actors/{type}/{id}/bindings", h.listBindings)
	r.Post("/bindings", h.assign)
	r.Delete("/bindings/{id}", h.remove)
	r.Post("/actors/{type}/{id}/role", h.changeRole)
	r.Post("/transfers", h.transfer)
	r.Post("/emergency", h.grantEmergency)
	r.Delete("/emergency/{id}", h.revokeEmergency)
}

type grantRequest struct {
	Category string `json:"category" validate:"required"`
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
}

func (g grantRequest) grant() Grant {
	return Grant{
		Category: Category(strings.ToUpper(g.Category)),
		Resource: Resource(strings.ToLower(g.Resource)),
		Action:   Action(strings.ToUpper(g.Action)),
	}
}

type checkRequest struct {
	grantRequest
	Scope *Scope `json:"scope"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	actor, _ := ActorFromContext(r.Context())
	d, err := h.service.checker.Explain(r.Context(), actor, req.grant(), req.Scope)
	if err != nil {
		h.fail(w, "access check", err)
		return
	}
	if !d.Allowed {
		httpx.RespondError(w, ErrForbidden)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": true})
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := grantRequest{Category: q.Get("category"), Resource: q.Get("resource"), Action: q.Get("action")}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	actor, _ := ActorFromContext(r.Context())
	d, err := h.service.checker.Explain(r.Context(), actor, req.grant(), QueryScope(r))
	if err != nil {
		h.fail(w, "access explain", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) scopes(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	scopes, err := h.service.checker.ResolveScopes(r.Context(), actor)
	if err != nil {
		h.fail(w, "resolve scopes", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"scopes": scopes})
}

func (h *Handler) isolation(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := ActorFromContext(r.Context())
	p, err := h.service.checker.IsolationPredicate(r.Context(), actor, kind)
	if err != nil {
		h.fail(w, "isolation predicate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) listBindings(w http.ResponseWriter, r *http.Request) {
	target, err := NewActor(chi.URLParam(r, "id"), ActorType(chi.URLParam(r, "type")))
	if err != nil {
		httpx.RespondError(w, ErrInvalidScope)
		return
	}
	viewer, _ := ActorFromContext(r.Context())
	bindings, err := h.service.ListBindings(r.Context(), viewer, target, r.URL.Query().Get("include_inactive") == "true")
	if err != nil {
		h.fail(w, "list bindings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bindings": bindingViews(bindings)})
}

type assignRequest struct {
	ActorID   string     `json:"actor_id" validate:"required"`
	ActorType string     `json:"actor_type" validate:"required,oneof=admin landlord pmc tenant vendor"`
	Role      string     `json:"role" validate:"required"`
	Scope     *Scope     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	grantor, _ := ActorFromContext(r.Context())
	res, err := h.service.AssignScope(r.Context(), grantor, AssignInput{
		Actor:     Actor{ID: strings.TrimSpace(req.ActorID), Type: ActorType(req.ActorType)},
		Role:      RoleName(strings.ToUpper(req.Role)),
		Scope:     req.Scope,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, "assign scope", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, toBindingView(res.Binding))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, ErrUnknownBinding)
		return
	}
	grantor, _ := ActorFromContext(r.Context())
	if err := h.service.RemoveScope(r.Context(), grantor, id); err != nil {
		h.fail(w, "remove scope", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changeRoleRequest struct {
	From []string `json:"from"`
	To   []struct {
		Role  string `json:"role" validate:"required"`
		Scope *Scope `json:"scope"`
	} `json:"to" validate:"dive"`
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	target, err := NewActor(chi.URLParam(r, "id"), ActorType(chi.URLParam(r, "type")))
	if err != nil {
		httpx.RespondError(w, ErrInvalidScope)
		return
	}
	var req changeRoleRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	input := ChangeRoleInput{Actor: target}
	for _, name := range req.From {
		input.From = append(input.From, RoleName(strings.ToUpper(name)))
	}
	for _, t := range req.To {
		input.To = append(input.To, RoleAssignment{Role: RoleName(strings.ToUpper(t.Role)), Scope: t.Scope})
	}
	grantor, _ := ActorFromContext(r.Context())
	res, err := h.service.ChangeRole(r.Context(), grantor, input)
	if err != nil {
		h.fail(w, "change role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"deactivated":      res.Deactivated,
		"activated":        bindingViews(res.Activated),
		"sessions_revoked": res.SessionsRevoked,
	})
}

type transferRequest struct {
	PropertyID string `json:"property_id" validate:"required"`
	From       Scope  `json:"from"`
	To         Scope  `json:"to"`
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	grantor, _ := ActorFromContext(r.Context())
	res, err := h.service.TransferResource(r.Context(), grantor, TransferInput{PropertyID: req.PropertyID, From: req.From, To: req.To})
	if err != nil {
		h.fail(w, "transfer resource", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type emergencyRequest struct {
	ActorID   string `json:"actor_id" validate:"required"`
	ActorType string `json:"actor_type" validate:"required,oneof=admin landlord pmc tenant vendor"`
	grantRequest
	Reason          string `json:"reason" validate:"required,max=500"`
	DurationMinutes int    `json:"duration_minutes" validate:"gte=0"`
	BindingID       int64  `json:"binding_id"`
}

func (h *Handler) grantEmergency(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	grantor, _ := ActorFromContext(r.Context())
	o, err := h.service.GrantEmergencyAccess(r.Context(), grantor, EmergencyInput{
		Actor:     Actor{ID: strings.TrimSpace(req.ActorID), Type: ActorType(req.ActorType)},
		Grant:     req.grant(),
		Reason:    req.Reason,
		Duration:  time.Duration(req.DurationMinutes) * time.Minute,
		BindingID: req.BindingID,
	})
	if err != nil {
		h.fail(w, "grant emergency access", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":         o.ID,
		"binding_id": o.BindingID,
		"grant":      o.Grant,
		"expires_at": o.ExpiresAt,
	})
}

func (h *Handler) revokeEmergency(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, ErrUnknownOverride)
		return
	}
	grantor, _ := ActorFromContext(r.Context())
	if err := h.service.RevokeEmergencyAccess(r.Context(), grantor, id); err != nil {
		h.fail(w, "revoke emergency access", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

type bindingView struct {
	ID         int64      `json:"id"`
	Actor      Actor      `json:"actor"`
	Role       RoleName   `json:"role"`
	Scope      *Scope     `json:"scope,omitempty"`
	IsActive   bool       `json:"is_active"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Overrides  int        `json:"overrides"`
}

func toBindingView(b RoleBinding) bindingView {
	return bindingView{
		ID:         b.ID,
		Actor:      b.Actor,
		Role:       b.Role,
		Scope:      b.Scope,
		IsActive:   b.IsActive,
		AssignedAt: b.AssignedAt,
		ExpiresAt:  b.ExpiresAt,
		Overrides:  len(b.Overrides),
	}
}

func bindingViews(bindings []RoleBinding) []bindingView {
	out := make([]bindingView, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, toBindingView(b))
	}
	return out
}
