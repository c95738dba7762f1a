package approval

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/estatehub/estatehub/internal/platform/httpx"
	"github.com/estatehub/estatehub/internal/rbac"
)

// IdempotencyHeader carries the client's retry key on create.
const IdempotencyHeader = "Idempotency-Key"

// Workflow is the service surface used by the handler.
type Workflow interface {
	Create(ctx context.Context, initiator rbac.Actor, in CreateInput) (Request, error)
	Approve(ctx context.Context, id uuid.UUID, approver rbac.Actor, note string) (Request, error)
	Reject(ctx context.Context, id uuid.UUID, approver rbac.Actor, reason string) (Request, error)
	Get(ctx context.Context, viewer rbac.Actor, id uuid.UUID) (Request, error)
	ListPending(ctx context.Context, viewer rbac.Actor, f ListFilter) (PendingResult, error)
	Policy() Policy
}

// Handler exposes the workflow as JSON.
type Handler struct {
	logger    *slog.Logger
	service   Workflow
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service Workflow, mw rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: mw, validator: validator.New()}
}

// MountRoutes registers /api/approvals routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.rbac.Authenticated)
	r.Post("/", h.create)
	r.Get("/pending", h.pending)
	r.Get("/policy", h.policy)
	r.Get("/{id}", h.get)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
}

type createRequest struct {
	Kind          string          `json:"kind" validate:"required,oneof=expense refund lease_edit lease_change owner_payout"`
	TargetID      string          `json:"target_id" validate:"required,max=128"`
	Amount        decimal.Decimal `json:"amount"`
	Details       map[string]any  `json:"details"`
	Scope         *rbac.Scope     `json:"scope"`
	RequiredRoles []string        `json:"required_roles" validate:"omitempty,dive,required"`
	TTLMinutes    int             `json:"ttl_minutes" validate:"gte=0,lte=43200"`
}

type decisionRequest struct {
	Note string `json:"note" validate:"max=1000"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	roles := make([]rbac.RoleName, 0, len(req.RequiredRoles))
	for _, role := range req.RequiredRoles {
		roles = append(roles, rbac.RoleName(role))
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	created, err := h.service.Create(r.Context(), actor, CreateInput{
		Kind:           Kind(req.Kind),
		TargetID:       req.TargetID,
		Amount:         req.Amount,
		Details:        req.Details,
		Scope:          req.Scope,
		RequiredRoles:  roles,
		TTL:            time.Duration(req.TTLMinutes) * time.Minute,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.fail(w, "create approval", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ListFilter{Kind: Kind(q.Get("kind")), PropertyID: q.Get("property_id")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondError(w, ErrInvalidRequest)
			return
		}
		f.Limit = limit
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	res, err := h.service.ListPending(r.Context(), actor, f)
	if err != nil {
		h.fail(w, "list pending approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) policy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := Kind(q.Get("kind"))
	if !kind.Valid() {
		httpx.RespondError(w, ErrInvalidRequest)
		return
	}
	amount := decimal.Zero
	if raw := q.Get("amount"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			httpx.RespondError(w, ErrInvalidRequest)
			return
		}
		amount = parsed
	}
	p := h.service.Policy()
	httpx.JSON(w, http.StatusOK, map[string]any{
		"kind":              kind,
		"requires_approval": p.RequiresApproval(kind, amount),
		"required_roles":    p.RequiredRoles(kind),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	req, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "get approval", err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
			httpx.RespondValidation(w, err)
			return
		}
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	decided, err := h.service.Approve(r.Context(), id, actor, req.Note)
	if err != nil {
		h.fail(w, "approve request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, decided)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	decided, err := h.service.Reject(r.Context(), id, actor, req.Reason)
	if err != nil {
		h.fail(w, "reject request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, decided)
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
