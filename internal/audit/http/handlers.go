package audithttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/estatehub/estatehub/internal/audit"
	"github.com/estatehub/estatehub/internal/platform/httpx"
	"github.com/estatehub/estatehub/internal/rbac"
)

const (
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 366
)

// QueryService defines the business contract for audit reads.
type QueryService interface {
	Query(ctx context.Context, filters audit.Filters) (audit.Result, error)
	Export(ctx context.Context, filters audit.Filters) ([]audit.Entry, error)
}

// Authorizer gates audit reads and records them as sensitive reads.
type Authorizer interface {
	MayAct(ctx context.Context, actor rbac.Actor, resource rbac.Resource, action rbac.Action, category rbac.Category, scope *rbac.Scope) (bool, error)
	RecordSensitiveRead(ctx context.Context, actor rbac.Actor, resource rbac.Resource, resourceID string, details map[string]any) error
}

// ArchiveEnqueuer schedules the retention job.
type ArchiveEnqueuer interface {
	EnqueueAuditArchive(ctx context.Context, actorID, actorType string, olderThanDays int) (string, error)
}

// Handler serves audit log endpoints.
type Handler struct {
	logger        *slog.Logger
	service       QueryService
	authz         Authorizer
	archiver      ArchiveEnqueuer
	retentionDays int
	now           func() time.Time
}

// NewHandler creates an audit handler.
func NewHandler(logger *slog.Logger, service QueryService, authz Authorizer, archiver ArchiveEnqueuer, retention time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:        logger,
		service:       service,
		authz:         authz,
		archiver:      archiver,
		retentionDays: int(retention / (24 * time.Hour)),
		now:           time.Now,
	}
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	actor, err := h.authorize(r.Context(), rbac.ActionRead)
	if err != nil {
		h.respondAuthError(w, err)
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Query(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "query audit log", err)
		return
	}
	if err := h.authz.RecordSensitiveRead(r.Context(), actor, rbac.ResourceAuditLogs, "*", filterDetails(filters)); err != nil {
		h.handleServerError(w, "record audit read", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	actor, err := h.authorize(r.Context(), rbac.ActionExport)
	if err != nil {
		h.respondAuthError(w, err)
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "export audit log", err)
		return
	}
	details := filterDetails(filters)
	details["rows"] = len(entries)
	details["format"] = "csv"
	if err := h.authz.RecordSensitiveRead(r.Context(), actor, rbac.ResourceAuditLogs, "*", details); err != nil {
		h.handleServerError(w, "record audit export", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-log.csv\"")
	if err := audit.WriteCSV(w, entries); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	actor, err := h.authorize(r.Context(), rbac.ActionManage)
	if err != nil {
		h.respondAuthError(w, err)
		return
	}
	if h.archiver == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "archive queue not configured")
		return
	}
	days := h.retentionDays
	if v := strings.TrimSpace(r.URL.Query().Get("older_than_days")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpx.RespondError(w, fmt.Errorf("%w: older_than_days", httpx.ErrValidation))
			return
		}
		days = n
	}
	id, err := h.archiver.EnqueueAuditArchive(r.Context(), actor.ID, string(actor.Type), days)
	if err != nil {
		h.handleServerError(w, "enqueue audit archive", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": id, "older_than_days": days})
}

func (h *Handler) authorize(ctx context.Context, action rbac.Action) (rbac.Actor, error) {
	actor, ok := rbac.ActorFromContext(ctx)
	if !ok {
		return rbac.Actor{}, httpx.ErrUnauthorized
	}
	if h.authz == nil {
		return rbac.Actor{}, errors.New("audit: authorizer not configured")
	}
	allowed, err := h.authz.MayAct(ctx, actor, rbac.ResourceAuditLogs, action, rbac.CategoryCompliance, nil)
	if err != nil {
		return rbac.Actor{}, err
	}
	if !allowed {
		return rbac.Actor{}, errPermissionDenied
	}
	return actor, nil
}

func (h *Handler) parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	to := now
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return audit.Filters{}, fmt.Errorf("%w: to", httpx.ErrValidation)
		}
		to = t.Add(24 * time.Hour)
	}
	from := to.Add(-defaultDateRange)
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return audit.Filters{}, fmt.Errorf("%w: from", httpx.ErrValidation)
		}
		from = t
	}
	if from.After(to) || to.Sub(from) > maxDateRangeHours*time.Hour {
		return audit.Filters{}, fmt.Errorf("%w: range", httpx.ErrValidation)
	}
	filters := audit.Filters{
		From:       from,
		To:         to,
		ActorID:    q.Get("actor_id"),
		ActorType:  q.Get("actor_type"),
		Action:     q.Get("action"),
		Resource:   q.Get("resource"),
		ResourceID: q.Get("resource_id"),
	}
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return audit.Filters{}, fmt.Errorf("%w: page", httpx.ErrValidation)
		}
		filters.Page = page
	}
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			return audit.Filters{}, fmt.Errorf("%w: page_size", httpx.ErrValidation)
		}
		filters.PageSize = size
	}
	return filters, nil
}

func filterDetails(f audit.Filters) map[string]any {
	details := map[string]any{
		"from": f.From.Format(time.RFC3339),
		"to":   f.To.Format(time.RFC3339),
	}
	for k, v := range map[string]string{
		"actor_id":    f.ActorID,
		"actor_type":  f.ActorType,
		"action":      f.Action,
		"resource":    f.Resource,
		"resource_id": f.ResourceID,
	} {
		if v != "" {
			details[k] = v
		}
	}
	return details
}

func (h *Handler) respondAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, errPermissionDenied) || errors.Is(err, httpx.ErrUnauthorized) {
		httpx.RespondError(w, err)
		return
	}
	h.handleServerError(w, "authorize", err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	if h.logger != nil {
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

var errPermissionDenied = fmt.Errorf("audit: permission denied: %w", httpx.ErrForbidden)
