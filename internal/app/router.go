package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/estatehub/estatehub/internal/approval"
	audithttp "github.com/estatehub/estatehub/internal/audit/http"
	"github.com/estatehub/estatehub/internal/auth"
	"github.com/estatehub/estatehub/internal/observability"
	"github.com/estatehub/estatehub/internal/platform/httpx"
	"github.com/estatehub/estatehub/internal/rbac"
	"github.com/estatehub/estatehub/internal/shared"
	"github.com/estatehub/estatehub/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	SessionManager  *shared.SessionManager
	CSRFManager     *shared.CSRFManager
	AuthHandler     *auth.Handler
	AccessHandler   *rbac.Handler
	RBACMiddleware  rbac.Middleware
	ApprovalHandler *approval.Handler
	AuditHandler    *audithttp.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
	Readiness       []HealthCheck
}

// HealthCheck is one dependency probed by /readyz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewRouter constructs the chi.Router with EstateHub defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, readiness{Status: "ok"})
	})
	r.Get("/readyz", readyHandler(params.Readiness, params.Logger))

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	if params.AccessHandler != nil {
		r.Route("/api/access", params.AccessHandler.MountAccess)
		r.Route("/api/admin", params.AccessHandler.MountAdmin)
	}
	if params.ApprovalHandler != nil {
		r.Route("/api/approvals", params.ApprovalHandler.MountRoutes)
	}
	if params.AuditHandler != nil {
		r.Route("/api/audit", func(r chi.Router) {
			r.Use(params.RBACMiddleware.Authenticated)
			params.AuditHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

func readyHandler(checks []HealthCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		out := readiness{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				if logger != nil {
					logger.Warn("readiness check failed", slog.String("check", c.Name), slog.Any("error", err))
				}
				out.Checks[c.Name] = "unavailable"
				out.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			out.Checks[c.Name] = "ok"
		}
		httpx.JSON(w, status, out)
	}
}
