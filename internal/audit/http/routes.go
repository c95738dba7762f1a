package audithttp

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/estatehub/estatehub/internal/platform/httpx"
	"github.com/estatehub/estatehub/internal/rbac"
)

// Per-actor budgets for the expensive endpoints. Queries share the global
// limiter only.
var (
	exportBudget  = budget{requests: 10, window: time.Minute}
	archiveBudget = budget{requests: 3, window: time.Hour}
)

type budget struct {
	requests int
	window   time.Duration
}

func (b budget) limiter(endpoint string) func(http.Handler) http.Handler {
	detail := fmt.Sprintf("%s allows %d requests per %s", endpoint, b.requests, b.window)
	return httprate.Limit(b.requests, b.window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			key, err := callerKey(r)
			return endpoint + ":" + key, err
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", detail)
		}),
	)
}

// MountRoutes registers the audit query, CSV export and archive endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/", h.handleQuery)
	r.With(exportBudget.limiter("export")).Get("/export.csv", h.handleExport)
	r.With(archiveBudget.limiter("archive")).Post("/archive", h.handleArchive)
}

func callerKey(r *http.Request) (string, error) {
	if actor, ok := rbac.ActorFromContext(r.Context()); ok {
		return "actor:" + actor.String(), nil
	}
	ip, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + ip, nil
}
