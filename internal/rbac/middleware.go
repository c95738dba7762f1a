package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/estatehub/estatehub/internal/platform/httpx"
	"github.com/estatehub/estatehub/internal/shared"
)

// ScopeFunc derives the target scope of a request. Returning nil skips
// containment.
type ScopeFunc func(r *http.Request) *Scope

// Middleware wires permission checks into HTTP handlers.
type Middleware struct {
	Checker *Checker
	Logger  *slog.Logger
}

type actorContextKey struct{}

// ContextWithActor stores the resolved actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor resolved by Authenticated.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok && !actor.IsZero()
}

// Authenticated resolves the session actor and rejects anonymous requests.
func (m Middleware) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			actor, ok = m.sessionActor(r)
		}
		if !ok {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}

// Require ensures the actor may perform action on resource within the scope
// derived from the request.
func (m Middleware) Require(category Category, resource Resource, action Action, scopeFn ScopeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				actor, ok = m.sessionActor(r)
			}
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			var scope *Scope
			if scopeFn != nil {
				scope = scopeFn(r)
			}
			allowed, err := m.Checker.MayAct(r.Context(), actor, resource, action, category, scope)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac require", slog.String("actor", actor.String()), slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			if !allowed {
				httpx.RespondError(w, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
		})
	}
}

// QueryScope reads a scope from the pmc_id, landlord_id, portfolio_id,
// property_id and unit_id query parameters.
func QueryScope(r *http.Request) *Scope {
	q := r.URL.Query()
	s := Scope{
		PMCID:       strings.TrimSpace(q.Get("pmc_id")),
		LandlordID:  strings.TrimSpace(q.Get("landlord_id")),
		PortfolioID: strings.TrimSpace(q.Get("portfolio_id")),
		PropertyID:  strings.TrimSpace(q.Get("property_id")),
		UnitID:      strings.TrimSpace(q.Get("unit_id")),
	}
	if s.IsZero() {
		return nil
	}
	return &s
}

func (m Middleware) sessionActor(r *http.Request) (Actor, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return Actor{}, false
	}
	id, typ := sess.Actor()
	if id == "" {
		return Actor{}, false
	}
	actor, err := NewActor(id, ActorType(typ))
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac session actor", slog.String("type", typ), slog.Any("error", err))
		}
		return Actor{}, false
	}
	return actor, true
}
