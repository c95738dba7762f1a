package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newHandlerRouter(f *serviceFixture, actor *Actor) http.Handler {
	mw := Middleware{Checker: f.checker}
	h := NewHandler(nil, f.svc, mw)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actor != nil {
				r = r.WithContext(ContextWithActor(r.Context(), *actor))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Route("/api/access", h.MountAccess)
	r.Route("/api/admin", h.MountAdmin)
	r.With(mw.Require(CategoryAccounting, ResourceExpenses, ActionApprove, QueryScope)).
		Get("/expenses", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	return r
}

func serveJSON(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func TestAccessCheckMapsDenialTo403(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.seedBinding(userU, RolePropertyManager, scopePtr(Scope{PropertyID: "P1"}))
	body := `{"category":"accounting","resource":"expenses","action":"approve","scope":{"property_id":"%s"}}`

	rec := serveJSON(newHandlerRouter(f, &userU), http.MethodPost, "/api/access/check", strings.Replace(body, "%s", "P1", 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"allowed":true}`, rec.Body.String())

	rec = serveJSON(newHandlerRouter(f, &userU), http.MethodPost, "/api/access/check", strings.Replace(body, "%s", "P2", 1))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveJSON(newHandlerRouter(f, &userU), http.MethodPost, "/api/access/check", `{"category":"accounting"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serveJSON(newHandlerRouter(f, nil), http.MethodPost, "/api/access/check", strings.Replace(body, "%s", "P1", 1))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccessCheckStoreFailureIs500(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.failLoad = errStoreDown
	rec := serveJSON(newHandlerRouter(f, &userU), http.MethodPost, "/api/access/check",
		`{"category":"accounting","resource":"expenses","action":"read"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExplainReportsMatchedBinding(t *testing.T) {
	f := newServiceFixture(t)
	id := f.repo.seedBinding(userU, RolePropertyManager, scopePtr(Scope{PropertyID: "P1"}))

	rec := serveJSON(newHandlerRouter(f, &userU), http.MethodGet,
		"/api/access/explain?category=ACCOUNTING&resource=expenses&action=APPROVE&property_id=P1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	require.True(t, d.Allowed)
	require.Equal(t, id, d.BindingID)
	require.Equal(t, RolePropertyManager, d.Role)
}

func TestIsolationEndpoint(t *testing.T) {
	f := newServiceFixture(t)
	rec := serveJSON(newHandlerRouter(f, &rootUser), http.MethodGet, "/api/access/isolation/unit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"kind":"unit","unrestricted":true}`, rec.Body.String())

	rec = serveJSON(newHandlerRouter(f, &rootUser), http.MethodGet, "/api/access/isolation/invoice", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAssignCreatesThenRefreshes(t *testing.T) {
	f := newServiceFixture(t)
	body := `{"actor_id":"u-1","actor_type":"pmc","role":"property_manager","scope":{"property_id":"P1"}}`

	rec := serveJSON(newHandlerRouter(f, &rootUser), http.MethodPost, "/api/admin/bindings", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = serveJSON(newHandlerRouter(f, &rootUser), http.MethodPost, "/api/admin/bindings", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, f.repo.activeCount(userU))

	rec = serveJSON(newHandlerRouter(f, &userU), http.MethodPost, "/api/admin/bindings", body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveJSON(newHandlerRouter(f, &rootUser), http.MethodPost, "/api/admin/bindings",
		`{"actor_id":"u-1","actor_type":"robot","role":"property_manager"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serveJSON(newHandlerRouter(f, &rootUser), http.MethodPost, "/api/admin/bindings",
		`{"actor_id":"u-1","actor_type":"pmc","role":"janitor"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRemoveRejectsMalformedID(t *testing.T) {
	f := newServiceFixture(t)
	rec := serveJSON(newHandlerRouter(f, &rootUser), http.MethodDelete, "/api/admin/bindings/abc", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	id := f.repo.seedBinding(userU, RoleLeasingAgent, nil)
	rec = serveJSON(newHandlerRouter(f, &rootUser), http.MethodDelete, "/api/admin/bindings/"+strconv.FormatInt(id, 10), "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.False(t, f.repo.binding(id).IsActive)
}

func TestRequireMiddleware(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.seedBinding(userU, RoleLandlord, scopePtr(Scope{PortfolioID: "F1", PropertyID: "P1"}))

	rec := serveJSON(newHandlerRouter(f, &userU), http.MethodGet, "/expenses?portfolio_id=F1&property_id=P1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serveJSON(newHandlerRouter(f, &userU), http.MethodGet, "/expenses?property_id=P9", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveJSON(newHandlerRouter(f, nil), http.MethodGet, "/expenses", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	f.repo.failLoad = errStoreDown
	rec = serveJSON(newHandlerRouter(f, &userU), http.MethodGet, "/expenses?property_id=P1", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code, "storage failures never read as a denial")
}

func TestQueryScope(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?property_id=+P1+&unit_id=U1", nil)
	require.Equal(t, &Scope{PropertyID: "P1", UnitID: "U1"}, QueryScope(r))
	require.Nil(t, QueryScope(httptest.NewRequest(http.MethodGet, "/x", nil)))
}
