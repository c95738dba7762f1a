package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/estatehub/estatehub/internal/audit"
	"github.com/estatehub/estatehub/internal/observability"
	"github.com/estatehub/estatehub/internal/rbac"
	"github.com/estatehub/estatehub/internal/shared"
	_ "github.com/estatehub/estatehub/testing"
)

type fixedStore struct {
	bindings map[rbac.Actor][]rbac.RoleBinding
}

func (s fixedStore) ActiveBindings(ctx context.Context, actor rbac.Actor, now time.Time) ([]rbac.RoleBinding, error) {
	return s.bindings[actor], nil
}

func (s fixedStore) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	return rbac.Role{}, rbac.ErrUnknownRole
}

type discardAudit struct{}

func (discardAudit) Record(ctx context.Context, e audit.Entry) error { return nil }

func newChecker(t *testing.T, bindings map[rbac.Actor][]rbac.RoleBinding) *rbac.Checker {
	t.Helper()
	c, err := rbac.NewChecker(rbac.CheckerConfig{Store: fixedStore{bindings: bindings}, Audit: discardAudit{}})
	require.NoError(t, err)
	return c
}

func TestArchiveAuthorizerRequiresManage(t *testing.T) {
	root := rbac.Actor{ID: "root", Type: rbac.ActorAdmin}
	auditor := rbac.Actor{ID: "aud", Type: rbac.ActorPMC}
	checker := newChecker(t, map[rbac.Actor][]rbac.RoleBinding{
		root:    {{ID: 1, Actor: root, RoleID: 1, Role: rbac.RoleSystemAdmin, IsActive: true}},
		auditor: {{ID: 2, Actor: auditor, RoleID: 2, Role: rbac.RoleAuditor, IsActive: true}},
	})
	authz := ArchiveAuthorizer{Checker: checker}
	ctx := context.Background()

	ok, err := authz.CanArchive(ctx, "root", "admin")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = authz.CanArchive(ctx, "aud", "pmc")
	require.NoError(t, err)
	require.False(t, ok, "auditors read and export but never archive")

	_, err = authz.CanArchive(ctx, "root", "robot")
	require.Error(t, err)

	ok, err = ArchiveAuthorizer{}.CanArchive(ctx, "root", "admin")
	require.NoError(t, err)
	require.False(t, ok)
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	return newTestRouterWithConfig(t, &Config{AppEnv: "development", AppRequestTimeout: 5 * time.Second})
}

func newTestRouterWithConfig(t *testing.T, cfg *Config) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	checker := newChecker(t, nil)
	mw := rbac.Middleware{Checker: checker, Logger: slog.Default()}
	return NewRouter(RouterParams{
		Logger:         slog.Default(),
		Config:         cfg,
		SessionManager: shared.NewSessionManager(client, "test_session", "secret", time.Hour, false),
		CSRFManager:    shared.NewCSRFManager("csrf"),
		AccessHandler:  rbac.NewHandler(nil, nil, mw),
		RBACMiddleware: mw,
		Metrics:        observability.NewMetrics(),
	})
}

func TestRouterHealthzAndHeaders(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.NotEmpty(t, rec.Header().Get("Set-Cookie"))
}

func TestRouterRejectsAnonymousAccessCheck(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/access/scopes", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterRequiresCSRFOnMutations(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/access/check", strings.NewReader(`{}`))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouterServesMetrics(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "estatehub_http_requests_total")
}

func TestRouterMarksAPIResponsesNoStore(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/access/scopes", nil))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Empty(t, rec.Header().Get("Cache-Control"))
}

func TestRouterRateLimitsPerClient(t *testing.T) {
	router := newTestRouterWithConfig(t, &Config{AppEnv: "development", RateLimitPerMinute: 2})

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send("10.0.0.1"))
	require.Equal(t, http.StatusOK, send("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	require.Equal(t, http.StatusOK, send("10.0.0.2"))
}

func TestActorOrIPKeyPrefersSessionActor(t *testing.T) {
	mr := miniredis.RunT(t)
	manager := shared.NewSessionManager(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "k", "secret", time.Hour, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	sess, err := manager.Load(req.Context(), req)
	require.NoError(t, err)

	key, err := actorOrIPKey(req.WithContext(shared.ContextWithSession(req.Context(), sess)))
	require.NoError(t, err)
	require.NotContains(t, key, "actor:")

	sess.SetActor("pm-1", "pmc")
	key, err = actorOrIPKey(req.WithContext(shared.ContextWithSession(req.Context(), sess)))
	require.NoError(t, err)
	require.Equal(t, "actor:pmc:pm-1", key)
}

func TestReadyzReportsFailingDependency(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	handler := readyHandler([]HealthCheck{
		{Name: "redis", Check: func(ctx context.Context) error { return client.Ping(ctx).Err() }},
		{Name: "postgres", Check: func(ctx context.Context) error { return errors.New("dial tcp: connection refused") }},
	}, nil)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"degraded","checks":{"redis":"ok","postgres":"unavailable"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	readyHandler(nil, nil)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
