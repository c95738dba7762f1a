package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/estatehub/estatehub/testing"
)

func newManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "estatehub_session", "secret", time.Hour, false), mr
}

// login loads a fresh session, binds it to an actor and commits it,
// returning the cookie the browser would hold.
func login(t *testing.T, sm *SessionManager, actorID, actorType string) *http.Cookie {
	t.Helper()
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	sess.SetActor(actorID, actorType)
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, req, sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func requestWith(cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	return req
}

func TestSessionRoundTripKeepsActor(t *testing.T) {
	sm, _ := newManager(t)
	cookie := login(t, sm, "pm-1", "pmc")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	sess, err := sm.Load(context.Background(), requestWith(cookie))
	require.NoError(t, err)
	id, typ := sess.Actor()
	assert.Equal(t, "pm-1", id)
	assert.Equal(t, "pmc", typ)
	assert.Equal(t, cookie.Value, sm.SignedValue(sess.ID))
}

func TestTamperedCookieStartsFreshSession(t *testing.T) {
	sm, _ := newManager(t)
	cookie := login(t, sm, "pm-1", "pmc")
	id, _, _ := strings.Cut(cookie.Value, ".")

	other := NewSessionManager(sm.client, "estatehub_session", "other-secret", time.Hour, false)
	for _, value := range []string{id, other.SignedValue(id), id + ".", "." + id} {
		sess, err := sm.Load(context.Background(), requestWith(&http.Cookie{Name: "estatehub_session", Value: value}))
		require.NoError(t, err)
		assert.NotEqual(t, id, sess.ID, value)
		actorID, _ := sess.Actor()
		assert.Empty(t, actorID)
	}
}

func TestUnknownSessionIDIsNotResurrected(t *testing.T) {
	sm, _ := newManager(t)
	sess, err := sm.Load(context.Background(), requestWith(&http.Cookie{Name: "estatehub_session", Value: "forged"}))
	require.NoError(t, err)
	assert.NotEqual(t, "forged", sess.ID)
	id, _ := sess.Actor()
	assert.Empty(t, id)
}

func TestInvalidateActorDropsEverySession(t *testing.T) {
	sm, _ := newManager(t)
	first := login(t, sm, "pm-1", "pmc")
	second := login(t, sm, "pm-1", "pmc")
	other := login(t, sm, "pm-2", "pmc")

	removed, err := sm.InvalidateActor(context.Background(), "pmc", "pm-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, c := range []*http.Cookie{first, second} {
		sess, err := sm.Load(context.Background(), requestWith(c))
		require.NoError(t, err)
		id, _ := sess.Actor()
		assert.Empty(t, id, "revoked session must come back anonymous")
	}
	sess, err := sm.Load(context.Background(), requestWith(other))
	require.NoError(t, err)
	id, _ := sess.Actor()
	assert.Equal(t, "pm-2", id)

	removed, err = sm.InvalidateActor(context.Background(), "pmc", "pm-1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRotateReplacesStoredID(t *testing.T) {
	sm, mr := newManager(t)
	cookie := login(t, sm, "pm-1", "pmc")
	ctx := context.Background()

	sess, err := sm.Load(ctx, requestWith(cookie))
	require.NoError(t, err)
	oldID := sess.ID
	require.True(t, mr.Exists("session:"+oldID))
	require.NoError(t, sm.Rotate(ctx, sess))
	assert.NotEqual(t, oldID, sess.ID)
	assert.False(t, mr.Exists("session:"+oldID))

	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, requestWith(cookie), sess))
	assert.True(t, mr.Exists("session:"+sess.ID))
}

func TestDestroyClearsCookieAndIndex(t *testing.T) {
	sm, mr := newManager(t)
	cookie := login(t, sm, "pm-1", "pmc")
	ctx := context.Background()

	req := requestWith(cookie)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	sm.Destroy(sess)
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, rec, req, sess))

	assert.False(t, mr.Exists("session:"+sess.ID))
	members, err := mr.Members("session:actor:pmc:pm-1")
	if err == nil {
		assert.NotContains(t, members, sess.ID)
	}
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)
}

func TestSessionContextHelpers(t *testing.T) {
	assert.Nil(t, SessionFromContext(context.Background()))
	sess := &Session{ID: "abc"}
	assert.Same(t, sess, SessionFromContext(ContextWithSession(context.Background(), sess)))
}
