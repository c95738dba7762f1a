package shared

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionManager keeps cookie sessions in Redis. The cookie carries the
// session id signed with the session secret, and every authenticated session
// is indexed under its actor so all of an actor's sessions can be revoked at
// once.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
	secret     []byte
}

// Session holds per-request session data.
type Session struct {
	ID        string
	values    map[string]string
	actorID   string
	actorType string
	isNew     bool
	dirty     bool
	destroyed bool
}

type sessionPayload struct {
	Values    map[string]string `json:"values"`
	ActorID   string            `json:"actor_id"`
	ActorType string            `json:"actor_type"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, secret string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
		secret:     []byte(secret),
	}
}

// Load returns the session named by the request cookie. Missing, forged,
// expired and revoked ids all yield a fresh anonymous session; an old id is
// never reused.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return newSession(), nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := sm.verifyCookie(cookie.Value)
	if !ok {
		return newSession(), nil
	}

	raw, err := sm.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return newSession(), nil
	}
	if err != nil {
		return nil, err
	}
	var stored sessionPayload
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	if stored.Values == nil {
		stored.Values = make(map[string]string)
	}
	return &Session{
		ID:        id,
		values:    stored.Values,
		actorID:   stored.ActorID,
		actorType: stored.ActorType,
	}, nil
}

// Commit persists the session and writes the cookie. A destroyed session is
// removed from Redis and its cookie expired.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}
	if sess.destroyed {
		if err := sm.drop(ctx, sess); err != nil {
			return err
		}
		http.SetCookie(w, sm.cookie("", -1))
		return nil
	}
	if sess.dirty || sess.isNew {
		if err := sm.persist(ctx, sess); err != nil {
			return err
		}
	}
	http.SetCookie(w, sm.cookie(sm.SignedValue(sess.ID), 0))
	return nil
}

func (sm *SessionManager) persist(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sessionPayload{Values: sess.values, ActorID: sess.actorID, ActorType: sess.actorType})
	if err != nil {
		return err
	}
	_, err = sm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sess.ID), data, sm.ttl)
		if sess.actorID != "" {
			index := actorIndexKey(sess.actorType, sess.actorID)
			pipe.SAdd(ctx, index, sess.ID)
			pipe.Expire(ctx, index, sm.ttl)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sess.dirty = false
	sess.isNew = false
	return nil
}

func (sm *SessionManager) drop(ctx context.Context, sess *Session) error {
	_, err := sm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sess.ID))
		if sess.actorID != "" {
			pipe.SRem(ctx, actorIndexKey(sess.actorType, sess.actorID), sess.ID)
		}
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
	}
	if maxAge == 0 {
		c.Expires = time.Now().Add(sm.ttl)
	}
	return c
}

// InvalidateActor deletes every live session of an actor and returns how
// many were dropped.
func (sm *SessionManager) InvalidateActor(ctx context.Context, actorType, actorID string) (int, error) {
	index := actorIndexKey(actorType, actorID)
	ids, err := sm.client.SMembers(ctx, index).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	dels := make([]*redis.IntCmd, 0, len(ids))
	_, err = sm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			dels = append(dels, pipe.Del(ctx, sessionKey(id)))
		}
		pipe.Del(ctx, index)
		return nil
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, cmd := range dels {
		removed += int(cmd.Val())
	}
	return removed, nil
}

// Rotate assigns a fresh id so a pre-login session id cannot be fixated.
func (sm *SessionManager) Rotate(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	if !sess.isNew {
		if err := sm.client.Del(ctx, sessionKey(sess.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}
	sess.ID = newSessionID()
	sess.isNew = true
	sess.dirty = true
	return nil
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess != nil {
		sess.destroyed = true
	}
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// SignedValue is the cookie value carrying id.
func (sm *SessionManager) SignedValue(id string) string {
	return id + "." + sm.mac(id)
}

func (sm *SessionManager) verifyCookie(value string) (string, bool) {
	id, mac, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	return id, hmac.Equal([]byte(mac), []byte(sm.mac(id)))
}

func (sm *SessionManager) mac(id string) string {
	h := hmac.New(sha256.New, sm.secret)
	_, _ = h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	return s.values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// SetActor associates the session with an actor.
func (s *Session) SetActor(id, actorType string) {
	s.actorID = id
	s.actorType = actorType
	s.dirty = true
}

// Actor returns the session's actor id and type.
func (s *Session) Actor() (id, actorType string) {
	return s.actorID, s.actorType
}

func newSession() *Session {
	return &Session{
		ID:     newSessionID(),
		values: make(map[string]string),
		isNew:  true,
		dirty:  true,
	}
}

func newSessionID() string {
	return rand.Text()
}

func sessionKey(id string) string {
	return "session:" + id
}

func actorIndexKey(actorType, actorID string) string {
	return "session:actor:" + actorType + ":" + actorID
}

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context, or nil.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}
