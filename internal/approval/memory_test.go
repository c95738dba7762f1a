package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/estatehub/internal/audit"
	"github.com/estatehub/estatehub/internal/platform/httpx"
	"github.com/estatehub/estatehub/internal/rbac"
	"github.com/estatehub/estatehub/internal/shared"
)

// memoryStore is an in-memory RepositoryPort. Transactions are serialised
// and roll back by restoring a snapshot.
type memoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	requests map[uuid.UUID]Request
	keys     map[string]string
	audits   []audit.Entry

	failList error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		requests: make(map[uuid.UUID]Request),
		keys:     make(map[string]string),
	}
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	requests := make(map[uuid.UUID]Request, len(s.requests))
	for k, v := range s.requests {
		requests[k] = v
	}
	keys := make(map[string]string, len(s.keys))
	for k, v := range s.keys {
		keys[k] = v
	}
	audits := append([]audit.Entry(nil), s.audits...)
	s.mu.Unlock()

	if err := fn(ctx, memoryTx{s: s}); err != nil {
		s.mu.Lock()
		s.requests, s.keys, s.audits = requests, keys, audits
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (s *memoryStore) ListPending(ctx context.Context, f ListFilter) ([]Request, error) {
	if s.failList != nil {
		return nil, s.failList
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, req := range s.requests {
		if req.Status != StatusPending {
			continue
		}
		if f.Kind != "" && req.Kind != f.Kind {
			continue
		}
		if f.PropertyID != "" && (req.Scope == nil || req.Scope.PropertyID != f.PropertyID) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) LookupKey(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.keys[key]
	if !ok {
		return "", fmt.Errorf("idempotency key %q: %w", key, httpx.ErrNotFound)
	}
	return ref, nil
}

func (s *memoryStore) seed(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
}

func (s *memoryStore) status(id uuid.UUID) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id].Status
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *memoryStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audits))
	for _, e := range s.audits {
		out = append(out, e.Action)
	}
	return out
}

type memoryTx struct {
	s *memoryStore
}

func (t memoryTx) Insert(ctx context.Context, req Request) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, dup := t.s.requests[req.ID]; dup {
		return fmt.Errorf("duplicate request %s: %w", req.ID, httpx.ErrDuplicate)
	}
	t.s.requests[req.ID] = req
	return nil
}

func (t memoryTx) Lock(ctx context.Context, id uuid.UUID) (Request, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	req, ok := t.s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (t memoryTx) Transition(ctx context.Context, id uuid.UUID, from, to Status, by *rbac.Actor, note string, at time.Time) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	req, ok := t.s.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = to
	req.DecidedBy = by
	req.DecisionNote = note
	req.DecidedAt = &at
	t.s.requests[id] = req
	return true, nil
}

func (t memoryTx) ClaimKey(ctx context.Context, key string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	t.s.keys[key] = ""
	return nil
}

func (t memoryTx) BindKey(ctx context.Context, key, ref string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.keys[key] = ref
	return nil
}

func (t memoryTx) InsertAudit(ctx context.Context, e audit.Entry) error {
	e, err := audit.Prepare(e, time.Now)
	if err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.audits = append(t.s.audits, e)
	return nil
}

func (t memoryTx) Querier() shared.Execer {
	return nil
}

// bindingStore feeds a real rbac.Checker with fixed bindings.
type bindingStore struct {
	mu       sync.Mutex
	bindings map[rbac.Actor][]rbac.RoleBinding
	next     int64
}

func newBindingStore() *bindingStore {
	return &bindingStore{bindings: make(map[rbac.Actor][]rbac.RoleBinding)}
}

func (s *bindingStore) grant(actor rbac.Actor, role rbac.RoleName, scope *rbac.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.bindings[actor] = append(s.bindings[actor], rbac.RoleBinding{
		ID:       s.next,
		Actor:    actor,
		RoleID:   s.next,
		Role:     role,
		Scope:    scope,
		IsActive: true,
	})
}

func (s *bindingStore) ActiveBindings(ctx context.Context, actor rbac.Actor, now time.Time) ([]rbac.RoleBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rbac.RoleBinding(nil), s.bindings[actor]...), nil
}

func (s *bindingStore) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	return rbac.Role{}, rbac.ErrUnknownRole
}

type auditSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSink) Record(ctx context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []Request
	err     error
}

func (a *recordingApplier) Apply(ctx context.Context, q shared.Execer, req Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.applied = append(a.applied, req)
	return nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) ObserveApproval(kind, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[kind+"/"+status]++
}
