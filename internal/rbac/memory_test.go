package rbac

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/estatehub/estatehub/internal/audit"
)

// memoryRepo is an in-memory RepositoryPort. Transactions are serialised and
// roll back by restoring a snapshot.
type memoryRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex

	roles        map[int64]Role
	roleIDs      map[RoleName]int64
	bindings     map[int64]RoleBinding
	overrides    map[int64]PermissionOverride
	sessions     map[Actor]int64
	audits       []audit.Entry
	nextRole     int64
	nextBinding  int64
	nextOverride int64

	activeCalls int
	getRoleHits int
	failLoad    error
	failAudit   error
}

func newMemoryRepo() *memoryRepo {
	r := &memoryRepo{
		roles:     make(map[int64]Role),
		roleIDs:   make(map[RoleName]int64),
		bindings:  make(map[int64]RoleBinding),
		overrides: make(map[int64]PermissionOverride),
		sessions:  make(map[Actor]int64),
	}
	_, _ = r.EnsureRoles(context.Background(), BuiltInRoles())
	return r
}

type memorySnapshot struct {
	bindings     map[int64]RoleBinding
	overrides    map[int64]PermissionOverride
	sessions     map[Actor]int64
	audits       []audit.Entry
	nextBinding  int64
	nextOverride int64
}

func (r *memoryRepo) snapshot() memorySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := memorySnapshot{
		bindings:     make(map[int64]RoleBinding, len(r.bindings)),
		overrides:    make(map[int64]PermissionOverride, len(r.overrides)),
		sessions:     make(map[Actor]int64, len(r.sessions)),
		audits:       append([]audit.Entry(nil), r.audits...),
		nextBinding:  r.nextBinding,
		nextOverride: r.nextOverride,
	}
	for k, v := range r.bindings {
		s.bindings[k] = v
	}
	for k, v := range r.overrides {
		s.overrides[k] = v
	}
	for k, v := range r.sessions {
		s.sessions[k] = v
	}
	return s
}

func (r *memoryRepo) restore(s memorySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = s.bindings
	r.overrides = s.overrides
	r.sessions = s.sessions
	r.audits = s.audits
	r.nextBinding = s.nextBinding
	r.nextOverride = s.nextOverride
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	snap := r.snapshot()
	if err := fn(ctx, memoryTx{r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memoryRepo) ActiveBindings(ctx context.Context, actor Actor, now time.Time) ([]RoleBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeCalls++
	if r.failLoad != nil {
		return nil, r.failLoad
	}
	var out []RoleBinding
	for _, b := range r.sortedBindings() {
		if b.Actor != actor || !b.Live(now) {
			continue
		}
		b.Role = ""
		b.Overrides = r.overridesFor(b.ID)
		out = append(out, b)
	}
	return out, nil
}

func (r *memoryRepo) ListBindings(ctx context.Context, actor Actor, includeInactive bool) ([]RoleBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RoleBinding
	for _, b := range r.sortedBindings() {
		if b.Actor != actor || (!includeInactive && !b.IsActive) {
			continue
		}
		b.Overrides = r.overridesFor(b.ID)
		out = append(out, b)
	}
	return out, nil
}

func (r *memoryRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getRoleHits++
	role, ok := r.roles[id]
	if !ok {
		return Role{}, ErrUnknownRole
	}
	return role, nil
}

func (r *memoryRepo) GetRoleByName(ctx context.Context, name RoleName) (Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.roleIDs[name]
	if !ok {
		return Role{}, ErrUnknownRole
	}
	return r.roles[id], nil
}

func (r *memoryRepo) ListRoles(ctx context.Context) ([]Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) EnsureRoles(ctx context.Context, defs []RoleDefinition) ([]Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Role, 0, len(defs))
	for _, def := range defs {
		if id, ok := r.roleIDs[def.Name]; ok {
			out = append(out, r.roles[id])
			continue
		}
		r.nextRole++
		role := Role{ID: r.nextRole, Name: def.Name, DisplayName: def.DisplayName}
		r.roles[role.ID] = role
		r.roleIDs[def.Name] = role.ID
		out = append(out, role)
	}
	return out, nil
}

func (r *memoryRepo) Record(ctx context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendAudit(e)
}

func (r *memoryRepo) appendAudit(e audit.Entry) error {
	if r.failAudit != nil {
		return r.failAudit
	}
	e, err := audit.Prepare(e, func() time.Time { return time.Now().UTC() })
	if err != nil {
		return err
	}
	r.audits = append(r.audits, e)
	return nil
}

func (r *memoryRepo) roleID(name RoleName) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roleIDs[name]
}

// seedBinding inserts a binding directly, bypassing authorization.
func (r *memoryRepo) seedBinding(actor Actor, role RoleName, scope *Scope, overrides ...PermissionOverride) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextBinding++
	id := r.nextBinding
	r.bindings[id] = RoleBinding{
		ID:         id,
		Actor:      actor,
		RoleID:     r.roleIDs[role],
		Role:       role,
		Scope:      scope,
		IsActive:   true,
		AssignedAt: time.Date(2025, 1, 1, 0, 0, int(id), 0, time.UTC),
	}
	for _, o := range overrides {
		r.nextOverride++
		o.ID = r.nextOverride
		o.BindingID = id
		r.overrides[o.ID] = o
	}
	return id
}

func (r *memoryRepo) activeCount(actor Actor) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.bindings {
		if b.Actor == actor && b.IsActive {
			n++
		}
	}
	return n
}

func (r *memoryRepo) binding(id int64) RoleBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[id]
}

func (r *memoryRepo) override(id int64) (PermissionOverride, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.overrides[id]
	return o, ok
}

func (r *memoryRepo) auditActions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.audits))
	for _, e := range r.audits {
		out = append(out, e.Action)
	}
	return out
}

func (r *memoryRepo) sortedBindings() []RoleBinding {
	out := make([]RoleBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		if b.Role == "" {
			b.Role = r.roles[b.RoleID].Name
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryRepo) overridesFor(bindingID int64) []PermissionOverride {
	var out []PermissionOverride
	for _, o := range r.overrides {
		if o.BindingID == bindingID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memoryTx struct {
	r *memoryRepo
}

func (t memoryTx) FindActiveBinding(ctx context.Context, key BindingKey) (RoleBinding, bool, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	for _, b := range t.r.sortedBindings() {
		if b.IsActive && keyFor(b.Actor, b.RoleID, b.Scope) == key {
			return b, true, nil
		}
	}
	return RoleBinding{}, false, nil
}

func (t memoryTx) LockActiveBindings(ctx context.Context, actor Actor) ([]RoleBinding, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	var out []RoleBinding
	for _, b := range t.r.sortedBindings() {
		if b.Actor == actor && b.IsActive {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t memoryTx) LockBinding(ctx context.Context, id int64) (RoleBinding, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	b, ok := t.r.bindings[id]
	if !ok {
		return RoleBinding{}, ErrUnknownBinding
	}
	if b.Role == "" {
		b.Role = t.r.roles[b.RoleID].Name
	}
	return b, nil
}

func (t memoryTx) LockPropertyBindings(ctx context.Context, propertyID string) ([]RoleBinding, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	var out []RoleBinding
	for _, b := range t.r.sortedBindings() {
		if b.IsActive && b.Scope != nil && b.Scope.PropertyID == propertyID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t memoryTx) InsertBinding(ctx context.Context, b RoleBinding) (int64, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	for _, existing := range t.r.bindings {
		if existing.IsActive && keyFor(existing.Actor, existing.RoleID, existing.Scope) == keyFor(b.Actor, b.RoleID, b.Scope) {
			return 0, errDuplicateBinding
		}
	}
	t.r.nextBinding++
	b.ID = t.r.nextBinding
	b.Overrides = nil
	t.r.bindings[b.ID] = b
	return b.ID, nil
}

func (t memoryTx) RefreshBinding(ctx context.Context, id int64, scope *Scope, assignedAt time.Time, expiresAt *time.Time) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	b, ok := t.r.bindings[id]
	if !ok {
		return ErrUnknownBinding
	}
	if scope != nil {
		s := *scope
		b.Scope = &s
	}
	b.AssignedAt = assignedAt
	b.ExpiresAt = expiresAt
	t.r.bindings[id] = b
	return nil
}

func (t memoryTx) DeactivateBinding(ctx context.Context, id int64, at time.Time) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	b, ok := t.r.bindings[id]
	if !ok {
		return ErrUnknownBinding
	}
	b.IsActive = false
	t.r.bindings[id] = b
	return nil
}

func (t memoryTx) RelinkBinding(ctx context.Context, id int64, pmcID, landlordID string) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	b, ok := t.r.bindings[id]
	if !ok {
		return ErrUnknownBinding
	}
	s := Scope{}
	if b.Scope != nil {
		s = *b.Scope
	}
	s.PMCID, s.LandlordID = pmcID, landlordID
	b.Scope = &s
	t.r.bindings[id] = b
	return nil
}

func (t memoryTx) InsertOverride(ctx context.Context, o PermissionOverride) (int64, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	t.r.nextOverride++
	o.ID = t.r.nextOverride
	t.r.overrides[o.ID] = o
	return o.ID, nil
}

func (t memoryTx) LockOverride(ctx context.Context, id int64) (PermissionOverride, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	o, ok := t.r.overrides[id]
	if !ok {
		return PermissionOverride{}, ErrUnknownOverride
	}
	return o, nil
}

func (t memoryTx) DeleteOverride(ctx context.Context, id int64) (bool, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	_, ok := t.r.overrides[id]
	delete(t.r.overrides, id)
	return ok, nil
}

func (t memoryTx) DeleteActorSessions(ctx context.Context, actor Actor) (int64, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	n := t.r.sessions[actor]
	delete(t.r.sessions, actor)
	return n, nil
}

func (t memoryTx) InsertAudit(ctx context.Context, e audit.Entry) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	return t.r.appendAudit(e)
}

// mapHierarchy resolves ancestors from fixed maps.
type mapHierarchy struct {
	unitProperty      map[string]string
	propertyPortfolio map[string]string
	portfolioPMC      map[string]string
	calls             int
}

func (h *mapHierarchy) Ancestors(ctx context.Context, s Scope) (Scope, error) {
	h.calls++
	var out Scope
	prop := s.PropertyID
	if prop == "" && s.UnitID != "" {
		prop = h.unitProperty[s.UnitID]
		out.PropertyID = prop
	}
	portfolio := s.PortfolioID
	if prop != "" && portfolio == "" {
		portfolio = h.propertyPortfolio[prop]
		out.PortfolioID = portfolio
	}
	if portfolio != "" {
		out.PMCID = h.portfolioPMC[portfolio]
	}
	return out, nil
}

type stubSessions struct {
	revoked map[string]int
	live    map[string]int
	err     error
}

func (s *stubSessions) InvalidateActor(ctx context.Context, actorType, actorID string) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	key := actorType + ":" + actorID
	n := s.live[key]
	delete(s.live, key)
	if s.revoked == nil {
		s.revoked = make(map[string]int)
	}
	s.revoked[key] += n
	return n, nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	allowed int
	denied  int
}

func (m *recordingMetrics) ObserveDecision(resource string, allowed bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed {
		m.allowed++
		return
	}
	m.denied++
}

var errStoreDown = errors.New("store unavailable")
