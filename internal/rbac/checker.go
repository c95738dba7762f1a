package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/estatehub/estatehub/internal/audit"
)

// DecisionRecorder observes permission outcomes.
type DecisionRecorder interface {
	ObserveDecision(resource string, allowed bool, reason string)
}

// CheckerConfig groups Checker dependencies.
type CheckerConfig struct {
	Store         Store
	Matrix        *Matrix
	// Hierarchy verifies requested scopes against the property tree. Without
	// it requested scopes are compared exactly as given.
	Hierarchy     Hierarchy
	Audit         AuditPort
	Metrics       DecisionRecorder
	Logger        *slog.Logger
	RoleCacheSize int
}

// Checker evaluates permissions. It holds no mutable state besides the role
// cache, whose entries never change after bootstrap.
type Checker struct {
	store     Store
	matrix    *Matrix
	roles     *lru.Cache[int64, Role]
	hierarchy Hierarchy
	audit     AuditPort
	metrics   DecisionRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewChecker constructs a Checker.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if cfg.Store == nil {
		return nil, errors.New("rbac: checker store required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("rbac: checker audit port required")
	}
	matrix := cfg.Matrix
	if matrix == nil {
		matrix = DefaultMatrix()
	}
	size := cfg.RoleCacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[int64, Role](size)
	if err != nil {
		return nil, fmt.Errorf("rbac: role cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:     cfg.Store,
		matrix:    matrix,
		roles:     cache,
		hierarchy: cfg.Hierarchy,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithNow overrides the clock.
func (c *Checker) WithNow(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Matrix exposes the compiled permission matrix.
func (c *Checker) Matrix() *Matrix {
	return c.matrix
}

// MayAct reports whether the actor may perform action on resource within
// scope. A nil scope skips containment. Errors are never folded into false.
func (c *Checker) MayAct(ctx context.Context, actor Actor, resource Resource, action Action, category Category, scope *Scope) (bool, error) {
	d, err := c.Explain(ctx, actor, Grant{Category: category, Resource: resource, Action: action}, scope)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Explain evaluates g for actor and reports how the outcome was reached.
// The result is the union over all live bindings.
func (c *Checker) Explain(ctx context.Context, actor Actor, g Grant, scope *Scope) (Decision, error) {
	if !g.Valid() {
		return Decision{}, fmt.Errorf("%w: %s", ErrInvalidGrant, g)
	}
	var requested *Scope
	if scope != nil {
		s, err := NewScope(*scope)
		if err != nil {
			return Decision{}, err
		}
		requested = &s
	}
	now := c.now()
	d := Decision{Grant: g, Scope: requested, CheckedAt: now}

	bindings, err := c.liveBindings(ctx, actor, now)
	if err != nil {
		return Decision{}, err
	}
	if len(bindings) == 0 {
		d.Reason = reasonNoBindings
		return c.finish(ctx, actor, d)
	}

	var expanded *Scope
	for _, b := range bindings {
		role, err := c.role(ctx, b)
		if err != nil {
			return Decision{}, err
		}
		d.MatchedRoles = appendUnique(d.MatchedRoles, string(role.Name))

		if o, ok := b.override(g, now); ok {
			if !o.IsGranted {
				continue
			}
			d.Allowed, d.Reason = true, reasonOverrideAllow
			d.BindingID, d.Role = b.ID, role.Name
			d.ViaOverride, d.Emergency = true, o.Emergency
			return c.finish(ctx, actor, d)
		}
		if !c.matrix.Allows(role.Name, g) {
			continue
		}
		if requested != nil && b.Scope != nil {
			if expanded == nil {
				full, err := Expand(ctx, c.hierarchy, *requested)
				if err != nil {
					return Decision{}, err
				}
				expanded = &full
			}
			if !b.Scope.Contains(*expanded) {
				continue
			}
		}
		d.Allowed, d.Reason = true, reasonRoleGrant
		d.BindingID, d.Role = b.ID, role.Name
		return c.finish(ctx, actor, d)
	}
	d.Reason = reasonNoMatch
	return c.finish(ctx, actor, d)
}

// HoldsRole reports whether actor has a live binding to one of roles whose
// scope covers scope.
func (c *Checker) HoldsRole(ctx context.Context, actor Actor, roles []RoleName, scope *Scope) (bool, error) {
	if len(roles) == 0 {
		return true, nil
	}
	bindings, err := c.liveBindings(ctx, actor, c.now())
	if err != nil {
		return false, err
	}
	want := make(map[RoleName]struct{}, len(roles))
	for _, r := range roles {
		want[r] = struct{}{}
	}
	var expanded *Scope
	for _, b := range bindings {
		role, err := c.role(ctx, b)
		if err != nil {
			return false, err
		}
		if _, ok := want[role.Name]; !ok {
			continue
		}
		if scope == nil || b.Scope == nil {
			return true, nil
		}
		if expanded == nil {
			full, err := Expand(ctx, c.hierarchy, *scope)
			if err != nil {
				return false, err
			}
			expanded = &full
		}
		if b.Scope.Contains(*expanded) {
			return true, nil
		}
	}
	return false, nil
}

// AuthorizeSensitiveRead is the gate every feature must call before
// returning a single record of a resource IsSensitive names, such as bank
// accounts or security deposits. It checks READ and, when allowed on a sensitive
// resource, records a sensitive.read entry naming resourceID. Denials are
// recorded by the check itself. Bulk reads that already passed a READ check,
// like audit log queries, call RecordSensitiveRead directly.
func (c *Checker) AuthorizeSensitiveRead(ctx context.Context, actor Actor, resource Resource, resourceID string, scope *Scope) (bool, error) {
	category, ok := CategoryOf(resource)
	if !ok {
		return false, fmt.Errorf("%w: resource %s", ErrInvalidGrant, resource)
	}
	allowed, err := c.MayAct(ctx, actor, resource, ActionRead, category, scope)
	if err != nil || !allowed {
		return allowed, err
	}
	if !IsSensitive(resource) {
		return true, nil
	}
	if err := c.RecordSensitiveRead(ctx, actor, resource, resourceID, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RecordSensitiveRead writes a sensitive.read entry.
func (c *Checker) RecordSensitiveRead(ctx context.Context, actor Actor, resource Resource, resourceID string, details map[string]any) error {
	if resourceID == "" {
		resourceID = "*"
	}
	return c.audit.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		ActorType:  string(actor.Type),
		Action:     audit.ActionSensitiveRead,
		Resource:   string(resource),
		ResourceID: resourceID,
		Details:    details,
		At:         c.now(),
	})
}

func (c *Checker) liveBindings(ctx context.Context, actor Actor, now time.Time) ([]RoleBinding, error) {
	if actor.IsZero() {
		return nil, nil
	}
	bindings, err := c.store.ActiveBindings(ctx, actor, now)
	if err != nil {
		return nil, fmt.Errorf("rbac: load bindings for %s: %w", actor, err)
	}
	live := bindings[:0:0]
	for _, b := range bindings {
		if b.Live(now) {
			live = append(live, b)
		}
	}
	return live, nil
}

func (c *Checker) role(ctx context.Context, b RoleBinding) (Role, error) {
	if b.Role != "" && c.matrix.Has(b.Role) {
		return Role{ID: b.RoleID, Name: b.Role}, nil
	}
	if role, ok := c.roles.Get(b.RoleID); ok {
		return role, nil
	}
	role, err := c.store.GetRole(ctx, b.RoleID)
	if err != nil {
		if errors.Is(err, ErrUnknownRole) {
			return Role{}, fmt.Errorf("%w: id %d on binding %d", ErrUnknownRole, b.RoleID, b.ID)
		}
		return Role{}, fmt.Errorf("rbac: load role %d: %w", b.RoleID, err)
	}
	if !c.matrix.Has(role.Name) {
		return Role{}, fmt.Errorf("%w: %s", ErrUnknownRole, role.Name)
	}
	c.roles.Add(role.ID, role)
	return role, nil
}

func (c *Checker) finish(ctx context.Context, actor Actor, d Decision) (Decision, error) {
	if c.metrics != nil {
		c.metrics.ObserveDecision(string(d.Grant.Resource), d.Allowed, d.Reason)
	}
	if d.Allowed || !IsSensitive(d.Grant.Resource) {
		return d, nil
	}
	details := map[string]any{
		"category": string(d.Grant.Category),
		"action":   string(d.Grant.Action),
		"reason":   d.Reason,
	}
	resourceID := "*"
	if d.Scope != nil {
		details["scope"] = d.Scope.String()
		if lvl, ok := d.Scope.Deepest(); ok {
			resourceID = d.Scope.Field(lvl)
		}
	}
	err := c.audit.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		ActorType:  string(actor.Type),
		Action:     audit.ActionPermissionDenied,
		Resource:   string(d.Grant.Resource),
		ResourceID: resourceID,
		Details:    details,
		At:         d.CheckedAt,
	})
	if err != nil {
		c.logger.Error("record permission denial", slog.String("actor", actor.String()), slog.Any("error", err))
		return Decision{}, fmt.Errorf("rbac: audit denial: %w", err)
	}
	return d, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
