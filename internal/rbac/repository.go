package rbac

import (
	"context"
	"time"

	"github.com/estatehub/estatehub/internal/audit"
)

// Store is the read side consulted on every permission check.
type Store interface {
	ActiveBindings(ctx context.Context, actor Actor, now time.Time) ([]RoleBinding, error)
	GetRole(ctx context.Context, id int64) (Role, error)
}

// RepositoryPort describes persistence used by Service.
type RepositoryPort interface {
	Store
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRoleByName(ctx context.Context, name RoleName) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	EnsureRoles(ctx context.Context, defs []RoleDefinition) ([]Role, error)
	ListBindings(ctx context.Context, actor Actor, includeInactive bool) ([]RoleBinding, error)
}

// BindingKey is the identity of an active binding. Organization linkage
// only counts for bindings scoped to an organization itself; below that it
// is ancillary and refreshed in place.
type BindingKey struct {
	Actor       Actor
	RoleID      int64
	PMCID       string
	LandlordID  string
	PortfolioID string
	PropertyID  string
	UnitID      string
}

func keyFor(actor Actor, roleID int64, s *Scope) BindingKey {
	k := BindingKey{Actor: actor, RoleID: roleID}
	if s == nil {
		return k
	}
	k.PortfolioID = s.PortfolioID
	k.PropertyID = s.PropertyID
	k.UnitID = s.UnitID
	if k.PortfolioID == "" && k.PropertyID == "" && k.UnitID == "" {
		k.PMCID = s.PMCID
		k.LandlordID = s.LandlordID
	}
	return k
}

// TxRepository exposes row-locking mutations inside one transaction.
type TxRepository interface {
	FindActiveBinding(ctx context.Context, key BindingKey) (RoleBinding, bool, error)
	LockActiveBindings(ctx context.Context, actor Actor) ([]RoleBinding, error)
	LockBinding(ctx context.Context, id int64) (RoleBinding, error)
	LockPropertyBindings(ctx context.Context, propertyID string) ([]RoleBinding, error)
	InsertBinding(ctx context.Context, b RoleBinding) (int64, error)
	RefreshBinding(ctx context.Context, id int64, scope *Scope, assignedAt time.Time, expiresAt *time.Time) error
	DeactivateBinding(ctx context.Context, id int64, at time.Time) error
	RelinkBinding(ctx context.Context, id int64, pmcID, landlordID string) error
	InsertOverride(ctx context.Context, o PermissionOverride) (int64, error)
	LockOverride(ctx context.Context, id int64) (PermissionOverride, error)
	DeleteOverride(ctx context.Context, id int64) (bool, error)
	DeleteActorSessions(ctx context.Context, actor Actor) (int64, error)
	InsertAudit(ctx context.Context, e audit.Entry) error
}

// SessionRevoker drops every live session of an actor.
type SessionRevoker interface {
	InvalidateActor(ctx context.Context, actorType, actorID string) (int, error)
}

// AuditPort records entries outside a mutation transaction.
type AuditPort interface {
	Record(ctx context.Context, e audit.Entry) error
}
