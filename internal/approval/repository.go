package approval

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/estatehub/estatehub/internal/audit"
	"github.com/estatehub/estatehub/internal/rbac"
	"github.com/estatehub/estatehub/internal/shared"
)

// RepositoryPort describes persistence used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Request, error)
	ListPending(ctx context.Context, f ListFilter) ([]Request, error)
	LookupKey(ctx context.Context, key string) (string, error)
}

// TxRepository exposes row-locking mutations inside one transaction.
type TxRepository interface {
	Insert(ctx context.Context, r Request) error
	Lock(ctx context.Context, id uuid.UUID) (Request, error)
	// Transition moves a request out of from. It reports false when the
	// row was no longer in from.
	Transition(ctx context.Context, id uuid.UUID, from, to Status, by *rbac.Actor, note string, at time.Time) (bool, error)
	ClaimKey(ctx context.Context, key string) error
	BindKey(ctx context.Context, key, ref string) error
	InsertAudit(ctx context.Context, e audit.Entry) error
	Querier() shared.Execer
}

// Applier performs the mutation a request guards. It runs inside the
// approval transaction; an error aborts the approval.
type Applier interface {
	Apply(ctx context.Context, q shared.Execer, req Request) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, q shared.Execer, req Request) error

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, q shared.Execer, req Request) error {
	return f(ctx, q, req)
}

// Authorizer is the permission surface the workflow needs.
type Authorizer interface {
	MayAct(ctx context.Context, actor rbac.Actor, resource rbac.Resource, action rbac.Action, category rbac.Category, scope *rbac.Scope) (bool, error)
	HoldsRole(ctx context.Context, actor rbac.Actor, roles []rbac.RoleName, scope *rbac.Scope) (bool, error)
}

// Metrics observes request transitions.
type Metrics interface {
	ObserveApproval(kind, status string)
}
