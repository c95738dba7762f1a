package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estatehub/estatehub/internal/audit"
	"github.com/estatehub/estatehub/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const bindingColumns = `b.id, b.actor_id, b.actor_type, b.role_id, r.name, b.pmc_id, b.landlord_id,
b.portfolio_id, b.property_id, b.unit_id, b.is_active, b.assigned_at, b.expires_at`

const bindingFrom = ` FROM role_bindings b JOIN roles r ON r.id = b.role_id`

// hotBindingColumns skips the roles join; the checker resolves names from
// its role cache.
const hotBindingColumns = `b.id, b.actor_id, b.actor_type, b.role_id, ''::text, b.pmc_id, b.landlord_id,
b.portfolio_id, b.property_id, b.unit_id, b.is_active, b.assigned_at, b.expires_at`

// ActiveBindings returns live bindings with their overrides in stored order.
func (r *Repository) ActiveBindings(ctx context.Context, actor Actor, now time.Time) ([]RoleBinding, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+hotBindingColumns+` FROM role_bindings b
WHERE b.actor_id = $1 AND b.actor_type = $2 AND b.is_active
  AND (b.expires_at IS NULL OR b.expires_at > $3)
ORDER BY b.assigned_at, b.id`, actor.ID, string(actor.Type), now)
	if err != nil {
		return nil, fmt.Errorf("rbac: active bindings: %w", err)
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, err
	}
	if err := attachOverrides(ctx, r.pool, bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

// ListBindings returns an actor's bindings, optionally including history.
func (r *Repository) ListBindings(ctx context.Context, actor Actor, includeInactive bool) ([]RoleBinding, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+bindingColumns+bindingFrom+`
WHERE b.actor_id = $1 AND b.actor_type = $2 AND ($3 OR b.is_active)
ORDER BY b.assigned_at, b.id`, actor.ID, string(actor.Type), includeInactive)
	if err != nil {
		return nil, fmt.Errorf("rbac: list bindings: %w", err)
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, err
	}
	if err := attachOverrides(ctx, r.pool, bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

// GetRole fetches a role by id.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, display_name, created_at FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

// GetRoleByName fetches a role by name.
func (r *Repository) GetRoleByName(ctx context.Context, name RoleName) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, display_name, created_at FROM roles WHERE name = $1`, string(name))
	return scanRole(row)
}

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, display_name, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// EnsureRoles upserts the role catalogue. Existing rows keep their ids.
func (r *Repository) EnsureRoles(ctx context.Context, defs []RoleDefinition) ([]Role, error) {
	roles := make([]Role, 0, len(defs))
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, def := range defs {
			row := tx.QueryRow(ctx, `INSERT INTO roles (name, display_name) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET display_name = EXCLUDED.display_name
RETURNING id, name, display_name, created_at`, string(def.Name), def.DisplayName)
			role, err := scanRole(row)
			if err != nil {
				return fmt.Errorf("rbac: ensure role %s: %w", def.Name, err)
			}
			roles = append(roles, role)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// FindActiveBinding locks the active binding with the given identity.
func (t *txRepo) FindActiveBinding(ctx context.Context, key BindingKey) (RoleBinding, bool, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+bindingColumns+bindingFrom+`
WHERE b.actor_id = $1 AND b.actor_type = $2 AND b.role_id = $3 AND b.is_active
  AND b.portfolio_id IS NOT DISTINCT FROM $4
  AND b.property_id IS NOT DISTINCT FROM $5
  AND b.unit_id IS NOT DISTINCT FROM $6
  AND (b.portfolio_id IS NOT NULL OR b.property_id IS NOT NULL OR b.unit_id IS NOT NULL
    OR (b.pmc_id IS NOT DISTINCT FROM $7 AND b.landlord_id IS NOT DISTINCT FROM $8))
FOR UPDATE OF b`, key.Actor.ID, string(key.Actor.Type), key.RoleID,
		optionalText(key.PortfolioID), optionalText(key.PropertyID), optionalText(key.UnitID),
		optionalText(key.PMCID), optionalText(key.LandlordID))
	if err != nil {
		return RoleBinding{}, false, err
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return RoleBinding{}, false, err
	}
	if len(bindings) == 0 {
		return RoleBinding{}, false, nil
	}
	return bindings[0], true, nil
}

// LockActiveBindings locks every active binding of the actor.
func (t *txRepo) LockActiveBindings(ctx context.Context, actor Actor) ([]RoleBinding, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+bindingColumns+bindingFrom+`
WHERE b.actor_id = $1 AND b.actor_type = $2 AND b.is_active
ORDER BY b.assigned_at, b.id
FOR UPDATE OF b`, actor.ID, string(actor.Type))
	if err != nil {
		return nil, err
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return nil, err
	}
	if err := attachOverrides(ctx, t.tx, bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

// LockBinding locks one binding by id.
func (t *txRepo) LockBinding(ctx context.Context, id int64) (RoleBinding, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+bindingColumns+bindingFrom+` WHERE b.id = $1 FOR UPDATE OF b`, id)
	if err != nil {
		return RoleBinding{}, err
	}
	bindings, err := collectBindings(rows)
	if err != nil {
		return RoleBinding{}, err
	}
	if len(bindings) == 0 {
		return RoleBinding{}, ErrUnknownBinding
	}
	return bindings[0], nil
}

// LockPropertyBindings locks the active bindings scoped to a property or its units.
func (t *txRepo) LockPropertyBindings(ctx context.Context, propertyID string) ([]RoleBinding, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+bindingColumns+bindingFrom+`
WHERE b.property_id = $1 AND b.is_active
ORDER BY b.id
FOR UPDATE OF b`, propertyID)
	if err != nil {
		return nil, err
	}
	return collectBindings(rows)
}

// InsertBinding creates an active binding. A concurrent insert of the same
// identity surfaces as errDuplicateBinding.
func (t *txRepo) InsertBinding(ctx context.Context, b RoleBinding) (int64, error) {
	s := b.Scope
	if s == nil {
		s = &Scope{}
	}
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO role_bindings
(actor_id, actor_type, role_id, pmc_id, landlord_id, portfolio_id, property_id, unit_id, is_active, assigned_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)
RETURNING id`,
		b.Actor.ID, string(b.Actor.Type), b.RoleID,
		optionalText(s.PMCID), optionalText(s.LandlordID), optionalText(s.PortfolioID),
		optionalText(s.PropertyID), optionalText(s.UnitID),
		b.AssignedAt, optionalTime(b.ExpiresAt)).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, errDuplicateBinding
		}
		return 0, err
	}
	return id, nil
}

// RefreshBinding updates assignment time and organization linkage in place.
func (t *txRepo) RefreshBinding(ctx context.Context, id int64, scope *Scope, assignedAt time.Time, expiresAt *time.Time) error {
	s := scope
	if s == nil {
		s = &Scope{}
	}
	_, err := t.tx.Exec(ctx, `UPDATE role_bindings
SET assigned_at = $2, pmc_id = $3, landlord_id = $4, expires_at = $5
WHERE id = $1`, id, assignedAt, optionalText(s.PMCID), optionalText(s.LandlordID), optionalTime(expiresAt))
	return err
}

// DeactivateBinding flips is_active off. Rows are never deleted.
func (t *txRepo) DeactivateBinding(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE role_bindings SET is_active = FALSE, deactivated_at = $2 WHERE id = $1 AND is_active`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownBinding
	}
	return nil
}

// RelinkBinding moves a binding to another organization.
func (t *txRepo) RelinkBinding(ctx context.Context, id int64, pmcID, landlordID string) error {
	_, err := t.tx.Exec(ctx, `UPDATE role_bindings SET pmc_id = $2, landlord_id = $3 WHERE id = $1`,
		id, optionalText(pmcID), optionalText(landlordID))
	return err
}

// InsertOverride appends an override to a binding.
func (t *txRepo) InsertOverride(ctx context.Context, o PermissionOverride) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO binding_overrides
(binding_id, category, resource, action, is_granted, emergency, reason, granted_by_id, granted_by_type, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`,
		o.BindingID, string(o.Grant.Category), string(o.Grant.Resource), string(o.Grant.Action),
		o.IsGranted, o.Emergency, o.Reason, o.GrantedBy.ID, string(o.GrantedBy.Type),
		o.CreatedAt, optionalTime(o.ExpiresAt)).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// LockOverride locks one override by id.
func (t *txRepo) LockOverride(ctx context.Context, id int64) (PermissionOverride, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+overrideColumns+` FROM binding_overrides WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return PermissionOverride{}, err
	}
	overrides, err := collectOverrides(rows)
	if err != nil {
		return PermissionOverride{}, err
	}
	if len(overrides) == 0 {
		return PermissionOverride{}, ErrUnknownOverride
	}
	return overrides[0], nil
}

// DeleteOverride removes an override row, reporting whether it existed.
func (t *txRepo) DeleteOverride(ctx context.Context, id int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM binding_overrides WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteActorSessions drops the session registry rows of an actor.
func (t *txRepo) DeleteActorSessions(ctx context.Context, actor Actor) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM auth_sessions WHERE actor_id = $1 AND actor_type = $2`, actor.ID, string(actor.Type))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertAudit writes an audit row inside the transaction.
func (t *txRepo) InsertAudit(ctx context.Context, e audit.Entry) error {
	return audit.NewLogger(t.tx).Record(ctx, e)
}

const overrideColumns = `id, binding_id, category, resource, action, is_granted, emergency, reason,
granted_by_id, granted_by_type, created_at, expires_at`

func attachOverrides(ctx context.Context, q querier, bindings []RoleBinding) error {
	if len(bindings) == 0 {
		return nil
	}
	ids := make([]int64, len(bindings))
	index := make(map[int64]int, len(bindings))
	for i, b := range bindings {
		ids[i] = b.ID
		index[b.ID] = i
	}
	rows, err := q.Query(ctx, `SELECT `+overrideColumns+` FROM binding_overrides
WHERE binding_id = ANY($1) ORDER BY binding_id, id`, ids)
	if err != nil {
		return fmt.Errorf("rbac: load overrides: %w", err)
	}
	overrides, err := collectOverrides(rows)
	if err != nil {
		return err
	}
	for _, o := range overrides {
		if i, ok := index[o.BindingID]; ok {
			bindings[i].Overrides = append(bindings[i].Overrides, o)
		}
	}
	return nil
}

func collectBindings(rows pgx.Rows) ([]RoleBinding, error) {
	defer rows.Close()
	var out []RoleBinding
	for rows.Next() {
		var (
			b                                   RoleBinding
			actorType, roleName                 string
			pmc, landlord, portfolio, prop, unt pgtype.Text
			expires                             pgtype.Timestamptz
		)
		if err := rows.Scan(&b.ID, &b.Actor.ID, &actorType, &b.RoleID, &roleName,
			&pmc, &landlord, &portfolio, &prop, &unt,
			&b.IsActive, &b.AssignedAt, &expires); err != nil {
			return nil, err
		}
		b.Actor.Type = ActorType(actorType)
		b.Role = RoleName(roleName)
		s := Scope{PMCID: pmc.String, LandlordID: landlord.String, PortfolioID: portfolio.String, PropertyID: prop.String, UnitID: unt.String}
		if !s.IsZero() {
			b.Scope = &s
		}
		b.ExpiresAt = timePtr(expires)
		out = append(out, b)
	}
	return out, rows.Err()
}

func collectOverrides(rows pgx.Rows) ([]PermissionOverride, error) {
	defer rows.Close()
	var out []PermissionOverride
	for rows.Next() {
		var (
			o                        PermissionOverride
			category, resource, act  string
			grantedByID, grantedType string
			expires                  pgtype.Timestamptz
		)
		if err := rows.Scan(&o.ID, &o.BindingID, &category, &resource, &act, &o.IsGranted, &o.Emergency,
			&o.Reason, &grantedByID, &grantedType, &o.CreatedAt, &expires); err != nil {
			return nil, err
		}
		o.Grant = Grant{Category: Category(category), Resource: Resource(resource), Action: Action(act)}
		o.GrantedBy = Actor{ID: grantedByID, Type: ActorType(grantedType)}
		o.ExpiresAt = timePtr(expires)
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (Role, error) {
	var role Role
	var name string
	if err := row.Scan(&role.ID, &name, &role.DisplayName, &role.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrUnknownRole
		}
		return Role{}, err
	}
	role.Name = RoleName(name)
	return role, nil
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

func optionalTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

var _ RepositoryPort = (*Repository)(nil)
