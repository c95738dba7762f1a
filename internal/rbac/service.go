package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/estatehub/estatehub/internal/audit"
)

// ServiceConfig tunes Service limits.
type ServiceConfig struct {
	EmergencyDefaultTTL time.Duration
	EmergencyMaxTTL     time.Duration
}

// Service orchestrates binding, role and emergency mutations. Every mutation
// is gated by the checker and commits with exactly one audit entry.
type Service struct {
	repo     RepositoryPort
	checker  *Checker
	sessions SessionRevoker
	logger   *slog.Logger
	cfg      ServiceConfig
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, checker *Checker, sessions SessionRevoker, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EmergencyDefaultTTL <= 0 {
		cfg.EmergencyDefaultTTL = time.Hour
	}
	if cfg.EmergencyMaxTTL <= 0 {
		cfg.EmergencyMaxTTL = 24 * time.Hour
	}
	return &Service{
		repo:     repo,
		checker:  checker,
		sessions: sessions,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Checker exposes the read-side evaluator.
func (s *Service) Checker() *Checker {
	return s.checker
}

// AssignInput describes a scope assignment.
type AssignInput struct {
	Actor     Actor
	Role      RoleName
	Scope     *Scope
	ExpiresAt *time.Time
}

// AssignResult reports the binding touched by AssignScope.
type AssignResult struct {
	Binding RoleBinding
	Created bool
}

const maxAssignAttempts = 3

// AssignScope binds actor to role within scope. Re-assigning an existing
// active (actor, role, scope) refreshes it in place.
func (s *Service) AssignScope(ctx context.Context, grantor Actor, input AssignInput) (AssignResult, error) {
	scope, err := normalizeScope(input.Scope)
	if err != nil {
		return AssignResult{}, err
	}
	if !input.Actor.Type.Valid() || input.Actor.ID == "" {
		return AssignResult{}, fmt.Errorf("%w: actor", ErrInvalidScope)
	}
	if err := s.authorize(ctx, grantor, ResourceRoleBindings, ActionManage, CategoryAdministration, scope); err != nil {
		return AssignResult{}, err
	}
	role, err := s.resolveRole(ctx, grantor, input.Role)
	if err != nil {
		return AssignResult{}, err
	}

	var result AssignResult
	for attempt := 1; attempt <= maxAssignAttempts; attempt++ {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			res, err := s.upsertBinding(ctx, tx, input.Actor, role, scope, input.ExpiresAt)
			if err != nil {
				return err
			}
			action := audit.ActionBindingRefreshed
			if res.Created {
				action = audit.ActionBindingAssigned
			}
			if err := tx.InsertAudit(ctx, bindingEntry(grantor, action, res.Binding, nil)); err != nil {
				return err
			}
			result = res
			return nil
		})
		if !errors.Is(err, errDuplicateBinding) {
			break
		}
		s.logger.Warn("assign scope raced, retrying", slog.String("actor", input.Actor.String()), slog.Int("attempt", attempt))
	}
	if err != nil {
		return AssignResult{}, fmt.Errorf("rbac: assign scope: %w", err)
	}
	return result, nil
}

func (s *Service) upsertBinding(ctx context.Context, tx TxRepository, actor Actor, role Role, scope *Scope, expiresAt *time.Time) (AssignResult, error) {
	now := s.now()
	existing, found, err := tx.FindActiveBinding(ctx, keyFor(actor, role.ID, scope))
	if err != nil {
		return AssignResult{}, err
	}
	if found {
		if err := tx.RefreshBinding(ctx, existing.ID, scope, now, expiresAt); err != nil {
			return AssignResult{}, err
		}
		existing.AssignedAt = now
		existing.ExpiresAt = expiresAt
		existing.Scope = mergeLinkage(existing.Scope, scope)
		existing.Role = role.Name
		return AssignResult{Binding: existing}, nil
	}
	b := RoleBinding{
		Actor:      actor,
		RoleID:     role.ID,
		Role:       role.Name,
		Scope:      scope,
		IsActive:   true,
		AssignedAt: now,
		ExpiresAt:  expiresAt,
	}
	id, err := tx.InsertBinding(ctx, b)
	if err != nil {
		return AssignResult{}, err
	}
	b.ID = id
	return AssignResult{Binding: b, Created: true}, nil
}

// RemoveScope deactivates a binding. The row stays for history.
func (s *Service) RemoveScope(ctx context.Context, grantor Actor, bindingID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.LockBinding(ctx, bindingID)
		if err != nil {
			return err
		}
		if !b.IsActive {
			return fmt.Errorf("%w: %d is inactive", ErrUnknownBinding, bindingID)
		}
		if err := s.authorize(ctx, grantor, ResourceRoleBindings, ActionManage, CategoryAdministration, b.Scope); err != nil {
			return err
		}
		if err := tx.DeactivateBinding(ctx, b.ID, s.now()); err != nil {
			return err
		}
		b.IsActive = false
		return tx.InsertAudit(ctx, bindingEntry(grantor, audit.ActionBindingRemoved, b, nil))
	})
}

// RoleAssignment is one target binding of a role change.
type RoleAssignment struct {
	Role  RoleName
	Scope *Scope
}

// ChangeRoleInput swaps an actor's roles. An empty From deactivates every
// active binding of the actor.
type ChangeRoleInput struct {
	Actor Actor
	From  []RoleName
	To    []RoleAssignment
}

// ChangeRoleResult summarises a role change.
type ChangeRoleResult struct {
	Deactivated     []int64
	Activated       []RoleBinding
	SessionsRevoked int
}

// ChangeRole deactivates the old bindings, activates the new ones and
// revokes every session of the actor, all before the transaction commits.
// If session revocation fails nothing is committed.
func (s *Service) ChangeRole(ctx context.Context, grantor Actor, input ChangeRoleInput) (ChangeRoleResult, error) {
	targets := make([]RoleAssignment, 0, len(input.To))
	roles := make(map[RoleName]Role, len(input.To))
	for _, t := range input.To {
		scope, err := normalizeScope(t.Scope)
		if err != nil {
			return ChangeRoleResult{}, err
		}
		if err := s.authorize(ctx, grantor, ResourceRoleBindings, ActionManage, CategoryAdministration, scope); err != nil {
			return ChangeRoleResult{}, err
		}
		role, err := s.resolveRole(ctx, grantor, t.Role)
		if err != nil {
			return ChangeRoleResult{}, err
		}
		roles[t.Role] = role
		targets = append(targets, RoleAssignment{Role: t.Role, Scope: scope})
	}
	from := make(map[RoleName]struct{}, len(input.From))
	for _, r := range input.From {
		if !s.checker.matrix.Has(r) {
			return ChangeRoleResult{}, fmt.Errorf("%w: %s", ErrUnknownRole, r)
		}
		from[r] = struct{}{}
	}

	var result ChangeRoleResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = ChangeRoleResult{}
		current, err := tx.LockActiveBindings(ctx, input.Actor)
		if err != nil {
			return err
		}
		now := s.now()
		for _, b := range current {
			if len(from) > 0 {
				if _, ok := from[b.Role]; !ok {
					continue
				}
			}
			if err := s.authorize(ctx, grantor, ResourceRoleBindings, ActionManage, CategoryAdministration, b.Scope); err != nil {
				return err
			}
			if err := tx.DeactivateBinding(ctx, b.ID, now); err != nil {
				return err
			}
			result.Deactivated = append(result.Deactivated, b.ID)
		}
		for _, t := range targets {
			res, err := s.upsertBinding(ctx, tx, input.Actor, roles[t.Role], t.Scope, nil)
			if err != nil {
				return err
			}
			result.Activated = append(result.Activated, res.Binding)
		}
		if _, err := tx.DeleteActorSessions(ctx, input.Actor); err != nil {
			return fmt.Errorf("rbac: revoke stored sessions: %w", err)
		}
		if s.sessions != nil {
			n, err := s.sessions.InvalidateActor(ctx, string(input.Actor.Type), input.Actor.ID)
			if err != nil {
				return fmt.Errorf("rbac: revoke live sessions: %w", err)
			}
			result.SessionsRevoked = n
		}
		activated := make([]string, 0, len(result.Activated))
		for _, b := range result.Activated {
			activated = append(activated, string(b.Role)+"@"+scopeString(b.Scope))
		}
		return tx.InsertAudit(ctx, audit.Entry{
			ActorID:    grantor.ID,
			ActorType:  string(grantor.Type),
			Action:     audit.ActionRoleChanged,
			Resource:   string(ResourceRoleBindings),
			ResourceID: input.Actor.String(),
			Details: map[string]any{
				"deactivated":      result.Deactivated,
				"activated":        activated,
				"sessions_revoked": result.SessionsRevoked,
			},
			At: now,
		})
	})
	if err != nil {
		return ChangeRoleResult{}, fmt.Errorf("rbac: change role: %w", err)
	}
	s.logger.Info("role changed",
		slog.String("actor", input.Actor.String()),
		slog.Int("deactivated", len(result.Deactivated)),
		slog.Int("activated", len(result.Activated)),
		slog.Int("sessions_revoked", result.SessionsRevoked),
	)
	return result, nil
}

// TransferInput moves a property from one organization to another.
type TransferInput struct {
	PropertyID string
	From       Scope
	To         Scope
}

// TransferResult summarises a transfer.
type TransferResult struct {
	Deactivated []int64
	Relinked    []int64
}

// TransferResource moves the bindings on a property to a new organization.
// Staff bindings of the losing organization are deactivated; everyone else's
// bindings on the property are relinked.
func (s *Service) TransferResource(ctx context.Context, grantor Actor, input TransferInput) (TransferResult, error) {
	if input.PropertyID == "" {
		return TransferResult{}, fmt.Errorf("%w: property required", ErrInvalidScope)
	}
	if !isOrgOnly(input.From) || !isOrgOnly(input.To) {
		return TransferResult{}, fmt.Errorf("%w: transfer endpoints must be organizations", ErrInvalidScope)
	}
	source := input.From
	source.PropertyID = input.PropertyID
	if err := s.authorize(ctx, grantor, ResourceRoleBindings, ActionManage, CategoryAdministration, &source); err != nil {
		return TransferResult{}, err
	}
	dest := input.To
	if err := s.authorize(ctx, grantor, ResourceRoleBindings, ActionManage, CategoryAdministration, &dest); err != nil {
		return TransferResult{}, err
	}

	var result TransferResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = TransferResult{}
		bindings, err := tx.LockPropertyBindings(ctx, input.PropertyID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, b := range bindings {
			if b.Scope == nil || !linkedTo(*b.Scope, input.From) {
				continue
			}
			if isStaffOf(b.Actor, input.From) {
				if err := tx.DeactivateBinding(ctx, b.ID, now); err != nil {
					return err
				}
				result.Deactivated = append(result.Deactivated, b.ID)
				continue
			}
			pmc, landlord := b.Scope.PMCID, b.Scope.LandlordID
			if input.From.PMCID != "" {
				pmc = input.To.PMCID
			}
			if input.From.LandlordID != "" {
				landlord = input.To.LandlordID
			}
			if err := tx.RelinkBinding(ctx, b.ID, pmc, landlord); err != nil {
				return err
			}
			result.Relinked = append(result.Relinked, b.ID)
		}
		return tx.InsertAudit(ctx, audit.Entry{
			ActorID:    grantor.ID,
			ActorType:  string(grantor.Type),
			Action:     audit.ActionResourceTransferred,
			Resource:   string(ResourceProperties),
			ResourceID: input.PropertyID,
			Details: map[string]any{
				"from":        input.From.String(),
				"to":          input.To.String(),
				"deactivated": result.Deactivated,
				"relinked":    result.Relinked,
			},
			At: now,
		})
	})
	if err != nil {
		return TransferResult{}, fmt.Errorf("rbac: transfer resource: %w", err)
	}
	return result, nil
}

// ListBindings returns an actor's bindings for administration screens.
func (s *Service) ListBindings(ctx context.Context, viewer, actor Actor, includeInactive bool) ([]RoleBinding, error) {
	if err := s.authorize(ctx, viewer, ResourceRoleBindings, ActionRead, CategoryAdministration, nil); err != nil {
		return nil, err
	}
	return s.repo.ListBindings(ctx, actor, includeInactive)
}

// Bootstrap seeds the built-in roles.
func (s *Service) Bootstrap(ctx context.Context) ([]Role, error) {
	roles, err := s.repo.EnsureRoles(ctx, s.checker.matrix.Roles())
	if err != nil {
		return nil, fmt.Errorf("rbac: bootstrap roles: %w", err)
	}
	return roles, nil
}

func (s *Service) authorize(ctx context.Context, actor Actor, resource Resource, action Action, category Category, scope *Scope) error {
	ok, err := s.checker.MayAct(ctx, actor, resource, action, category, scope)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s may not %s %s", ErrForbidden, actor, action, resource)
	}
	return nil
}

// resolveRole loads a bootstrapped role. Handing out SYSTEM_ADMIN needs the
// system-only emergency grant so scoped administrators cannot escalate.
func (s *Service) resolveRole(ctx context.Context, grantor Actor, name RoleName) (Role, error) {
	if !s.checker.matrix.Has(name) {
		return Role{}, fmt.Errorf("%w: %s", ErrUnknownRole, name)
	}
	if name == RoleSystemAdmin {
		if err := s.authorize(ctx, grantor, ResourceEmergencyAccess, ActionManage, CategoryAdministration, nil); err != nil {
			return Role{}, err
		}
	}
	role, err := s.repo.GetRoleByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrUnknownRole) {
			return Role{}, fmt.Errorf("%w: %s not bootstrapped", ErrUnknownRole, name)
		}
		return Role{}, err
	}
	return role, nil
}

func normalizeScope(s *Scope) (*Scope, error) {
	if s == nil {
		return nil, nil
	}
	out, err := NewScope(*s)
	if err != nil {
		return nil, err
	}
	if out.IsZero() {
		return nil, nil
	}
	return &out, nil
}

func mergeLinkage(existing, incoming *Scope) *Scope {
	if incoming == nil {
		return existing
	}
	out := *incoming
	return &out
}

func isOrgOnly(s Scope) bool {
	return (s.PMCID != "" || s.LandlordID != "") && s.PortfolioID == "" && s.PropertyID == "" && s.UnitID == ""
}

func linkedTo(s Scope, org Scope) bool {
	if org.PMCID != "" && s.PMCID != org.PMCID {
		return false
	}
	if org.LandlordID != "" && s.LandlordID != org.LandlordID {
		return false
	}
	return true
}

func isStaffOf(a Actor, org Scope) bool {
	if org.PMCID != "" {
		return a.Type == ActorPMC
	}
	return a.Type == ActorLandlord
}

func scopeString(s *Scope) string {
	if s == nil {
		return "*"
	}
	return s.String()
}

func bindingEntry(grantor Actor, action string, b RoleBinding, extra map[string]any) audit.Entry {
	details := map[string]any{
		"actor":     b.Actor.String(),
		"role":      string(b.Role),
		"scope":     scopeString(b.Scope),
		"is_active": b.IsActive,
	}
	if b.ExpiresAt != nil {
		details["expires_at"] = b.ExpiresAt.UTC().Format(time.RFC3339)
	}
	for k, v := range extra {
		details[k] = v
	}
	return audit.Entry{
		ActorID:    grantor.ID,
		ActorType:  string(grantor.Type),
		Action:     action,
		Resource:   string(ResourceRoleBindings),
		ResourceID: fmt.Sprintf("%d", b.ID),
		Details:    details,
		At:         b.AssignedAt,
	}
}
