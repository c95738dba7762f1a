package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/estatehub/estatehub/internal/audit"
)

// EmergencyInput requests a temporary grant.
type EmergencyInput struct {
	Actor     Actor
	Grant     Grant
	Reason    string
	Duration  time.Duration
	BindingID int64
}

// GrantEmergencyAccess attaches an expiring granted override to one of the
// actor's active bindings. A zero Duration uses the configured default.
func (s *Service) GrantEmergencyAccess(ctx context.Context, grantor Actor, input EmergencyInput) (PermissionOverride, error) {
	if !input.Grant.Valid() {
		return PermissionOverride{}, fmt.Errorf("%w: %s", ErrInvalidGrant, input.Grant)
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return PermissionOverride{}, fmt.Errorf("%w: reason required", ErrInvalidGrant)
	}
	duration := input.Duration
	if duration == 0 {
		duration = s.cfg.EmergencyDefaultTTL
	}
	if duration <= 0 || duration > s.cfg.EmergencyMaxTTL {
		return PermissionOverride{}, fmt.Errorf("%w: %s (max %s)", ErrEmergencyDuration, duration, s.cfg.EmergencyMaxTTL)
	}
	if err := s.authorize(ctx, grantor, ResourceEmergencyAccess, ActionManage, CategoryAdministration, nil); err != nil {
		return PermissionOverride{}, err
	}

	var created PermissionOverride
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now()
		binding, err := s.emergencyHost(ctx, tx, input.Actor, input.BindingID, now)
		if err != nil {
			return err
		}
		expires := now.Add(duration)
		o := PermissionOverride{
			BindingID: binding.ID,
			Grant:     input.Grant,
			IsGranted: true,
			Emergency: true,
			Reason:    reason,
			GrantedBy: grantor,
			CreatedAt: now,
			ExpiresAt: &expires,
		}
		id, err := tx.InsertOverride(ctx, o)
		if err != nil {
			return err
		}
		o.ID = id
		created = o
		return tx.InsertAudit(ctx, audit.Entry{
			ActorID:    grantor.ID,
			ActorType:  string(grantor.Type),
			Action:     audit.ActionEmergencyGranted,
			Resource:   string(ResourceEmergencyAccess),
			ResourceID: fmt.Sprintf("%d", id),
			Details: map[string]any{
				"actor":      input.Actor.String(),
				"binding_id": binding.ID,
				"grant":      input.Grant.String(),
				"reason":     reason,
				"expires_at": expires.Format(time.RFC3339),
			},
			At: now,
		})
	})
	if err != nil {
		return PermissionOverride{}, fmt.Errorf("rbac: grant emergency access: %w", err)
	}
	s.logger.Warn("emergency access granted",
		slog.String("actor", input.Actor.String()),
		slog.String("grant", input.Grant.String()),
		slog.String("granted_by", grantor.String()),
		slog.Time("expires_at", *created.ExpiresAt),
	)
	return created, nil
}

func (s *Service) emergencyHost(ctx context.Context, tx TxRepository, actor Actor, bindingID int64, now time.Time) (RoleBinding, error) {
	if bindingID != 0 {
		b, err := tx.LockBinding(ctx, bindingID)
		if err != nil {
			return RoleBinding{}, err
		}
		if b.Actor != actor || !b.Live(now) {
			return RoleBinding{}, fmt.Errorf("%w: %d is not a live binding of %s", ErrUnknownBinding, bindingID, actor)
		}
		return b, nil
	}
	bindings, err := tx.LockActiveBindings(ctx, actor)
	if err != nil {
		return RoleBinding{}, err
	}
	for _, b := range bindings {
		if b.Live(now) {
			return b, nil
		}
	}
	return RoleBinding{}, fmt.Errorf("%w: %s has no active binding", ErrUnknownBinding, actor)
}

// HasEmergencyAccess reports whether actor holds a live emergency override
// for g. Expired emergency overrides found on the way are deleted and
// audited.
func (s *Service) HasEmergencyAccess(ctx context.Context, actor Actor, g Grant) (bool, error) {
	now := s.now()
	bindings, err := s.repo.ActiveBindings(ctx, actor, now)
	if err != nil {
		return false, fmt.Errorf("rbac: load bindings for %s: %w", actor, err)
	}
	var (
		live    bool
		expired []PermissionOverride
	)
	for _, b := range bindings {
		if !b.Live(now) {
			continue
		}
		for _, o := range b.Overrides {
			if !o.Emergency || o.Grant != g {
				continue
			}
			if o.Expired(now) {
				expired = append(expired, o)
				continue
			}
			if o.IsGranted {
				live = true
			}
		}
	}
	for _, o := range expired {
		if err := s.expireOverride(ctx, actor, o); err != nil {
			return false, err
		}
	}
	return live, nil
}

func (s *Service) expireOverride(ctx context.Context, actor Actor, o PermissionOverride) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		deleted, err := tx.DeleteOverride(ctx, o.ID)
		if err != nil {
			return err
		}
		if !deleted {
			// Another caller already expired it.
			return nil
		}
		return tx.InsertAudit(ctx, audit.Entry{
			ActorID:    actor.ID,
			ActorType:  string(actor.Type),
			Action:     audit.ActionEmergencyExpired,
			Resource:   string(ResourceEmergencyAccess),
			ResourceID: fmt.Sprintf("%d", o.ID),
			Details: map[string]any{
				"binding_id": o.BindingID,
				"grant":      o.Grant.String(),
				"granted_by": o.GrantedBy.String(),
			},
			At: s.now(),
		})
	})
}

// RevokeEmergencyAccess deletes an emergency override before it lapses.
func (s *Service) RevokeEmergencyAccess(ctx context.Context, grantor Actor, overrideID int64) error {
	if err := s.authorize(ctx, grantor, ResourceEmergencyAccess, ActionManage, CategoryAdministration, nil); err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		o, err := tx.LockOverride(ctx, overrideID)
		if err != nil {
			return err
		}
		if !o.Emergency {
			return fmt.Errorf("%w: %d is not an emergency grant", ErrUnknownOverride, overrideID)
		}
		if _, err := tx.DeleteOverride(ctx, o.ID); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, audit.Entry{
			ActorID:    grantor.ID,
			ActorType:  string(grantor.Type),
			Action:     audit.ActionEmergencyRevoked,
			Resource:   string(ResourceEmergencyAccess),
			ResourceID: fmt.Sprintf("%d", o.ID),
			Details: map[string]any{
				"binding_id": o.BindingID,
				"grant":      o.Grant.String(),
			},
			At: s.now(),
		})
	})
}
