package rbac

import (
	"fmt"
	"strings"
	"time"
)

// ActorType partitions actor identity by role family.
type ActorType string

const (
	ActorAdmin    ActorType = "admin"
	ActorLandlord ActorType = "landlord"
	ActorPMC      ActorType = "pmc"
	ActorTenant   ActorType = "tenant"
	ActorVendor   ActorType = "vendor"
)

// Valid reports whether t is one of the known actor families.
func (t ActorType) Valid() bool {
	switch t {
	case ActorAdmin, ActorLandlord, ActorPMC, ActorTenant, ActorVendor:
		return true
	}
	return false
}

// Actor identifies who is asking. IDs are only unique within a type.
type Actor struct {
	ID   string    `json:"id"`
	Type ActorType `json:"type"`
}

// NewActor validates an actor reference.
func NewActor(id string, typ ActorType) (Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" || !typ.Valid() {
		return Actor{}, fmt.Errorf("rbac: invalid actor %q/%q", typ, id)
	}
	return Actor{ID: id, Type: typ}, nil
}

func (a Actor) String() string {
	return string(a.Type) + ":" + a.ID
}

// IsZero reports whether the actor is unset.
func (a Actor) IsZero() bool {
	return a.ID == ""
}

// Role is the persisted identity of a matrix role.
type Role struct {
	ID          int64
	Name        RoleName
	DisplayName string
	CreatedAt   time.Time
}

// PermissionOverride shadows the role default for one triple on one binding.
type PermissionOverride struct {
	ID        int64
	BindingID int64
	Grant     Grant
	IsGranted bool
	Emergency bool
	Reason    string
	GrantedBy Actor
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the override's window has closed at now.
func (o PermissionOverride) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// RoleBinding attaches an actor to a role within an optional scope.
type RoleBinding struct {
	ID         int64
	Actor      Actor
	RoleID     int64
	Role       RoleName
	Scope      *Scope
	IsActive   bool
	AssignedAt time.Time
	ExpiresAt  *time.Time
	Overrides  []PermissionOverride
}

// Live reports whether the binding counts toward decisions at now.
func (b RoleBinding) Live(now time.Time) bool {
	if !b.IsActive {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// override returns the first unexpired override for g, in stored order.
func (b RoleBinding) override(g Grant, now time.Time) (PermissionOverride, bool) {
	for _, o := range b.Overrides {
		if o.Grant != g || o.Expired(now) {
			continue
		}
		return o, true
	}
	return PermissionOverride{}, false
}

// Decision explains a permission evaluation.
type Decision struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason"`
	Grant        Grant     `json:"grant"`
	Scope        *Scope    `json:"scope,omitempty"`
	BindingID    int64     `json:"binding_id,omitempty"`
	Role         RoleName  `json:"role,omitempty"`
	ViaOverride  bool      `json:"via_override,omitempty"`
	Emergency    bool      `json:"emergency,omitempty"`
	MatchedRoles []string  `json:"matched_roles,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

const (
	reasonNoBindings    = "no active bindings"
	reasonOverrideAllow = "override granted"
	reasonRoleGrant     = "role grant within scope"
	reasonNoMatch       = "no binding grants the action in scope"
)
