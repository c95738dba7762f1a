// Package approval implements the second-signer workflow for expenses,
// refunds, lease changes and owner payouts.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/estatehub/estatehub/internal/platform/httpx"
	"github.com/estatehub/estatehub/internal/rbac"
)

// Kind identifies what a request guards.
type Kind string

const (
	KindExpense     Kind = "expense"
	KindRefund      Kind = "refund"
	KindLeaseEdit   Kind = "lease_edit"
	KindLeaseChange Kind = "lease_change"
	KindOwnerPayout Kind = "owner_payout"
)

var kindTargets = map[Kind]rbac.Resource{
	KindExpense:     rbac.ResourceExpenses,
	KindRefund:      rbac.ResourceRefunds,
	KindLeaseEdit:   rbac.ResourceLeases,
	KindLeaseChange: rbac.ResourceLeases,
	KindOwnerPayout: rbac.ResourceOwnerPayouts,
}

// Kinds lists every request kind.
func Kinds() []Kind {
	return []Kind{KindExpense, KindRefund, KindLeaseEdit, KindLeaseChange, KindOwnerPayout}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindTargets[k]
	return ok
}

// Target returns the permission pair the request is checked against.
func (k Kind) Target() (rbac.Category, rbac.Resource) {
	res := kindTargets[k]
	cat, _ := rbac.CategoryOf(res)
	return cat, res
}

// Status enumerates request states. Every state but pending is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Request is one approval workflow instance.
type Request struct {
	ID            uuid.UUID       `json:"id"`
	Kind          Kind            `json:"kind"`
	TargetID      string          `json:"target_id"`
	Amount        decimal.Decimal `json:"amount"`
	Details       map[string]any  `json:"details,omitempty"`
	Scope         *rbac.Scope     `json:"scope,omitempty"`
	RequiredRoles []rbac.RoleName `json:"required_roles,omitempty"`
	Status        Status          `json:"status"`
	Initiator     rbac.Actor      `json:"initiator"`
	DecidedBy     *rbac.Actor     `json:"decided_by,omitempty"`
	DecisionNote  string          `json:"decision_note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
}

// Overdue reports whether a pending request has passed its deadline.
func (r Request) Overdue(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// CreateInput carries the initiator's request.
type CreateInput struct {
	Kind           Kind
	TargetID       string
	Amount         decimal.Decimal
	Details        map[string]any
	Scope          *rbac.Scope
	RequiredRoles  []rbac.RoleName
	TTL            time.Duration
	IdempotencyKey string
}

// ListFilter narrows pending listings.
type ListFilter struct {
	Kind       Kind
	PropertyID string
	Limit      int
}

// PendingResult splits a pending read into requests the viewer can still
// decide and those that expired while being read.
type PendingResult struct {
	Actionable []Request `json:"actionable"`
	Expired    []Request `json:"expired"`
}

var (
	// ErrNotFound marks an unknown request id.
	ErrNotFound = fmt.Errorf("approval: request not found: %w", httpx.ErrNotFound)
	// ErrInvalidRequest rejects malformed create or decision input.
	ErrInvalidRequest = fmt.Errorf("approval: invalid request: %w", httpx.ErrValidation)
	// ErrSelfApproval is returned when the initiator tries to decide their own request.
	ErrSelfApproval = fmt.Errorf("approval: initiator cannot decide own request: %w", httpx.ErrConflict)
	// ErrRequestNotPending is returned for decisions on terminal requests.
	ErrRequestNotPending = fmt.Errorf("approval: request is not pending: %w", httpx.ErrConflict)
	// ErrRequestExpired is returned when a decision finds the deadline passed.
	ErrRequestExpired = fmt.Errorf("approval: request expired: %w", httpx.ErrGone)
	// ErrForbidden is returned when the caller lacks the needed grant or role.
	ErrForbidden = fmt.Errorf("approval: %w", httpx.ErrForbidden)
	// ErrNoApplier is returned when no mutation is registered for a kind.
	ErrNoApplier = errors.New("approval: no applier registered")
)
