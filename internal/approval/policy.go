package approval

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/estatehub/estatehub/internal/rbac"
)

// PolicyConfig holds the tunable parts of Policy.
type PolicyConfig struct {
	TTL              time.Duration
	ExpenseThreshold decimal.Decimal
	RefundThreshold  decimal.Decimal
	PayoutThreshold  decimal.Decimal
}

// Policy decides which actions need a second signer and who may sign.
type Policy struct {
	ttl        time.Duration
	thresholds map[Kind]decimal.Decimal
	roles      map[Kind][]rbac.RoleName
}

// NewPolicy builds a policy. A zero threshold means every amount needs
// approval; lease kinds always do.
func NewPolicy(cfg PolicyConfig) Policy {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return Policy{
		ttl: ttl,
		thresholds: map[Kind]decimal.Decimal{
			KindExpense:     cfg.ExpenseThreshold,
			KindRefund:      cfg.RefundThreshold,
			KindOwnerPayout: cfg.PayoutThreshold,
		},
		roles: map[Kind][]rbac.RoleName{
			KindExpense:     {rbac.RoleSystemAdmin, rbac.RolePMCAdmin, rbac.RoleLandlord, rbac.RoleAccountant, rbac.RoleEmergencyApprover},
			KindRefund:      {rbac.RoleSystemAdmin, rbac.RolePMCAdmin, rbac.RoleLandlord, rbac.RoleAccountant, rbac.RoleEmergencyApprover},
			KindLeaseEdit:   {rbac.RoleSystemAdmin, rbac.RolePMCAdmin, rbac.RolePropertyManager, rbac.RoleLandlord},
			KindLeaseChange: {rbac.RoleSystemAdmin, rbac.RolePMCAdmin, rbac.RoleLandlord},
			KindOwnerPayout: {rbac.RoleSystemAdmin, rbac.RolePMCAdmin, rbac.RolePropertyManager},
		},
	}
}

// DefaultPolicy returns the policy with default thresholds.
func DefaultPolicy() Policy {
	return NewPolicy(PolicyConfig{
		ExpenseThreshold: decimal.NewFromInt(500),
		RefundThreshold:  decimal.NewFromInt(250),
		PayoutThreshold:  decimal.Zero,
	})
}

// TTL is the default lifetime of a request.
func (p Policy) TTL() time.Duration {
	return p.ttl
}

// RequiresApproval reports whether an action of kind for amount needs a
// second signer.
func (p Policy) RequiresApproval(kind Kind, amount decimal.Decimal) bool {
	if !kind.Valid() {
		return false
	}
	threshold, ok := p.thresholds[kind]
	if !ok {
		return true
	}
	return amount.GreaterThanOrEqual(threshold)
}

// RequiredRoles returns the default approver roles for kind.
func (p Policy) RequiredRoles(kind Kind) []rbac.RoleName {
	roles := p.roles[kind]
	out := make([]rbac.RoleName, len(roles))
	copy(out, roles)
	return out
}
