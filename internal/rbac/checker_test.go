package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estatehub/estatehub/internal/audit"
	_ "github.com/estatehub/estatehub/testing"
)

var (
	testNow  = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	userU    = Actor{ID: "u-1", Type: ActorPMC}
	rootUser = Actor{ID: "root", Type: ActorAdmin}
)

func newTestChecker(t *testing.T, repo *memoryRepo, h Hierarchy) *Checker {
	t.Helper()
	c, err := NewChecker(CheckerConfig{Store: repo, Audit: repo, Hierarchy: h})
	require.NoError(t, err)
	c.WithNow(func() time.Time { return testNow })
	return c
}

func scopePtr(s Scope) *Scope {
	out := MustScope(s)
	return &out
}

func TestMayActZeroBindingsDeniesEverything(t *testing.T) {
	repo := newMemoryRepo()
	c := newTestChecker(t, repo, nil)
	ctx := context.Background()

	for _, def := range BuiltInRoles() {
		if def.Name != RoleSystemAdmin {
			continue
		}
		for _, g := range def.Grants {
			ok, err := c.MayAct(ctx, userU, g.Resource, g.Action, g.Category, nil)
			require.NoError(t, err)
			require.False(t, ok, g.String())
		}
	}
	d, err := c.Explain(ctx, userU, Grant{CategoryAccounting, ResourceBankAccounts, ActionRead}, nil)
	require.NoError(t, err)
	require.Equal(t, reasonNoBindings, d.Reason)
}

func TestMayActPropertyManagerScopedToProperty(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBinding(userU, RolePropertyManager, scopePtr(Scope{PropertyID: "P1"}))
	c := newTestChecker(t, repo, nil)
	ctx := context.Background()

	ok, err := c.MayAct(ctx, userU, ResourceOwnerPayouts, ActionApprove, CategoryAccounting, scopePtr(Scope{PropertyID: "P1"}))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.MayAct(ctx, userU, ResourceOwnerPayouts, ActionApprove, CategoryAccounting, scopePtr(Scope{PropertyID: "P2"}))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMayActUnionIgnoresDenyOnOtherBinding(t *testing.T) {
	repo := newMemoryRepo()
	g := Grant{CategoryAccounting, ResourceSecurityDeposits, ActionApprove}
	repo.seedBinding(userU, RoleLandlord, nil, PermissionOverride{Grant: g, IsGranted: false})
	c := newTestChecker(t, repo, nil)
	ctx := context.Background()

	ok, err := c.MayAct(ctx, userU, ResourceSecurityDeposits, ActionApprove, CategoryAccounting, nil)
	require.NoError(t, err)
	require.False(t, ok, "deny override shadows the landlord default")

	approver := repo.seedBinding(userU, RoleEmergencyApprover, nil)
	d, err := c.Explain(ctx, userU, g, nil)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, approver, d.BindingID)
	require.ElementsMatch(t, []string{string(RoleLandlord), string(RoleEmergencyApprover)}, d.MatchedRoles)
}

func TestMayActGrantedOverrideWins(t *testing.T) {
	repo := newMemoryRepo()
	g := Grant{CategoryAccounting, ResourceBankAccounts, ActionUpdate}
	repo.seedBinding(userU, RoleTenant, scopePtr(Scope{PropertyID: "P9", UnitID: "U9"}))
	repo.seedBinding(userU, RoleVendor, nil, PermissionOverride{Grant: g, IsGranted: true})
	c := newTestChecker(t, repo, nil)

	d, err := c.Explain(context.Background(), userU, g, scopePtr(Scope{PropertyID: "P1"}))
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.ViaOverride)
	require.Equal(t, reasonOverrideAllow, d.Reason)
}

func TestMayActExpiredOverrideIgnored(t *testing.T) {
	repo := newMemoryRepo()
	g := Grant{CategoryAccounting, ResourceBankAccounts, ActionUpdate}
	past := testNow.Add(-time.Minute)
	repo.seedBinding(userU, RoleVendor, nil, PermissionOverride{Grant: g, IsGranted: true, ExpiresAt: &past})
	c := newTestChecker(t, repo, nil)

	ok, err := c.MayAct(context.Background(), userU, g.Resource, g.Action, g.Category, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScopeContainmentIsTransitive(t *testing.T) {
	h := &mapHierarchy{
		unitProperty:      map[string]string{"U1": "P1", "U7": "P7"},
		propertyPortfolio: map[string]string{"P1": "F1", "P2": "F1", "P7": "F2"},
		portfolioPMC:      map[string]string{"F1": "PMC1", "F2": "PMC1"},
	}
	ctx := context.Background()

	propRepo := newMemoryRepo()
	propRepo.seedBinding(userU, RoleMaintenanceCoordinator, scopePtr(Scope{PropertyID: "P1"}))
	c := newTestChecker(t, propRepo, h)
	ok, err := c.MayAct(ctx, userU, ResourceWorkOrders, ActionUpdate, CategoryMaintenance, scopePtr(Scope{PropertyID: "P1", UnitID: "U1"}))
	require.NoError(t, err)
	require.True(t, ok, "property binding covers its units")

	portRepo := newMemoryRepo()
	portRepo.seedBinding(userU, RoleMaintenanceCoordinator, scopePtr(Scope{PortfolioID: "F1"}))
	c = newTestChecker(t, portRepo, h)
	for _, target := range []Scope{{PropertyID: "P1"}, {PropertyID: "P2"}, {PropertyID: "P1", UnitID: "U1"}} {
		ok, err := c.MayAct(ctx, userU, ResourceWorkOrders, ActionUpdate, CategoryMaintenance, scopePtr(target))
		require.NoError(t, err)
		require.True(t, ok, target.String())
	}
	ok, err = c.MayAct(ctx, userU, ResourceWorkOrders, ActionUpdate, CategoryMaintenance, scopePtr(Scope{PropertyID: "P7", UnitID: "U7"}))
	require.NoError(t, err)
	require.False(t, ok, "other portfolio")

	orgRepo := newMemoryRepo()
	orgRepo.seedBinding(userU, RolePMCAdmin, scopePtr(Scope{PMCID: "PMC1"}))
	c = newTestChecker(t, orgRepo, h)
	ok, err = c.MayAct(ctx, userU, ResourceUnits, ActionRead, CategoryProperty, scopePtr(Scope{PropertyID: "P7", UnitID: "U7"}))
	require.NoError(t, err)
	require.True(t, ok, "organization binding covers every portfolio")
}

func TestScopeContainmentWithoutHierarchyStaysStrict(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBinding(userU, RoleMaintenanceCoordinator, scopePtr(Scope{PortfolioID: "F1"}))
	c := newTestChecker(t, repo, nil)

	ok, err := c.MayAct(context.Background(), userU, ResourceWorkOrders, ActionUpdate, CategoryMaintenance, scopePtr(Scope{PropertyID: "P1"}))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMayActStoreFailureIsNotDenied(t *testing.T) {
	repo := newMemoryRepo()
	repo.failLoad = errStoreDown
	c := newTestChecker(t, repo, nil)

	ok, err := c.MayAct(context.Background(), userU, ResourceUnits, ActionRead, CategoryProperty, nil)
	require.ErrorIs(t, err, errStoreDown)
	require.False(t, ok)
}

func TestMayActRejectsInvalidInput(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBinding(userU, RoleSystemAdmin, nil)
	c := newTestChecker(t, repo, nil)
	ctx := context.Background()

	_, err := c.MayAct(ctx, userU, ResourceUnits, ActionRead, CategoryAccounting, nil)
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, err = c.MayAct(ctx, userU, ResourceUnits, ActionRead, CategoryProperty, &Scope{UnitID: "U1"})
	require.ErrorIs(t, err, ErrInvalidScope)
}

func TestSensitiveDenialIsAudited(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBinding(userU, RoleTenant, scopePtr(Scope{PropertyID: "P1", UnitID: "U1"}))
	metrics := &recordingMetrics{}
	c, err := NewChecker(CheckerConfig{Store: repo, Audit: repo, Metrics: metrics})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := c.MayAct(ctx, userU, ResourceBankAccounts, ActionRead, CategoryAccounting, scopePtr(Scope{PropertyID: "P1"}))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{audit.ActionPermissionDenied}, repo.auditActions())
	require.Equal(t, "P1", repo.audits[0].ResourceID)

	ok, err = c.MayAct(ctx, userU, ResourceMessages, ActionDelete, CategoryCommunication, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, repo.auditActions(), 1, "non-sensitive denial is not audited")
	require.Equal(t, 2, metrics.denied)
}

func TestSensitiveDenialFailsWhenAuditFails(t *testing.T) {
	repo := newMemoryRepo()
	repo.failAudit = errStoreDown
	c := newTestChecker(t, repo, nil)

	_, err := c.MayAct(context.Background(), userU, ResourceBankAccounts, ActionRead, CategoryAccounting, nil)
	require.ErrorIs(t, err, errStoreDown)
}

func TestAuthorizeSensitiveReadRecordsRead(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBinding(userU, RoleAccountant, scopePtr(Scope{PropertyID: "P1"}))
	c := newTestChecker(t, repo, nil)

	ok, err := c.AuthorizeSensitiveRead(context.Background(), userU, ResourceSecurityDeposits, "dep-1", scopePtr(Scope{PropertyID: "P1"}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{audit.ActionSensitiveRead}, repo.auditActions())
	require.Equal(t, "dep-1", repo.audits[0].ResourceID)

	ok, err = c.AuthorizeSensitiveRead(context.Background(), userU, ResourceExpenses, "exp-1", scopePtr(Scope{PropertyID: "P1"}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, repo.auditActions(), 1)
}

func TestRoleCacheAvoidsRepeatedLookups(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBinding(userU, RoleLeasingAgent, nil)
	c := newTestChecker(t, repo, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.MayAct(ctx, userU, ResourceLeases, ActionCreate, CategoryLeasing, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, repo.getRoleHits)
	require.Equal(t, 5, repo.activeCalls)
}

func TestHoldsRole(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBinding(userU, RolePropertyManager, scopePtr(Scope{PropertyID: "P1"}))
	c := newTestChecker(t, repo, nil)
	ctx := context.Background()

	ok, err := c.HoldsRole(ctx, userU, []RoleName{RoleLandlord, RolePropertyManager}, scopePtr(Scope{PropertyID: "P1"}))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.HoldsRole(ctx, userU, []RoleName{RolePropertyManager}, scopePtr(Scope{PropertyID: "P2"}))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.HoldsRole(ctx, userU, []RoleName{RoleLandlord}, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSuppliedAncestorsAreVerifiedAgainstHierarchy(t *testing.T) {
	h := &mapHierarchy{
		propertyPortfolio: map[string]string{"P1": "F1", "P2": "F2"},
		portfolioPMC:      map[string]string{"F1": "PMC1", "F2": "PMC2"},
	}
	repo := newMemoryRepo()
	repo.seedBinding(userU, RolePropertyManager, scopePtr(Scope{PortfolioID: "F1"}))
	c := newTestChecker(t, repo, h)
	ctx := context.Background()

	ok, err := c.MayAct(ctx, userU, ResourceOwnerPayouts, ActionApprove, CategoryAccounting, scopePtr(Scope{PropertyID: "P1"}))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.MayAct(ctx, userU, ResourceOwnerPayouts, ActionApprove, CategoryAccounting, scopePtr(Scope{PropertyID: "P2"}))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.MayAct(ctx, userU, ResourceOwnerPayouts, ActionApprove, CategoryAccounting, scopePtr(Scope{PortfolioID: "F1", PropertyID: "P2"}))
	require.ErrorIs(t, err, ErrInvalidScope)
	require.False(t, ok)

	ok, err = c.MayAct(ctx, userU, ResourceOwnerPayouts, ActionApprove, CategoryAccounting, scopePtr(Scope{PortfolioID: "F1", PropertyID: "P404"}))
	require.NoError(t, err)
	require.False(t, ok, "an ancestor the tree cannot confirm is ignored")

	held, err := c.HoldsRole(ctx, userU, []RoleName{RolePropertyManager}, scopePtr(Scope{PortfolioID: "F1", PropertyID: "P2"}))
	require.ErrorIs(t, err, ErrInvalidScope)
	require.False(t, held)
}
