package rbac

import (
	"fmt"
	"sort"
	"sync"
)

// Category groups resources by business area.
type Category string

// Resource names a protected record family.
type Resource string

// Action is an operation on a resource.
type Action string

// RoleName identifies a built-in role.
type RoleName string

const (
	CategoryAdministration Category = "ADMINISTRATION"
	CategoryProperty       Category = "PROPERTY"
	CategoryLeasing        Category = "LEASING"
	CategoryAccounting     Category = "ACCOUNTING"
	CategoryMaintenance    Category = "MAINTENANCE"
	CategoryCompliance     Category = "COMPLIANCE"
	CategoryCommunication  Category = "COMMUNICATION"
)

const (
	ResourceRoleBindings        Resource = "role_bindings"
	ResourceEmergencyAccess     Resource = "emergency_access"
	ResourcePortfolios          Resource = "portfolios"
	ResourceProperties          Resource = "properties"
	ResourceUnits               Resource = "units"
	ResourceTenants             Resource = "tenants"
	ResourceLeases              Resource = "leases"
	ResourceOwnerPayouts        Resource = "owner_payouts"
	ResourceSecurityDeposits    Resource = "security_deposits"
	ResourceExpenses            Resource = "expenses"
	ResourceRefunds             Resource = "refunds"
	ResourceRentPayments        Resource = "rent_payments"
	ResourceBankAccounts        Resource = "bank_accounts"
	ResourceMaintenanceRequests Resource = "maintenance_requests"
	ResourceWorkOrders          Resource = "work_orders"
	ResourceVendors             Resource = "vendors"
	ResourceAuditLogs           Resource = "audit_logs"
	ResourceMessages            Resource = "messages"
)

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionSubmit  Action = "SUBMIT"
	ActionApprove Action = "APPROVE"
	ActionExport  Action = "EXPORT"
	ActionManage  Action = "MANAGE"
)

const (
	RoleSystemAdmin            RoleName = "SYSTEM_ADMIN"
	RolePMCAdmin               RoleName = "PMC_ADMIN"
	RolePropertyManager        RoleName = "PROPERTY_MANAGER"
	RoleLandlord               RoleName = "LANDLORD"
	RoleTenant                 RoleName = "TENANT"
	RoleVendor                 RoleName = "VENDOR"
	RoleAccountant             RoleName = "ACCOUNTANT"
	RoleLeasingAgent           RoleName = "LEASING_AGENT"
	RoleMaintenanceCoordinator RoleName = "MAINTENANCE_COORDINATOR"
	RoleEmergencyApprover      RoleName = "EMERGENCY_APPROVER"
	RoleAuditor                RoleName = "AUDITOR"
)

var allActions = []Action{
	ActionCreate, ActionRead, ActionUpdate, ActionDelete,
	ActionSubmit, ActionApprove, ActionExport, ActionManage,
}

// resourceCategories fixes the single category each resource lives under.
var resourceCategories = map[Resource]Category{
	ResourceRoleBindings:        CategoryAdministration,
	ResourceEmergencyAccess:     CategoryAdministration,
	ResourcePortfolios:          CategoryProperty,
	ResourceProperties:          CategoryProperty,
	ResourceUnits:               CategoryProperty,
	ResourceTenants:             CategoryLeasing,
	ResourceLeases:              CategoryLeasing,
	ResourceOwnerPayouts:        CategoryAccounting,
	ResourceSecurityDeposits:    CategoryAccounting,
	ResourceExpenses:            CategoryAccounting,
	ResourceRefunds:             CategoryAccounting,
	ResourceRentPayments:        CategoryAccounting,
	ResourceBankAccounts:        CategoryAccounting,
	ResourceMaintenanceRequests: CategoryMaintenance,
	ResourceWorkOrders:          CategoryMaintenance,
	ResourceVendors:             CategoryMaintenance,
	ResourceAuditLogs:           CategoryCompliance,
	ResourceMessages:            CategoryCommunication,
}

// sensitiveResources are audited on denial and on read.
var sensitiveResources = map[Resource]struct{}{
	ResourceRoleBindings:     {},
	ResourceEmergencyAccess:  {},
	ResourceOwnerPayouts:     {},
	ResourceSecurityDeposits: {},
	ResourceRentPayments:     {},
	ResourceBankAccounts:     {},
	ResourceAuditLogs:        {},
}

// Grant is an allowed (category, resource, action) triple.
type Grant struct {
	Category Category `json:"category"`
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

func (g Grant) String() string {
	return fmt.Sprintf("%s:%s:%s", g.Category, g.Resource, g.Action)
}

// Valid reports whether the triple names a known resource under its own category.
func (g Grant) Valid() bool {
	cat, ok := resourceCategories[g.Resource]
	if !ok || cat != g.Category {
		return false
	}
	for _, a := range allActions {
		if a == g.Action {
			return true
		}
	}
	return false
}

// CategoryOf returns the category a resource belongs to.
func CategoryOf(r Resource) (Category, bool) {
	c, ok := resourceCategories[r]
	return c, ok
}

// IsSensitive reports whether reads and denials on the resource must be audited.
func IsSensitive(r Resource) bool {
	_, ok := sensitiveResources[r]
	return ok
}

// RoleDefinition is the bootstrap shape of a role.
type RoleDefinition struct {
	Name        RoleName
	DisplayName string
	Grants      []Grant
}

// Matrix maps role names to their default grants. It is read-only once built.
type Matrix struct {
	roles  []RoleDefinition
	grants map[RoleName]map[Grant]struct{}
}

// NewMatrix compiles a matrix from role definitions, rejecting malformed grants.
func NewMatrix(defs []RoleDefinition) (*Matrix, error) {
	m := &Matrix{grants: make(map[RoleName]map[Grant]struct{}, len(defs))}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("rbac: role definition without name")
		}
		if _, dup := m.grants[def.Name]; dup {
			return nil, fmt.Errorf("rbac: duplicate role %s", def.Name)
		}
		set := make(map[Grant]struct{}, len(def.Grants))
		for _, g := range def.Grants {
			if !g.Valid() {
				return nil, fmt.Errorf("rbac: role %s has invalid grant %s", def.Name, g)
			}
			set[g] = struct{}{}
		}
		m.grants[def.Name] = set
		m.roles = append(m.roles, def)
	}
	return m, nil
}

// Allows reports whether the role's default grants include g.
func (m *Matrix) Allows(role RoleName, g Grant) bool {
	set, ok := m.grants[role]
	if !ok {
		return false
	}
	_, ok = set[g]
	return ok
}

// Has reports whether the role is defined.
func (m *Matrix) Has(role RoleName) bool {
	_, ok := m.grants[role]
	return ok
}

// Roles lists the role definitions in declaration order.
func (m *Matrix) Roles() []RoleDefinition {
	out := make([]RoleDefinition, len(m.roles))
	copy(out, m.roles)
	return out
}

// GrantsFor returns the sorted grants of a role.
func (m *Matrix) GrantsFor(role RoleName) []Grant {
	set := m.grants[role]
	out := make([]Grant, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

var defaultMatrix = sync.OnceValue(func() *Matrix {
	m, err := NewMatrix(BuiltInRoles())
	if err != nil {
		panic(err)
	}
	return m
})

// DefaultMatrix returns the compiled built-in matrix.
func DefaultMatrix() *Matrix {
	return defaultMatrix()
}

func grants(r Resource, actions ...Action) []Grant {
	cat := resourceCategories[r]
	out := make([]Grant, 0, len(actions))
	for _, a := range actions {
		out = append(out, Grant{Category: cat, Resource: r, Action: a})
	}
	return out
}

func join(parts ...[]Grant) []Grant {
	var out []Grant
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func everything() []Grant {
	out := make([]Grant, 0, len(resourceCategories)*len(allActions))
	for r := range resourceCategories {
		out = append(out, grants(r, allActions...)...)
	}
	return out
}

// BuiltInRoles returns the role catalogue seeded at bootstrap.
func BuiltInRoles() []RoleDefinition {
	crud := []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}
	return []RoleDefinition{
		{Name: RoleSystemAdmin, DisplayName: "System Administrator", Grants: everything()},
		{Name: RolePMCAdmin, DisplayName: "PMC Administrator", Grants: join(
			grants(ResourceRoleBindings, ActionRead, ActionManage),
			grants(ResourcePortfolios, crud...),
			grants(ResourceProperties, crud...),
			grants(ResourceUnits, crud...),
			grants(ResourceTenants, crud...),
			grants(ResourceLeases, ActionCreate, ActionRead, ActionUpdate, ActionSubmit, ActionApprove),
			grants(ResourceOwnerPayouts, ActionRead, ActionSubmit, ActionApprove),
			grants(ResourceExpenses, ActionRead, ActionApprove),
			grants(ResourceRefunds, ActionRead, ActionApprove),
			grants(ResourceSecurityDeposits, ActionRead),
			grants(ResourceMaintenanceRequests, crud...),
			grants(ResourceWorkOrders, crud...),
			grants(ResourceVendors, crud...),
			grants(ResourceAuditLogs, ActionRead),
		)},
		{Name: RolePropertyManager, DisplayName: "Property Manager", Grants: join(
			grants(ResourceProperties, ActionRead, ActionUpdate),
			grants(ResourceUnits, ActionRead, ActionUpdate),
			grants(ResourceTenants, crud...),
			grants(ResourceLeases, ActionCreate, ActionRead, ActionUpdate, ActionSubmit, ActionApprove),
			grants(ResourceOwnerPayouts, ActionRead, ActionSubmit, ActionApprove),
			grants(ResourceExpenses, ActionCreate, ActionRead, ActionSubmit, ActionApprove),
			grants(ResourceRefunds, ActionCreate, ActionRead, ActionSubmit),
			grants(ResourceSecurityDeposits, ActionRead),
			grants(ResourceRentPayments, ActionRead),
			grants(ResourceMaintenanceRequests, crud...),
			grants(ResourceWorkOrders, ActionCreate, ActionRead, ActionUpdate, ActionApprove),
			grants(ResourceVendors, ActionRead),
			grants(ResourceMessages, ActionCreate, ActionRead),
		)},
		{Name: RoleLandlord, DisplayName: "Landlord", Grants: join(
			grants(ResourcePortfolios, ActionRead),
			grants(ResourceProperties, ActionRead),
			grants(ResourceUnits, ActionRead),
			grants(ResourceLeases, ActionRead, ActionApprove),
			grants(ResourceOwnerPayouts, ActionRead),
			grants(ResourceSecurityDeposits, ActionRead, ActionApprove),
			grants(ResourceExpenses, ActionRead, ActionApprove),
			grants(ResourceRefunds, ActionRead, ActionApprove),
			grants(ResourceBankAccounts, ActionRead, ActionUpdate),
			grants(ResourceMessages, ActionCreate, ActionRead),
		)},
		{Name: RoleTenant, DisplayName: "Tenant", Grants: join(
			grants(ResourceLeases, ActionRead),
			grants(ResourceRentPayments, ActionCreate, ActionRead),
			grants(ResourceSecurityDeposits, ActionRead),
			grants(ResourceRefunds, ActionCreate, ActionSubmit),
			grants(ResourceMaintenanceRequests, ActionCreate, ActionRead),
			grants(ResourceMessages, ActionCreate, ActionRead),
		)},
		{Name: RoleVendor, DisplayName: "Vendor", Grants: join(
			grants(ResourceWorkOrders, ActionRead, ActionUpdate),
			grants(ResourceMaintenanceRequests, ActionRead),
			grants(ResourceExpenses, ActionCreate, ActionRead, ActionSubmit),
			grants(ResourceMessages, ActionCreate, ActionRead),
		)},
		{Name: RoleAccountant, DisplayName: "Accountant", Grants: join(
			grants(ResourceOwnerPayouts, ActionCreate, ActionRead, ActionUpdate, ActionSubmit, ActionExport),
			grants(ResourceExpenses, ActionCreate, ActionRead, ActionUpdate, ActionSubmit, ActionApprove, ActionExport),
			grants(ResourceRefunds, ActionCreate, ActionRead, ActionSubmit, ActionApprove),
			grants(ResourceRentPayments, ActionRead, ActionUpdate, ActionExport),
			grants(ResourceSecurityDeposits, ActionRead, ActionUpdate),
			grants(ResourceBankAccounts, ActionRead),
		)},
		{Name: RoleLeasingAgent, DisplayName: "Leasing Agent", Grants: join(
			grants(ResourceUnits, ActionRead),
			grants(ResourceTenants, ActionCreate, ActionRead, ActionUpdate),
			grants(ResourceLeases, ActionCreate, ActionRead, ActionUpdate, ActionSubmit),
			grants(ResourceMessages, ActionCreate, ActionRead),
		)},
		{Name: RoleMaintenanceCoordinator, DisplayName: "Maintenance Coordinator", Grants: join(
			grants(ResourceUnits, ActionRead),
			grants(ResourceMaintenanceRequests, crud...),
			grants(ResourceWorkOrders, ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionApprove),
			grants(ResourceVendors, ActionRead, ActionUpdate),
			grants(ResourceExpenses, ActionCreate, ActionSubmit),
		)},
		{Name: RoleEmergencyApprover, DisplayName: "Emergency Approver", Grants: join(
			grants(ResourceSecurityDeposits, ActionRead, ActionApprove),
			grants(ResourceRefunds, ActionRead, ActionApprove),
			grants(ResourceExpenses, ActionRead, ActionApprove),
			grants(ResourceWorkOrders, ActionRead, ActionApprove),
		)},
		{Name: RoleAuditor, DisplayName: "Auditor", Grants: join(
			grants(ResourceAuditLogs, ActionRead, ActionExport),
			grants(ResourceRoleBindings, ActionRead),
			grants(ResourceOwnerPayouts, ActionRead),
			grants(ResourceExpenses, ActionRead),
			grants(ResourceRefunds, ActionRead),
			grants(ResourceRentPayments, ActionRead),
			grants(ResourceSecurityDeposits, ActionRead),
		)},
	}
}
