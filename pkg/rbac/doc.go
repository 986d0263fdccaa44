// Package rbac implements the user layer of access control: roles, service
// roles and the per-role permission resolution that runs after tenant and
// entitlement checks.
//
// # Roles
//
// Every user holds exactly one role:
//
//	super_admin  platform operator, no organization, always allowed
//	org_admin    every permission the catalog defines, within its org
//	management   same grant as org_admin
//	manager      modules in assigned_modules AND grants of its service role
//	executive    actions in sub_module_permissions[module][submodule],
//	             intersected with its manager's resolution when it has one
//
// # Permissions
//
// The canonical form is module.action, e.g. "crm.read" or
// "vouchers.approve". module.manage expands to read, create, update and
// delete. Asking for manage requires all four.
//
//	set := rbac.NewPermissionSet(rbac.Permission{Module: "crm", Action: "manage"})
//	set.Has(rbac.Permission{Module: "crm", Action: "delete"}) // true
//
// Legacy module_action keys are converted once by
// Store.NormalizeLegacyPermissions and rejected on every later write.
//
// # Validation
//
// Writes go through Validator and fail with ErrInvalidPermission when a
// module, submodule or action is not in the catalog. Reads are lenient:
// stale grants left behind by a catalog change are skipped with a warning
// and counted in gatekeeper_invalid_grants_filtered_total.
//
// # Materialized grants
//
// user_module_permissions holds the rows written by permission sync when a
// module is enabled or disabled for an org. The resolver does not read
// them; they back reporting and downstream consumers.
package rbac
