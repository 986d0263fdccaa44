// Package access enforces the three access layers in a fixed order:
// tenant resolution, organization entitlement, then role permission.
//
// Basic usage:
//
//	enforcer := access.NewEnforcer(tenants, entitlementStore, resolver, access.Options{
//		Audit:  auditLogger,
//		Switch: access.NewEnforcementSwitch(true, logger, metrics),
//	})
//
//	authz, err := enforcer.RequireAccess(ctx, "crm", "read", access.WithSubmodule("leads"))
//	if err != nil {
//		access.WriteError(w, err)
//		return
//	}
//
// Handlers mounted behind Middleware read the result with FromContext.
// Denials are typed (TenantError, EntitlementDenied, PermissionDenied) and
// survive errors.As through any wrapping.
package access
