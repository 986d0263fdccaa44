// Package api assembles the gatekeeper HTTP server.
//
// # Overview
//
// Server mounts every handler group on one gorilla/mux router and layers the
// middleware in a fixed order:
//
//  1. request id, panic recovery, access log and HTTP metrics for every route
//  2. bearer authentication and rate limiting for everything except health
//     and metrics
//  3. per-group authorization through the access enforcer
//
// # Route Groups
//
// Platform administration (super admin only, via Enforcer.RequireSuperAdmin):
//
//	/admin/organizations             organizations and their status
//	/admin/organizations/{id}/...    entitlements, categories, entitlement events
//	/admin/audit/...                 audit search and export
//	/admin/enforcement               runtime enforcement toggle
//
// Tenant administration (the rbac_only "settings" module, scoped to the org
// in the path):
//
//	/admin/organizations/{id}/roles  service roles
//	/admin/organizations/{id}/users  users, module assignments, permissions
//
// Self service (any authenticated user):
//
//	/auth/me                          the caller and their user record
//	/auth/tokens                      the caller's API tokens
//	/access/check                     evaluate the three-layer check for the caller
//
// Unauthenticated:
//
//	/healthz, /healthz/live, /healthz/ready, /metrics
//
// # Usage
//
//	server := api.NewServer(api.Dependencies{
//		Enforcer:     enforcer,
//		Verifier:     auth.NewChain(jwtVerifier, tokenVerifier),
//		Entitlements: entitlementStore,
//		Orgs:         orgStore,
//		RBAC:         rbacStore,
//		Permissions:  resolver,
//		Logger:       logger,
//	})
//	http.ListenAndServe(":8080", server)
package api
