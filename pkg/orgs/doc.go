// Package orgs stores the tenants of the access pipeline.
//
// An organization carries a license tier that decides which modules it is
// entitled to at creation time; see entitlements.Store.InitializeForOrganization.
// Deactivating an organization fails every later tenant resolution for its
// users without touching their data.
package orgs
