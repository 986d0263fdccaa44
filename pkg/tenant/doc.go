// Package tenant resolves the acting user and organization for a request.
//
// Resolution is the first layer of the access pipeline and has no side
// effects. Every failure is an *Error carrying a stable Reason code; callers
// map it to 401.
//
// Only a super admin may act on an organization other than its own, and
// only when the endpoint passes AllowCrossTenant. Platform-scoped endpoints
// (licensing, enforcement) pass PlatformScoped so a super admin resolves
// without any organization.
package tenant
