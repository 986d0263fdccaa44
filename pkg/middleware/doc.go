// Package middleware provides HTTP middleware for request identification,
// authentication and rate limiting.
//
// # Middleware Components
//
// RequestID: assigns X-Request-ID and a request-scoped logger
//
//	router.Use(middleware.RequestID(logger))
//
// AuthMiddleware: bearer credential verification
//
//	chain := auth.NewChain(jwtVerifier, oidcVerifier, tokenVerifier)
//	router.Use(middleware.NewAuthMiddleware(chain, false, logger).Handler)
//	// Stores the auth.Principal in the request context
//
// RateLimitMiddleware: in-process or Redis-backed rate limiting
//
//	tiers := middleware.NewDistributedTiers(redisClient, user, token, anon)
//	router.Use(middleware.NewRateLimitMiddleware(tiers, logger).Handler)
//
// Authorization is not done here. Routes wrap their handlers with the access
// enforcer once the principal is known.
//
// # Rate Limiting
//
// Anonymous (per client IP): 100 req/min, 10 burst
// Per-User: 1000 req/min, 50 burst
// Per-API token user: 5000 req/min, 100 burst
//
// # Related Packages
//
//   - pkg/auth: Credential verification
//   - pkg/access: Tenant, entitlement and permission checks
package middleware
