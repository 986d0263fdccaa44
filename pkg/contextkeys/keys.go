// Package contextkeys provides centralized context key definitions
//
// All context keys used across gatekeeper are defined here so that setters and
// getters in different packages agree on one key value.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithPrincipal(ctx, principal)
//	principal, _ := ctx.Value(contextkeys.PrincipalKey).(*auth.Principal)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *auth.Principal
	// Set by: middleware.Authenticate (pkg/middleware/auth.go)
	// Required by: tenant.Resolver
	PrincipalKey Key = "principal"

	// AuthorizedKey contains *access.AuthorizedContext
	// Set by: access.Middleware after RequireAccess succeeds
	// Required by: protected handlers
	AuthorizedKey Key = "authorized_context"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, audit trail
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated user ID as a string
	// Set by: middleware.Authenticate
	// Used by: Logger
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	LoggerKey Key = "logger"

	// RequestInfoKey contains RequestInfo
	// Set by: middleware.RequestID
	// Used by: audit trail
	RequestInfoKey Key = "request_info"
)

// RequestInfo carries the HTTP request attributes recorded in audit events
type RequestInfo struct {
	IPAddress string
	Method    string
	Path      string
}

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithAuthorized adds the authorized access context to the context
func WithAuthorized(ctx context.Context, authz interface{}) context.Context {
	return context.WithValue(ctx, AuthorizedKey, authz)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// WithRequestInfo adds the request attributes to the context
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, RequestInfoKey, info)
}

// GetRequestInfo retrieves request attributes from context
func GetRequestInfo(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(RequestInfoKey).(RequestInfo)
	return info, ok
}
