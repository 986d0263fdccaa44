package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// AuthMiddleware authenticates bearer credentials and stores the resulting
// principal in the request context
type AuthMiddleware struct {
	verifier auth.Verifier
	optional bool // If true, allow requests without auth
	logger   *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier auth.Verifier, optional bool, logger *observability.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		optional: optional,
		logger:   observability.OrNop(logger),
	}
}

// Authenticate is shorthand for NewAuthMiddleware(verifier, optional, logger).Handler
func Authenticate(verifier auth.Verifier, optional bool, logger *observability.Logger) func(http.Handler) http.Handler {
	return NewAuthMiddleware(verifier, optional, logger).Handler
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		token, ok := bearerToken(authHeader)
		if !ok {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		principal, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			logger := observability.FromContext(r.Context(), m.logger)
			if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrUnrecognizedToken) {
				logger.WithError(err).Error("Token verification failed")
			} else {
				logger.WithError(err).Debug("Rejected credential")
			}
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := auth.WithPrincipal(r.Context(), principal)
		userID := strconv.FormatInt(principal.UserID, 10)
		ctx = contextkeys.WithUserID(ctx, userID)
		ctx = observability.WithLogger(ctx, observability.FromContext(ctx, m.logger).WithFields(map[string]interface{}{
			"user_id":     userID,
			"auth_method": string(principal.Method),
		}))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential from "Bearer <token>"
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// RequireMethod rejects principals that did not authenticate with one of
// the given methods. Used to keep API tokens off interactive-only routes.
func RequireMethod(methods ...auth.Method) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			for _, m := range methods {
				if principal.Method == m {
					next.ServeHTTP(w, r)
					return
				}
			}
			httputil.WriteForbidden(w, "authentication method not allowed: "+string(principal.Method))
		})
	}
}
