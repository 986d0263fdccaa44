package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

// RequestID assigns every request an id, reusing a caller supplied one when
// present, and attaches request metadata and a request-scoped logger to the
// context
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	logger = observability.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > maxRequestIDLength {
				id = uuid.NewString()
			}

			ctx := contextkeys.WithRequestID(r.Context(), id)
			ctx = contextkeys.WithRequestInfo(ctx, contextkeys.RequestInfo{
				IPAddress: ClientIP(r),
				Method:    r.Method,
				Path:      r.URL.Path,
			})
			ctx = observability.WithLogger(ctx, observability.LoggerWithTrace(ctx, logger).WithField("request_id", id))

			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
