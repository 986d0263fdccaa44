package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns the limits for unauthenticated callers
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// PerUserRateLimitConfig returns per-user rate limit settings
func PerUserRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// PerTokenRateLimitConfig returns the limits for API token callers. Service
// integrations get more room than interactive users.
func PerTokenRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 5000,
		WindowDuration:    time.Minute,
		BurstSize:         100,
	}
}

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is the time until the caller's allowance is replenished
	Reset time.Duration
}

// Limiter decides whether a caller identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimiter implements an in-process token bucket per key
type RateLimiter struct {
	config  *RateLimitConfig
	clock   quartz.Clock
	buckets map[string]*bucket
	mu      sync.RWMutex
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter. A nil clock uses real time.
func NewRateLimiter(config *RateLimitConfig, clock quartz.Clock) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &RateLimiter{
		config:  config,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) capacity() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow takes a token from the key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     rl.capacity(),
			lastUpdate: rl.clock.Now(),
		}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.clock.Now()
	elapsed := now.Sub(b.lastUpdate)

	// Refill tokens based on elapsed time
	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		if b.tokens > rl.capacity() {
			b.tokens = rl.capacity()
		}
		b.lastUpdate = now
	}

	d := Decision{Limit: rl.config.RequestsPerWindow, Reset: rl.refillTime()}
	if b.tokens > 0 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = b.tokens
	return d, nil
}

// refillTime is how long one token takes to come back
func (rl *RateLimiter) refillTime() time.Duration {
	if rl.config.RequestsPerWindow <= 0 {
		return rl.config.WindowDuration
	}
	return rl.config.WindowDuration / time.Duration(rl.config.RequestsPerWindow)
}

// Remaining returns the number of remaining tokens for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.capacity()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tokens
}

// Cleanup removes buckets idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup runs Cleanup once per window until ctx is cancelled
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	rl.clock.TickerFunc(ctx, rl.config.WindowDuration, func() error {
		rl.Cleanup()
		return nil
	}, "ratelimit", "cleanup")
}

// Tiers holds one limiter per kind of caller
type Tiers struct {
	User      Limiter
	APIToken  Limiter
	Anonymous Limiter
}

// RateLimitMiddleware provides HTTP rate limiting. Authenticated callers are
// limited per user, everyone else per client address.
type RateLimitMiddleware struct {
	tiers    Tiers
	failOpen bool
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewRateLimitMiddleware creates a new rate limit middleware. It fails open
// when a limiter returns an error.
func NewRateLimitMiddleware(tiers Tiers, logger *observability.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		tiers:    tiers,
		failOpen: true,
		logger:   observability.OrNop(logger),
	}
}

// NewMemoryRateLimitMiddleware creates a middleware with in-process buckets
func NewMemoryRateLimitMiddleware(user, token, anonymous *RateLimitConfig, logger *observability.Logger) *RateLimitMiddleware {
	return NewRateLimitMiddleware(Tiers{
		User:      NewRateLimiter(user, nil),
		APIToken:  NewRateLimiter(token, nil),
		Anonymous: NewRateLimiter(anonymous, nil),
	}, logger)
}

// SetMetrics records rejected requests per tier
func (m *RateLimitMiddleware) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// SetFailOpen controls whether limiter errors let requests through (true)
// or reject them with 503 (false)
func (m *RateLimitMiddleware) SetFailOpen(enabled bool) {
	m.failOpen = enabled
}

// StartCleanup starts bucket cleanup for every in-process tier
func (m *RateLimitMiddleware) StartCleanup(ctx context.Context) {
	for _, l := range []Limiter{m.tiers.User, m.tiers.APIToken, m.tiers.Anonymous} {
		if rl, ok := l.(*RateLimiter); ok {
			rl.StartCleanup(ctx)
		}
	}
}

// Caller tiers
const (
	TierUser      = "user"
	TierAPIToken  = "api_token"
	TierAnonymous = "anonymous"
)

// limiterFor picks the tier and bucket key for the request
func (m *RateLimitMiddleware) limiterFor(r *http.Request) (Limiter, string, string) {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		if p.Method == auth.MethodAPIToken {
			return m.tiers.APIToken, TierAPIToken, p.Actor()
		}
		return m.tiers.User, TierUser, p.Actor()
	}
	return m.tiers.Anonymous, TierAnonymous, "ip:" + ClientIP(r)
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, tier, key := m.limiterFor(r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := limiter.Allow(r.Context(), key)
		if err != nil {
			observability.FromContext(r.Context(), m.logger).
				WithError(err).
				WithField("key", key).
				Warn("Rate limiter unavailable")
			if m.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}

		setRateLimitHeaders(w, decision)
		if !decision.Allowed {
			m.metrics.IncRateLimited(tier)
			m.rateLimitExceeded(w, decision)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Reset > 0 {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.Reset).Unix(), 10))
	}
}

func (m *RateLimitMiddleware) rateLimitExceeded(w http.ResponseWriter, d Decision) {
	retryAfter := int(d.Reset.Seconds() + 0.5)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":       "rate limit exceeded",
		"retry_after": retryAfter,
	})
}

// ClientIP returns the originating client address, preferring proxy headers
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
