package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
)

func TestRateLimiter_Allow(t *testing.T) {
	clock := quartz.NewMock(t)
	limiter := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}, clock)
	ctx := context.Background()
	key := "user:1"

	// Should allow initial requests up to limit + burst
	for i := 0; i < 12; i++ {
		d, err := limiter.Allow(ctx, key)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d, _ := limiter.Allow(ctx, key)
	if d.Allowed {
		t.Fatal("request over limit + burst should be denied")
	}
	if d.Remaining != 0 || d.Limit != 10 {
		t.Errorf("decision = %+v, want limit 10 remaining 0", d)
	}

	// Half a window refills half the rate
	clock.Advance(500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if d, _ := limiter.Allow(ctx, key); !d.Allowed {
			t.Fatalf("refilled request %d should be allowed", i+1)
		}
	}
	if d, _ := limiter.Allow(ctx, key); d.Allowed {
		t.Error("request after refill is spent should be denied")
	}

	// Other keys have their own bucket
	if d, _ := limiter.Allow(ctx, "user:2"); !d.Allowed {
		t.Error("a different key should be allowed")
	}
}

func TestRateLimiter_RefillCapped(t *testing.T) {
	clock := quartz.NewMock(t)
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Second, BurstSize: 1}, clock)
	ctx := context.Background()

	limiter.Allow(ctx, "k")
	clock.Advance(time.Hour)
	limiter.Allow(ctx, "k")
	if got := limiter.Remaining("k"); got != 5 {
		t.Errorf("Remaining() = %d, want 5 (capacity 6 minus one)", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clock := quartz.NewMock(t)
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Second}, clock)
	ctx := context.Background()

	limiter.Allow(ctx, "stale")
	limiter.Allow(ctx, "stale")
	if got := limiter.Remaining("stale"); got != 0 {
		t.Fatalf("Remaining() = %d, want 0", got)
	}

	clock.Advance(3 * time.Second)
	limiter.Cleanup()

	limiter.mu.RLock()
	_, exists := limiter.buckets["stale"]
	limiter.mu.RUnlock()
	if exists {
		t.Error("idle bucket should be removed")
	}
	if got := limiter.Remaining("stale"); got != 2 {
		t.Errorf("Remaining() after cleanup = %d, want 2", got)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func withPrincipal(r *http.Request, p *auth.Principal) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), p))
}

func TestRateLimitMiddleware_Tiers(t *testing.T) {
	tight := &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	m := NewRateLimitMiddleware(Tiers{
		User:      NewRateLimiter(tight, quartz.NewMock(t)),
		APIToken:  NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}, quartz.NewMock(t)),
		Anonymous: NewRateLimiter(tight, quartz.NewMock(t)),
	}, nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(r *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec
	}

	user := &auth.Principal{UserID: 1, Method: auth.MethodSession}
	rec := serve(withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), user))
	if rec.Code != http.StatusOK {
		t.Fatalf("first user request status = %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("headers = %v", rec.Header())
	}

	rec = serve(withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), user))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second user request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// The same user id over an API token uses the token tier
	token := &auth.Principal{UserID: 1, Method: auth.MethodAPIToken}
	for i := 0; i < 3; i++ {
		if rec := serve(withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), token)); rec.Code != http.StatusOK {
			t.Fatalf("token request %d status = %d", i+1, rec.Code)
		}
	}

	// Anonymous callers are keyed by the first forwarded address
	anon := func(forwarded string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Forwarded-For", forwarded)
		return r
	}
	if rec := serve(anon("1.2.3.4, 10.0.0.1")); rec.Code != http.StatusOK {
		t.Fatalf("anonymous status = %d", rec.Code)
	}
	if rec := serve(anon("1.2.3.4, 10.0.0.2")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("same client status = %d, want 429", rec.Code)
	}
	if rec := serve(anon("5.6.7.8")); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d", rec.Code)
	}
}

func TestRateLimitMiddleware_LimiterFailure(t *testing.T) {
	m := NewRateLimitMiddleware(Tiers{Anonymous: failingLimiter{}}, nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("fail open status = %d, want 200", rec.Code)
	}

	m.SetFailOpen(false)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("fail closed status = %d, want 503", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded chain", headers: map[string]string{"X-Forwarded-For": " 1.1.1.1 , 2.2.2.2"}, remote: "9.9.9.9:1", want: "1.1.1.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "3.3.3.3"}, remote: "9.9.9.9:1", want: "3.3.3.3"},
		{name: "remote addr", remote: "9.9.9.9:1234", want: "9.9.9.9"},
		{name: "remote addr without port", remote: "9.9.9.9", want: "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestDistributedRateLimiter(t *testing.T) {
	client, mr := newTestRedis(t)
	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "user:1")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed || d.Remaining != 2-i {
			t.Fatalf("request %d decision = %+v", i+1, d)
		}
		if d.Reset <= 0 || d.Reset > time.Minute {
			t.Errorf("reset = %v, want within the window", d.Reset)
		}
	}

	d, err := limiter.Allow(ctx, "user:1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if remaining, _ := limiter.Remaining(ctx, "user:1"); remaining != 0 {
		t.Errorf("Remaining() = %d, want 0", remaining)
	}
	if ttl := mr.TTL("ratelimit:user:1"); ttl <= 0 {
		t.Errorf("window key has no expiry: %v", ttl)
	}

	// The window resets once the key expires
	mr.FastForward(time.Minute + time.Second)
	if d, _ := limiter.Allow(ctx, "user:1"); !d.Allowed {
		t.Error("request in a new window should be allowed")
	}

	if err := limiter.Reset(ctx, "user:1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if remaining, _ := limiter.Remaining(ctx, "user:1"); remaining != 3 {
		t.Errorf("Remaining() after reset = %d, want 3", remaining)
	}
}

func TestDistributedRateLimiter_Middleware(t *testing.T) {
	client, mr := newTestRedis(t)
	cfg := &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	m := NewRateLimitMiddleware(NewDistributedTiers(client, cfg, cfg, cfg), nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := func() *http.Request {
		return withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), &auth.Principal{UserID: 9, Method: auth.MethodOIDC})
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if !mr.Exists("ratelimit:user:user:9") {
		t.Errorf("expected user tier key, have %v", mr.Keys())
	}
}
