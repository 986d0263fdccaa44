package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Access pipeline metrics
	AccessDecisionsTotal *prometheus.CounterVec
	AccessCheckDuration  *prometheus.HistogramVec
	BypassesTotal        *prometheus.CounterVec
	EnforcementEnabled   prometheus.Gauge

	// Entitlement cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec

	// Entitlement and sync metrics
	EntitlementTransitionsTotal *prometheus.CounterVec
	PermissionSyncTotal         *prometheus.CounterVec
	PermissionSyncFailuresTotal *prometheus.CounterVec
	InvalidGrantsFilteredTotal  *prometheus.CounterVec

	// Scheduled job and rate limit metrics
	JobRunsTotal     *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	RateLimitedTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AccessDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_access_decisions_total",
				Help: "Access decisions by deciding layer and outcome",
			},
			[]string{"layer", "outcome"},
		),
		AccessCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_access_check_duration_seconds",
				Help:    "Duration of RequireAccess calls",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"outcome"},
		),
		BypassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_super_admin_bypasses_total",
				Help: "Super-admin bypasses by layer",
			},
			[]string{"layer"},
		),
		EnforcementEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_entitlement_enforcement_enabled",
				Help: "1 when entitlement enforcement is on",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_entitlement_cache_hits_total",
				Help: "Total number of entitlement cache hits",
			},
			[]string{"backend"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_entitlement_cache_misses_total",
				Help: "Total number of entitlement cache misses",
			},
			[]string{"backend"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_entitlement_cache_invalidations_total",
				Help: "Org-wide entitlement cache invalidations",
			},
			[]string{"backend"},
		),

		EntitlementTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_entitlement_transitions_total",
				Help: "Persisted entitlement transitions by event type",
			},
			[]string{"event_type"},
		),
		PermissionSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_permission_sync_total",
				Help: "Permission sync runs by direction",
			},
			[]string{"direction"},
		),
		PermissionSyncFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_permission_sync_user_failures_total",
				Help: "Per-user permission sync failures",
			},
			[]string{"direction"},
		),
		InvalidGrantsFilteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_invalid_grants_filtered_total",
				Help: "Invalid or legacy grants dropped at read time",
			},
			[]string{"source"},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_job_runs_total",
				Help: "Scheduled job runs by outcome",
			},
			[]string{"job", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_job_duration_seconds",
				Help:    "Scheduled job duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
			},
			[]string{"job"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"tier"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AccessDecisionsTotal,
		m.AccessCheckDuration,
		m.BypassesTotal,
		m.EnforcementEnabled,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.EntitlementTransitionsTotal,
		m.PermissionSyncTotal,
		m.PermissionSyncFailuresTotal,
		m.InvalidGrantsFilteredTotal,
		m.JobRunsTotal,
		m.JobDuration,
		m.RateLimitedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// The helpers below are nil-safe so components can run without metrics.

// ObserveDecision records the outcome of one RequireAccess call
func (m *Metrics) ObserveDecision(layer, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.AccessDecisionsTotal.WithLabelValues(layer, outcome).Inc()
	m.AccessCheckDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// IncBypass counts a super-admin bypass on the given layer
func (m *Metrics) IncBypass(layer string) {
	if m == nil {
		return
	}
	m.BypassesTotal.WithLabelValues(layer).Inc()
}

// SetEnforcement mirrors the enforcement toggle into a gauge
func (m *Metrics) SetEnforcement(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.EnforcementEnabled.Set(1)
	} else {
		m.EnforcementEnabled.Set(0)
	}
}

// CacheHit counts an entitlement cache hit
func (m *Metrics) CacheHit(backend string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(backend).Inc()
}

// CacheMiss counts an entitlement cache miss
func (m *Metrics) CacheMiss(backend string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(backend).Inc()
}

// CacheInvalidated counts an org-wide invalidation
func (m *Metrics) CacheInvalidated(backend string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(backend).Inc()
}

// IncTransition counts a persisted entitlement event
func (m *Metrics) IncTransition(eventType string) {
	if m == nil {
		return
	}
	m.EntitlementTransitionsTotal.WithLabelValues(eventType).Inc()
}

// ObserveSync counts a sync run and its per-user failures
func (m *Metrics) ObserveSync(direction string, failures int) {
	if m == nil {
		return
	}
	m.PermissionSyncTotal.WithLabelValues(direction).Inc()
	if failures > 0 {
		m.PermissionSyncFailuresTotal.WithLabelValues(direction).Add(float64(failures))
	}
}

// IncFiltered counts grants dropped during read-time validation
func (m *Metrics) IncFiltered(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.InvalidGrantsFilteredTotal.WithLabelValues(source).Add(float64(n))
}

// ObserveJob records one scheduled job run
func (m *Metrics) ObserveJob(job, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, outcome).Inc()
	m.JobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

// IncRateLimited counts a request rejected with 429
func (m *Metrics) IncRateLimited(tier string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(tier).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. routeName maps a request to
// a low-cardinality label; the raw path is used when it is nil.
func HTTPMetricsMiddleware(metrics *Metrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeName != nil {
				route = routeName(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
