package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/gatekeeper/pkg/access"
	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/entitlements"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// SettingsModule is the rbac_only module that guards tenant administration
const SettingsModule = "settings"

// Dependencies are the collaborators the server mounts. Enforcer, Verifier,
// Entitlements, Orgs, RBAC and Permissions are required; the rest are
// optional and their routes or middleware are skipped when nil.
type Dependencies struct {
	Enforcer     *access.Enforcer
	Verifier     auth.Verifier
	Entitlements *entitlements.Store
	Orgs         *orgs.Store
	RBAC         *rbac.Store
	Permissions  *rbac.Resolver

	Tokens      *auth.TokenStore
	RateLimit   *middleware.RateLimitMiddleware
	Audit       audit.Logger
	AuditSearch audit.Searcher
	AuditStats  audit.StatsReader
	Events      audit.EventLister

	Health   *observability.HealthChecker
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// Server represents the gatekeeper HTTP server
type Server struct {
	router *mux.Router
	deps   Dependencies
	logger *observability.Logger
}

// NewServer creates a server with every route registered
func NewServer(deps Dependencies) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		logger: observability.OrNop(deps.Logger),
	}
	s.setupRoutes()
	return s
}

// routeTemplate labels metrics by route pattern rather than raw path
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.RequestID(s.logger),
		httputil.Recovery(s.logger),
		httputil.Logging(s.logger),
	)
	if s.deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics, routeTemplate))
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "not found")
	})

	// Unauthenticated routes
	if s.deps.Health != nil {
		observability.RegisterHealthRoutes(s.router, s.deps.Health)
	}
	if s.deps.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.deps.Registry)).Methods(http.MethodGet)
	}

	protected := s.router.NewRoute().Subrouter()
	protected.Use(middleware.Authenticate(s.deps.Verifier, false, s.logger))
	if s.deps.RateLimit != nil {
		protected.Use(s.deps.RateLimit.Handler)
	}

	// Platform administration
	platform := protected.NewRoute().Subrouter()
	platform.Use(s.deps.Enforcer.RequireSuperAdmin)
	entitlements.NewHandlers(s.deps.Entitlements, s.logger).RegisterRoutes(platform)
	orgs.NewHandlers(s.deps.Orgs, s.deps.Entitlements, s.deps.Audit, s.logger).RegisterRoutes(platform)
	access.NewEnforcementHandlers(s.deps.Enforcer.Switch()).RegisterRoutes(platform)
	if s.deps.AuditSearch != nil {
		audit.NewHandlers(s.deps.AuditSearch, s.deps.AuditStats, s.deps.Events, s.logger).RegisterRoutes(platform)
	}

	// Tenant administration
	tenantAdmin := protected.NewRoute().Subrouter()
	tenantAdmin.Use(s.deps.Enforcer.Middleware(SettingsModule, "", access.OrgFromPath("org_id")))
	rbacHandlers := rbac.NewHandlers(s.deps.RBAC, s.deps.Permissions, s.deps.Audit, s.logger)
	rbacHandlers.SetTenantScope(access.ScopeRequest)
	rbacHandlers.RegisterRoutes(tenantAdmin)

	// Self service
	NewAuthHandlers(s.deps.Tokens, s.deps.RBAC, s.deps.Audit, s.logger).RegisterRoutes(protected)
	NewAccessHandlers(s.deps.Enforcer).RegisterRoutes(protected)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
