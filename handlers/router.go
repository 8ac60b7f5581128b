package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/alerts"
	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/metrics"
	"github.com/localdirectory/guardian/middleware"
	"github.com/localdirectory/guardian/ratelimiter"
	"github.com/localdirectory/guardian/subscription"
)

// Deps is everything the gate routes to. Archive, Keys, KeyAdmin, Backend and
// TrustedProxies are optional; without TrustedProxies forwarding headers are ignored.
type Deps struct {
	Engine      *audit.Engine
	Limiter     *ratelimiter.RateLimiter
	Dispatcher  *alerts.Dispatcher
	Enforcer    *subscription.Enforcer
	Archive     EventArchive
	Keys        middleware.KeyLookup
	KeyAdmin    KeyManager
	Requests    *middleware.RequestLogStore
	Pingers     []Pinger
	Backend     http.Handler
	JWTSecret   string
	CORSOrigins []string
	Logger      *zap.Logger

	TrustedProxies *middleware.TrustedProxies
}

// featureRoutes are backend areas that need a plan capability.
var featureRoutes = map[string]subscription.Capability{
	"/api/analytics":        subscription.CapAnalytics,
	"/api/menu":             subscription.CapMenuManagement,
	"/api/appointments":     subscription.CapAppointmentBooking,
	"/api/branding":         subscription.CapCustomBranding,
	"/api/locations":        subscription.CapMultiLocation,
	"/api/support/priority": subscription.CapPrioritySupport,
}

func NewRouter(d Deps) http.Handler {
	if d.Requests == nil {
		d.Requests = middleware.NewRequestLogStore(100)
	}
	backend := d.Backend
	if backend == nil {
		backend = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusBadGateway, "backend service unavailable")
		})
	}

	logging := middleware.NewLoggingMiddleware(d.Logger, d.Requests)
	fingerprint := middleware.NewFingerprintMiddleware(d.Engine, d.Logger)
	auth := middleware.NewAuthMiddleware(d.JWTSecret, d.Keys, d.Engine, d.Logger).WithFailureLimiter(d.Limiter)
	rateLimit := middleware.NewRateLimitMiddleware(d.Limiter, d.Logger)

	admin := NewAdminHandler(d.Engine, d.Limiter, d.Dispatcher, d.Archive, d.Requests, d.Pingers, d.Logger)
	subs := NewSubscriptionHandler(d.Enforcer, d.Engine, d.Logger)
	apiKeys := NewAPIKeyHandler(d.KeyAdmin, d.Logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(d.TrustedProxies.ClientIP)
	r.Use(logging.Log)
	r.Use(fingerprint.Fingerprint)
	r.Use(auth.OptionalAuth)
	r.Use(rateLimit.RateLimit)
	r.Use(middleware.CORS(d.CORSOrigins))

	r.Get("/health", admin.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin)

		r.Get("/security/status", admin.GetSecurityStatus)
		r.Get("/security/events", admin.GetEvents)
		r.Post("/security/events/{id}/resolve", admin.ResolveEvent)
		r.Get("/security/blocked-ips", admin.GetBlockedIPs)
		r.Post("/security/blocked-ips", admin.BlockIP)
		r.Delete("/security/blocked-ips/{ip}", admin.UnblockIP)
		r.Delete("/security/suspicious-users/{userID}", admin.ClearSuspiciousUser)

		r.Get("/rate-limits", admin.GetRateLimits)
		r.Delete("/rate-limits/{identifier}", admin.ResetRateLimit)

		r.Get("/alerts/stats", admin.GetAlertStats)
		r.Post("/alerts/test", admin.SendTestAlert)

		r.Get("/requests", admin.GetRecentRequests)

		r.Get("/api-keys", apiKeys.List)
		r.Post("/api-keys", apiKeys.Create)
		r.Post("/api-keys/{id}/deactivate", apiKeys.Deactivate)
		r.Delete("/api-keys/{id}", apiKeys.Delete)
	})

	r.Route("/api/subscription", func(r chi.Router) {
		r.Get("/plans", subs.GetPlans)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireIdentity)

			r.Get("/", subs.GetSubscription)
			r.Get("/access", subs.ValidateAccess)
			r.Get("/features/{capability}", subs.CheckFeature)
			r.Post("/usage", subs.UpdateUsage)
			r.Post("/upgrade", subs.Upgrade)
			r.Post("/cancel", subs.Cancel)
		})
	})

	for prefix, c := range featureRoutes {
		gated := r.With(middleware.RequireIdentity, middleware.RequireFeature(d.Enforcer, c))
		gated.Handle(prefix, backend)
		gated.Handle(prefix+"/*", backend)
	}

	// API-key callers reach the backend API only on plans with API access.
	r.With(requireAPIAccess(d.Enforcer)).Handle("/api/*", backend)
	r.Handle("/*", backend)

	return r
}

func requireAPIAccess(checker middleware.FeatureChecker) func(http.Handler) http.Handler {
	gate := middleware.RequireFeature(checker, subscription.CapAPIAccess)
	return func(next http.Handler) http.Handler {
		gated := gate(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ident := middleware.GetIdentity(r.Context()); ident != nil && ident.APIKey != nil {
				gated.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
