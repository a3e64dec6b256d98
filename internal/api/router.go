package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ceotr/form-relay/internal/form"
)

// formRoutes maps each kind to its URL segment. Every kind is served under
// both /api/mock/<segment> (the path the site posts to) and /api/<segment>.
var formRoutes = map[form.Kind]string{
	form.KindBooking:    "book",
	form.KindQuote:      "quote",
	form.KindContact:    "contact",
	form.KindNewsletter: "newsletter",
}

// FormPaths returns the paths served for kind.
func FormPaths(kind form.Kind) []string {
	segment := formRoutes[kind]
	return []string{"/api/mock/" + segment, "/api/" + segment}
}

// NewRouter creates a chi.Mux with all routes, middleware, and handlers configured.
func NewRouter(deps Deps) *chi.Mux {
	log := deps.Log
	r := chi.NewRouter()

	// Global middleware
	r.Use(CorrelationIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(MetricsMiddleware)
	r.Use(RecoverMiddleware(log))
	r.Use(CORSMiddleware)

	r.NotFound(notFoundHandler)
	r.MethodNotAllowed(methodNotAllowedHandler)

	// Health endpoints
	r.Get("/healthz", HealthzHandler())
	r.Get("/api/health", HealthzHandler())
	r.Get("/readyz", ReadyzHandler(deps.Relay))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Form endpoints
	limit := RateLimitMiddleware(newIPRateLimiter(deps.RateLimitRPS, deps.RateLimitBurst))
	for _, kind := range form.Kinds() {
		h := FormHandler(kind, deps)
		for _, path := range FormPaths(kind) {
			r.With(limit).Post(path, h)
			r.Options(path, PreflightHandler())
		}
	}

	return r
}
