package api

import (
	"net/http"
)

// HealthzHandler handles GET /healthz and GET /api/health.
// Always returns 200 OK with {"status":"ok"}.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type readinessChecker interface {
	Ready() error
}

// ReadyzHandler handles GET /readyz.
// Returns 200 when mail delivery is configured, 503 with a Retry-After
// header otherwise. The missing settings are logged, not returned.
func ReadyzHandler(rc readinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ready(); err != nil {
			w.Header().Set("Retry-After", "30")
			respondError(w, http.StatusServiceUnavailable, "mail delivery not configured")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// PreflightHandler answers CORS preflight requests with 200 and no body.
// The CORS headers themselves come from CORSMiddleware.
func PreflightHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "Not found")
}

func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "POST, OPTIONS")
	respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
}
