package api

import (
	"encoding/json"
	"net/http"
)

// respondJSON writes a JSON response with the given status code and data.
// If data is nil, only the status code and Content-Type header are written.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes {"error": message}. Used for protocol-level failures
// (unknown route, wrong method, server misconfiguration, panics).
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFailure writes {"success": false, "message": message}, the shape
// the site's forms render for rejected submissions.
func respondFailure(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// respondAccepted writes the success envelope for an accepted submission.
func respondAccepted(w http.ResponseWriter, message, idKey, id string) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": message,
		idKey:     id,
	})
}
