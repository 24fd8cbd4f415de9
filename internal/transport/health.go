package transport

import (
	"net/http"
	"time"
)

// handleHealth implements GET /health (§6): unauthenticated liveness probe.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleConfig implements GET /config (§6): unauthenticated deployment
// identity, also echoed into every initialize response's serverInfo.
func (rt *Router) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        rt.cfg.Name,
		"description": rt.cfg.Description,
		"version":     rt.cfg.Version,
	})
}
