package handlers

import "net/http"

// HealthCheck reports daemon liveness and a session headcount.
// GET /health
func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "shellgated",
		"version": a.Version,
		"sessions": map[string]int{
			"total":  a.Registry.Count(),
			"active": a.Registry.ActiveCount(),
		},
	})
}
