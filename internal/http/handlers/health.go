package handlers

import (
	"net/http"
)

// Health reports liveness plus the reachability of the generation backend.
// The process stays healthy when the backend is down; jobs queue up and the
// status field tells operators why nothing is finishing.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": a.backendStatus(r.Context()),
	})
}
