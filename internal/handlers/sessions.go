package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/logutil"
	"github.com/shellgate/shellgate/internal/session"
)

// CreateSession spawns a new shell session and returns its id together
// with the websocket URL to attach to it.
// POST /session/create
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.Registry.Create()
	if err != nil {
		if errors.Is(err, session.ErrSessionLimit) {
			writeError(w, http.StatusServiceUnavailable, "Session limit reached")
			return
		}
		log.Printf("Session creation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to start shell")
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":  s.ID,
		"connect_url": fmt.Sprintf("%s://%s/shell/%s", scheme, r.Host, s.ID),
	})
}

// ListSessions returns a snapshot of every known session.
// GET /session/list
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	infos := a.Registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": infos,
		"total":    len(infos),
		"active":   a.Registry.ActiveCount(),
	})
}

// GetSession returns one session's snapshot.
// GET /session/{id}
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := a.Registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// GetSessionEvents returns the recorded lifecycle trail for a session.
// Works for swept sessions too, as long as the rows have not been
// pruned.
// GET /session/{id}/events
func (a *API) GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "Event log not available")
		return
	}

	id := chi.URLParam(r, "id")
	events, err := database.EventsForSession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load events")
		return
	}
	if len(events) == 0 {
		if _, err := a.Registry.Get(id); err != nil {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"events":     events,
	})
}

// StopSession terminates the shell and removes the session. Stopping
// an unknown or already-stopped id reports not found.
// POST /session/{id}/stop
func (a *API) StopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Registry.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	log.Printf("Session %s stopped via API by %s", logutil.SanitizeForLog(id), r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "stopped",
		"session_id": id,
	})
}
