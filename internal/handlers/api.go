package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shellgate/shellgate/internal/session"
)

// API holds the dependencies shared by all handlers. It is constructed
// in main and serves one registry for the daemon's lifetime.
type API struct {
	Registry *session.Registry
	Version  string

	// ExecTimeout bounds one-shot /execute commands. Zero falls back
	// to a built-in default.
	ExecTimeout time.Duration
}

// Routes assembles the full HTTP surface.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", a.HealthCheck)

	r.Post("/session/create", a.CreateSession)
	r.Get("/session/list", a.ListSessions)
	r.Get("/session/{id}", a.GetSession)
	r.Get("/session/{id}/events", a.GetSessionEvents)
	r.Post("/session/{id}/stop", a.StopSession)

	r.Get("/shell/{id}", a.ShellWS)

	r.Post("/execute", a.ExecuteCommand)
	r.Post("/execute/stream", a.ExecuteCommandStream)

	r.Get("/logs", a.GetServerLogs)
	r.Delete("/logs", a.ClearServerLogs)

	return r
}
