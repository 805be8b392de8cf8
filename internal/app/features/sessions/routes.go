// internal/app/features/sessions/routes.go
package sessions

import "github.com/go-chi/chi/v5"

// Routes returns the session API, mounted under /api/sessions.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ServeList)
	r.Post("/", h.HandleCreate)

	// BY DATE
	r.Get("/date/{date}", h.ServeByDate)
	r.Delete("/date/{date}", h.HandleDeleteByDate)

	r.Get("/{id}", h.ServeGet)
	r.Put("/{id}", h.HandleUpdate)
	r.Delete("/{id}", h.HandleDelete)
	r.Get("/{id}/roster", h.ServeRoster)

	return r
}
