// internal/app/features/cohorts/routes.go
package cohorts

import "github.com/go-chi/chi/v5"

// Routes returns the cohort API, mounted under /api/cohorts.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ServeList)
	r.Post("/", h.HandleCreate)

	r.Get("/by-name/{name}", h.ServeByName)

	r.Get("/{id}", h.ServeGet)
	r.Put("/{id}", h.HandleUpdate)
	r.Delete("/{id}", h.HandleDelete)

	// MEMBERSHIP
	r.Put("/{id}/members", h.HandleSetMembers)
	r.Put("/{id}/add-student", h.HandleAddStudent)
	r.Put("/{id}/remove-student", h.HandleRemoveStudent)

	r.Get("/{id}/sessions", h.ServeSessions)

	return r
}
