// internal/app/features/accounts/routes.go
package accounts

import "github.com/go-chi/chi/v5"

// Routes returns the account API, mounted under /api/accounts.
func Routes(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ServeList)
	r.Post("/", h.HandleCreate)

	r.Get("/by-username/{username}", h.ServeByUsername)

	r.Get("/{id}", h.ServeGet)
	r.Patch("/{id}", h.HandleUpdate)
	r.Delete("/{id}", h.HandleDelete)
	r.Put("/{id}/password", h.HandleResetPassword)

	// MEMBERSHIP
	r.Get("/{id}/cohorts", h.ServeCohorts)
	r.Put("/{id}/cohorts", h.HandleSetCohorts)

	return r
}
