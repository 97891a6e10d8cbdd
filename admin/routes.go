package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Mux is where the admin router gets mounted (an *http.ServeMux or the server's HTTP side)
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// NewRouter builds the admin router without the /admin prefix
func NewRouter(handlers *AdminHandlers) http.Handler {
	r := chi.NewRouter()

	r.Route("/cluster", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/members", handlers.handleClusterMembers)
		r.Get("/active", handlers.handleClusterActive)
		r.Get("/stabilization", handlers.handleStabilization)
		r.Post("/cleanup", handlers.handleCleanup)
		r.Delete("/{clusterID}", handlers.handleDeleteCluster)
	})

	return r
}

// RegisterRoutes mounts the admin router under /admin
func RegisterRoutes(mux Mux, handlers *AdminHandlers) {
	r := NewRouter(handlers)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/cluster/*")
}
