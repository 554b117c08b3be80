package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/openqs/vms/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin API router
func NewRouter(handlers *AdminHandlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/metrics", serveMetrics)

	r.Group(func(r chi.Router) {
		r.Use(chiAuthMiddleware)
		r.Get("/status", handlers.handleStatus)
		r.Post("/pause", handlers.handlePause)
		r.Post("/resume", handlers.handleResume)

		r.Route("/commands", func(r chi.Router) {
			r.Post("/", handlers.handleQueueCommand)
			r.Get("/{session}/{id}", handlers.handleGetCommand)
		})
	})

	return r
}

// RegisterRoutes mounts the admin router under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", NewRouter(handlers)))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}

func serveMetrics(w http.ResponseWriter, r *http.Request) {
	h := telemetry.GetMetricsHandler()
	if h == nil {
		writeErrorResponse(w, http.StatusNotFound, "prometheus disabled")
		return
	}
	h.ServeHTTP(w, r)
}
