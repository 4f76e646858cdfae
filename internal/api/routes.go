package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured.
// limiter may be nil to disable mutation rate limiting.
func NewRouter(h *Handler, limiter *CartRateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	if limiter == nil {
		limiter = NewCartRateLimiter(0, 1)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Put("/inventory", h.SetInventory)
			r.Get("/backup", h.BackupURL)

			r.Route("/carts/{cart_id}", func(r chi.Router) {
				r.Use(CartContext)
				r.Get("/snapshot", h.GetSnapshot)
				r.With(limiter.Middleware).Post("/mutations", h.SubmitMutation)
				r.Get("/delta", h.Delta)
				r.Get("/broadcasts", h.Broadcasts)
			})
		})
	})

	return r
}
