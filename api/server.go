/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logging:    Structured request logging (logging.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontends

ROUTES:
  Paths like /credit-card:all are literal; chi only treats {...} as a
  parameter.

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/card-ledger/logging"
)

// DefaultAllowedOrigins is used when no CORS origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// User routes
	r.Put("/user", h.CreateUser)
	r.Delete("/user", h.DeleteUser)

	// Credit card routes
	r.Post("/credit-card", h.CreateCard)
	r.Get("/credit-card:all", h.ListCards)
	r.Get("/credit-card:user-id", h.GetUserIDForCard)

	// Balance routes
	r.Post("/credit-card:update-balance", h.UpdateBalance)
	r.Get("/credit-card:balance", h.GetBalance)
	r.Get("/credit-card:history", h.GetHistory)

	// Admin routes
	r.Route("/admin", func(r chi.Router) {
		r.Post("/reanchor", h.Reanchor)
	})

	return r
}
