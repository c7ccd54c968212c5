/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Requests by route pattern and status (when configured)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/users/*          Signup, login, the caller's balance and history
  /api/events/*         Event lifecycle, guests, pool queries
  /api/transactions/*   Transaction engine
  /api/scenarios/*      Demo scenarios
  /api/admin/*          Admin operations
  /api/reset            Store reset (dev only)
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SECURITY NOTE:
  Routes that act on behalf of a user require a bearer token. Admin,
  scenario and reset routes are unauthenticated and meant for local use.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS; defaults to the local frontend dev servers.
	AllowedOrigins []string
	// Observer receives one call per response (nil disables).
	Observer RequestObserver
	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Observer != nil {
		r.Use(observeRequests(opts.Observer))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/signup", h.Signup)
			r.Post("/login", h.Login)
			r.Get("/{id}/transactions", h.UserTransactions)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireAuth)
				r.Post("/logout", h.Logout)
				r.Get("/me", h.Me)
				r.Get("/me/balance", h.MyBalance)
				r.Get("/me/transactions", h.MyTransactions)
			})
		})

		// Event routes
		r.Route("/events", func(r chi.Router) {
			r.With(h.OptionalAuth).Get("/", h.ListEvents)
			r.Get("/{id}", h.GetEvent)
			r.Get("/{id}/expenses", h.EventExpenses)
			r.Get("/{id}/transactions", h.EventTransactions)
			r.Get("/{id}/shares", h.EventShares)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireAuth)
				r.Post("/", h.CreateEvent)
				r.Delete("/{id}", h.DeleteEvent)
				r.Post("/{id}/guests", h.InviteGuest)
			})
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireAuth)
				r.Post("/", h.CreateTransaction)
				r.Post("/settle/{uniqueId}", h.SettleShare)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Delete("/users/{id}", h.DeleteUser)
			r.Post("/reminders/run", h.RunReminders)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
		r.Post("/reset", h.ResetDatabase)
	})

	return r
}
