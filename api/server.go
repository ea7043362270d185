/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Tracing:    OpenTelemetry server span (no-op unless tracing is enabled)
  5. CORS:       Cross-origin requests for the agent dashboard

ROUTE GROUPS:
  /api/health           Liveness + database ping
  /api/affiliates/*     Affiliate accounts and their commissions
  /api/commissions/*    Commission lifecycle operations
  /api/lifecycle/*      Sweeps and scheduler status
  /api/hold-periods     Hold period policy table
  /api/events           Recent lifecycle events (in-memory sink)
  /api/scenarios/*      Demo data

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/commission-engine/tracing"
)

// RouterOptions tunes the router. The zero value is valid.
type RouterOptions struct {
	AllowedOrigins []string
	ServiceName    string
	// Quiet drops the access log; tests use it.
	Quiet bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "commission-engine"
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if !opts.Quiet {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware(opts.ServiceName))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "traceparent"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/affiliates", func(r chi.Router) {
			r.Get("/", h.ListAffiliates)
			r.Post("/", h.CreateAffiliate)
			r.Get("/{id}", h.GetAffiliate)
			r.Get("/{id}/commissions", h.ListAffiliateCommissions)
			r.Get("/{id}/stats", h.GetAffiliateStats)
		})

		r.Route("/commissions", func(r chi.Router) {
			r.Get("/", h.ListCommissions)
			r.Post("/", h.RecordCommission)
			r.Get("/{id}", h.GetCommission)
			r.Get("/{id}/logs", h.GetCommissionLogs)
			r.Post("/{id}/cancel", h.CancelCommission)
			r.Post("/{id}/refund", h.RefundCommission)
			r.Post("/{id}/paid", h.MarkPaid)
			r.Post("/{id}/fraud", h.SetFraud)
		})

		r.Route("/lifecycle", func(r chi.Router) {
			r.Post("/run", h.RunLifecycle)
			r.Get("/status", h.LifecycleStatus)
			r.Get("/stats", h.LifecycleStats)
		})

		r.Get("/hold-periods", h.GetHoldPeriods)
		r.Put("/hold-periods", h.PutHoldPeriods)

		r.Get("/events", h.ListEvents)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
