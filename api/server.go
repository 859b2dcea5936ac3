/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zerolog request logging (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/payments/*   Payment registration and edits
  /api/invoices/*   Invoice generation, reads and reconciliation
  /api/billing/*    Side-effect free pricing
  /api/closures/*   Month close
  /api/admin/*      Background reconciliation status
  /api/scenarios/*  Demo data (development only)
  /healthz          Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/billing/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.RegisterPayment)
			r.Put("/{id}", h.UpdatePayment)
			r.Delete("/{id}", h.DeletePayment)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/", h.GenerateInvoice)
			r.Post("/reconcile", h.ReconcilePeriod)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/reconcile", h.ReconcileInvoice)
		})

		r.Post("/billing/preview", h.PreviewBilling)
		r.Get("/admin/reconciliation", h.LastSweep)

		r.Route("/closures/{year}/{month}", func(r chi.Router) {
			r.Get("/", h.GetClosure)
			r.Post("/", h.CloseMonth)
			r.Post("/summary", h.SummarizeMonth)
		})

		if h.DemoScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs one line per request at Info, or Warn for 5xx.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				evt := log.Info()
				if ww.Status() >= http.StatusInternalServerError {
					evt = log.Warn()
				}
				evt.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
