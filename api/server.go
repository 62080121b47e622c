/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap access log carrying the request id
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend
  5. Auth:       Bearer JWT on /booking, /host and /admin

ROUTE GROUPS:
  /health              Liveness (public)
  /booking/*           Customer booking and refund routes
  /host/payout/*       Host payout routes (role host)
  /admin/*             Back-office routes (role admin)
  /api/scenarios/*     Demo scenarios (only when enabled, public)

SEE ALSO:
  - handlers.go: Handler implementations
  - identity.go: Authentication middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/settlement"
)

type RouterOptions struct {
	Auth           *Authenticator
	AllowedOrigins []string
	// Scenarios mounts the demo loaders.
	Scenarios bool
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
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(opts.Auth.Middleware)

		// Booking routes
		r.Route("/booking", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/refund-requests/my", h.MyRefundRequests)
			r.Post("/refund-requests/{id}/appeal", h.AppealRefundRequest)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Post("/{id}/refund", h.RequestRefund)
			r.Get("/{id}/can-refund", h.CanRefund)
		})

		// Host payout routes
		r.Route("/host/payout", func(r chi.Router) {
			r.Use(RequireRole(settlement.RoleHost))
			r.Get("/pending", h.PendingPayouts)
			r.Get("/paid", h.PaidPayouts)
			r.Post("/process/{bookingId}", h.ProcessPayout)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(settlement.RoleAdmin))

			r.Route("/refund-requests", func(r chi.Router) {
				r.Get("/", h.ListRefundRequests)
				r.Get("/{id}/qr", h.RefundQR)
				r.Post("/{bookingId}/confirm", h.ConfirmRefund)
				r.Post("/{bookingId}/refund", h.AutoRefund)
				r.Post("/{refundRequestId}/reject", h.RejectRefund)
			})

			r.Route("/bookings", func(r chi.Router) {
				r.Post("/{id}/confirm", h.ConfirmBooking)
				r.Post("/{id}/complete", h.CompleteBooking)
				r.Get("/{id}/history", h.BookingHistory)
			})

			r.Route("/payouts", func(r chi.Router) {
				r.Get("/pending", h.PendingPayouts)
				r.Get("/paid", h.PaidPayouts)
				r.Get("/rejected", h.RejectedPayouts)
				r.Post("/process-all", h.ProcessAllPayouts)
				r.Post("/{bookingId}/confirm", h.ProcessPayout)
				r.Post("/{bookingId}/reject", h.RejectPayout)
				r.Get("/{bookingId}/qr", h.PayoutQR)
			})
		})
	})

	// Scenario routes
	if opts.Scenarios {
		r.Route("/api/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	}

	return r
}

// requestLogger writes one structured access log line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := []zap.Field{
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				}
				switch {
				case ww.Status() >= 500:
					logger.Error("request", fields...)
				case ww.Status() >= 400:
					logger.Warn("request", fields...)
				default:
					logger.Info("request", fields...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
