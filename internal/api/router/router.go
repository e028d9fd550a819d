package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/booking"
	"github.com/wolfman30/clinic-booking/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-booking/internal/http/middleware"
	"github.com/wolfman30/clinic-booking/internal/http/respond"
	"github.com/wolfman30/clinic-booking/internal/payments"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger              *logging.Logger
	BookingHandler      *booking.Handler
	AppointmentsHandler *appointments.Handler
	PaymentsHandler     *payments.Handler
	AdminJobs           *handlers.AdminJobsHandler
	AdminAuthSecret     string
	MetricsHandler      http.Handler
	CORSAllowedOrigins  []string

	// WriteRateLimit caps booking and checkout requests per client IP per
	// second; zero disables the limit.
	WriteRateLimit float64
	WriteBurst     int
	// TrustProxyHeaders rewrites RemoteAddr from proxy headers before the
	// rate limiter and request logger see it.
	TrustProxyHeaders bool

	// HealthCheck reports dependency health; nil means always healthy.
	HealthCheck func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	limitWrites := func(h http.HandlerFunc) http.Handler { return h }
	if cfg.WriteRateLimit > 0 {
		limiter := httpmiddleware.RateLimit(cfg.WriteRateLimit, max(cfg.WriteBurst, 1))
		limitWrites = func(h http.HandlerFunc) http.Handler { return limiter(h) }
	}

	r.Get("/health", health(cfg.HealthCheck))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.BookingHandler != nil || cfg.AppointmentsHandler != nil {
		r.Route("/appointments", func(r chi.Router) {
			if cfg.BookingHandler != nil {
				r.Method(http.MethodPost, "/", limitWrites(cfg.BookingHandler.CreateAppointment))
			}
			if cfg.AppointmentsHandler != nil {
				r.Get("/{id}", cfg.AppointmentsHandler.Get)
				r.Post("/{id}/cancel", cfg.AppointmentsHandler.Cancel)
				r.Post("/{id}/status", cfg.AppointmentsHandler.UpdateStatus)
			}
		})
	}

	if cfg.PaymentsHandler != nil {
		r.Route("/payments", func(r chi.Router) {
			r.Method(http.MethodPost, "/", limitWrites(cfg.PaymentsHandler.Create))
			// Provider callbacks are matched before /{id}.
			r.Get("/vnpay/return", cfg.PaymentsHandler.Return)
			r.Get("/vnpay/ipn", cfg.PaymentsHandler.IPN)
			r.Get("/{id}", cfg.PaymentsHandler.Get)
			r.Post("/{id}/cancel", cfg.PaymentsHandler.Cancel)
			r.Post("/{id}/sync", cfg.PaymentsHandler.Sync)
			r.Post("/{id}/refund", cfg.PaymentsHandler.Refund)
		})
	}

	if cfg.AdminJobs != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Post("/jobs/expiration-sweep", cfg.AdminJobs.ExpirationSweep)
			admin.Post("/jobs/settlement-reconciliation", cfg.AdminJobs.SettlementReconciliation)
		})
	}

	return r
}

func health(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
