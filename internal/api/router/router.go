package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sagewell/carebook-platform/internal/calendar"
	"github.com/sagewell/carebook-platform/internal/conflicts"
	"github.com/sagewell/carebook-platform/internal/http/handlers"
	httpmiddleware "github.com/sagewell/carebook-platform/internal/http/middleware"
	"github.com/sagewell/carebook-platform/internal/identity"
	"github.com/sagewell/carebook-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	WindowsHandler  *handlers.WindowsHandler
	SlotsHandler    *handlers.SlotsHandler
	BookingsHandler *handlers.BookingsHandler
	CalendarHandler *calendar.Handler
	ConflictHandler *conflicts.Handler

	MetricsHandler http.Handler

	ActorJWTSecret     string
	CORSAllowedOrigins []string

	// BookingRatePerSec throttles booking creation per client IP. Zero
	// disables the limiter.
	BookingRatePerSec float64
	BookingBurst      int
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(identity.Middleware(cfg.ActorJWTSecret))

		if cfg.WindowsHandler != nil {
			api.Mount("/windows", cfg.WindowsHandler.Routes())
		}
		if cfg.SlotsHandler != nil {
			api.Mount("/slots", cfg.SlotsHandler.Routes())
		}
		if cfg.BookingsHandler != nil {
			bookings := cfg.BookingsHandler.Routes()
			if cfg.BookingRatePerSec > 0 {
				api.With(httpmiddleware.RateLimit(cfg.BookingRatePerSec, cfg.BookingBurst)).
					Mount("/bookings", bookings)
			} else {
				api.Mount("/bookings", bookings)
			}
		}
		if cfg.CalendarHandler != nil {
			api.Mount("/calendar", cfg.CalendarHandler.Routes())
		}
		if cfg.ConflictHandler != nil {
			api.Mount("/conflicts", cfg.ConflictHandler.Routes())
		}
	})

	return r
}
