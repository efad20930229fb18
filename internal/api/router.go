package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/medflow/booking-api/internal/account"
	"github.com/medflow/booking-api/internal/appointment"
	"github.com/medflow/booking-api/internal/auth"
)

type RouterConfig struct {
	Accounts     *account.Service
	Appointments *appointment.Service
	Issuer       *auth.Issuer
	Logger       zerolog.Logger

	DB    Pinger
	Redis Pinger // optional

	Env           string
	Version       string
	Debug         bool // include internal error detail in 500 responses
	SecureCookies bool
	CORSOrigins   []string
	AuthRateRPS   float64
	AuthRateBurst int
	TrustProxy    bool // take the client IP from X-Forwarded-For / X-Real-IP
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := &handlers{
		accounts:      cfg.Accounts,
		appointments:  cfg.Appointments,
		issuer:        cfg.Issuer,
		debug:         cfg.Debug,
		secureCookies: cfg.SecureCookies,
	}
	limiter := NewRateLimiter(cfg.AuthRateRPS, cfg.AuthRateBurst)

	r := chi.NewRouter()

	if cfg.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Kind: "not_found", Message: "route not found"})
	})

	// Health endpoints
	health := NewHealthHandler(cfg.DB, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/api/auth", func(r chi.Router) {
		r.With(limiter.Middleware).Post("/register", h.register)
		r.With(limiter.Middleware).Post("/login", h.login)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Issuer))
			r.Post("/logout", h.logout)
			r.Get("/me", h.me)
			r.Get("/verify", h.verify)
		})
	})

	r.Route("/api/doctors", func(r chi.Router) {
		r.Use(OptionalAuth(cfg.Issuer))
		r.Get("/", h.listDoctors)
		r.Get("/specialties", h.specialties)
		r.Get("/specialty/{specialty}", h.doctorsBySpecialty)
		r.Get("/{id}", h.getDoctor)
	})

	r.Route("/api/appointments", func(r chi.Router) {
		r.Use(Authenticate(cfg.Issuer))

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(account.RolePatient))
			r.Post("/", h.bookAppointment)
			r.Get("/mine", h.myAppointments)
			r.Get("/mine/stats", h.myStats)
			r.Delete("/{id}", h.cancelAppointment)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(account.RoleDoctor))
			r.Get("/doctor", h.doctorAppointments)
			r.Get("/doctor/pending", h.pendingAppointments)
			r.Get("/doctor/stats", h.doctorStats)
			r.Patch("/{id}/approve", h.approveAppointment)
			r.Patch("/{id}/decline", h.declineAppointment)
		})

		r.Get("/{id}", h.getAppointment)
	})

	return r
}
