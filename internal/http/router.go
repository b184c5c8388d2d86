package http

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/tendant/simple-checkin/internal/config"
	"github.com/tendant/simple-checkin/internal/http/features/admin"
	"github.com/tendant/simple-checkin/internal/http/features/review"
	"github.com/tendant/simple-checkin/internal/http/features/scan"
	"github.com/tendant/simple-checkin/internal/http/features/sessions"
	"github.com/tendant/simple-checkin/internal/http/middleware"
	"github.com/tendant/simple-checkin/internal/httputil"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger          *slog.Logger
	Authenticator   *middleware.Authenticator
	Secrets         *checkin.SecretStore
	Issuer          *checkin.Issuer
	Recorder        *checkin.Recorder
	Service         *checkin.Service
	Limiter         *checkin.RateLimiter
	RateLimitConfig config.RateLimitConfig
	SecurityHeaders config.SecurityHeadersConfig
	Validation      config.ValidationConfig
	TrustedNetworks []netip.Prefix
}

// NewRouter creates a new HTTP router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders(cfg.SecurityHeaders))
	r.Use(middleware.RequestSizeLimit(cfg.Validation.MaxRequestBodySize))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// IP-level limiters for the public and high-volume endpoints
	rateLimiters := middleware.CreateRateLimiters(cfg.RateLimitConfig, cfg.Logger)
	auth := middleware.Auth(cfg.Authenticator)
	apiLimit := middleware.ActionLimit(cfg.Limiter, domain.ActionAPI, cfg.Logger)

	// Session display and issuance
	sessionsHandler := sessions.NewHandler(cfg.Logger, cfg.Issuer)
	r.With(rateLimiters["display"]).Get("/v1/events/{eventID}/sessions/current", sessionsHandler.Current)
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(middleware.ActionLimit(cfg.Limiter, domain.ActionIssue, cfg.Logger))
		r.Post("/v1/events/{eventID}/sessions", sessionsHandler.Issue)
		r.Post("/v1/events/{eventID}/sessions/refresh", sessionsHandler.Refresh)
	})

	// Scanning. The per-user scan ceiling is charged inside the service.
	scanHandler := scan.NewHandler(cfg.Logger, cfg.Service, cfg.TrustedNetworks)
	r.Group(func(r chi.Router) {
		r.Use(rateLimiters["scan"])
		r.Use(auth)
		r.Post("/v1/checkins/scan", scanHandler.Scan)
	})

	// Attendance lookup, review and manual override
	reviewHandler := review.NewHandler(cfg.Logger, cfg.Recorder)
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(apiLimit)
		r.Get("/v1/events/{eventID}/attendance/{userID}", reviewHandler.Get)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(domain.RoleAdmin, domain.RoleOrganizer))
			r.Post("/v1/attendance/{attendanceID}/review", reviewHandler.Review)
			r.Post("/v1/events/{eventID}/attendance/manual", reviewHandler.Manual)
		})
	})

	// Administration
	adminHandler := admin.NewHandler(cfg.Logger, cfg.Secrets)
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(middleware.RequireRole(domain.RoleAdmin))
		r.Use(apiLimit)
		r.Post("/v1/admin/secrets/rotate", adminHandler.Rotate)
	})

	return r
}
