package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/tendant/simple-checkin/internal/config"
	"github.com/tendant/simple-checkin/internal/httputil"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// RateLimitConfig holds rate limiting configuration for a specific endpoint type.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Logger   *slog.Logger
}

// RateLimit creates an IP-based rate limiter middleware with logging.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.Requests,
		cfg.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return httputil.ClientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Logger != nil {
				cfg.Logger.Warn("rate limit exceeded",
					"ip", httputil.ClientIP(r),
					"path", r.URL.Path,
					"method", r.Method,
					"user_agent", r.UserAgent(),
				)
			}
			httputil.TooManyRequests(w, cfg.Window, "rate limit exceeded. please try again later")
		}),
	)
}

// NoRateLimit returns a no-op middleware when rate limiting is disabled.
func NoRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// CreateRateLimiters creates the IP-level limiters placed in front of the
// public display endpoint and the scan endpoint.
func CreateRateLimiters(cfg config.RateLimitConfig, logger *slog.Logger) map[string]func(http.Handler) http.Handler {
	if !cfg.HTTPEnabled {
		noOp := NoRateLimit()
		return map[string]func(http.Handler) http.Handler{
			"display": noOp,
			"scan":    noOp,
		}
	}

	return map[string]func(http.Handler) http.Handler{
		"display": RateLimit(RateLimitConfig{
			Requests: cfg.DisplayRequestsPerMin,
			Window:   time.Minute,
			Logger:   logger,
		}),
		"scan": RateLimit(RateLimitConfig{
			Requests: cfg.ScanRequestsPerMin,
			Window:   time.Minute,
			Logger:   logger,
		}),
	}
}

// ActionLimit charges one attempt of action against the authenticated actor
// in the shared window store. Requests without an actor are keyed by client
// IP. A storage failure rejects the request.
func ActionLimit(limiter *checkin.RateLimiter, action domain.RateAction, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := "ip:" + httputil.ClientIP(r)
			if actor, ok := GetActor(r.Context()); ok {
				identifier = actor.UserID.String()
			}

			err := limiter.Allow(r.Context(), identifier, action)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			var limited *domain.RateLimitedError
			if errors.As(err, &limited) {
				httputil.TooManyRequests(w, limited.RetryAfter(time.Now()), "rate limit exceeded. please try again later")
				return
			}
			if logger != nil {
				logger.Error("rate limiter unavailable", "action", action, "error", err)
			}
			httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		})
	}
}
