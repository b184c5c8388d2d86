package checkin

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-checkin/pkg/domain"
)

// Rule is the ceiling for one action: at most Limit attempts per Window.
// Exceeding it blocks until the window ends plus Cooldown.
type Rule struct {
	Limit    int
	Window   time.Duration
	Cooldown time.Duration
}

// DefaultRules returns stricter ceilings for scans than for generic API use.
func DefaultRules() map[domain.RateAction]Rule {
	return map[domain.RateAction]Rule{
		domain.ActionScan:  {Limit: 5, Window: time.Minute},
		domain.ActionIssue: {Limit: 30, Window: time.Minute},
		domain.ActionAPI:   {Limit: 60, Window: time.Minute},
	}
}

// Decision is the result of a rate limit check.
type Decision struct {
	Allowed      bool
	Attempts     int
	BlockedUntil time.Time
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Rules          map[domain.RateAction]Rule
	StorageTimeout time.Duration
	Clock          func() time.Time
}

// RateLimiter is a fixed-window counter keyed by identifier and action.
// The reset-or-increment-and-compare runs atomically in the WindowStore.
type RateLimiter struct {
	config RateLimiterConfig
	store  WindowStore
	logger *slog.Logger
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig, store WindowStore, logger *slog.Logger) *RateLimiter {
	if config.Rules == nil {
		config.Rules = DefaultRules()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		config: config,
		store:  store,
		logger: logger,
	}
}

// Rule returns the configured rule for an action.
func (l *RateLimiter) Rule(action domain.RateAction) (Rule, bool) {
	rule, ok := l.config.Rules[action]
	return rule, ok
}

// Check records an attempt and reports whether it is allowed. Actions with
// no configured rule are always allowed. A storage failure blocks the
// attempt and is returned.
func (l *RateLimiter) Check(ctx context.Context, identifier string, action domain.RateAction) (Decision, error) {
	rule, ok := l.config.Rules[action]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.config.Clock().UTC()
	tctx, cancel := withTimeout(ctx, l.config.StorageTimeout)
	defer cancel()

	window, err := l.store.Hit(tctx, identifier, action, now, rule)
	if err != nil {
		err = storageErr("record rate window attempt", err)
		l.logger.Error("rate window update failed", "identifier", identifier, "action", action, "error", err)
		return Decision{Allowed: false}, err
	}

	if window.BlockedAt(now) {
		l.logger.Warn("rate limit exceeded",
			"identifier", identifier,
			"action", action,
			"attempts", window.AttemptCount,
			"blocked_until", *window.BlockedUntil,
		)
		return Decision{Allowed: false, Attempts: window.AttemptCount, BlockedUntil: *window.BlockedUntil}, nil
	}
	return Decision{Allowed: true, Attempts: window.AttemptCount}, nil
}

// Allow is Check returning a *domain.RateLimitedError for blocked attempts.
func (l *RateLimiter) Allow(ctx context.Context, identifier string, action domain.RateAction) error {
	decision, err := l.Check(ctx, identifier, action)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &domain.RateLimitedError{Identifier: identifier, Action: action, Until: decision.BlockedUntil}
	}
	return nil
}

// PurgeStale removes windows that ended before olderThan ago and are no
// longer blocking.
func (l *RateLimiter) PurgeStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tctx, cancel := withTimeout(ctx, l.config.StorageTimeout)
	defer cancel()

	n, err := l.store.PurgeStale(tctx, l.config.Clock().Add(-olderThan))
	if err != nil {
		return 0, storageErr("purge rate windows", err)
	}
	return n, nil
}

// NextWindow applies one attempt to the window w (nil when none exists) and
// returns the updated window. Stores that cannot push this logic into the
// database run it under their own per-key lock.
func NextWindow(w *domain.RateWindow, identifier string, action domain.RateAction, now time.Time, rule Rule) *domain.RateWindow {
	if w != nil && w.BlockedAt(now) {
		next := *w
		next.AttemptCount++
		return &next
	}

	next := domain.RateWindow{Identifier: identifier, Action: action}
	if w == nil || !now.Before(w.WindowStart.Add(rule.Window)) {
		next.WindowStart = now
		next.AttemptCount = 1
	} else {
		next.WindowStart = w.WindowStart
		next.AttemptCount = w.AttemptCount + 1
	}
	if next.AttemptCount > rule.Limit {
		until := next.WindowStart.Add(rule.Window + rule.Cooldown)
		next.BlockedUntil = &until
	}
	return &next
}
