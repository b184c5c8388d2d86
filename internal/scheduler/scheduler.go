// Package scheduler drives the periodic jobs of the check-in service:
// session refresh for open events, signing secret rotation and rate window
// cleanup.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-checkin/pkg/domain"
)

// SessionRefresher issues fresh sessions for events that need them.
type SessionRefresher interface {
	RefreshDue(ctx context.Context) (int, error)
}

// SecretRotator rotates the signing secret and removes secrets past grace.
type SecretRotator interface {
	Rotate(ctx context.Context) (*domain.SigningSecret, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// WindowPurger removes stale rate limit windows.
type WindowPurger interface {
	PurgeStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config holds scheduler intervals. A zero interval disables that job.
type Config struct {
	RefreshInterval  time.Duration
	RotationInterval time.Duration
	PurgeInterval    time.Duration
	// WindowRetention is how long an ended window is kept before purge.
	WindowRetention time.Duration
	// JobTimeout bounds a single run of any job.
	JobTimeout time.Duration
}

// Scheduler runs the periodic jobs until its context is cancelled.
type Scheduler struct {
	config   Config
	sessions SessionRefresher
	secrets  SecretRotator
	windows  WindowPurger
	logger   *slog.Logger
}

// New creates a new scheduler. Any of sessions, secrets or windows may be
// nil to skip that job.
func New(config Config, sessions SessionRefresher, secrets SecretRotator, windows WindowPurger, logger *slog.Logger) *Scheduler {
	if config.WindowRetention == 0 {
		config.WindowRetention = time.Hour
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:   config,
		sessions: sessions,
		secrets:  secrets,
		windows:  windows,
		logger:   logger,
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	refresh := s.tick(s.sessions != nil, s.config.RefreshInterval)
	defer refresh.stop()
	rotate := s.tick(s.secrets != nil, s.config.RotationInterval)
	defer rotate.stop()
	purge := s.tick(s.windows != nil, s.config.PurgeInterval)
	defer purge.stop()

	s.logger.Info("scheduler started",
		"refresh_interval", s.config.RefreshInterval,
		"rotation_interval", s.config.RotationInterval,
		"purge_interval", s.config.PurgeInterval,
	)

	for {
		select {
		case <-refresh.c:
			s.RefreshSessions(ctx)
		case <-rotate.c:
			s.RotateSecrets(ctx)
		case <-purge.c:
			s.PurgeWindows(ctx)
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

// RefreshSessions runs one session refresh pass.
func (s *Scheduler) RefreshSessions(ctx context.Context) {
	jctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	issued, err := s.sessions.RefreshDue(jctx)
	if err != nil {
		s.logger.Error("session refresh failed", "issued", issued, "error", err)
		return
	}
	if issued > 0 {
		s.logger.Debug("sessions refreshed", "issued", issued)
	}
}

// RotateSecrets rotates the signing secret and purges expired ones.
func (s *Scheduler) RotateSecrets(ctx context.Context) {
	jctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	secret, err := s.secrets.Rotate(jctx)
	if err != nil {
		s.logger.Error("secret rotation failed", "error", err)
		return
	}
	s.logger.Info("signing secret rotated", "version", secret.RotationVersion)

	purged, err := s.secrets.PurgeExpired(jctx)
	if err != nil {
		s.logger.Error("secret purge failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("expired secrets purged", "count", purged)
	}
}

// PurgeWindows removes stale rate limit windows.
func (s *Scheduler) PurgeWindows(ctx context.Context) {
	jctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	purged, err := s.windows.PurgeStale(jctx, s.config.WindowRetention)
	if err != nil {
		s.logger.Error("rate window purge failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Debug("rate windows purged", "count", purged)
	}
}

type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

// tick returns a ticker whose channel never fires when disabled.
func (s *Scheduler) tick(enabled bool, interval time.Duration) ticker {
	if !enabled || interval <= 0 {
		return ticker{}
	}
	t := time.NewTicker(interval)
	return ticker{t: t, c: t.C}
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
