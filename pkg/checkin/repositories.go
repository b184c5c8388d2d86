package checkin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// SecretRepository persists signing secrets.
type SecretRepository interface {
	// Active returns the single active secret or domain.ErrSecretNotFound.
	Active(ctx context.Context) (*domain.SigningSecret, error)
	// ListVerifiable returns the active secret and every rotated secret whose
	// expiry is after now, newest version first.
	ListVerifiable(ctx context.Context, now time.Time) ([]*domain.SigningSecret, error)
	// Create inserts a secret. Creating a second active secret fails with
	// domain.ErrSecretConflict.
	Create(ctx context.Context, secret *domain.SigningSecret) error
	// Rotate retires the current active secret with the given expiry and
	// inserts next as the new active secret, atomically.
	Rotate(ctx context.Context, next *domain.SigningSecret, retiredExpiresAt time.Time) error
	// DeleteExpired removes rotated secrets whose expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionRepository persists check-in sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.CheckInSession) error
	// GetByID returns domain.ErrSessionNotFound when missing.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.CheckInSession, error)
	// Claim sets consumed_at/consumed_by only if the session is unconsumed.
	// It reports whether this call performed the transition.
	Claim(ctx context.Context, id uuid.UUID, scannerID string, at time.Time) (bool, error)
	// LatestForEvent returns the newest unexpired session of an event.
	LatestForEvent(ctx context.Context, eventID uuid.UUID, now time.Time) (*domain.CheckInSession, error)
	SessionLifetimes
}

// SessionLifetimes reports how long sessions signed with a secret version
// stay in use.
type SessionLifetimes interface {
	// LongestLifetime returns the longest expires_at - issued_at among the
	// sessions signed with version that are unexpired at now, or zero.
	LongestLifetime(ctx context.Context, version int64, now time.Time) (time.Duration, error)
}

// WindowStore performs the atomic reset-or-increment of a rate window.
type WindowStore interface {
	Hit(ctx context.Context, identifier string, action domain.RateAction, now time.Time, rule Rule) (*domain.RateWindow, error)
	PurgeStale(ctx context.Context, before time.Time) (int64, error)
}

// AttendanceRepository persists check-in outcomes.
type AttendanceRepository interface {
	// Create fails with domain.ErrAlreadyCheckedIn when a record exists for
	// the (event, user) pair.
	Create(ctx context.Context, attendance *domain.Attendance) error
	Get(ctx context.Context, eventID, userID uuid.UUID) (*domain.Attendance, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Attendance, error)
	// Review moves a pending record to status. It fails with
	// domain.ErrAttendanceNotPending if the record is no longer pending.
	Review(ctx context.Context, id uuid.UUID, status domain.AttendanceStatus, reviewer uuid.UUID, notes string, at time.Time) error
}

// EventDirectory exposes the event-management data this core reads.
type EventDirectory interface {
	Rules(ctx context.Context, eventID uuid.UUID) (*domain.EventRules, error)
	IsParticipant(ctx context.Context, eventID, userID uuid.UUID) (bool, error)
	IsOrganizer(ctx context.Context, eventID, userID uuid.UUID) (bool, error)
	// AutoRefreshEvents lists events with auto refresh enabled that are open at now.
	AutoRefreshEvents(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}
