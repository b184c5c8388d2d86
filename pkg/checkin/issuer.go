package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/domain"
)

const (
	// DefaultRefreshInterval is the session lifetime when the event sets none.
	DefaultRefreshInterval = 30 * time.Second
	// DefaultRefreshLead is how close to expiry RefreshDue replaces a session.
	DefaultRefreshLead = 2 * time.Second
)

// IssuerConfig holds session issuance configuration.
type IssuerConfig struct {
	RefreshInterval time.Duration
	// RefreshLead must be at least the period RefreshDue is called with,
	// or a displayed session can lapse between two calls.
	RefreshLead    time.Duration
	StorageTimeout time.Duration
	Clock          func() time.Time
}

// Issuer creates and rotates per-event check-in sessions.
type Issuer struct {
	config   IssuerConfig
	secrets  *SecretStore
	sessions SessionRepository
	events   EventDirectory
	logger   *slog.Logger
}

// NewIssuer creates a new session issuer.
func NewIssuer(config IssuerConfig, secrets *SecretStore, sessions SessionRepository, events EventDirectory, logger *slog.Logger) *Issuer {
	if config.RefreshInterval == 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	if config.RefreshLead == 0 {
		config.RefreshLead = DefaultRefreshLead
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		config:   config,
		secrets:  secrets,
		sessions: sessions,
		events:   events,
		logger:   logger,
	}
}

// Issue creates a new signed session for an event.
func (i *Issuer) Issue(ctx context.Context, actor domain.Actor, eventID uuid.UUID) (*domain.CheckInSession, error) {
	rules, err := i.authorize(ctx, actor, eventID)
	if err != nil {
		return nil, err
	}
	return i.issue(ctx, rules)
}

// Refresh issues a new session regardless of the state of the previous one.
// Earlier sessions stay valid until their own expiry; concurrent refreshes
// each produce an independent session.
func (i *Issuer) Refresh(ctx context.Context, actor domain.Actor, eventID uuid.UUID) (*domain.CheckInSession, error) {
	session, err := i.Issue(ctx, actor, eventID)
	if err != nil {
		return nil, err
	}
	i.logger.Debug("refreshed check-in session", "event_id", eventID, "session_id", session.ID)
	return session, nil
}

// Current returns the newest unexpired session for display. It requires no
// privilege and never issues.
func (i *Issuer) Current(ctx context.Context, eventID uuid.UUID) (*domain.CheckInSession, error) {
	tctx, cancel := withTimeout(ctx, i.config.StorageTimeout)
	defer cancel()

	session, err := i.sessions.LatestForEvent(tctx, eventID, i.config.Clock())
	if err != nil {
		return nil, storageErr("load current session", err)
	}
	return session, nil
}

// RefreshDue refreshes every open auto refresh event whose newest session
// is missing or expires within RefreshLead, and returns how many sessions
// were issued. Each event keeps its own lifetime; a session with time left
// is not replaced.
func (i *Issuer) RefreshDue(ctx context.Context) (int, error) {
	now := i.config.Clock()
	tctx, cancel := withTimeout(ctx, i.config.StorageTimeout)
	eventIDs, err := i.events.AutoRefreshEvents(tctx, now)
	cancel()
	if err != nil {
		return 0, storageErr("list auto refresh events", err)
	}

	issued := 0
	var errs []error
	for _, eventID := range eventIDs {
		due, err := i.refreshNeeded(ctx, eventID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", eventID, err))
			continue
		}
		if !due {
			continue
		}
		if _, err := i.Refresh(ctx, domain.SystemActor, eventID); err != nil {
			if errors.Is(err, domain.ErrSecretUnavailable) {
				return issued, err
			}
			errs = append(errs, fmt.Errorf("event %s: %w", eventID, err))
			continue
		}
		issued++
	}
	return issued, errors.Join(errs...)
}

func (i *Issuer) refreshNeeded(ctx context.Context, eventID uuid.UUID, now time.Time) (bool, error) {
	tctx, cancel := withTimeout(ctx, i.config.StorageTimeout)
	defer cancel()

	latest, err := i.sessions.LatestForEvent(tctx, eventID, now)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return true, nil
	}
	if err != nil {
		return false, storageErr("load current session", err)
	}
	return latest.ExpiresAt.Before(now.Add(i.config.RefreshLead)), nil
}

func (i *Issuer) authorize(ctx context.Context, actor domain.Actor, eventID uuid.UUID) (*domain.EventRules, error) {
	tctx, cancel := withTimeout(ctx, i.config.StorageTimeout)
	defer cancel()

	rules, err := i.events.Rules(tctx, eventID)
	if err != nil {
		return nil, storageErr("load event rules", err)
	}
	if actor.IsAdmin() {
		return rules, nil
	}
	if !actor.IsAuthenticated() {
		return nil, domain.ErrForbidden
	}
	organizer, err := i.events.IsOrganizer(tctx, eventID, actor.UserID)
	if err != nil {
		return nil, storageErr("check organizer", err)
	}
	if !organizer {
		return nil, domain.ErrForbidden
	}
	return rules, nil
}

func (i *Issuer) issue(ctx context.Context, rules *domain.EventRules) (*domain.CheckInSession, error) {
	secret, err := i.secrets.ActiveSecret(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	lifetime := i.config.RefreshInterval
	if rules.RefreshInterval > 0 {
		lifetime = rules.RefreshInterval
	}

	// Storage keeps microseconds; the signed expiry must survive a round trip.
	now := i.config.Clock().UTC().Truncate(time.Microsecond)
	session := &domain.CheckInSession{
		ID:            uuid.New(),
		EventID:       rules.EventID,
		Nonce:         nonce,
		SecretVersion: secret.RotationVersion,
		IssuedAt:      now,
		ExpiresAt:     now.Add(lifetime),
	}
	session.Signature = Sign(secret.Key, session.ID, session.EventID, session.Nonce, session.ExpiresAt)

	tctx, cancel := withTimeout(ctx, i.config.StorageTimeout)
	defer cancel()
	if err := i.sessions.Create(tctx, session); err != nil {
		return nil, storageErr("create check-in session", err)
	}
	return session, nil
}
