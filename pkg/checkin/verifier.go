package checkin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// VerifierConfig holds verifier configuration.
type VerifierConfig struct {
	StorageTimeout time.Duration
	Clock          func() time.Time
}

// ValidateRequest is a single presentation of a session.
type ValidateRequest struct {
	SessionID uuid.UUID
	Signature string
	ScannerID string
	// BeforeClaim runs after the signature and expiry checks and before the
	// claim. A non-nil error aborts validation without consuming the session.
	BeforeClaim func(ctx context.Context, session *domain.CheckInSession) error
}

// Verifier validates presented sessions and consumes each exactly once.
//
// State machine: Issued -> Consumed | Expired | Rejected. The signature and
// expiry checks are side-effect free; only a correctly signed, unexpired
// presentation reaches the conditional claim in storage.
type Verifier struct {
	config   VerifierConfig
	secrets  *SecretStore
	sessions SessionRepository
	logger   *slog.Logger
}

// NewVerifier creates a new verifier.
func NewVerifier(config VerifierConfig, secrets *SecretStore, sessions SessionRepository, logger *slog.Logger) *Verifier {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		config:   config,
		secrets:  secrets,
		sessions: sessions,
		logger:   logger,
	}
}

// Validate checks a (sessionId, signature) presentation. Expected client
// outcomes are returned in the result; errors are reserved for
// SecretUnavailable, storage failures and BeforeClaim aborts.
func (v *Verifier) Validate(ctx context.Context, req ValidateRequest) (*domain.ValidationResult, error) {
	result := &domain.ValidationResult{SessionID: req.SessionID}

	tctx, cancel := withTimeout(ctx, v.config.StorageTimeout)
	session, err := v.sessions.GetByID(tctx, req.SessionID)
	cancel()
	if errors.Is(err, domain.ErrSessionNotFound) {
		result.Outcome = domain.OutcomeNotFound
		return result, nil
	}
	if err != nil {
		err = storageErr("load check-in session", err)
		v.logger.Error("session lookup failed", "session_id", req.SessionID, "error", err)
		return nil, err
	}

	ok, err := v.signatureMatches(ctx, session, req.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		result.Outcome = domain.OutcomeInvalidSignature
		return result, nil
	}
	result.EventID = session.EventID

	now := v.config.Clock()
	if session.IsExpired(now) {
		result.Outcome = domain.OutcomeExpired
		return result, nil
	}
	if session.IsConsumed() {
		result.Outcome = domain.OutcomeAlreadyUsed
		return result, nil
	}

	if req.BeforeClaim != nil {
		if err := req.BeforeClaim(ctx, session); err != nil {
			return nil, err
		}
	}

	tctx, cancel = withTimeout(ctx, v.config.StorageTimeout)
	defer cancel()
	claimed, err := v.sessions.Claim(tctx, session.ID, req.ScannerID, now.UTC())
	if err != nil {
		err = storageErr("claim check-in session", err)
		v.logger.Error("session claim failed", "session_id", session.ID, "error", err)
		return nil, err
	}
	if !claimed {
		result.Outcome = domain.OutcomeAlreadyUsed
		return result, nil
	}

	result.Outcome = domain.OutcomeConsumed
	return result, nil
}

// signatureMatches tries every secret valid at issuance. A session signed
// with a version newer than any cached one means this instance has not
// observed a rotation yet, so the view is reloaded once. Older unknown
// versions were purged and never trigger a reload.
func (v *Verifier) signatureMatches(ctx context.Context, session *domain.CheckInSession, presented string) (bool, error) {
	secrets, err := v.secrets.SecretsValidAt(ctx, session.IssuedAt)
	if err != nil {
		return false, err
	}
	if !containsVersion(secrets, session.SecretVersion) {
		newest, err := v.secrets.NewestVersion(ctx)
		if err != nil {
			return false, err
		}
		if session.SecretVersion > newest {
			if err := v.secrets.Reload(ctx); err != nil {
				return false, err
			}
			if secrets, err = v.secrets.SecretsValidAt(ctx, session.IssuedAt); err != nil {
				return false, err
			}
		}
	}
	for _, secret := range secrets {
		if VerifySignature(secret.Key, presented, session.ID, session.EventID, session.Nonce, session.ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}

func containsVersion(secrets []*domain.SigningSecret, version int64) bool {
	for _, secret := range secrets {
		if secret.RotationVersion == version {
			return true
		}
	}
	return false
}
