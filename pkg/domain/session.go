package domain

import (
	"time"

	"github.com/google/uuid"
)

// CheckInSession is a displayed, signed, single-use check-in token.
type CheckInSession struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	Nonce         string
	Signature     string
	SecretVersion int64
	IssuedAt      time.Time
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	ConsumedBy    *string
}

// IsConsumed reports whether the session was already claimed.
func (s *CheckInSession) IsConsumed() bool {
	return s.ConsumedAt != nil
}

// IsExpired reports whether the session is past its expiry at now.
func (s *CheckInSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Payload returns the tuple embedded in the displayed scannable code.
func (s *CheckInSession) Payload() SessionPayload {
	return SessionPayload{
		SessionID: s.ID,
		EventID:   s.EventID,
		Nonce:     s.Nonce,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
		Signature: s.Signature,
	}
}

// SessionPayload is the public issuance tuple.
type SessionPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	EventID   uuid.UUID `json:"event_id"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
}

// ValidationOutcome is the typed result of presenting a session.
type ValidationOutcome string

const (
	OutcomeConsumed         ValidationOutcome = "consumed"
	OutcomeExpired          ValidationOutcome = "expired"
	OutcomeAlreadyUsed      ValidationOutcome = "already_used"
	OutcomeInvalidSignature ValidationOutcome = "invalid_signature"
	OutcomeNotFound         ValidationOutcome = "not_found"
)

// ValidationResult is returned by the verifier. EventID is set only when the
// session was found and its signature matched.
type ValidationResult struct {
	Outcome   ValidationOutcome `json:"outcome"`
	SessionID uuid.UUID         `json:"session_id"`
	EventID   uuid.UUID         `json:"event_id,omitempty"`
}

// Consumed reports whether this presentation claimed the session.
func (r *ValidationResult) Consumed() bool {
	return r != nil && r.Outcome == OutcomeConsumed
}
