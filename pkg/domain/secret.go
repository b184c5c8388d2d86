package domain

import (
	"time"

	"github.com/google/uuid"
)

// AlgorithmHMACSHA256 is the only signing algorithm currently issued.
const AlgorithmHMACSHA256 = "HMAC-SHA256"

// SigningSecret is a versioned key used to sign check-in sessions.
// KeyMaterial is the random seed persisted in storage; Key is derived from it
// when the secret is loaded and is never persisted.
type SigningSecret struct {
	ID              uuid.UUID
	Algorithm       string
	RotationVersion int64
	KeyMaterial     []byte
	Key             []byte
	ActiveFrom      time.Time
	ExpiresAt       *time.Time
	IsActive        bool
	CreatedAt       time.Time
}

// VerifiableAt reports whether the secret may still verify signatures at now.
// The active secret is always verifiable; a rotated one only until ExpiresAt.
func (s *SigningSecret) VerifiableAt(now time.Time) bool {
	if s.IsActive {
		return true
	}
	return s.ExpiresAt != nil && now.Before(*s.ExpiresAt)
}
