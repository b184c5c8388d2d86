package domain

import (
	"errors"
	"fmt"
	"time"
)

// Signing and storage errors
var (
	ErrSecretUnavailable = errors.New("no active signing secret available")
	ErrSecretNotFound    = errors.New("signing secret not found")
	ErrSecretConflict    = errors.New("an active signing secret already exists")
	ErrStorageTimeout    = errors.New("storage timeout")
	ErrStorageError      = errors.New("storage error")
)

// Session errors
var (
	ErrSessionNotFound  = errors.New("check-in session not found")
	ErrSessionNotUsable = errors.New("check-in session was not consumed for this event")
	ErrInvalidPayload   = errors.New("invalid check-in payload")
)

// Event and attendance errors
var (
	ErrEventNotFound        = errors.New("event not found")
	ErrAttendanceNotFound   = errors.New("attendance record not found")
	ErrAlreadyCheckedIn     = errors.New("user already checked in for this event")
	ErrAttendanceNotPending = errors.New("attendance record is not pending verification")
	ErrInvalidStatus        = errors.New("invalid attendance status")
	ErrForbidden            = errors.New("operation not permitted for this actor")
)

// RateLimitedError is returned when an identifier exceeded the ceiling for an action.
type RateLimitedError struct {
	Identifier string
	Action     RateAction
	Until      time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s on %s until %s", e.Identifier, e.Action, e.Until.UTC().Format(time.RFC3339))
}

// RetryAfter returns how long the caller should wait relative to now.
func (e *RateLimitedError) RetryAfter(now time.Time) time.Duration {
	if d := e.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}
