package checkin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// Service runs the scan pipeline: rate limit, verify, then record.
type Service struct {
	limiter  *RateLimiter
	verifier *Verifier
	recorder *Recorder
	logger   *slog.Logger
}

// NewService creates a new check-in service.
func NewService(limiter *RateLimiter, verifier *Verifier, recorder *Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		limiter:  limiter,
		verifier: verifier,
		recorder: recorder,
		logger:   logger,
	}
}

// ScanRequest is a scanning client's presentation of a displayed session.
type ScanRequest struct {
	SessionID       uuid.UUID
	Signature       string
	Method          domain.CheckInMethod
	Location        *domain.Location
	NetworkVerified bool
}

// ScanResult carries the verification outcome and, when the session was
// consumed, the attendance outcome.
type ScanResult struct {
	Validation *domain.ValidationResult `json:"validation"`
	Outcome    *domain.CheckInOutcome   `json:"outcome,omitempty"`
}

// Scan checks the scan ceiling for the actor, validates the presentation and
// records the attendance outcome. A user who already has an outcome for the
// event is refused before the session is claimed, so the displayed code is
// not burned.
func (s *Service) Scan(ctx context.Context, actor domain.Actor, req ScanRequest) (*ScanResult, error) {
	if !actor.IsAuthenticated() || actor.UserID == uuid.Nil {
		return nil, domain.ErrForbidden
	}
	if err := s.limiter.Allow(ctx, actor.UserID.String(), domain.ActionScan); err != nil {
		return nil, err
	}

	validation, err := s.verifier.Validate(ctx, ValidateRequest{
		SessionID: req.SessionID,
		Signature: req.Signature,
		ScannerID: actor.UserID.String(),
		BeforeClaim: func(ctx context.Context, session *domain.CheckInSession) error {
			exists, err := s.recorder.HasRecord(ctx, session.EventID, actor.UserID)
			if err != nil {
				return err
			}
			if exists {
				return domain.ErrAlreadyCheckedIn
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	result := &ScanResult{Validation: validation}
	if !validation.Consumed() {
		s.logger.Info("scan not accepted",
			"session_id", req.SessionID,
			"user_id", actor.UserID,
			"outcome", validation.Outcome,
		)
		return result, nil
	}

	outcome, err := s.recorder.Record(ctx, actor, CheckInRequest{
		EventID:         validation.EventID,
		UserID:          actor.UserID,
		Method:          req.Method,
		Location:        req.Location,
		NetworkVerified: req.NetworkVerified,
		Session:         validation,
	})
	if err != nil {
		return nil, err
	}
	result.Outcome = outcome
	return result, nil
}

// EncodePayload renders a session payload as the compact string embedded in
// the displayed code.
func EncodePayload(p domain.SessionPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// ParsePayload decodes a compact payload string.
func ParsePayload(s string) (*domain.SessionPayload, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	var p domain.SessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if p.SessionID == uuid.Nil || p.Signature == "" {
		return nil, fmt.Errorf("%w: missing session id or signature", domain.ErrInvalidPayload)
	}
	return &p, nil
}
