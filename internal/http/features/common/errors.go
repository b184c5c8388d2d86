// Package common holds helpers shared by the feature handlers.
package common

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/internal/http/middleware"
	"github.com/tendant/simple-checkin/internal/httputil"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// WriteError maps a service error to its HTTP status and writes it.
// Unclassified errors are logged and reported as 500.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var limited *domain.RateLimitedError
	switch {
	case errors.As(err, &limited):
		httputil.TooManyRequests(w, limited.RetryAfter(time.Now()), "too many attempts. please try again later")
	case errors.Is(err, domain.ErrSecretUnavailable):
		logger.Error("signing secret unavailable", "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, "check-in temporarily unavailable")
	case errors.Is(err, domain.ErrStorageTimeout), errors.Is(err, domain.ErrStorageError):
		logger.Error("storage failure", "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, domain.ErrAlreadyCheckedIn):
		httputil.Error(w, http.StatusConflict, "already checked in for this event")
	case errors.Is(err, domain.ErrAttendanceNotPending):
		httputil.Error(w, http.StatusConflict, "attendance record is not pending verification")
	case errors.Is(err, domain.ErrSecretConflict):
		httputil.Error(w, http.StatusConflict, "secret rotation already in progress")
	case errors.Is(err, domain.ErrForbidden):
		httputil.Error(w, http.StatusForbidden, "not permitted")
	case errors.Is(err, domain.ErrEventNotFound):
		httputil.Error(w, http.StatusNotFound, "event not found")
	case errors.Is(err, domain.ErrAttendanceNotFound):
		httputil.Error(w, http.StatusNotFound, "attendance record not found")
	case errors.Is(err, domain.ErrSessionNotFound):
		httputil.Error(w, http.StatusNotFound, "no active session")
	case errors.Is(err, domain.ErrInvalidPayload):
		httputil.Error(w, http.StatusBadRequest, "invalid check-in payload")
	case errors.Is(err, domain.ErrInvalidStatus):
		httputil.Error(w, http.StatusBadRequest, "invalid attendance status")
	case errors.Is(err, domain.ErrSessionNotUsable):
		httputil.Error(w, http.StatusBadRequest, "session does not authorize this check-in")
	default:
		logger.Error("unhandled error", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
	}
}

// Actor returns the authenticated actor or writes a 401.
func Actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "missing authorization")
		return domain.Actor{}, false
	}
	return actor, true
}

// UUIDParam parses a chi URL parameter as a UUID or writes a 400.
func UUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
