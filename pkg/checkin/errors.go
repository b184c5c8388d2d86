package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/simple-checkin/pkg/domain"
)

// DefaultStorageTimeout bounds every storage call made by the services.
const DefaultStorageTimeout = 3 * time.Second

// passthrough errors are domain results that must not be reclassified.
var passthrough = []error{
	domain.ErrSecretUnavailable,
	domain.ErrSessionNotFound,
	domain.ErrEventNotFound,
	domain.ErrAttendanceNotFound,
	domain.ErrAlreadyCheckedIn,
	domain.ErrAttendanceNotPending,
	domain.ErrSecretNotFound,
	domain.ErrSecretConflict,
	domain.ErrStorageTimeout,
	domain.ErrStorageError,
}

// storageErr classifies a repository failure as a timeout or a generic
// storage error while keeping the cause in the chain.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range passthrough {
		if errors.Is(err, target) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageError, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultStorageTimeout
	}
	return context.WithTimeout(ctx, d)
}
