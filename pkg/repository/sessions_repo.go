package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// SessionsRepository handles check-in session persistence.
type SessionsRepository struct {
	db *sql.DB
}

// NewSessionsRepository creates a new check-in sessions repository.
func NewSessionsRepository(db *sql.DB) *SessionsRepository {
	return &SessionsRepository{db: db}
}

const sessionColumns = `id, event_id, nonce, signature, secret_version, issued_at, expires_at, consumed_at, consumed_by`

// Create inserts a new unconsumed session.
func (r *SessionsRepository) Create(ctx context.Context, session *domain.CheckInSession) error {
	query := `
		INSERT INTO checkin_sessions (id, event_id, nonce, signature, secret_version, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		session.ID, session.EventID, session.Nonce, session.Signature,
		session.SecretVersion, session.IssuedAt, session.ExpiresAt,
	)
	return err
}

// GetByID retrieves a session by ID.
func (r *SessionsRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CheckInSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM checkin_sessions
		WHERE id = $1
	`
	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Claim marks the session consumed only if it is still unconsumed and not
// expired at the claim time. The affected-row count decides the race between
// concurrent scanners.
func (r *SessionsRepository) Claim(ctx context.Context, id uuid.UUID, scannerID string, at time.Time) (bool, error) {
	query := `
		UPDATE checkin_sessions
		SET consumed_at = $2, consumed_by = $3
		WHERE id = $1 AND consumed_at IS NULL AND expires_at >= $2
	`
	result, err := r.db.ExecContext(ctx, query, id, at, scannerID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// LatestForEvent returns the most recently issued unexpired session.
func (r *SessionsRepository) LatestForEvent(ctx context.Context, eventID uuid.UUID, now time.Time) (*domain.CheckInSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM checkin_sessions
		WHERE event_id = $1 AND expires_at >= $2
		ORDER BY issued_at DESC
		LIMIT 1
	`
	session, err := scanSession(r.db.QueryRowContext(ctx, query, eventID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// LongestLifetime returns the longest issued lifetime among the unexpired
// sessions signed with version, or zero when there are none.
func (r *SessionsRepository) LongestLifetime(ctx context.Context, version int64, now time.Time) (time.Duration, error) {
	query := `
		SELECT COALESCE(MAX(EXTRACT(EPOCH FROM (expires_at - issued_at))), 0)
		FROM checkin_sessions
		WHERE secret_version = $1 AND expires_at >= $2
	`
	var seconds float64
	if err := r.db.QueryRowContext(ctx, query, version, now).Scan(&seconds); err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func scanSession(row rowScanner) (*domain.CheckInSession, error) {
	session := &domain.CheckInSession{}
	err := row.Scan(
		&session.ID, &session.EventID, &session.Nonce, &session.Signature,
		&session.SecretVersion, &session.IssuedAt, &session.ExpiresAt,
		&session.ConsumedAt, &session.ConsumedBy,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}
