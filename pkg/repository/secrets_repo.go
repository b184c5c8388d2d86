package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tendant/simple-checkin/pkg/domain"
)

// SecretsRepository handles signing secret persistence.
type SecretsRepository struct {
	db *sql.DB
}

// NewSecretsRepository creates a new signing secrets repository.
func NewSecretsRepository(db *sql.DB) *SecretsRepository {
	return &SecretsRepository{db: db}
}

const secretColumns = `id, algorithm, rotation_version, key_material, active_from, expires_at, is_active, created_at`

// Active returns the single active secret.
func (r *SecretsRepository) Active(ctx context.Context) (*domain.SigningSecret, error) {
	query := `
		SELECT ` + secretColumns + `
		FROM signing_secrets
		WHERE is_active
	`
	secret, err := scanSecret(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// ListVerifiable returns the active secret and rotated secrets expiring after now.
func (r *SecretsRepository) ListVerifiable(ctx context.Context, now time.Time) ([]*domain.SigningSecret, error) {
	query := `
		SELECT ` + secretColumns + `
		FROM signing_secrets
		WHERE is_active OR expires_at > $1
		ORDER BY rotation_version DESC
	`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secrets []*domain.SigningSecret
	for rows.Next() {
		secret, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, secret)
	}
	return secrets, rows.Err()
}

// Create inserts a secret.
func (r *SecretsRepository) Create(ctx context.Context, secret *domain.SigningSecret) error {
	return r.createTx(ctx, r.db, secret)
}

func (r *SecretsRepository) createTx(ctx context.Context, q Querier, secret *domain.SigningSecret) error {
	query := `
		INSERT INTO signing_secrets (id, algorithm, rotation_version, key_material, active_from, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := q.ExecContext(ctx, query,
		secret.ID,
		secret.Algorithm,
		secret.RotationVersion,
		secret.KeyMaterial,
		secret.ActiveFrom,
		secret.ExpiresAt,
		secret.IsActive,
		secret.CreatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrSecretConflict
	}
	return err
}

// Rotate retires the active secret that precedes next and inserts next in
// one transaction. A concurrent rotation loses with domain.ErrSecretConflict.
func (r *SecretsRepository) Rotate(ctx context.Context, next *domain.SigningSecret, retiredExpiresAt time.Time) error {
	return WithTx(ctx, r.db, func(q Querier) error {
		query := `
			UPDATE signing_secrets
			SET is_active = FALSE, expires_at = $2
			WHERE is_active AND rotation_version = $1
		`
		result, err := q.ExecContext(ctx, query, next.RotationVersion-1, retiredExpiresAt)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows != 1 {
			return domain.ErrSecretConflict
		}
		return r.createTx(ctx, q, next)
	})
}

// DeleteExpired removes rotated secrets whose expiry is before now.
func (r *SecretsRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM signing_secrets
		WHERE NOT is_active AND expires_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSecret(row rowScanner) (*domain.SigningSecret, error) {
	var secret domain.SigningSecret
	err := row.Scan(
		&secret.ID,
		&secret.Algorithm,
		&secret.RotationVersion,
		&secret.KeyMaterial,
		&secret.ActiveFrom,
		&secret.ExpiresAt,
		&secret.IsActive,
		&secret.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &secret, nil
}
