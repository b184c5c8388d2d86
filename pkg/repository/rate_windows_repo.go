package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// RateWindowsRepository stores fixed-window rate counters.
type RateWindowsRepository struct {
	db *sql.DB
}

// NewRateWindowsRepository creates a new rate windows repository.
func NewRateWindowsRepository(db *sql.DB) *RateWindowsRepository {
	return &RateWindowsRepository{db: db}
}

// hitQuery resets or increments the window and computes the block in one
// statement. In the SET list rate_windows.* refers to the row before update.
//
//	$1 identifier  $2 action  $3 now  $4 window ms  $5 limit  $6 cooldown ms
const hitQuery = `
	INSERT INTO rate_windows (identifier, action_type, window_start, attempt_count, blocked_until, updated_at)
	VALUES (
		$1, $2, $3::timestamptz, 1,
		CASE WHEN 1 > $5::int
			THEN $3::timestamptz + ($4::bigint + $6::bigint) * INTERVAL '1 millisecond'
		END,
		$3::timestamptz
	)
	ON CONFLICT (identifier, action_type) DO UPDATE SET
		window_start = CASE
			WHEN rate_windows.blocked_until > $3::timestamptz THEN rate_windows.window_start
			WHEN rate_windows.window_start + $4::bigint * INTERVAL '1 millisecond' <= $3::timestamptz THEN $3::timestamptz
			ELSE rate_windows.window_start
		END,
		attempt_count = CASE
			WHEN rate_windows.blocked_until > $3::timestamptz THEN rate_windows.attempt_count + 1
			WHEN rate_windows.window_start + $4::bigint * INTERVAL '1 millisecond' <= $3::timestamptz THEN 1
			ELSE rate_windows.attempt_count + 1
		END,
		blocked_until = CASE
			WHEN rate_windows.blocked_until > $3::timestamptz THEN rate_windows.blocked_until
			WHEN rate_windows.window_start + $4::bigint * INTERVAL '1 millisecond' <= $3::timestamptz THEN
				CASE WHEN 1 > $5::int
					THEN $3::timestamptz + ($4::bigint + $6::bigint) * INTERVAL '1 millisecond'
				END
			WHEN rate_windows.attempt_count + 1 > $5::int
				THEN rate_windows.window_start + ($4::bigint + $6::bigint) * INTERVAL '1 millisecond'
			ELSE NULL
		END,
		updated_at = $3::timestamptz
	RETURNING window_start, attempt_count, blocked_until
`

// Hit applies one attempt to the window for identifier and action.
func (r *RateWindowsRepository) Hit(ctx context.Context, identifier string, action domain.RateAction, now time.Time, rule checkin.Rule) (*domain.RateWindow, error) {
	window := &domain.RateWindow{Identifier: identifier, Action: action}
	err := r.db.QueryRowContext(ctx, hitQuery,
		identifier,
		string(action),
		now,
		rule.Window.Milliseconds(),
		rule.Limit,
		rule.Cooldown.Milliseconds(),
	).Scan(&window.WindowStart, &window.AttemptCount, &window.BlockedUntil)
	if err != nil {
		return nil, err
	}
	return window, nil
}

// PurgeStale deletes windows started before the cutoff that no longer block.
func (r *RateWindowsRepository) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM rate_windows
		WHERE window_start < $1
		  AND (blocked_until IS NULL OR blocked_until <= $1)
	`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
