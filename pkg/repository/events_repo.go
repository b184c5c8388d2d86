package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// EventsRepository reads event metadata maintained by event management.
type EventsRepository struct {
	db *sql.DB
}

// NewEventsRepository creates a new events repository.
func NewEventsRepository(db *sql.DB) *EventsRepository {
	return &EventsRepository{db: db}
}

// Rules returns the check-in rules of an event.
func (r *EventsRepository) Rules(ctx context.Context, eventID uuid.UUID) (*domain.EventRules, error) {
	query := `
		SELECT id, starts_at, grace_minutes, late_minutes, refresh_seconds, auto_refresh,
			latitude, longitude, radius_meters, require_gps, accuracy_threshold
		FROM events
		WHERE id = $1
	`
	var (
		rules          domain.EventRules
		graceMinutes   int
		lateMinutes    int
		refreshSeconds int
		threshold      sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, query, eventID).Scan(
		&rules.EventID,
		&rules.StartsAt,
		&graceMinutes,
		&lateMinutes,
		&refreshSeconds,
		&rules.AutoRefresh,
		&rules.Geofence.Latitude,
		&rules.Geofence.Longitude,
		&rules.Geofence.RadiusMeters,
		&rules.Geofence.RequireGPS,
		&threshold,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	rules.GraceWindow = time.Duration(graceMinutes) * time.Minute
	rules.LateAllowance = time.Duration(lateMinutes) * time.Minute
	rules.RefreshInterval = time.Duration(refreshSeconds) * time.Second
	if threshold.Valid {
		rules.Geofence.AccuracyThreshold = threshold.Float64
	}
	return &rules, nil
}

// IsParticipant reports whether the user is on the event roster.
func (r *EventsRepository) IsParticipant(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	return r.hasRole(ctx, eventID, userID, "participant")
}

// IsOrganizer reports whether the user organizes the event.
func (r *EventsRepository) IsOrganizer(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	return r.hasRole(ctx, eventID, userID, "organizer")
}

func (r *EventsRepository) hasRole(ctx context.Context, eventID, userID uuid.UUID, role string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM event_members
			WHERE event_id = $1 AND user_id = $2 AND role = $3
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, eventID, userID, role).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// AutoRefreshEvents lists auto-refresh events open at now. An event opens
// an hour before it starts and closes at ends_at.
func (r *EventsRepository) AutoRefreshEvents(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM events
		WHERE auto_refresh
		  AND starts_at - INTERVAL '1 hour' <= $1
		  AND (ends_at IS NULL OR ends_at >= $1)
		ORDER BY starts_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
