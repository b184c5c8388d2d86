package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// AttendanceRepository handles attendance persistence.
type AttendanceRepository struct {
	db *sql.DB
}

// NewAttendanceRepository creates a new attendance repository.
func NewAttendanceRepository(db *sql.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

const attendanceColumns = `id, event_id, user_id, session_id, status, provisional_status, method,
	latitude, longitude, distance_meters, accuracy_meters, reasons,
	checked_in_at, reviewed_by, reviewed_at, review_notes`

// Create inserts an attendance record. The (event_id, user_id) unique
// constraint turns a second write into domain.ErrAlreadyCheckedIn.
func (r *AttendanceRepository) Create(ctx context.Context, a *domain.Attendance) error {
	query := `
		INSERT INTO attendance (` + attendanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.EventID,
		a.UserID,
		a.SessionID,
		a.Status,
		a.ProvisionalStatus,
		a.Method,
		a.Latitude,
		a.Longitude,
		a.DistanceMeters,
		a.AccuracyMeters,
		pq.Array(reasonStrings(a.Reasons)),
		a.CheckedInAt,
		a.ReviewedBy,
		a.ReviewedAt,
		a.ReviewNotes,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyCheckedIn
	}
	return err
}

// Get retrieves the record of a user for an event.
func (r *AttendanceRepository) Get(ctx context.Context, eventID, userID uuid.UUID) (*domain.Attendance, error) {
	query := `
		SELECT ` + attendanceColumns + `
		FROM attendance
		WHERE event_id = $1 AND user_id = $2
	`
	a, err := scanAttendance(r.db.QueryRowContext(ctx, query, eventID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAttendanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID retrieves a record by ID.
func (r *AttendanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Attendance, error) {
	query := `
		SELECT ` + attendanceColumns + `
		FROM attendance
		WHERE id = $1
	`
	a, err := scanAttendance(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAttendanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Review moves a pending record to status. The status condition makes two
// concurrent reviews resolve to one.
func (r *AttendanceRepository) Review(ctx context.Context, id uuid.UUID, status domain.AttendanceStatus, reviewer uuid.UUID, notes string, at time.Time) error {
	query := `
		UPDATE attendance
		SET status = $2, reviewed_by = $3, review_notes = NULLIF($4, ''), reviewed_at = $5
		WHERE id = $1 AND status = 'pending_verification'
	`
	result, err := r.db.ExecContext(ctx, query, id, status, reviewer, notes, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM attendance WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrAttendanceNotFound
	}
	return domain.ErrAttendanceNotPending
}

func scanAttendance(row rowScanner) (*domain.Attendance, error) {
	var (
		a       domain.Attendance
		reasons []string
	)
	err := row.Scan(
		&a.ID,
		&a.EventID,
		&a.UserID,
		&a.SessionID,
		&a.Status,
		&a.ProvisionalStatus,
		&a.Method,
		&a.Latitude,
		&a.Longitude,
		&a.DistanceMeters,
		&a.AccuracyMeters,
		pq.Array(&reasons),
		&a.CheckedInAt,
		&a.ReviewedBy,
		&a.ReviewedAt,
		&a.ReviewNotes,
	)
	if err != nil {
		return nil, err
	}
	a.Reasons = make([]domain.Reason, len(reasons))
	for i, reason := range reasons {
		a.Reasons[i] = domain.Reason(reason)
	}
	return &a, nil
}

func reasonStrings(reasons []domain.Reason) []string {
	out := make([]string, len(reasons))
	for i, reason := range reasons {
		out[i] = string(reason)
	}
	return out
}
