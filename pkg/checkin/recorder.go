package checkin

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// RecorderConfig holds attendance recorder configuration.
type RecorderConfig struct {
	AccuracyThreshold float64
	StorageTimeout    time.Duration
	Clock             func() time.Time
}

// Recorder turns a consumed session, a geofence judgement and event rules
// into a single attendance outcome per (user, event).
type Recorder struct {
	config     RecorderConfig
	attendance AttendanceRepository
	events     EventDirectory
	logger     *slog.Logger
}

// NewRecorder creates a new attendance recorder.
func NewRecorder(config RecorderConfig, attendance AttendanceRepository, events EventDirectory, logger *slog.Logger) *Recorder {
	if config.AccuracyThreshold == 0 {
		config.AccuracyThreshold = DefaultAccuracyThreshold
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		config:     config,
		attendance: attendance,
		events:     events,
		logger:     logger,
	}
}

// CheckInRequest is the input to Record.
type CheckInRequest struct {
	EventID uuid.UUID
	UserID  uuid.UUID
	Method  domain.CheckInMethod
	// Location is the reported position; nil when the device sent none.
	Location *domain.Location
	// NetworkVerified reports that the transport saw the request arrive from
	// a trusted venue network. Used when the event does not require GPS.
	NetworkVerified bool
	// Session is the verifier result that authorized this check-in.
	Session *domain.ValidationResult
}

// Record decides and persists the outcome of a check-in. Rejected outcomes
// are returned without being persisted; every other outcome is written once
// and a second write for the same pair fails with domain.ErrAlreadyCheckedIn.
func (r *Recorder) Record(ctx context.Context, actor domain.Actor, req CheckInRequest) (*domain.CheckInOutcome, error) {
	if !actor.IsAdmin() && actor.UserID != req.UserID {
		return nil, domain.ErrForbidden
	}
	if !req.Session.Consumed() || req.Session.EventID != req.EventID {
		return nil, domain.ErrSessionNotUsable
	}
	if req.Method == "" {
		req.Method = domain.MethodQR
	}

	tctx, cancel := withTimeout(ctx, r.config.StorageTimeout)
	defer cancel()

	rules, err := r.events.Rules(tctx, req.EventID)
	if err != nil {
		return nil, storageErr("load event rules", err)
	}
	participant, err := r.events.IsParticipant(tctx, req.EventID, req.UserID)
	if err != nil {
		return nil, storageErr("check participant", err)
	}

	now := r.config.Clock().UTC().Truncate(time.Microsecond)
	outcome, geo := r.decide(rules, participant, req, now)

	if outcome.Status == domain.StatusRejected {
		r.logger.Info("check-in rejected",
			"event_id", req.EventID,
			"user_id", req.UserID,
			"reasons", outcome.Reasons,
		)
		return outcome, nil
	}

	sessionID := req.Session.SessionID
	record := &domain.Attendance{
		ID:                uuid.New(),
		EventID:           req.EventID,
		UserID:            req.UserID,
		SessionID:         &sessionID,
		Status:            outcome.Status,
		ProvisionalStatus: timingStatus(rules, now),
		Method:            outcome.Method,
		DistanceMeters:    outcome.DistanceMeters,
		AccuracyMeters:    outcome.AccuracyMeters,
		Reasons:           outcome.Reasons,
		CheckedInAt:       now,
	}
	if req.Location != nil && geo != nil && !geo.Bypassed {
		lat, lon := req.Location.Latitude, req.Location.Longitude
		record.Latitude, record.Longitude = &lat, &lon
	}

	if err := r.attendance.Create(tctx, record); err != nil {
		return nil, storageErr("create attendance", err)
	}
	outcome.AttendanceID = &record.ID

	r.logger.Info("check-in recorded",
		"event_id", req.EventID,
		"user_id", req.UserID,
		"status", outcome.Status,
		"method", outcome.Method,
	)
	return outcome, nil
}

// decide applies the outcome rules in order: participation, GPS confidence,
// geofence, then timing. Ambiguous GPS defers to review instead of rejecting,
// unless the timing alone already rules the check-in out.
func (r *Recorder) decide(rules *domain.EventRules, participant bool, req CheckInRequest, now time.Time) (*domain.CheckInOutcome, *domain.GeofenceResult) {
	outcome := &domain.CheckInOutcome{Method: req.Method, Reasons: []domain.Reason{}}

	if !participant {
		outcome.Status = domain.StatusRejected
		outcome.Reasons = append(outcome.Reasons, domain.ReasonNotParticipant)
		return outcome, nil
	}

	timing := timingStatus(rules, now)

	var geo *domain.GeofenceResult
	if rules.Geofence.RequireGPS {
		if req.Location == nil {
			outcome.Reasons = append(outcome.Reasons, domain.ReasonGPSMissing)
			outcome.Status = pendingUnlessTooLate(outcome, timing)
			return outcome, nil
		}
		res := EvaluateGeofence(*req.Location, rules.Geofence, r.config.AccuracyThreshold)
		geo = &res
		distance, accuracy := res.DistanceMeters, req.Location.AccuracyMeters
		outcome.DistanceMeters, outcome.AccuracyMeters = &distance, &accuracy
		if req.Method == domain.MethodQR {
			outcome.Method = domain.MethodQRGPS
		}

		if !res.Confident {
			outcome.Reasons = append(outcome.Reasons, domain.ReasonGPSInaccurate)
			outcome.Status = pendingUnlessTooLate(outcome, timing)
			return outcome, geo
		}
		if !res.WithinRadius {
			outcome.Status = domain.StatusRejected
			outcome.Reasons = append(outcome.Reasons, domain.ReasonOutsideGeofence)
			return outcome, geo
		}
	} else if req.Method == domain.MethodNetwork && !req.NetworkVerified {
		outcome.Status = domain.StatusRejected
		outcome.Reasons = append(outcome.Reasons, domain.ReasonNetworkUnverified)
		return outcome, nil
	}

	outcome.Status = timing
	if timing == domain.StatusRejected {
		outcome.Reasons = append(outcome.Reasons, domain.ReasonTooLate)
	}
	return outcome, geo
}

func pendingUnlessTooLate(outcome *domain.CheckInOutcome, timing domain.AttendanceStatus) domain.AttendanceStatus {
	if timing == domain.StatusRejected {
		outcome.Reasons = append(outcome.Reasons, domain.ReasonTooLate)
		return domain.StatusRejected
	}
	return domain.StatusPendingVerification
}

// timingStatus is Present up to start+grace, Late up to start+late
// allowance, Rejected after that.
func timingStatus(rules *domain.EventRules, now time.Time) domain.AttendanceStatus {
	if !now.After(rules.StartsAt.Add(rules.GraceWindow)) {
		return domain.StatusPresent
	}
	if rules.LateAllowance > rules.GraceWindow && !now.After(rules.StartsAt.Add(rules.LateAllowance)) {
		return domain.StatusLate
	}
	return domain.StatusRejected
}

// Review resolves a pending record. Approval assigns the status the check-in
// would have had from its timing; rejection marks it Rejected.
func (r *Recorder) Review(ctx context.Context, actor domain.Actor, attendanceID uuid.UUID, approve bool, notes string) (*domain.Attendance, error) {
	tctx, cancel := withTimeout(ctx, r.config.StorageTimeout)
	defer cancel()

	record, err := r.attendance.GetByID(tctx, attendanceID)
	if err != nil {
		return nil, storageErr("load attendance", err)
	}
	if err := r.requireManager(tctx, actor, record.EventID); err != nil {
		return nil, err
	}
	if record.Status != domain.StatusPendingVerification {
		return nil, domain.ErrAttendanceNotPending
	}

	status := domain.StatusRejected
	if approve {
		status = record.ProvisionalStatus
		if status != domain.StatusPresent && status != domain.StatusLate {
			status = domain.StatusPresent
		}
	}

	now := r.config.Clock().UTC().Truncate(time.Microsecond)
	notes = strings.TrimSpace(notes)
	if err := r.attendance.Review(tctx, attendanceID, status, actor.UserID, notes, now); err != nil {
		return nil, storageErr("review attendance", err)
	}

	reviewer := actor.UserID
	record.Status = status
	record.ReviewedBy = &reviewer
	record.ReviewedAt = &now
	if notes != "" {
		record.ReviewNotes = &notes
	}

	r.logger.Info("attendance reviewed",
		"attendance_id", attendanceID,
		"reviewer", actor.UserID,
		"status", status,
	)
	return record, nil
}

// RecordManual writes an operator override for a user. Only Present and Late
// may be recorded manually.
func (r *Recorder) RecordManual(ctx context.Context, actor domain.Actor, eventID, userID uuid.UUID, status domain.AttendanceStatus, notes string) (*domain.CheckInOutcome, error) {
	if status != domain.StatusPresent && status != domain.StatusLate {
		return nil, domain.ErrInvalidStatus
	}

	tctx, cancel := withTimeout(ctx, r.config.StorageTimeout)
	defer cancel()

	if _, err := r.events.Rules(tctx, eventID); err != nil {
		return nil, storageErr("load event rules", err)
	}
	if err := r.requireManager(tctx, actor, eventID); err != nil {
		return nil, err
	}

	now := r.config.Clock().UTC().Truncate(time.Microsecond)
	reviewer := actor.UserID
	record := &domain.Attendance{
		ID:                uuid.New(),
		EventID:           eventID,
		UserID:            userID,
		Status:            status,
		ProvisionalStatus: status,
		Method:            domain.MethodManual,
		Reasons:           []domain.Reason{domain.ReasonManualOverride},
		CheckedInAt:       now,
		ReviewedBy:        &reviewer,
		ReviewedAt:        &now,
	}
	if notes = strings.TrimSpace(notes); notes != "" {
		record.ReviewNotes = &notes
	}
	if err := r.attendance.Create(tctx, record); err != nil {
		return nil, storageErr("create attendance", err)
	}

	r.logger.Info("manual attendance recorded",
		"event_id", eventID,
		"user_id", userID,
		"operator", actor.UserID,
		"status", status,
	)
	return record.Outcome(), nil
}

// Get returns the attendance record of a user for an event. Members may only
// read their own record.
func (r *Recorder) Get(ctx context.Context, actor domain.Actor, eventID, userID uuid.UUID) (*domain.Attendance, error) {
	tctx, cancel := withTimeout(ctx, r.config.StorageTimeout)
	defer cancel()

	if actor.UserID != userID {
		if err := r.requireManager(tctx, actor, eventID); err != nil {
			return nil, err
		}
	}
	record, err := r.attendance.Get(tctx, eventID, userID)
	if err != nil {
		return nil, storageErr("load attendance", err)
	}
	return record, nil
}

// HasRecord reports whether an outcome was already written for the pair.
func (r *Recorder) HasRecord(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	tctx, cancel := withTimeout(ctx, r.config.StorageTimeout)
	defer cancel()

	_, err := r.attendance.Get(tctx, eventID, userID)
	if errors.Is(err, domain.ErrAttendanceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("load attendance", err)
	}
	return true, nil
}

func (r *Recorder) requireManager(ctx context.Context, actor domain.Actor, eventID uuid.UUID) error {
	if actor.IsAdmin() {
		return nil
	}
	if !actor.IsAuthenticated() {
		return domain.ErrForbidden
	}
	organizer, err := r.events.IsOrganizer(ctx, eventID, actor.UserID)
	if err != nil {
		return storageErr("check organizer", err)
	}
	if !organizer {
		return domain.ErrForbidden
	}
	return nil
}
