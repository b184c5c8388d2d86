package domain

import (
	"time"

	"github.com/google/uuid"
)

// AttendanceStatus is the final status of a check-in.
type AttendanceStatus string

const (
	StatusPresent             AttendanceStatus = "present"
	StatusLate                AttendanceStatus = "late"
	StatusPendingVerification AttendanceStatus = "pending_verification"
	StatusRejected            AttendanceStatus = "rejected"
)

// CheckInMethod is how presence was asserted.
type CheckInMethod string

const (
	MethodQR      CheckInMethod = "qr"
	MethodQRGPS   CheckInMethod = "qr_gps"
	MethodNetwork CheckInMethod = "network"
	MethodManual  CheckInMethod = "manual"
)

// Valid reports whether m is a known method.
func (m CheckInMethod) Valid() bool {
	switch m {
	case MethodQR, MethodQRGPS, MethodNetwork, MethodManual:
		return true
	}
	return false
}

// Reason explains a non-present outcome.
type Reason string

const (
	ReasonNotParticipant    Reason = "not_participant"
	ReasonGPSMissing        Reason = "gps_missing"
	ReasonGPSInaccurate     Reason = "gps_inaccurate"
	ReasonOutsideGeofence   Reason = "outside_geofence"
	ReasonNetworkUnverified Reason = "network_unverified"
	ReasonTooLate           Reason = "too_late"
	ReasonManualOverride    Reason = "manual_override"
)

// EventRules is the event metadata the recorder needs. It is owned by the
// event-management collaborator and read-only here.
type EventRules struct {
	EventID         uuid.UUID
	StartsAt        time.Time
	GraceWindow     time.Duration
	LateAllowance   time.Duration
	RefreshInterval time.Duration
	AutoRefresh     bool
	Geofence        EventGeofence
}

// CheckInOutcome is the result handed to the attendance store.
type CheckInOutcome struct {
	AttendanceID   *uuid.UUID       `json:"attendance_id,omitempty"`
	Status         AttendanceStatus `json:"status"`
	Method         CheckInMethod    `json:"method"`
	DistanceMeters *float64         `json:"distance_meters,omitempty"`
	AccuracyMeters *float64         `json:"accuracy_meters,omitempty"`
	Reasons        []Reason         `json:"reasons"`
}

// Attendance is the persisted outcome, one per (event, user).
// ProvisionalStatus holds the timing-based status a pending record takes
// when a reviewer approves it.
type Attendance struct {
	ID                uuid.UUID
	EventID           uuid.UUID
	UserID            uuid.UUID
	SessionID         *uuid.UUID
	Status            AttendanceStatus
	ProvisionalStatus AttendanceStatus
	Method            CheckInMethod
	Latitude          *float64
	Longitude         *float64
	DistanceMeters    *float64
	AccuracyMeters    *float64
	Reasons           []Reason
	CheckedInAt       time.Time
	ReviewedBy        *uuid.UUID
	ReviewedAt        *time.Time
	ReviewNotes       *string
}

// Outcome converts the persisted record to the outcome shape.
func (a *Attendance) Outcome() *CheckInOutcome {
	id := a.ID
	reasons := a.Reasons
	if reasons == nil {
		reasons = []Reason{}
	}
	return &CheckInOutcome{
		AttendanceID:   &id,
		Status:         a.Status,
		Method:         a.Method,
		DistanceMeters: a.DistanceMeters,
		AccuracyMeters: a.AccuracyMeters,
		Reasons:        reasons,
	}
}
