package review

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/internal/http/features/common"
	"github.com/tendant/simple-checkin/internal/httputil"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// maxNotesLength bounds reviewer notes, in characters.
const maxNotesLength = 1000

// Handler handles attendance lookup, review and manual override endpoints.
type Handler struct {
	logger   *slog.Logger
	recorder *checkin.Recorder
}

// NewHandler creates a new review handler.
func NewHandler(logger *slog.Logger, recorder *checkin.Recorder) *Handler {
	return &Handler{
		logger:   logger,
		recorder: recorder,
	}
}

// AttendanceResponse represents an attendance record.
type AttendanceResponse struct {
	ID             uuid.UUID               `json:"id"`
	EventID        uuid.UUID               `json:"event_id"`
	UserID         uuid.UUID               `json:"user_id"`
	SessionID      *uuid.UUID              `json:"session_id,omitempty"`
	Status         domain.AttendanceStatus `json:"status"`
	Method         domain.CheckInMethod    `json:"method"`
	DistanceMeters *float64                `json:"distance_meters,omitempty"`
	AccuracyMeters *float64                `json:"accuracy_meters,omitempty"`
	Reasons        []domain.Reason         `json:"reasons"`
	CheckedInAt    time.Time               `json:"checked_in_at"`
	ReviewedBy     *uuid.UUID              `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time              `json:"reviewed_at,omitempty"`
	ReviewNotes    *string                 `json:"review_notes,omitempty"`
}

// ReviewRequest resolves a pending record.
type ReviewRequest struct {
	Approve *bool  `json:"approve"`
	Notes   string `json:"notes,omitempty"`
}

// ManualRequest records an operator override.
type ManualRequest struct {
	UserID uuid.UUID               `json:"user_id"`
	Status domain.AttendanceStatus `json:"status"`
	Notes  string                  `json:"notes,omitempty"`
}

// Get returns a user's attendance for an event.
// GET /v1/events/{eventID}/attendance/{userID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := common.Actor(w, r)
	if !ok {
		return
	}
	eventID, ok := common.UUIDParam(w, r, "eventID")
	if !ok {
		return
	}
	userID, ok := common.UUIDParam(w, r, "userID")
	if !ok {
		return
	}

	record, err := h.recorder.Get(r.Context(), actor, eventID, userID)
	if err != nil {
		common.WriteError(w, h.logger, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toResponse(record))
}

// Review approves or rejects a pending record.
// POST /v1/attendance/{attendanceID}/review
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	actor, ok := common.Actor(w, r)
	if !ok {
		return
	}
	attendanceID, ok := common.UUIDParam(w, r, "attendanceID")
	if !ok {
		return
	}

	var req ReviewRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.DecodeError(w, err)
		return
	}
	if req.Approve == nil {
		httputil.Error(w, http.StatusBadRequest, "approve is required")
		return
	}
	req.Notes = httputil.SanitizeText(req.Notes)
	if err := httputil.ValidateStringLength("notes", req.Notes, 0, maxNotesLength); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.recorder.Review(r.Context(), actor, attendanceID, *req.Approve, req.Notes)
	if err != nil {
		common.WriteError(w, h.logger, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toResponse(record))
}

// Manual records an override for a user who could not scan.
// POST /v1/events/{eventID}/attendance/manual
func (h *Handler) Manual(w http.ResponseWriter, r *http.Request) {
	actor, ok := common.Actor(w, r)
	if !ok {
		return
	}
	eventID, ok := common.UUIDParam(w, r, "eventID")
	if !ok {
		return
	}

	var req ManualRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.DecodeError(w, err)
		return
	}
	if req.UserID == uuid.Nil {
		httputil.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}
	req.Notes = httputil.SanitizeText(req.Notes)
	if err := httputil.ValidateStringLength("notes", req.Notes, 0, maxNotesLength); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.recorder.RecordManual(r.Context(), actor, eventID, req.UserID, req.Status, req.Notes)
	if err != nil {
		common.WriteError(w, h.logger, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, outcome)
}

func toResponse(a *domain.Attendance) AttendanceResponse {
	reasons := a.Reasons
	if reasons == nil {
		reasons = []domain.Reason{}
	}
	return AttendanceResponse{
		ID:             a.ID,
		EventID:        a.EventID,
		UserID:         a.UserID,
		SessionID:      a.SessionID,
		Status:         a.Status,
		Method:         a.Method,
		DistanceMeters: a.DistanceMeters,
		AccuracyMeters: a.AccuracyMeters,
		Reasons:        reasons,
		CheckedInAt:    a.CheckedInAt,
		ReviewedBy:     a.ReviewedBy,
		ReviewedAt:     a.ReviewedAt,
		ReviewNotes:    a.ReviewNotes,
	}
}
