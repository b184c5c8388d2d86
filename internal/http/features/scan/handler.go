package scan

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/internal/http/features/common"
	"github.com/tendant/simple-checkin/internal/httputil"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// Handler handles the scan endpoint.
type Handler struct {
	logger   *slog.Logger
	service  *checkin.Service
	networks []netip.Prefix
}

// NewHandler creates a new scan handler. networks are the venue networks a
// network check-in must arrive from.
func NewHandler(logger *slog.Logger, service *checkin.Service, networks []netip.Prefix) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		networks: networks,
	}
}

// Request is a scanning client's presentation. Either Payload (the string
// read from the code) or SessionID and Signature must be set.
type Request struct {
	Payload   string               `json:"payload,omitempty"`
	SessionID *uuid.UUID           `json:"session_id,omitempty"`
	Signature string               `json:"signature,omitempty"`
	Method    domain.CheckInMethod `json:"method,omitempty"`
	Location  *domain.Location     `json:"location,omitempty"`
}

// outcomeStatus maps a non-consumed verification outcome to a status code.
var outcomeStatus = map[domain.ValidationOutcome]int{
	domain.OutcomeConsumed:         http.StatusOK,
	domain.OutcomeExpired:          http.StatusGone,
	domain.OutcomeAlreadyUsed:      http.StatusConflict,
	domain.OutcomeInvalidSignature: http.StatusUnprocessableEntity,
	domain.OutcomeNotFound:         http.StatusNotFound,
}

// Scan validates a presented session and records attendance.
// POST /v1/checkins/scan
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	actor, ok := common.Actor(w, r)
	if !ok {
		return
	}

	var req Request
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.DecodeError(w, err)
		return
	}

	scanReq, err := req.toScanRequest()
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	// Network presence is judged from the connection, never from the body.
	scanReq.NetworkVerified = httputil.FromNetworks(r, h.networks)

	result, err := h.service.Scan(r.Context(), actor, scanReq)
	if err != nil {
		common.WriteError(w, h.logger, err)
		return
	}

	status, ok := outcomeStatus[result.Validation.Outcome]
	if !ok {
		status = http.StatusBadRequest
	}
	httputil.JSON(w, status, result)
}

type requestError string

func (e requestError) Error() string { return string(e) }

func (r Request) toScanRequest() (checkin.ScanRequest, error) {
	out := checkin.ScanRequest{
		Method:   r.Method,
		Location: r.Location,
	}

	switch {
	case r.Payload != "":
		p, err := checkin.ParsePayload(r.Payload)
		if err != nil {
			return out, requestError("invalid payload")
		}
		out.SessionID = p.SessionID
		out.Signature = p.Signature
	case r.SessionID != nil && r.Signature != "":
		out.SessionID = *r.SessionID
		out.Signature = r.Signature
	default:
		return out, requestError("payload or session_id and signature are required")
	}

	if out.Method == "" {
		out.Method = domain.MethodQR
		if out.Location != nil {
			out.Method = domain.MethodQRGPS
		}
	}
	if !out.Method.Valid() || out.Method == domain.MethodManual {
		return out, requestError("invalid method")
	}
	return out, nil
}
