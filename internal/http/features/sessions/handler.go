package sessions

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/simple-checkin/internal/http/features/common"
	"github.com/tendant/simple-checkin/internal/httputil"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// Handler handles check-in session endpoints.
type Handler struct {
	logger *slog.Logger
	issuer *checkin.Issuer
	clock  func() time.Time
}

// NewHandler creates a new sessions handler.
func NewHandler(logger *slog.Logger, issuer *checkin.Issuer) *Handler {
	return &Handler{
		logger: logger,
		issuer: issuer,
		clock:  time.Now,
	}
}

// SessionResponse is the displayable form of a session. Payload is the
// string encoded into the scannable code.
type SessionResponse struct {
	domain.SessionPayload
	Payload          string `json:"payload"`
	ExpiresInSeconds int    `json:"expires_in"`
}

// Issue creates a new session for an event.
// POST /v1/events/{eventID}/sessions
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	actor, ok := common.Actor(w, r)
	if !ok {
		return
	}
	eventID, ok := common.UUIDParam(w, r, "eventID")
	if !ok {
		return
	}

	session, err := h.issuer.Issue(r.Context(), actor, eventID)
	if err != nil {
		common.WriteError(w, h.logger, err)
		return
	}
	h.writeSession(w, http.StatusCreated, session)
}

// Refresh replaces the displayed session for an event. Earlier sessions
// remain valid until they expire.
// POST /v1/events/{eventID}/sessions/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	actor, ok := common.Actor(w, r)
	if !ok {
		return
	}
	eventID, ok := common.UUIDParam(w, r, "eventID")
	if !ok {
		return
	}

	session, err := h.issuer.Refresh(r.Context(), actor, eventID)
	if err != nil {
		common.WriteError(w, h.logger, err)
		return
	}
	h.writeSession(w, http.StatusCreated, session)
}

// Current returns the newest unexpired session for display.
// GET /v1/events/{eventID}/sessions/current
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	eventID, ok := common.UUIDParam(w, r, "eventID")
	if !ok {
		return
	}

	session, err := h.issuer.Current(r.Context(), eventID)
	if err != nil {
		common.WriteError(w, h.logger, err)
		return
	}
	h.writeSession(w, http.StatusOK, session)
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, session *domain.CheckInSession) {
	p := session.Payload()
	encoded, err := checkin.EncodePayload(p)
	if err != nil {
		common.WriteError(w, h.logger, err)
		return
	}

	expiresIn := int(session.ExpiresAt.Sub(h.clock()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	httputil.JSON(w, status, SessionResponse{
		SessionPayload:   p,
		Payload:          encoded,
		ExpiresInSeconds: expiresIn,
	})
}
