package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/simple-checkin/internal/http/features/common"
	"github.com/tendant/simple-checkin/internal/httputil"
	"github.com/tendant/simple-checkin/pkg/checkin"
)

// Handler handles administrative endpoints.
type Handler struct {
	logger  *slog.Logger
	secrets *checkin.SecretStore
}

// NewHandler creates a new admin handler.
func NewHandler(logger *slog.Logger, secrets *checkin.SecretStore) *Handler {
	return &Handler{
		logger:  logger,
		secrets: secrets,
	}
}

// RotateResponse describes the newly active secret. Key material is never
// returned.
type RotateResponse struct {
	Version       int64     `json:"version"`
	ActiveFrom    time.Time `json:"active_from"`
	PreviousValid time.Time `json:"previous_valid_until"`
	PurgedSecrets int64     `json:"purged_secrets"`
}

// Rotate forces a signing secret rotation.
// POST /v1/admin/secrets/rotate
func (h *Handler) Rotate(w http.ResponseWriter, r *http.Request) {
	actor, ok := common.Actor(w, r)
	if !ok {
		return
	}

	secret, err := h.secrets.Rotate(r.Context())
	if err != nil {
		common.WriteError(w, h.logger, err)
		return
	}

	previousValid := secret.ActiveFrom.Add(h.secrets.GracePeriod())
	if until, ok, err := h.secrets.RetiredUntil(r.Context(), secret.RotationVersion-1); err == nil && ok {
		previousValid = until
	}

	purged, err := h.secrets.PurgeExpired(r.Context())
	if err != nil {
		// The rotation itself succeeded.
		h.logger.Warn("purge after rotation failed", "error", err)
	}

	h.logger.Info("signing secret rotated", "version", secret.RotationVersion, "actor", actor.UserID)
	httputil.JSON(w, http.StatusOK, RotateResponse{
		Version:       secret.RotationVersion,
		ActiveFrom:    secret.ActiveFrom,
		PreviousValid: previousValid,
		PurgedSecrets: purged,
	})
}
