package sessions

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/internal/http/middleware"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestIssue_RequiresActor(t *testing.T) {
	handler := NewHandler(discard, nil)

	r := chi.NewRouter()
	r.Post("/v1/events/{eventID}/sessions", handler.Issue)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/"+uuid.NewString()+"/sessions", nil)
	rec := httptest.NewRecorder()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Validation should have failed before reaching service")
		}
	}()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestInvalidEventID(t *testing.T) {
	handler := NewHandler(discard, nil)
	actor := domain.Actor{UserID: uuid.New(), Role: domain.RoleOrganizer}

	r := chi.NewRouter()
	r.Post("/v1/events/{eventID}/sessions", handler.Issue)
	r.Post("/v1/events/{eventID}/sessions/refresh", handler.Refresh)
	r.Get("/v1/events/{eventID}/sessions/current", handler.Current)

	tests := []struct {
		method string
		path   string
	}{
		{method: http.MethodPost, path: "/v1/events/abc/sessions"},
		{method: http.MethodPost, path: "/v1/events/abc/sessions/refresh"},
		{method: http.MethodGet, path: "/v1/events/abc/sessions/current"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req = req.WithContext(middleware.WithActor(req.Context(), actor))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("Status code = %d, want %d", rec.Code, http.StatusBadRequest)
			}

			var response map[string]string
			json.NewDecoder(rec.Body).Decode(&response)
			if response["error"] != "invalid eventID" {
				t.Errorf("Error = %q, want %q", response["error"], "invalid eventID")
			}
		})
	}
}

func TestWriteSession(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	handler := NewHandler(discard, nil)
	handler.clock = func() time.Time { return now }

	session := &domain.CheckInSession{
		ID:        uuid.New(),
		EventID:   uuid.New(),
		Nonce:     "bm9uY2Utbm9uY2Utbm9uY2U",
		Signature: "deadbeef",
		IssuedAt:  now,
		ExpiresAt: now.Add(30 * time.Second),
	}

	rec := httptest.NewRecorder()
	handler.writeSession(rec, http.StatusOK, session)

	var resp SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != session.ID || resp.EventID != session.EventID {
		t.Errorf("ids = %s/%s, want %s/%s", resp.SessionID, resp.EventID, session.ID, session.EventID)
	}
	if resp.ExpiresInSeconds != 30 {
		t.Errorf("expires_in = %d, want 30", resp.ExpiresInSeconds)
	}

	parsed, err := checkin.ParsePayload(resp.Payload)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if parsed.SessionID != session.ID || parsed.Signature != session.Signature {
		t.Errorf("payload = %+v, want session %s signed %s", parsed, session.ID, session.Signature)
	}
}
