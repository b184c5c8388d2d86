package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-checkin/pkg/domain"
	"github.com/tendant/simple-checkin/pkg/repository/memory"
)

const testJWTSecret = "test-secret-key-at-least-32-characters"

var eventStart = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t      *testing.T
	app    *App
	server *httptest.Server
	clock  *clock

	eventID     uuid.UUID
	organizer   domain.Actor
	admin       domain.Actor
	alice       domain.Actor
	bob         domain.Actor
	outsiderTok string
}

// harnessOption adjusts the service config and the event before startup.
type harnessOption func(cfg *Config, event *memory.Event)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	repos, events := MemoryRepositories()
	h := &harness{
		t:         t,
		clock:     &clock{now: eventStart.Add(-time.Minute)},
		eventID:   uuid.New(),
		organizer: domain.Actor{UserID: uuid.New(), Role: domain.RoleOrganizer},
		admin:     domain.Actor{UserID: uuid.New(), Role: domain.RoleAdmin},
		alice:     domain.Actor{UserID: uuid.New(), Role: domain.RoleMember},
		bob:       domain.Actor{UserID: uuid.New(), Role: domain.RoleMember},
	}
	event := memory.Event{
		Rules: domain.EventRules{
			EventID:         h.eventID,
			StartsAt:        eventStart,
			GraceWindow:     5 * time.Minute,
			LateAllowance:   15 * time.Minute,
			RefreshInterval: 30 * time.Second,
			Geofence: domain.EventGeofence{
				Latitude:     10,
				Longitude:    106,
				RadiusMeters: 100,
				RequireGPS:   true,
			},
		},
		Participants: []uuid.UUID{h.alice.UserID, h.bob.UserID},
		Organizers:   []uuid.UUID{h.organizer.UserID},
	}
	cfg := Config{
		Repositories: repos,
		JWTSecret:    testJWTSecret,
		HTTP:         HTTPConfig{SecurityHeaders: true, MaxRequestBodySize: 1 << 16},
		Clock:        h.clock.Now,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg, &event)
	}
	events.Put(event)

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	h.app = a
	h.server = httptest.NewServer(a.Router())
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) token(actor domain.Actor) string {
	tok, err := h.app.Authenticator().Sign(actor, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path string, actor *domain.Actor, body any) (*http.Response, map[string]any) {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(*actor))
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) issue() string {
	h.t.Helper()
	resp, body := h.do(http.MethodPost, "/v1/events/"+h.eventID.String()+"/sessions", &h.organizer, nil)
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	payload, ok := body["payload"].(string)
	require.True(h.t, ok, "payload missing: %v", body)
	return payload
}

func onSite(accuracy float64) *domain.Location {
	return &domain.Location{Latitude: 10.0005, Longitude: 106, AccuracyMeters: accuracy}
}

func TestNew_Validation(t *testing.T) {
	repos, _ := MemoryRepositories()

	_, err := New(Config{JWTSecret: testJWTSecret})
	require.Error(t, err, "storage is required")

	_, err = New(Config{Repositories: repos, JWTSecret: "short"})
	require.Error(t, err)

	_, err = New(Config{
		Repositories:           repos,
		JWTSecret:              testJWTSecret,
		SessionRefreshInterval: 10 * time.Minute,
		SecretGracePeriod:      5 * time.Minute,
	})
	require.Error(t, err, "grace shorter than a session lifetime")
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestScanFlow(t *testing.T) {
	h := newHarness(t)
	payload := h.issue()

	// The public display returns the newest session.
	resp, current := h.do(http.MethodGet, "/v1/events/"+h.eventID.String()+"/sessions/current", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, payload, current["payload"])

	// Alice scans on site with a good fix.
	resp, result := h.do(http.MethodPost, "/v1/checkins/scan", &h.alice, map[string]any{
		"payload":  payload,
		"location": onSite(10),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	validation := result["validation"].(map[string]any)
	require.Equal(t, string(domain.OutcomeConsumed), validation["outcome"])
	outcome := result["outcome"].(map[string]any)
	require.Equal(t, string(domain.StatusPresent), outcome["status"])
	require.Equal(t, string(domain.MethodQRGPS), outcome["method"])

	// Bob replays the same code.
	resp, result = h.do(http.MethodPost, "/v1/checkins/scan", &h.bob, map[string]any{
		"payload":  payload,
		"location": onSite(10),
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, string(domain.OutcomeAlreadyUsed), result["validation"].(map[string]any)["outcome"])

	// Alice scanning a fresh code is refused without burning it.
	fresh := h.issue()
	resp, _ = h.do(http.MethodPost, "/v1/checkins/scan", &h.alice, map[string]any{"payload": fresh, "location": onSite(10)})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, result = h.do(http.MethodPost, "/v1/checkins/scan", &h.bob, map[string]any{"payload": fresh, "location": onSite(10)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(domain.OutcomeConsumed), result["validation"].(map[string]any)["outcome"])

	// Alice reads her own record; Bob cannot read hers.
	path := "/v1/events/" + h.eventID.String() + "/attendance/" + h.alice.UserID.String()
	resp, record := h.do(http.MethodGet, path, &h.alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(domain.StatusPresent), record["status"])
	resp, _ = h.do(http.MethodGet, path, &h.bob, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestScan_ExpiredSession(t *testing.T) {
	h := newHarness(t)
	payload := h.issue()

	h.clock.Advance(31 * time.Second)
	resp, result := h.do(http.MethodPost, "/v1/checkins/scan", &h.alice, map[string]any{"payload": payload, "location": onSite(10)})
	require.Equal(t, http.StatusGone, resp.StatusCode)
	require.Equal(t, string(domain.OutcomeExpired), result["validation"].(map[string]any)["outcome"])
	require.Nil(t, result["outcome"])
}

func TestScan_PendingThenReview(t *testing.T) {
	h := newHarness(t)
	payload := h.issue()

	// A 200m accuracy fix cannot be trusted either way.
	resp, result := h.do(http.MethodPost, "/v1/checkins/scan", &h.alice, map[string]any{"payload": payload, "location": onSite(200)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcome := result["outcome"].(map[string]any)
	require.Equal(t, string(domain.StatusPendingVerification), outcome["status"])
	attendanceID := outcome["attendance_id"].(string)

	reviewPath := "/v1/attendance/" + attendanceID + "/review"

	// Members cannot review.
	resp, _ = h.do(http.MethodPost, reviewPath, &h.bob, map[string]any{"approve": true})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, record := h.do(http.MethodPost, reviewPath, &h.organizer, map[string]any{"approve": true, "notes": "seen at the door"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(domain.StatusPresent), record["status"])
	require.Equal(t, h.organizer.UserID.String(), record["reviewed_by"])

	// A resolved record cannot be reviewed again.
	resp, _ = h.do(http.MethodPost, reviewPath, &h.organizer, map[string]any{"approve": false})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestManualOverride(t *testing.T) {
	h := newHarness(t)
	path := "/v1/events/" + h.eventID.String() + "/attendance/manual"

	resp, _ := h.do(http.MethodPost, path, &h.organizer, map[string]any{"user_id": h.bob.UserID, "status": "rejected"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, outcome := h.do(http.MethodPost, path, &h.organizer, map[string]any{"user_id": h.bob.UserID, "status": "late"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, string(domain.StatusLate), outcome["status"])
	require.Equal(t, string(domain.MethodManual), outcome["method"])

	resp, _ = h.do(http.MethodPost, path, &h.organizer, map[string]any{"user_id": h.bob.UserID, "status": "present"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIssue_Authorization(t *testing.T) {
	h := newHarness(t)
	path := "/v1/events/" + h.eventID.String() + "/sessions"

	resp, _ := h.do(http.MethodPost, path, nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, path, &h.alice, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/v1/events/"+uuid.NewString()+"/sessions", &h.admin, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(http.MethodGet, "/v1/events/"+uuid.NewString()+"/sessions/current", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRotateSecrets(t *testing.T) {
	h := newHarness(t)
	payload := h.issue()

	resp, _ := h.do(http.MethodPost, "/v1/admin/secrets/rotate", &h.organizer, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := h.do(http.MethodPost, "/v1/admin/secrets/rotate", &h.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, body["version"])
	// The displayed session lives 30s, so the 10m grace period bounds v1.
	require.Equal(t, h.clock.Now().UTC().Add(10*time.Minute).Format(time.RFC3339Nano), body["previous_valid_until"])

	// A session signed before the rotation still verifies within grace.
	resp, result := h.do(http.MethodPost, "/v1/checkins/scan", &h.alice, map[string]any{"payload": payload, "location": onSite(10)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(domain.OutcomeConsumed), result["validation"].(map[string]any)["outcome"])
}

func TestScan_RateLimited(t *testing.T) {
	h := newHarness(t)

	body := map[string]any{"session_id": uuid.New(), "signature": "00", "location": onSite(10)}
	for i := 0; i < 5; i++ {
		resp, _ := h.do(http.MethodPost, "/v1/checkins/scan", &h.alice, body)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, "attempt %d", i+1)
	}
	resp, _ := h.do(http.MethodPost, "/v1/checkins/scan", &h.alice, body)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestScan_NetworkMethodJudgedFromPeer(t *testing.T) {
	tests := []struct {
		name        string
		networks    []netip.Prefix
		wantStatus  domain.AttendanceStatus
		wantReasons []any
	}{
		{
			name:        "peer on venue network",
			networks:    []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128")},
			wantStatus:  domain.StatusPresent,
			wantReasons: []any{},
		},
		{
			name:        "peer off venue network",
			networks:    []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
			wantStatus:  domain.StatusRejected,
			wantReasons: []any{string(domain.ReasonNetworkUnverified)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *Config, event *memory.Event) {
				cfg.HTTP.TrustedNetworks = tt.networks
				event.Rules.Geofence = domain.EventGeofence{}
			})
			payload := h.issue()

			data, err := json.Marshal(map[string]any{"payload": payload, "method": "network"})
			require.NoError(t, err)
			req, err := http.NewRequest(http.MethodPost, h.server.URL+"/v1/checkins/scan", bytes.NewReader(data))
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+h.token(h.alice))
			// A forwarded address inside the venue network proves nothing.
			req.Header.Set("X-Forwarded-For", "10.1.2.3")

			resp, err := h.server.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var result map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
			outcome := result["outcome"].(map[string]any)
			require.Equal(t, string(tt.wantStatus), outcome["status"])
			require.Equal(t, tt.wantReasons, outcome["reasons"])
		})
	}
}
