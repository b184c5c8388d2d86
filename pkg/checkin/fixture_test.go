package checkin_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
	"github.com/tendant/simple-checkin/pkg/repository/memory"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	clock *fakeClock

	secretsRepo *memory.Secrets
	sessions    *memory.Sessions
	windows     *memory.Windows
	attendance  *memory.Attendance
	events      *memory.Events

	secrets  *checkin.SecretStore
	issuer   *checkin.Issuer
	verifier *checkin.Verifier
	limiter  *checkin.RateLimiter
	recorder *checkin.Recorder
	service  *checkin.Service

	eventID     uuid.UUID
	organizerID uuid.UUID
	userID      uuid.UUID
	startsAt    time.Time
}

var fixtureStart = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, geofence domain.EventGeofence) *fixture {
	t.Helper()

	f := &fixture{
		clock:       newClock(fixtureStart),
		secretsRepo: memory.NewSecrets(),
		sessions:    memory.NewSessions(),
		windows:     memory.NewWindows(),
		attendance:  memory.NewAttendance(),
		events:      memory.NewEvents(),
		eventID:     uuid.New(),
		organizerID: uuid.New(),
		userID:      uuid.New(),
		startsAt:    fixtureStart,
	}
	f.events.Put(memory.Event{
		Rules: domain.EventRules{
			EventID:         f.eventID,
			StartsAt:        f.startsAt,
			GraceWindow:     5 * time.Minute,
			LateAllowance:   15 * time.Minute,
			RefreshInterval: 30 * time.Second,
			AutoRefresh:     true,
			Geofence:        geofence,
		},
		Participants: []uuid.UUID{f.userID},
		Organizers:   []uuid.UUID{f.organizerID},
	})

	f.secrets = checkin.NewSecretStore(checkin.SecretStoreConfig{
		GracePeriod: 10 * time.Minute,
		Clock:       f.clock.Now,
	}, f.secretsRepo, f.sessions, testLogger)
	f.issuer = checkin.NewIssuer(checkin.IssuerConfig{Clock: f.clock.Now}, f.secrets, f.sessions, f.events, testLogger)
	f.verifier = checkin.NewVerifier(checkin.VerifierConfig{Clock: f.clock.Now}, f.secrets, f.sessions, testLogger)
	f.limiter = checkin.NewRateLimiter(checkin.RateLimiterConfig{Clock: f.clock.Now}, f.windows, testLogger)
	f.recorder = checkin.NewRecorder(checkin.RecorderConfig{Clock: f.clock.Now}, f.attendance, f.events, testLogger)
	f.service = checkin.NewService(f.limiter, f.verifier, f.recorder, testLogger)
	return f
}

func (f *fixture) organizer() domain.Actor {
	return domain.Actor{UserID: f.organizerID, Role: domain.RoleOrganizer}
}

func (f *fixture) member() domain.Actor {
	return domain.Actor{UserID: f.userID, Role: domain.RoleMember}
}

func noGPS() domain.EventGeofence {
	return domain.EventGeofence{}
}

func gpsFence() domain.EventGeofence {
	return domain.EventGeofence{Latitude: 10, Longitude: 106, RadiusMeters: 100, RequireGPS: true}
}

func longLivedEvent(f *fixture) memory.Event {
	return memory.Event{
		Rules: domain.EventRules{
			EventID:         f.eventID,
			StartsAt:        f.startsAt,
			GraceWindow:     5 * time.Minute,
			LateAllowance:   15 * time.Minute,
			RefreshInterval: time.Hour,
			Geofence:        noGPS(),
		},
		Participants: []uuid.UUID{f.userID},
		Organizers:   []uuid.UUID{f.organizerID},
	}
}

func eventWithRules(f *fixture, rules domain.EventRules) memory.Event {
	return memory.Event{
		Rules:        rules,
		Participants: []uuid.UUID{f.userID},
		Organizers:   []uuid.UUID{f.organizerID},
	}
}
