// Package app assembles the check-in service: signing secrets, session
// issuance, verification, geofencing, rate limiting and attendance
// recording behind one HTTP router.
//
// Basic usage with Postgres:
//
//	db, _ := sql.Open("postgres", "postgres://localhost/checkin?sslmode=disable")
//
//	svc, err := app.New(app.Config{
//	    DB:        db,
//	    JWTSecret: "your-secret-key-at-least-32-chars",
//	})
//	if err != nil {
//	    log.Fatal(err) // Will fail if migrations haven't been run
//	}
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	http.ListenAndServe(":8080", svc.Router())
//
// Without a database, pass in-memory repositories:
//
//	repos, events := app.MemoryRepositories()
//	svc, err := app.New(app.Config{Repositories: repos, JWTSecret: "..."})
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/tendant/simple-checkin/internal/config"
	httpserver "github.com/tendant/simple-checkin/internal/http"
	"github.com/tendant/simple-checkin/internal/http/middleware"
	"github.com/tendant/simple-checkin/internal/scheduler"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
	"github.com/tendant/simple-checkin/pkg/repository"
	"github.com/tendant/simple-checkin/pkg/repository/memory"
)

// Config holds the configuration for the check-in service.
type Config struct {
	// DB is a Postgres connection. When set and Repositories is empty the
	// Postgres repositories are used.
	DB *sql.DB

	// Repositories overrides the storage of every component. Windows may be
	// set alone to use a different rate limit store with DB.
	Repositories Repositories

	// JWTSecret verifies operator and user bearer tokens (required, min 32 chars).
	JWTSecret string

	// JWTIssuer is the expected issuer claim (default: "checkin").
	JWTIssuer string

	// SessionRefreshInterval is the default session lifetime (default: 30s).
	SessionRefreshInterval time.Duration

	// SecretRotationInterval is how often the scheduler rotates the
	// signing secret (default: 24h, negative disables).
	SecretRotationInterval time.Duration

	// SecretGracePeriod is how long a rotated secret keeps verifying
	// (default: 10m). Must cover SessionRefreshInterval plus SecretCacheTTL.
	SecretGracePeriod time.Duration

	// SecretCacheTTL bounds the staleness of the in-process secret view (default: 30s).
	SecretCacheTTL time.Duration

	// StorageTimeout bounds every storage call (default: 3s).
	StorageTimeout time.Duration

	// GPSAccuracyThreshold in meters (default: 50).
	GPSAccuracyThreshold float64

	// Rules overrides the rate limit rules (default: checkin.DefaultRules()).
	Rules map[domain.RateAction]checkin.Rule

	// AutoRefresh runs the interval refresh driver for open events.
	AutoRefresh bool

	// RefreshTick is how often the refresh driver checks open events
	// (default: 1s). A session is replaced when it expires within two ticks.
	RefreshTick time.Duration

	// HTTP holds the router's ambient settings. The zero value disables
	// IP rate limiting and security headers.
	HTTP HTTPConfig

	// Clock replaces time.Now in every component (tests).
	Clock func() time.Time

	// Logger is the structured logger (default: JSON to stdout).
	Logger *slog.Logger
}

// HTTPConfig holds router settings.
type HTTPConfig struct {
	IPRateLimit           bool
	DisplayRequestsPerMin int
	ScanRequestsPerMin    int
	SecurityHeaders       bool
	MaxRequestBodySize    int64
	// TrustedNetworks are the venue networks a network check-in must
	// connect from.
	TrustedNetworks []netip.Prefix
}

// Repositories bundles the storage used by the components.
type Repositories struct {
	Secrets    checkin.SecretRepository
	Sessions   checkin.SessionRepository
	Windows    checkin.WindowStore
	Attendance checkin.AttendanceRepository
	Events     checkin.EventDirectory
}

func (r Repositories) complete() bool {
	return r.Secrets != nil && r.Sessions != nil && r.Windows != nil && r.Attendance != nil && r.Events != nil
}

// PostgresRepositories returns the database/sql repositories for db.
func PostgresRepositories(db *sql.DB) Repositories {
	return Repositories{
		Secrets:    repository.NewSecretsRepository(db),
		Sessions:   repository.NewSessionsRepository(db),
		Windows:    repository.NewRateWindowsRepository(db),
		Attendance: repository.NewAttendanceRepository(db),
		Events:     repository.NewEventsRepository(db),
	}
}

// MemoryRepositories returns in-memory repositories and the event directory
// backing them so callers can register events.
func MemoryRepositories() (Repositories, *memory.Events) {
	events := memory.NewEvents()
	return Repositories{
		Secrets:    memory.NewSecrets(),
		Sessions:   memory.NewSessions(),
		Windows:    memory.NewWindows(),
		Attendance: memory.NewAttendance(),
		Events:     events,
	}, events
}

// App is a wired check-in service.
type App struct {
	config        Config
	authenticator *middleware.Authenticator
	secrets       *checkin.SecretStore
	issuer        *checkin.Issuer
	verifier      *checkin.Verifier
	limiter       *checkin.RateLimiter
	recorder      *checkin.Recorder
	service       *checkin.Service
	scheduler     *scheduler.Scheduler
}

// New creates a new check-in service with the given configuration.
// With DB set, it returns an error if the schema has not been migrated.
func New(cfg Config) (*App, error) {
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	repos := cfg.Repositories
	if !repos.complete() {
		if err := repository.ValidateSchema(context.Background(), cfg.DB); err != nil {
			return nil, err
		}
		pg := PostgresRepositories(cfg.DB)
		if repos.Windows != nil {
			pg.Windows = repos.Windows
		}
		repos = pg
	}

	logger := cfg.Logger
	secrets := checkin.NewSecretStore(checkin.SecretStoreConfig{
		GracePeriod:    cfg.SecretGracePeriod,
		CacheTTL:       cfg.SecretCacheTTL,
		StorageTimeout: cfg.StorageTimeout,
		Clock:          cfg.Clock,
	}, repos.Secrets, repos.Sessions, logger)
	issuer := checkin.NewIssuer(checkin.IssuerConfig{
		RefreshInterval: cfg.SessionRefreshInterval,
		RefreshLead:     2 * cfg.RefreshTick,
		StorageTimeout:  cfg.StorageTimeout,
		Clock:           cfg.Clock,
	}, secrets, repos.Sessions, repos.Events, logger)
	verifier := checkin.NewVerifier(checkin.VerifierConfig{
		StorageTimeout: cfg.StorageTimeout,
		Clock:          cfg.Clock,
	}, secrets, repos.Sessions, logger)
	limiter := checkin.NewRateLimiter(checkin.RateLimiterConfig{
		Rules:          cfg.Rules,
		StorageTimeout: cfg.StorageTimeout,
		Clock:          cfg.Clock,
	}, repos.Windows, logger)
	recorder := checkin.NewRecorder(checkin.RecorderConfig{
		AccuracyThreshold: cfg.GPSAccuracyThreshold,
		StorageTimeout:    cfg.StorageTimeout,
		Clock:             cfg.Clock,
	}, repos.Attendance, repos.Events, logger)

	var refresher scheduler.SessionRefresher
	if cfg.AutoRefresh {
		refresher = issuer
	}
	var rotator scheduler.SecretRotator
	if cfg.SecretRotationInterval > 0 {
		rotator = secrets
	}

	return &App{
		config:        cfg,
		authenticator: middleware.NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		secrets:       secrets,
		issuer:        issuer,
		verifier:      verifier,
		limiter:       limiter,
		recorder:      recorder,
		service:       checkin.NewService(limiter, verifier, recorder, logger),
		scheduler: scheduler.New(scheduler.Config{
			RefreshInterval:  cfg.RefreshTick,
			RotationInterval: cfg.SecretRotationInterval,
			PurgeInterval:    time.Hour,
		}, refresher, rotator, limiter, logger),
	}, nil
}

// Start makes sure an active signing secret exists. Call it before serving.
func (a *App) Start(ctx context.Context) error {
	secret, err := a.secrets.EnsureActive(ctx)
	if err != nil {
		return fmt.Errorf("ensure signing secret: %w", err)
	}
	a.config.Logger.Info("signing secret ready", "version", secret.RotationVersion)
	return nil
}

// RunScheduler runs the periodic jobs until ctx is done.
func (a *App) RunScheduler(ctx context.Context) {
	a.scheduler.Run(ctx)
}

// Router returns the HTTP handler with all check-in routes.
//
// Routes:
//
//	GET  /health
//	POST /v1/events/{eventID}/sessions              - Issue (organizer)
//	POST /v1/events/{eventID}/sessions/refresh      - Refresh (organizer)
//	GET  /v1/events/{eventID}/sessions/current      - Display (public)
//	POST /v1/checkins/scan                          - Scan (user)
//	GET  /v1/events/{eventID}/attendance/{userID}   - Attendance lookup
//	POST /v1/attendance/{attendanceID}/review       - Review (admin or organizer)
//	POST /v1/events/{eventID}/attendance/manual     - Manual override (admin or organizer)
//	POST /v1/admin/secrets/rotate                   - Rotate (admin)
func (a *App) Router() http.Handler {
	return httpserver.NewRouter(httpserver.RouterConfig{
		Logger:        a.config.Logger,
		Authenticator: a.authenticator,
		Secrets:       a.secrets,
		Issuer:        a.issuer,
		Recorder:      a.recorder,
		Service:       a.service,
		Limiter:       a.limiter,
		RateLimitConfig: config.RateLimitConfig{
			HTTPEnabled:           a.config.HTTP.IPRateLimit,
			DisplayRequestsPerMin: a.config.HTTP.DisplayRequestsPerMin,
			ScanRequestsPerMin:    a.config.HTTP.ScanRequestsPerMin,
		},
		SecurityHeaders: config.SecurityHeadersConfig{
			Enabled:            a.config.HTTP.SecurityHeaders,
			CSP:                "default-src 'none'; frame-ancestors 'none'",
			FrameOptions:       "DENY",
			ContentTypeOptions: "nosniff",
			ReferrerPolicy:     "no-referrer",
			CacheControl:       "no-store",
		},
		Validation: config.ValidationConfig{
			MaxRequestBodySize: a.config.HTTP.MaxRequestBodySize,
		},
		TrustedNetworks: a.config.HTTP.TrustedNetworks,
	})
}

// Authenticator returns the bearer token authenticator, for minting
// operator tokens.
func (a *App) Authenticator() *middleware.Authenticator {
	return a.authenticator
}

// Issuer returns the session issuer for advanced usage.
func (a *App) Issuer() *checkin.Issuer {
	return a.issuer
}

// Service returns the scan pipeline for advanced usage.
func (a *App) Service() *checkin.Service {
	return a.service
}

// Recorder returns the attendance recorder for advanced usage.
func (a *App) Recorder() *checkin.Recorder {
	return a.recorder
}

// Secrets returns the signing secret store for advanced usage.
func (a *App) Secrets() *checkin.SecretStore {
	return a.secrets
}

func validateConfig(cfg *Config) error {
	if cfg.DB == nil && !cfg.Repositories.complete() {
		return errors.New("checkin: DB or a complete set of Repositories is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("checkin: JWTSecret is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("checkin: JWTSecret must be at least 32 characters")
	}
	if minGrace := cfg.SessionRefreshInterval + cfg.SecretCacheTTL; cfg.SecretGracePeriod < minGrace {
		return fmt.Errorf("checkin: SecretGracePeriod must be at least %s", minGrace)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "checkin"
	}
	if cfg.SessionRefreshInterval == 0 {
		cfg.SessionRefreshInterval = checkin.DefaultRefreshInterval
	}
	if cfg.RefreshTick == 0 {
		cfg.RefreshTick = time.Second
	}
	if cfg.SecretRotationInterval == 0 {
		cfg.SecretRotationInterval = 24 * time.Hour
	}
	if cfg.SecretGracePeriod == 0 {
		cfg.SecretGracePeriod = checkin.DefaultSecretGracePeriod
	}
	if cfg.SecretCacheTTL == 0 {
		cfg.SecretCacheTTL = checkin.DefaultSecretCacheTTL
	}
	if cfg.StorageTimeout == 0 {
		cfg.StorageTimeout = checkin.DefaultStorageTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
}
