package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/tendant/simple-checkin/app"
	"github.com/tendant/simple-checkin/internal/config"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
	"github.com/tendant/simple-checkin/pkg/repository"
	"github.com/tendant/simple-checkin/pkg/repository/redisstore"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	mintRole := flag.String("mint-token", "", "print a bearer token for -sub with this role (admin, organizer, member) and exit")
	mintSub := flag.String("sub", "", "user id for -mint-token (random when empty)")
	mintTTL := flag.Duration("ttl", 12*time.Hour, "lifetime of a minted token")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if *mintRole != "" {
		if err := mintToken(cfg, *mintRole, *mintSub, *mintTTL); err != nil {
			logger.Error("failed to mint token", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := app.Config{
		JWTSecret:              cfg.JWTSecret,
		JWTIssuer:              cfg.JWTIssuer,
		SessionRefreshInterval: cfg.CheckIn.SessionRefreshInterval,
		SecretRotationInterval: cfg.CheckIn.SecretRotationInterval,
		SecretGracePeriod:      cfg.CheckIn.SecretGracePeriod,
		SecretCacheTTL:         cfg.CheckIn.SecretCacheTTL,
		StorageTimeout:         cfg.CheckIn.StorageTimeout,
		GPSAccuracyThreshold:   cfg.CheckIn.GPSAccuracyThreshold,
		Rules:                  rules(cfg.RateLimit),
		AutoRefresh:            cfg.CheckIn.AutoRefreshEnabled,
		RefreshTick:            cfg.CheckIn.AutoRefreshTick,
		HTTP: app.HTTPConfig{
			IPRateLimit:           cfg.RateLimit.HTTPEnabled,
			DisplayRequestsPerMin: cfg.RateLimit.DisplayRequestsPerMin,
			ScanRequestsPerMin:    cfg.RateLimit.ScanRequestsPerMin,
			SecurityHeaders:       cfg.SecurityHeaders.Enabled,
			MaxRequestBodySize:    cfg.Validation.MaxRequestBodySize,
			TrustedNetworks:       cfg.CheckIn.TrustedNetworks,
		},
		Logger: logger,
	}

	// Storage
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		db, err := openDatabase(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		appCfg.DB = db

	case config.StorageMemory:
		repos, events := app.MemoryRepositories()
		if cfg.EventsFile != "" {
			f, err := os.Open(cfg.EventsFile)
			if err != nil {
				logger.Error("failed to open events file", "path", cfg.EventsFile, "error", err)
				os.Exit(1)
			}
			n, err := events.LoadJSON(f)
			f.Close()
			if err != nil {
				logger.Error("failed to load events", "path", cfg.EventsFile, "error", err)
				os.Exit(1)
			}
			logger.Info("loaded events", "count", n)
		}
		appCfg.Repositories = repos
		logger.Warn("using in-memory storage; state is lost on restart")
	}

	// Rate limit window store
	if cfg.RateLimit.Backend == config.RateLimitRedis {
		client, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		appCfg.Repositories.Windows = redisstore.New(client, redisstore.DefaultPrefix)
		logger.Info("using redis rate limit store")
	}

	svc, err := app.New(appCfg)
	if err != nil {
		logger.Error("failed to initialize check-in service", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start check-in service", "error", err)
		os.Exit(1)
	}

	go svc.RunScheduler(ctx)

	// Create HTTP server
	addr := cfg.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      svc.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := repository.NewDB(ctx, repository.DBConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPortString(),
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Name:     cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")

	if cfg.DBMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}
	return db, nil
}

func rules(cfg config.RateLimitConfig) map[domain.RateAction]checkin.Rule {
	r := checkin.DefaultRules()
	r[domain.ActionScan] = checkin.Rule{Limit: cfg.ScanLimit, Window: cfg.ScanWindow, Cooldown: cfg.Cooldown}
	r[domain.ActionAPI] = checkin.Rule{Limit: cfg.APILimit, Window: cfg.APIWindow, Cooldown: cfg.Cooldown}
	issue := r[domain.ActionIssue]
	issue.Cooldown = cfg.Cooldown
	r[domain.ActionIssue] = issue
	return r
}

func mintToken(cfg *config.Config, role, sub string, ttl time.Duration) error {
	userID := uuid.New()
	if sub != "" {
		var err error
		if userID, err = uuid.Parse(sub); err != nil {
			return fmt.Errorf("invalid -sub: %w", err)
		}
	}
	repos, _ := app.MemoryRepositories()
	svc, err := app.New(app.Config{
		Repositories:           repos,
		JWTSecret:              cfg.JWTSecret,
		JWTIssuer:              cfg.JWTIssuer,
		SessionRefreshInterval: cfg.CheckIn.SessionRefreshInterval,
		SecretGracePeriod:      cfg.CheckIn.SecretGracePeriod,
		SecretCacheTTL:         cfg.CheckIn.SecretCacheTTL,
	})
	if err != nil {
		return err
	}
	token, err := svc.Authenticator().Sign(domain.Actor{UserID: userID, Role: domain.Role(role)}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
