package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Rate limit backends.
const (
	RateLimitDatabase = "database"
	RateLimitRedis    = "redis"
	RateLimitMemory   = "memory"
)

// Config holds application configuration.
type Config struct {
	// Server
	ServerAddr string
	ServerPort int
	LogLevel   slog.Level

	// Storage
	StorageDriver string
	EventsFile    string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMigrate  bool

	// Redis
	RedisURL string

	// JWT
	JWTSecret string
	JWTIssuer string

	CheckIn         CheckInConfig
	RateLimit       RateLimitConfig
	SecurityHeaders SecurityHeadersConfig
	Validation      ValidationConfig
}

// CheckInConfig holds session, secret and attendance settings.
type CheckInConfig struct {
	SessionRefreshInterval time.Duration
	SecretRotationInterval time.Duration
	SecretGracePeriod      time.Duration
	SecretCacheTTL         time.Duration
	StorageTimeout         time.Duration
	GPSAccuracyThreshold   float64
	AutoRefreshEnabled     bool
	AutoRefreshTick        time.Duration
	// TrustedNetworks are the venue networks whose peers count as present
	// for the network check-in method.
	TrustedNetworks []netip.Prefix
}

// RateLimitConfig holds per-identifier and per-IP rate limiting settings.
type RateLimitConfig struct {
	Backend  string
	Cooldown time.Duration

	ScanLimit  int
	ScanWindow time.Duration
	APILimit   int
	APIWindow  time.Duration

	// HTTP holds the IP-level limiter in front of public endpoints.
	HTTPEnabled           bool
	DisplayRequestsPerMin int
	ScanRequestsPerMin    int
}

// SecurityHeadersConfig holds response security header settings.
type SecurityHeadersConfig struct {
	Enabled            bool
	CSP                string
	HSTSMaxAge         int
	FrameOptions       string
	ContentTypeOptions string
	ReferrerPolicy     string
	PermissionsPolicy  string
	CacheControl       string
}

// ValidationConfig holds request validation settings.
type ValidationConfig struct {
	MaxRequestBodySize int64
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Server defaults
		ServerAddr: getEnv("SERVER_ADDR", "0.0.0.0"),
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		LogLevel:   getEnvLogLevel("LOG_LEVEL", slog.LevelInfo),

		StorageDriver: strings.ToLower(getEnv("STORAGE_DRIVER", StoragePostgres)),
		EventsFile:    getEnv("EVENTS_FILE", ""),

		// Database defaults (matches podman setup: make postgres-start)
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 25432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "checkin"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		DBMigrate:  getEnvBool("DB_MIGRATE", true),

		RedisURL: getEnv("REDIS_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", "checkin"),

		CheckIn: CheckInConfig{
			SessionRefreshInterval: getEnvDuration("SESSION_REFRESH_INTERVAL", 30*time.Second),
			SecretRotationInterval: getEnvDuration("SECRET_ROTATION_INTERVAL", 24*time.Hour),
			SecretGracePeriod:      getEnvDuration("SECRET_GRACE_PERIOD", 10*time.Minute),
			SecretCacheTTL:         getEnvDuration("SECRET_CACHE_TTL", 30*time.Second),
			StorageTimeout:         getEnvDuration("STORAGE_TIMEOUT", 3*time.Second),
			GPSAccuracyThreshold:   getEnvFloat("GPS_ACCURACY_THRESHOLD", 50),
			AutoRefreshEnabled:     getEnvBool("AUTO_REFRESH_ENABLED", true),
			AutoRefreshTick:        getEnvDuration("AUTO_REFRESH_TICK", time.Second),
		},

		RateLimit: RateLimitConfig{
			Backend:               strings.ToLower(getEnv("RATE_LIMIT_BACKEND", RateLimitDatabase)),
			Cooldown:              getEnvDuration("RATE_LIMIT_COOLDOWN", 0),
			ScanLimit:             getEnvInt("SCAN_RATE_LIMIT", 5),
			ScanWindow:            getEnvDuration("SCAN_RATE_WINDOW", time.Minute),
			APILimit:              getEnvInt("API_RATE_LIMIT", 60),
			APIWindow:             getEnvDuration("API_RATE_WINDOW", time.Minute),
			HTTPEnabled:           getEnvBool("HTTP_RATE_LIMIT_ENABLED", true),
			DisplayRequestsPerMin: getEnvInt("HTTP_DISPLAY_REQUESTS_PER_MINUTE", 120),
			ScanRequestsPerMin:    getEnvInt("HTTP_SCAN_REQUESTS_PER_MINUTE", 30),
		},

		SecurityHeaders: SecurityHeadersConfig{
			Enabled:            getEnvBool("SECURITY_HEADERS_ENABLED", true),
			CSP:                getEnv("SECURITY_CSP", "default-src 'none'; frame-ancestors 'none'"),
			HSTSMaxAge:         getEnvInt("SECURITY_HSTS_MAX_AGE", 0),
			FrameOptions:       getEnv("SECURITY_FRAME_OPTIONS", "DENY"),
			ContentTypeOptions: getEnv("SECURITY_CONTENT_TYPE_OPTIONS", "nosniff"),
			ReferrerPolicy:     getEnv("SECURITY_REFERRER_POLICY", "no-referrer"),
			PermissionsPolicy:  getEnv("SECURITY_PERMISSIONS_POLICY", ""),
			CacheControl:       getEnv("SECURITY_CACHE_CONTROL", "no-store"),
		},

		Validation: ValidationConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
	}

	networks, err := parseNetworks(getEnv("TRUSTED_NETWORKS", ""))
	if err != nil {
		return nil, err
	}
	cfg.CheckIn.TrustedNetworks = networks

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.StorageDriver {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StoragePostgres, StorageMemory, c.StorageDriver)
	}

	switch c.RateLimit.Backend {
	case RateLimitDatabase, RateLimitMemory:
	case RateLimitRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND is redis")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be database, redis or memory, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == RateLimitDatabase && c.StorageDriver == StorageMemory {
		c.RateLimit.Backend = RateLimitMemory
	}

	// A rotated secret must outlive every session signed with it, as seen
	// through a cache that may lag by one TTL.
	minGrace := c.CheckIn.SessionRefreshInterval + c.CheckIn.SecretCacheTTL
	if c.CheckIn.SecretGracePeriod < minGrace {
		return fmt.Errorf("SECRET_GRACE_PERIOD (%s) must be at least SESSION_REFRESH_INTERVAL + SECRET_CACHE_TTL (%s)",
			c.CheckIn.SecretGracePeriod, minGrace)
	}
	if c.CheckIn.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT must be positive")
	}
	if c.CheckIn.AutoRefreshTick <= 0 {
		return fmt.Errorf("AUTO_REFRESH_TICK must be positive")
	}
	return nil
}

// DBPortString returns the database port for connection strings.
func (c *Config) DBPortString() string {
	return strconv.Itoa(c.DBPort)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerAddr, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseNetworks reads a comma separated list of CIDR prefixes. A bare
// address is taken as a single host.
func parseNetworks(value string) ([]netip.Prefix, error) {
	var networks []netip.Prefix
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_NETWORKS: invalid address %q: %w", part, err)
			}
			addr = addr.Unmap()
			networks = append(networks, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_NETWORKS: invalid network %q: %w", part, err)
		}
		networks = append(networks, prefix.Masked())
	}
	return networks, nil
}

func getEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(value)); err == nil {
			return level
		}
	}
	return defaultValue
}
