package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tendant/simple-checkin/pkg/domain"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSecretGracePeriod is how long a rotated secret keeps verifying.
	DefaultSecretGracePeriod = 10 * time.Minute
	// DefaultSecretCacheTTL bounds how stale the in-process secret view may be.
	DefaultSecretCacheTTL = 30 * time.Second

	verifiableCacheKey = "verifiable"
)

// SecretStoreConfig holds secret store configuration.
type SecretStoreConfig struct {
	GracePeriod    time.Duration
	CacheTTL       time.Duration
	StorageTimeout time.Duration
	Clock          func() time.Time
}

// SecretStore owns the rotating signing secrets. Reads are served from a
// short-lived in-process cache; concurrent misses share one storage load.
type SecretStore struct {
	config   SecretStoreConfig
	repo     SecretRepository
	sessions SessionLifetimes
	cache    *expirable.LRU[string, []*domain.SigningSecret]
	loads    singleflight.Group
	logger   *slog.Logger
}

// NewSecretStore creates a new secret store. sessions, when set, lets a
// rotation keep the retired secret verifiable for as long as the sessions it
// signed are still in use; nil limits it to the grace period.
func NewSecretStore(config SecretStoreConfig, repo SecretRepository, sessions SessionLifetimes, logger *slog.Logger) *SecretStore {
	if config.GracePeriod == 0 {
		config.GracePeriod = DefaultSecretGracePeriod
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultSecretCacheTTL
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretStore{
		config:   config,
		repo:     repo,
		sessions: sessions,
		cache:    expirable.NewLRU[string, []*domain.SigningSecret](1, nil, config.CacheTTL),
		logger:   logger,
	}
}

// GracePeriod returns how long rotated secrets stay verifiable.
func (s *SecretStore) GracePeriod() time.Duration {
	return s.config.GracePeriod
}

// ActiveSecret returns the secret new sessions are signed with.
func (s *SecretStore) ActiveSecret(ctx context.Context) (*domain.SigningSecret, error) {
	secrets, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, secret := range secrets {
		if secret.IsActive {
			return secret, nil
		}
	}
	return nil, domain.ErrSecretUnavailable
}

// SecretsValidAt returns the active secret plus every rotated secret that
// has not passed its grace expiry and was not already expired at issuedAt.
func (s *SecretStore) SecretsValidAt(ctx context.Context, issuedAt time.Time) ([]*domain.SigningSecret, error) {
	secrets, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	now := s.config.Clock()
	var (
		valid     []*domain.SigningSecret
		hasActive bool
	)
	for _, secret := range secrets {
		if secret.IsActive {
			hasActive = true
		}
		if !secret.VerifiableAt(now) {
			continue
		}
		if secret.ExpiresAt != nil && !secret.ExpiresAt.After(issuedAt) {
			continue
		}
		valid = append(valid, secret)
	}
	if !hasActive {
		return nil, domain.ErrSecretUnavailable
	}
	return valid, nil
}

// NewestVersion returns the highest rotation version in the cached view.
func (s *SecretStore) NewestVersion(ctx context.Context) (int64, error) {
	secrets, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	var newest int64
	for _, secret := range secrets {
		if secret.RotationVersion > newest {
			newest = secret.RotationVersion
		}
	}
	return newest, nil
}

// RetiredUntil returns when a rotated secret version stops verifying. It
// reports false when the version is active or no longer stored.
func (s *SecretStore) RetiredUntil(ctx context.Context, version int64) (time.Time, bool, error) {
	secrets, err := s.load(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, secret := range secrets {
		if secret.RotationVersion == version && !secret.IsActive && secret.ExpiresAt != nil {
			return *secret.ExpiresAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

// Reload drops the cached view and reads secrets from storage again.
func (s *SecretStore) Reload(ctx context.Context) error {
	s.cache.Purge()
	_, err := s.fetch(ctx)
	return err
}

// EnsureActive creates the first secret when storage has none.
func (s *SecretStore) EnsureActive(ctx context.Context) (*domain.SigningSecret, error) {
	tctx, cancel := withTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	active, err := s.repo.Active(tctx)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, domain.ErrSecretNotFound) {
		return nil, storageErr("load active secret", err)
	}

	secret, err := s.newSecret(1)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(tctx, secret); err != nil {
		if errors.Is(err, domain.ErrSecretConflict) {
			// Another instance bootstrapped concurrently.
			s.cache.Purge()
			return s.ActiveSecret(ctx)
		}
		return nil, storageErr("create signing secret", err)
	}
	s.cache.Purge()
	s.logger.Info("created initial signing secret", "version", secret.RotationVersion)
	return secret, nil
}

// Rotate retires the active secret and activates a new one with the next
// rotation version. The retired secret stays verifiable for the grace period,
// or longer when sessions it signed live longer: the longest lifetime in use
// plus the cache TTL, which also covers sessions other instances sign from a
// stale view right after the rotation.
func (s *SecretStore) Rotate(ctx context.Context) (*domain.SigningSecret, error) {
	tctx, cancel := withTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	current, err := s.repo.Active(tctx)
	if errors.Is(err, domain.ErrSecretNotFound) {
		cancel()
		return s.EnsureActive(ctx)
	}
	if err != nil {
		return nil, storageErr("load active secret", err)
	}

	next, err := s.newSecret(current.RotationVersion + 1)
	if err != nil {
		return nil, err
	}
	retain, err := s.retention(tctx, current.RotationVersion, next.ActiveFrom)
	if err != nil {
		return nil, err
	}
	retiredExpiresAt := next.ActiveFrom.Add(retain)
	if err := s.repo.Rotate(tctx, next, retiredExpiresAt); err != nil {
		return nil, storageErr("rotate signing secret", err)
	}
	s.cache.Purge()

	s.logger.Info("rotated signing secret",
		"previous_version", current.RotationVersion,
		"version", next.RotationVersion,
		"previous_expires_at", retiredExpiresAt,
	)
	return next, nil
}

func (s *SecretStore) retention(ctx context.Context, version int64, now time.Time) (time.Duration, error) {
	retain := s.config.GracePeriod
	if s.sessions == nil {
		return retain, nil
	}
	longest, err := s.sessions.LongestLifetime(ctx, version, now)
	if err != nil {
		return 0, storageErr("load session lifetimes", err)
	}
	if longest > 0 && longest+s.config.CacheTTL > retain {
		retain = longest + s.config.CacheTTL
	}
	return retain, nil
}

// PurgeExpired removes rotated secrets whose grace period has ended.
func (s *SecretStore) PurgeExpired(ctx context.Context) (int64, error) {
	tctx, cancel := withTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	n, err := s.repo.DeleteExpired(tctx, s.config.Clock())
	if err != nil {
		return 0, storageErr("purge signing secrets", err)
	}
	if n > 0 {
		s.cache.Purge()
	}
	return n, nil
}

func (s *SecretStore) load(ctx context.Context) ([]*domain.SigningSecret, error) {
	if secrets, ok := s.cache.Get(verifiableCacheKey); ok {
		return secrets, nil
	}
	return s.fetch(ctx)
}

func (s *SecretStore) fetch(ctx context.Context) ([]*domain.SigningSecret, error) {
	v, err, _ := s.loads.Do(verifiableCacheKey, func() (any, error) {
		tctx, cancel := withTimeout(ctx, s.config.StorageTimeout)
		defer cancel()

		secrets, err := s.repo.ListVerifiable(tctx, s.config.Clock())
		if err != nil {
			return nil, storageErr("list signing secrets", err)
		}
		for _, secret := range secrets {
			key, err := DeriveSigningKey(secret.KeyMaterial, secret.RotationVersion)
			if err != nil {
				return nil, err
			}
			secret.Key = key
		}
		s.cache.Add(verifiableCacheKey, secrets)
		return secrets, nil
	})
	if err != nil {
		s.logger.Error("failed to load signing secrets", "error", err)
		return nil, err
	}
	return v.([]*domain.SigningSecret), nil
}

func (s *SecretStore) newSecret(version int64) (*domain.SigningSecret, error) {
	material, err := GenerateKeyMaterial()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	key, err := DeriveSigningKey(material, version)
	if err != nil {
		return nil, err
	}
	now := s.config.Clock().UTC().Truncate(time.Microsecond)
	return &domain.SigningSecret{
		ID:              uuid.New(),
		Algorithm:       domain.AlgorithmHMACSHA256,
		RotationVersion: version,
		KeyMaterial:     material,
		Key:             key,
		ActiveFrom:      now,
		IsActive:        true,
		CreatedAt:       now,
	}, nil
}
