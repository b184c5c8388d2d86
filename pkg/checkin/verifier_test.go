package checkin_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

func issueSession(t *testing.T, f *fixture) *domain.CheckInSession {
	t.Helper()
	ctx := context.Background()
	_, err := f.secrets.EnsureActive(ctx)
	require.NoError(t, err)
	session, err := f.issuer.Issue(ctx, f.organizer(), f.eventID)
	require.NoError(t, err)
	return session
}

func TestVerifier_ConcurrentClaimSingleWinner(t *testing.T) {
	f := newFixture(t, noGPS())
	session := issueSession(t, f)

	const n = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[domain.ValidationOutcome]int)
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := f.verifier.Validate(context.Background(), checkin.ValidateRequest{
				SessionID: session.ID,
				Signature: session.Signature,
				ScannerID: uuid.NewString(),
			})
			if err != nil {
				t.Errorf("validate %d: %v", i, err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, outcomes[domain.OutcomeConsumed])
	require.Equal(t, n-1, outcomes[domain.OutcomeAlreadyUsed])
}

func TestVerifier_Outcomes(t *testing.T) {
	f := newFixture(t, noGPS())
	ctx := context.Background()
	session := issueSession(t, f)

	t.Run("not found", func(t *testing.T) {
		res, err := f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: uuid.New(), Signature: session.Signature})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeNotFound, res.Outcome)
	})

	t.Run("invalid signature does not consume", func(t *testing.T) {
		tampered := []byte(session.Signature)
		if tampered[0] == 'a' {
			tampered[0] = 'b'
		} else {
			tampered[0] = 'a'
		}
		res, err := f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: session.ID, Signature: string(tampered)})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeInvalidSignature, res.Outcome)
		require.Equal(t, uuid.Nil, res.EventID)

		stored, err := f.sessions.GetByID(ctx, session.ID)
		require.NoError(t, err)
		require.False(t, stored.IsConsumed())
	})

	t.Run("valid signature consumes once", func(t *testing.T) {
		res, err := f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: session.ID, Signature: session.Signature, ScannerID: "s1"})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeConsumed, res.Outcome)
		require.Equal(t, f.eventID, res.EventID)

		res, err = f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: session.ID, Signature: session.Signature, ScannerID: "s2"})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeAlreadyUsed, res.Outcome)

		stored, err := f.sessions.GetByID(ctx, session.ID)
		require.NoError(t, err)
		require.Equal(t, "s1", *stored.ConsumedBy)
	})
}

func TestVerifier_ExpiredDoesNotConsume(t *testing.T) {
	f := newFixture(t, noGPS())
	ctx := context.Background()
	session := issueSession(t, f)

	f.clock.Set(session.ExpiresAt)
	res, err := f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: session.ID, Signature: session.Signature})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeConsumed, res.Outcome, "a session is still valid at its expiry instant")

	other := issueSession(t, f)
	f.clock.Set(other.ExpiresAt.Add(time.Microsecond))
	res, err = f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: other.ID, Signature: other.Signature})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeExpired, res.Outcome)

	stored, err := f.sessions.GetByID(ctx, other.ID)
	require.NoError(t, err)
	require.False(t, stored.IsConsumed())
}

func TestVerifier_RotationGrace(t *testing.T) {
	f := newFixture(t, noGPS())
	ctx := context.Background()
	session := issueSession(t, f)

	_, err := f.secrets.Rotate(ctx)
	require.NoError(t, err)

	res, err := f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: session.ID, Signature: session.Signature})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeConsumed, res.Outcome)

	fresh, err := f.issuer.Issue(ctx, f.organizer(), f.eventID)
	require.NoError(t, err)
	require.Equal(t, int64(2), fresh.SecretVersion)
}

func TestVerifier_RotationKeepsLongLivedSessionVerifiable(t *testing.T) {
	f := newFixture(t, noGPS())
	ctx := context.Background()

	// The session lives an hour, far beyond the 10m grace period.
	f.events.Put(longLivedEvent(f))
	session := issueSession(t, f)

	_, err := f.secrets.Rotate(ctx)
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	res, err := f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: session.ID, Signature: session.Signature})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeConsumed, res.Outcome)
}

func TestVerifier_LongLivedSessionVerifiesUntilExpiry(t *testing.T) {
	f := newFixture(t, noGPS())
	ctx := context.Background()

	f.events.Put(longLivedEvent(f))
	session := issueSession(t, f)

	_, err := f.secrets.Rotate(ctx)
	require.NoError(t, err)

	f.clock.Set(session.ExpiresAt)
	res, err := f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: session.ID, Signature: session.Signature})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeConsumed, res.Outcome)
}

type countingSecrets struct {
	checkin.SecretRepository
	lists atomic.Int32
}

func (c *countingSecrets) ListVerifiable(ctx context.Context, now time.Time) ([]*domain.SigningSecret, error) {
	c.lists.Add(1)
	return c.SecretRepository.ListVerifiable(ctx, now)
}

func TestVerifier_PurgedVersionDoesNotReload(t *testing.T) {
	f := newFixture(t, noGPS())
	ctx := context.Background()
	repo := &countingSecrets{SecretRepository: f.secretsRepo}
	store := checkin.NewSecretStore(checkin.SecretStoreConfig{Clock: f.clock.Now}, repo, f.sessions, testLogger)
	verifier := checkin.NewVerifier(checkin.VerifierConfig{Clock: f.clock.Now}, store, f.sessions, testLogger)

	_, err := store.EnsureActive(ctx)
	require.NoError(t, err)
	_, err = store.Rotate(ctx)
	require.NoError(t, err)

	stale := &domain.CheckInSession{
		ID:            uuid.New(),
		EventID:       f.eventID,
		Nonce:         "stale",
		Signature:     "00",
		SecretVersion: 0,
		IssuedAt:      f.clock.Now(),
		ExpiresAt:     f.clock.Now().Add(time.Minute),
	}
	require.NoError(t, f.sessions.Create(ctx, stale))

	for i := 0; i < 3; i++ {
		res, err := verifier.Validate(ctx, checkin.ValidateRequest{SessionID: stale.ID, Signature: stale.Signature})
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeInvalidSignature, res.Outcome)
	}
	require.Equal(t, int32(1), repo.lists.Load())
}

func TestVerifier_NewerVersionReloads(t *testing.T) {
	f := newFixture(t, noGPS())
	ctx := context.Background()

	// Prime this instance's view with v1.
	issueSession(t, f)

	// Another instance rotates and signs with v2.
	other := checkin.NewSecretStore(checkin.SecretStoreConfig{Clock: f.clock.Now}, f.secretsRepo, f.sessions, testLogger)
	_, err := other.Rotate(ctx)
	require.NoError(t, err)
	otherIssuer := checkin.NewIssuer(checkin.IssuerConfig{Clock: f.clock.Now}, other, f.sessions, f.events, testLogger)
	session, err := otherIssuer.Issue(ctx, f.organizer(), f.eventID)
	require.NoError(t, err)
	require.Equal(t, int64(2), session.SecretVersion)

	res, err := f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: session.ID, Signature: session.Signature})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeConsumed, res.Outcome)
}

func TestVerifier_SecretUnavailable(t *testing.T) {
	f := newFixture(t, noGPS())
	ctx := context.Background()

	_, err := f.issuer.Issue(ctx, f.organizer(), f.eventID)
	require.ErrorIs(t, err, domain.ErrSecretUnavailable)

	session := &domain.CheckInSession{
		ID:            uuid.New(),
		EventID:       f.eventID,
		Nonce:         "n",
		Signature:     "00",
		SecretVersion: 1,
		IssuedAt:      f.clock.Now(),
		ExpiresAt:     f.clock.Now().Add(time.Minute),
	}
	require.NoError(t, f.sessions.Create(ctx, session))

	_, err = f.verifier.Validate(ctx, checkin.ValidateRequest{SessionID: session.ID, Signature: session.Signature})
	require.ErrorIs(t, err, domain.ErrSecretUnavailable)
}

func TestVerifier_BeforeClaimAbortKeepsSession(t *testing.T) {
	f := newFixture(t, noGPS())
	ctx := context.Background()
	session := issueSession(t, f)
	abort := errors.New("abort")

	_, err := f.verifier.Validate(ctx, checkin.ValidateRequest{
		SessionID: session.ID,
		Signature: session.Signature,
		BeforeClaim: func(ctx context.Context, s *domain.CheckInSession) error {
			return abort
		},
	})
	require.ErrorIs(t, err, abort)

	stored, err := f.sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.False(t, stored.IsConsumed())
}
