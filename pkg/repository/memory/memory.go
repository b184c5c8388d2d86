// Package memory implements in-memory repositories for development and testing.
// Each repository guards its state with a mutex, which gives the same
// conditional-update guarantees the Postgres repositories get from SQL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// Ensure interfaces are met.
var _ checkin.SecretRepository = (*Secrets)(nil)
var _ checkin.SessionRepository = (*Sessions)(nil)
var _ checkin.WindowStore = (*Windows)(nil)
var _ checkin.AttendanceRepository = (*Attendance)(nil)
var _ checkin.EventDirectory = (*Events)(nil)

// --- Secrets ---

// Secrets stores signing secrets.
type Secrets struct {
	mu      sync.Mutex
	secrets []*domain.SigningSecret
}

// NewSecrets creates an empty secret repository.
func NewSecrets() *Secrets {
	return &Secrets{}
}

// Active returns the active secret.
func (r *Secrets) Active(ctx context.Context) (*domain.SigningSecret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.secrets {
		if s.IsActive {
			return copySecret(s), nil
		}
	}
	return nil, domain.ErrSecretNotFound
}

// ListVerifiable returns the active secret and unexpired rotated ones.
func (r *Secrets) ListVerifiable(ctx context.Context, now time.Time) ([]*domain.SigningSecret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.SigningSecret
	for _, s := range r.secrets {
		if s.VerifiableAt(now) {
			out = append(out, copySecret(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RotationVersion > out[j].RotationVersion })
	return out, nil
}

// Create inserts a secret.
func (r *Secrets) Create(ctx context.Context, secret *domain.SigningSecret) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.secrets {
		if (secret.IsActive && s.IsActive) || s.RotationVersion == secret.RotationVersion {
			return domain.ErrSecretConflict
		}
	}
	r.secrets = append(r.secrets, copySecret(secret))
	return nil
}

// Rotate retires the active secret and inserts next.
func (r *Secrets) Rotate(ctx context.Context, next *domain.SigningSecret, retiredExpiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var current *domain.SigningSecret
	for _, s := range r.secrets {
		if s.IsActive {
			current = s
		}
		if s.RotationVersion == next.RotationVersion {
			return domain.ErrSecretConflict
		}
	}
	if current == nil || current.RotationVersion != next.RotationVersion-1 {
		return domain.ErrSecretConflict
	}
	expires := retiredExpiresAt
	current.IsActive = false
	current.ExpiresAt = &expires
	r.secrets = append(r.secrets, copySecret(next))
	return nil
}

// DeleteExpired removes rotated secrets past their expiry.
func (r *Secrets) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.secrets[:0]
	var n int64
	for _, s := range r.secrets {
		if !s.IsActive && s.ExpiresAt != nil && s.ExpiresAt.Before(now) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	r.secrets = kept
	return n, nil
}

func copySecret(s *domain.SigningSecret) *domain.SigningSecret {
	c := *s
	c.KeyMaterial = append([]byte(nil), s.KeyMaterial...)
	c.Key = nil
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// --- Sessions ---

// Sessions stores check-in sessions.
type Sessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.CheckInSession
	nonces   map[string]struct{}
}

// NewSessions creates an empty session repository.
func NewSessions() *Sessions {
	return &Sessions{
		sessions: make(map[uuid.UUID]*domain.CheckInSession),
		nonces:   make(map[string]struct{}),
	}
}

// Create inserts a session; ids and nonces must be unique.
func (r *Sessions) Create(ctx context.Context, session *domain.CheckInSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return errDuplicate
	}
	if _, ok := r.nonces[session.Nonce]; ok {
		return errDuplicate
	}
	c := *session
	r.sessions[session.ID] = &c
	r.nonces[session.Nonce] = struct{}{}
	return nil
}

// GetByID returns a copy of a session.
func (r *Sessions) GetByID(ctx context.Context, id uuid.UUID) (*domain.CheckInSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(s), nil
}

// Claim consumes a session if it is unconsumed and unexpired at at.
func (r *Sessions) Claim(ctx context.Context, id uuid.UUID, scannerID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.ConsumedAt != nil || s.IsExpired(at) {
		return false, nil
	}
	consumedAt, consumedBy := at, scannerID
	s.ConsumedAt = &consumedAt
	s.ConsumedBy = &consumedBy
	return true, nil
}

// LatestForEvent returns the newest unexpired session of an event.
func (r *Sessions) LatestForEvent(ctx context.Context, eventID uuid.UUID, now time.Time) (*domain.CheckInSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *domain.CheckInSession
	for _, s := range r.sessions {
		if s.EventID != eventID || s.IsExpired(now) {
			continue
		}
		if latest == nil || s.IssuedAt.After(latest.IssuedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(latest), nil
}

// LongestLifetime returns the longest lifetime among unexpired sessions
// signed with version.
func (r *Sessions) LongestLifetime(ctx context.Context, version int64, now time.Time) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var longest time.Duration
	for _, s := range r.sessions {
		if s.SecretVersion != version || s.IsExpired(now) {
			continue
		}
		if d := s.ExpiresAt.Sub(s.IssuedAt); d > longest {
			longest = d
		}
	}
	return longest, nil
}

func copySession(s *domain.CheckInSession) *domain.CheckInSession {
	c := *s
	if s.ConsumedAt != nil {
		t := *s.ConsumedAt
		c.ConsumedAt = &t
	}
	if s.ConsumedBy != nil {
		b := *s.ConsumedBy
		c.ConsumedBy = &b
	}
	return &c
}

// --- Windows ---

type windowKey struct {
	identifier string
	action     domain.RateAction
}

// Windows stores rate windows.
type Windows struct {
	mu      sync.Mutex
	windows map[windowKey]*domain.RateWindow
}

// NewWindows creates an empty window store.
func NewWindows() *Windows {
	return &Windows{windows: make(map[windowKey]*domain.RateWindow)}
}

// Hit applies one attempt atomically.
func (r *Windows) Hit(ctx context.Context, identifier string, action domain.RateAction, now time.Time, rule checkin.Rule) (*domain.RateWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := windowKey{identifier: identifier, action: action}
	next := checkin.NextWindow(r.windows[key], identifier, action, now, rule)
	r.windows[key] = next
	c := *next
	return &c, nil
}

// PurgeStale removes windows started before the cutoff that no longer block.
func (r *Windows) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, w := range r.windows {
		if w.WindowStart.Before(before) && !w.BlockedAt(before) {
			delete(r.windows, k)
			n++
		}
	}
	return n, nil
}

// --- Attendance ---

type pairKey struct {
	eventID uuid.UUID
	userID  uuid.UUID
}

// Attendance stores attendance records, one per (event, user).
type Attendance struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.Attendance
	pairs   map[pairKey]uuid.UUID
}

// NewAttendance creates an empty attendance repository.
func NewAttendance() *Attendance {
	return &Attendance{
		records: make(map[uuid.UUID]*domain.Attendance),
		pairs:   make(map[pairKey]uuid.UUID),
	}
}

// Create inserts a record unless one exists for the pair.
func (r *Attendance) Create(ctx context.Context, a *domain.Attendance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{eventID: a.EventID, userID: a.UserID}
	if _, ok := r.pairs[key]; ok {
		return domain.ErrAlreadyCheckedIn
	}
	c := *a
	c.Reasons = append([]domain.Reason(nil), a.Reasons...)
	r.records[a.ID] = &c
	r.pairs[key] = a.ID
	return nil
}

// Get returns the record of a pair.
func (r *Attendance) Get(ctx context.Context, eventID, userID uuid.UUID) (*domain.Attendance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.pairs[pairKey{eventID: eventID, userID: userID}]
	if !ok {
		return nil, domain.ErrAttendanceNotFound
	}
	c := *r.records[id]
	return &c, nil
}

// GetByID returns a record by id.
func (r *Attendance) GetByID(ctx context.Context, id uuid.UUID) (*domain.Attendance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.records[id]
	if !ok {
		return nil, domain.ErrAttendanceNotFound
	}
	c := *a
	return &c, nil
}

// Review moves a pending record to status.
func (r *Attendance) Review(ctx context.Context, id uuid.UUID, status domain.AttendanceStatus, reviewer uuid.UUID, notes string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.records[id]
	if !ok {
		return domain.ErrAttendanceNotFound
	}
	if a.Status != domain.StatusPendingVerification {
		return domain.ErrAttendanceNotPending
	}
	reviewedAt := at
	a.Status = status
	a.ReviewedBy = &reviewer
	a.ReviewedAt = &reviewedAt
	if notes != "" {
		a.ReviewNotes = &notes
	}
	return nil
}

// Len returns the number of stored records.
func (r *Attendance) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
