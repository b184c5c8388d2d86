package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-checkin/pkg/domain"
)

var errDuplicate = errors.New("duplicate key")

// Event is an in-memory event definition.
type Event struct {
	Rules        domain.EventRules
	EndsAt       time.Time
	Participants []uuid.UUID
	Organizers   []uuid.UUID
}

// Events is an in-memory event directory.
type Events struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*eventEntry
}

type eventEntry struct {
	rules        domain.EventRules
	endsAt       time.Time
	participants map[uuid.UUID]struct{}
	organizers   map[uuid.UUID]struct{}
}

// NewEvents creates an empty event directory.
func NewEvents() *Events {
	return &Events{events: make(map[uuid.UUID]*eventEntry)}
}

// Put adds or replaces an event.
func (d *Events) Put(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := &eventEntry{
		rules:        e.Rules,
		endsAt:       e.EndsAt,
		participants: make(map[uuid.UUID]struct{}),
		organizers:   make(map[uuid.UUID]struct{}),
	}
	for _, id := range e.Participants {
		entry.participants[id] = struct{}{}
	}
	for _, id := range e.Organizers {
		entry.organizers[id] = struct{}{}
	}
	d.events[e.Rules.EventID] = entry
}

// AddParticipant registers a participant for an existing event.
func (d *Events) AddParticipant(eventID, userID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.events[eventID]
	if !ok {
		return domain.ErrEventNotFound
	}
	entry.participants[userID] = struct{}{}
	return nil
}

// Rules returns the rules of an event.
func (d *Events) Rules(ctx context.Context, eventID uuid.UUID) (*domain.EventRules, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	rules := entry.rules
	return &rules, nil
}

// IsParticipant reports roster membership.
func (d *Events) IsParticipant(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.events[eventID]
	if !ok {
		return false, nil
	}
	_, found := entry.participants[userID]
	return found, nil
}

// IsOrganizer reports whether a user organizes the event.
func (d *Events) IsOrganizer(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.events[eventID]
	if !ok {
		return false, nil
	}
	_, found := entry.organizers[userID]
	return found, nil
}

// AutoRefreshEvents lists open events with auto refresh enabled.
func (d *Events) AutoRefreshEvents(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []uuid.UUID
	for id, entry := range d.events {
		if !entry.rules.AutoRefresh {
			continue
		}
		opensAt := entry.rules.StartsAt.Add(-time.Hour)
		if now.Before(opensAt) || (!entry.endsAt.IsZero() && now.After(entry.endsAt)) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// eventFile is the JSON shape accepted by LoadJSON.
type eventFile struct {
	ID             uuid.UUID            `json:"id"`
	StartsAt       time.Time            `json:"starts_at"`
	EndsAt         time.Time            `json:"ends_at"`
	GraceMinutes   int                  `json:"grace_minutes"`
	LateMinutes    int                  `json:"late_minutes"`
	RefreshSeconds int                  `json:"refresh_seconds"`
	AutoRefresh    bool                 `json:"auto_refresh"`
	Geofence       domain.EventGeofence `json:"geofence"`
	Participants   []uuid.UUID          `json:"participants"`
	Organizers     []uuid.UUID          `json:"organizers"`
}

// LoadJSON reads a JSON array of events, for running without a database.
func (d *Events) LoadJSON(r io.Reader) (int, error) {
	var events []eventFile
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return 0, fmt.Errorf("failed to decode events: %w", err)
	}
	for _, e := range events {
		if e.ID == uuid.Nil {
			return 0, fmt.Errorf("event without id")
		}
		d.Put(Event{
			Rules: domain.EventRules{
				EventID:         e.ID,
				StartsAt:        e.StartsAt,
				GraceWindow:     time.Duration(e.GraceMinutes) * time.Minute,
				LateAllowance:   time.Duration(e.LateMinutes) * time.Minute,
				RefreshInterval: time.Duration(e.RefreshSeconds) * time.Second,
				AutoRefresh:     e.AutoRefresh,
				Geofence:        e.Geofence,
			},
			EndsAt:       e.EndsAt,
			Participants: e.Participants,
			Organizers:   e.Organizers,
		})
	}
	return len(events), nil
}
