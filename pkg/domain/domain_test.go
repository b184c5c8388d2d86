package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestActor(t *testing.T) {
	tests := []struct {
		name          string
		actor         Actor
		wantAdmin     bool
		wantAuthentic bool
	}{
		{name: "admin", actor: Actor{UserID: uuid.New(), Role: RoleAdmin}, wantAdmin: true, wantAuthentic: true},
		{name: "organizer", actor: Actor{UserID: uuid.New(), Role: RoleOrganizer}, wantAuthentic: true},
		{name: "system", actor: SystemActor, wantAdmin: true, wantAuthentic: true},
		{name: "anonymous", actor: Actor{}, wantAuthentic: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.actor.IsAdmin(); got != tt.wantAdmin {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.wantAdmin)
			}
			if got := tt.actor.IsAuthenticated(); got != tt.wantAuthentic {
				t.Errorf("IsAuthenticated() = %v, want %v", got, tt.wantAuthentic)
			}
		})
	}
}

func TestCheckInSession_IsExpired(t *testing.T) {
	expires := time.Date(2025, 3, 1, 9, 0, 30, 0, time.UTC)
	s := &CheckInSession{ExpiresAt: expires}

	if s.IsExpired(expires) {
		t.Error("session should still be valid at its expiry instant")
	}
	if !s.IsExpired(expires.Add(time.Microsecond)) {
		t.Error("session should be expired after its expiry instant")
	}
}

func TestSigningSecret_VerifiableAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	expires := now.Add(10 * time.Minute)

	active := &SigningSecret{IsActive: true}
	retired := &SigningSecret{ExpiresAt: &expires}
	orphan := &SigningSecret{}

	if !active.VerifiableAt(now.Add(24 * time.Hour)) {
		t.Error("active secret should always verify")
	}
	if !retired.VerifiableAt(now) {
		t.Error("retired secret should verify within grace")
	}
	if retired.VerifiableAt(expires) {
		t.Error("retired secret should not verify at grace end")
	}
	if orphan.VerifiableAt(now) {
		t.Error("inactive secret without expiry should not verify")
	}
}

func TestRateLimitedError(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	err := fmt.Errorf("scan: %w", &RateLimitedError{Identifier: "u1", Action: ActionScan, Until: now.Add(45 * time.Second)})

	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatal("wrapped RateLimitedError should be found with errors.As")
	}
	if got := limited.RetryAfter(now); got != 45*time.Second {
		t.Errorf("RetryAfter() = %v, want 45s", got)
	}
	if got := limited.RetryAfter(now.Add(time.Minute)); got != 0 {
		t.Errorf("RetryAfter() after block = %v, want 0", got)
	}
}

func TestCheckInMethod_Valid(t *testing.T) {
	for _, m := range []CheckInMethod{MethodQR, MethodQRGPS, MethodNetwork, MethodManual} {
		if !m.Valid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if CheckInMethod("bluetooth").Valid() {
		t.Error("unknown method should be invalid")
	}
}

func TestAttendance_Outcome(t *testing.T) {
	a := &Attendance{ID: uuid.New(), Status: StatusLate, Method: MethodQR}
	out := a.Outcome()

	if out.AttendanceID == nil || *out.AttendanceID != a.ID {
		t.Errorf("AttendanceID = %v, want %v", out.AttendanceID, a.ID)
	}
	if out.Reasons == nil {
		t.Error("Reasons should be an empty list, not nil")
	}
	if out.Status != StatusLate {
		t.Errorf("Status = %q, want %q", out.Status, StatusLate)
	}
}
