package domain

import "github.com/google/uuid"

// Role is the role an authenticated caller holds.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOrganizer Role = "organizer"
	RoleMember    Role = "member"
	RoleSystem    Role = "system"
)

// Actor is the authorization context resolved once at the request boundary.
type Actor struct {
	UserID uuid.UUID
	Role   Role
}

// SystemActor is used by background jobs such as the refresh driver.
var SystemActor = Actor{Role: RoleSystem}

// IsAdmin reports whether the actor may perform administrative operations.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// IsAuthenticated reports whether the actor carries a user identity.
func (a Actor) IsAuthenticated() bool {
	return a.UserID != uuid.Nil || a.Role == RoleSystem
}
