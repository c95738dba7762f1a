package auth

import (
	"time"

	"github.com/estatehub/estatehub/internal/rbac"
)

// User represents a login account. Its actor identity is what bindings and
// audit entries refer to.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	ActorType    rbac.ActorType
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor returns the user's actor reference.
func (u User) Actor() rbac.Actor {
	return rbac.Actor{ID: u.ID, Type: u.ActorType}
}

// SessionRecord mirrors a live Redis session in auth_sessions.
type SessionRecord struct {
	ID        string
	Actor     rbac.Actor
	CreatedAt time.Time
	ExpiresAt time.Time
	IP        string
	UserAgent string
}
