// Package users holds the account model, the repository contract and the
// registration, login and maintenance flows built on top of it.
package users

import (
	"time"

	"signals.org/internal/address"
)

// Roles known to the service.
const (
	RoleSupport = "support"
	RoleIP      = "ip"
	RoleAdmin   = "admin"
)

// Account states. Self-registered accounts start pending.
const (
	StatusPending = "pending"
	StatusActive  = "active"
)

// KnownRoles lists every role an account may hold.
var KnownRoles = []string{RoleSupport, RoleIP, RoleAdmin}

// User is a stored account. PasswordHash never leaves the process.
type User struct {
	ID           string           `json:"user_id"`
	Username     string           `json:"username"`
	PasswordHash string           `json:"-"`
	Email        string           `json:"email"`
	Phone        string           `json:"phone"`
	ChatHandle   string           `json:"chat_handle"`
	Role         string           `json:"role"`
	Status       string           `json:"status"`
	Address      *address.Address `json:"address,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Active reports whether the account may log in.
func (u User) Active() bool { return u.Status == StatusActive }

func validStatus(s string) bool {
	return s == StatusPending || s == StatusActive
}
