package users

import (
	"context"
	"fmt"

	"signals.org/internal/address"
)

// Filterable fields. Password hashes can never be filtered on.
const (
	FieldUserID     = "user_id"
	FieldUsername   = "username"
	FieldEmail      = "email"
	FieldPhone      = "phone"
	FieldChatHandle = "chat_handle"
	FieldRole       = "role"
	FieldStatus     = "status"
)

var filterFields = map[string]struct{}{
	FieldUserID: {}, FieldUsername: {}, FieldEmail: {}, FieldPhone: {},
	FieldChatHandle: {}, FieldRole: {}, FieldStatus: {},
}

// Filter selects users by exact field equality; entries combine with AND.
// An empty filter matches every user.
type Filter map[string]string

// Validate rejects fields that cannot be filtered on.
func (f Filter) Validate() error {
	for k := range f {
		if _, ok := filterFields[k]; !ok {
			return fmt.Errorf("users: unknown filter field %q", k)
		}
	}
	return nil
}

// Match reports whether u satisfies every entry of f.
func (f Filter) Match(u User) bool {
	for k, v := range f {
		if fieldValue(u, k) != v {
			return false
		}
	}
	return true
}

func fieldValue(u User, field string) string {
	switch field {
	case FieldUserID:
		return u.ID
	case FieldUsername:
		return u.Username
	case FieldEmail:
		return u.Email
	case FieldPhone:
		return u.Phone
	case FieldChatHandle:
		return u.ChatHandle
	case FieldRole:
		return u.Role
	case FieldStatus:
		return u.Status
	}
	return ""
}

// Patch lists the fields to change; nil means unchanged.
type Patch struct {
	Username     *string
	PasswordHash *string
	Email        *string
	Phone        *string
	ChatHandle   *string
	Role         *string
	Status       *string
	Address      *address.Address
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Username == nil && p.PasswordHash == nil && p.Email == nil && p.Phone == nil &&
		p.ChatHandle == nil && p.Role == nil && p.Status == nil && p.Address == nil
}

// Apply returns u with the patch applied.
func (p Patch) Apply(u User) User {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&u.Username, p.Username)
	set(&u.PasswordHash, p.PasswordHash)
	set(&u.Email, p.Email)
	set(&u.Phone, p.Phone)
	set(&u.ChatHandle, p.ChatHandle)
	set(&u.Role, p.Role)
	set(&u.Status, p.Status)
	if p.Address != nil {
		a := *p.Address
		u.Address = &a
	}
	return u
}

// Repository is the storage contract for accounts.
//
// Create assigns ID and CreatedAt and must reject a second account with the
// same username with ErrDuplicateUsername even under concurrent calls.
// QueryByID and UpdateByID return ErrNotFound for unknown ids. DeleteByID
// treats an unknown id as success.
type Repository interface {
	Query(ctx context.Context, f Filter) ([]User, error)
	QueryByID(ctx context.Context, id string) (User, error)
	Create(ctx context.Context, u User) (User, error)
	UpdateByID(ctx context.Context, id string, p Patch) (User, error)
	DeleteByID(ctx context.Context, id string) (string, error)
}
