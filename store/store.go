// Package store defines the persistence abstraction for the race-timing
// server: identity records (permissions, roles, users) in the user database
// and pilot records in the race database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ---- permissions ----

// Permission is an identifier drawn from a closed enumeration. Permissions
// are persistent once created and never mutated.
type Permission string

const (
	PermEventWebsocket Permission = "event_websocket"
	PermSystemControl  Permission = "system_control"
	PermReadPilots     Permission = "read_pilots"
	PermWritePilots    Permission = "write_pilots"
	PermRaceEvents     Permission = "race_events"
	PermResetPassword  Permission = "reset_password"
)

// DefaultPermissions returns the full built-in permission set installed by
// the persistent bootstrap.
func DefaultPermissions() []Permission {
	return []Permission{
		PermEventWebsocket,
		PermSystemControl,
		PermReadPilots,
		PermWritePilots,
		PermRaceEvents,
		PermResetPassword,
	}
}

// ---- domain types ----

// Role groups permissions under a unique name. A persistent role cannot be
// deleted by ordinary operations.
type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
	Persistent  bool         `json:"persistent"`
}

// HasPermission reports whether the role grants perm.
func (r *Role) HasPermission(perm Permission) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// User is an account on the server. AuthID is an opaque identifier that is
// stable across password changes; external surfaces never key on the row ID.
type User struct {
	ID            int64      `json:"id"`
	AuthID        uuid.UUID  `json:"auth_id"`
	Username      string     `json:"username"`
	FirstName     string     `json:"first_name,omitempty"`
	LastName      string     `json:"last_name,omitempty"`
	PasswordHash  string     `json:"-"`
	Roles         []Role     `json:"roles"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	ResetRequired bool       `json:"reset_required"`
	Persistent    bool       `json:"persistent"`
}

// Permissions computes the union of permissions across the user's roles.
// The effective set is derived on demand, never stored.
func (u *User) Permissions() map[Permission]bool {
	set := make(map[Permission]bool)
	for _, role := range u.Roles {
		for _, p := range role.Permissions {
			set[p] = true
		}
	}
	return set
}

// HasPermission reports whether any of the user's roles grants perm.
func (u *User) HasPermission(perm Permission) bool {
	for _, role := range u.Roles {
		if role.HasPermission(perm) {
			return true
		}
	}
	return false
}

// Pilot is a competitor record in the race database.
type Pilot struct {
	ID       int64  `json:"id"`
	Callsign string `json:"callsign"`
	Name     string `json:"name,omitempty"`
	Phonetic string `json:"phonetic,omitempty"`
	TeamName string `json:"team_name,omitempty"`
}

// ---- errors ----

var (
	// ErrNotFound reports a lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists reports a unique-constraint violation. The Ensure*
	// bootstrap wrappers swallow it.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStorage wraps a storage failure that survived one retry.
	ErrStorage = errors.New("storage error")
)

// ---- store interfaces ----

// UserStore is the persistence abstraction for the identity model.
// All methods are context-aware; implementations retry transient failures
// once before surfacing ErrStorage.
type UserStore interface {
	// ---- permissions ----
	AllPermissions(ctx context.Context) ([]Permission, error)
	// EnsurePersistentPermissions inserts any of perms that are missing.
	// Idempotent.
	EnsurePersistentPermissions(ctx context.Context, perms []Permission) error

	// ---- roles ----
	RoleByName(ctx context.Context, name string) (*Role, error)
	// EnsurePersistentRole creates the named role with persistent=true and
	// the given permissions when absent; an existing role is left alone.
	EnsurePersistentRole(ctx context.Context, name string, perms []Permission) error

	// ---- users ----
	UserByUsername(ctx context.Context, username string) (*User, error)
	UserByAuthID(ctx context.Context, authID uuid.UUID) (*User, error)
	CreateUser(ctx context.Context, user *User) (*User, error)
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	UpdateLastLogin(ctx context.Context, userID int64) error
	SetResetRequired(ctx context.Context, userID int64, required bool) error
	// EnsurePersistentUser creates the named user with persistent=true and
	// reset_required=true when absent. Idempotent.
	EnsurePersistentUser(ctx context.Context, username, passwordHash string, roles []Role) error
	// ForEachUser streams all users lazily, stopping on the first fn error.
	ForEachUser(ctx context.Context, fn func(*User) error) error

	Close() error
}

// RaceStore is the persistence abstraction for the race database.
type RaceStore interface {
	CreatePilot(ctx context.Context, pilot *Pilot) (*Pilot, error)
	UpdatePilot(ctx context.Context, pilot *Pilot) (*Pilot, error)
	DeletePilot(ctx context.Context, id int64) error
	PilotByID(ctx context.Context, id int64) (*Pilot, error)
	// ForEachPilot streams all pilots lazily, stopping on the first fn error.
	ForEachPilot(ctx context.Context, fn func(*Pilot) error) error

	Close() error
}
