// Package model defines domain entities shared by the client core and the reference server.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/schoolsync/internal/errs"
)

// Tokens collects issued access/refresh tokens (session token optional).
type Tokens struct {
	AccessToken  string
	RefreshToken string
	SessionToken string
	ExpiresAt    time.Time // access token expiry (for diagnostics)
}

// DeviceCertificate proves that this physical device once authenticated as a given user.
// It is used only when the ordinary refresh fails.
type DeviceCertificate struct {
	RefreshToken string    `json:"refreshToken"`
	Email        string    `json:"email"`
	UserID       string    `json:"userId"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// Credentials is a snapshot of every stored credential. Each field is persisted as its own entry.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	SessionToken string
	Device       *DeviceCertificate
}

// OpKind is the kind of a client-originated write.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is one of the known operation kinds.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueuedOperation is one durable client write awaiting server confirmation.
type QueuedOperation struct {
	Operation  OpKind          `json:"operation"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate checks the fields every queued operation must carry.
func (o QueuedOperation) Validate() error {
	if !o.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", errs.ErrValidation, o.Operation)
	}
	if o.EntityType == "" {
		return fmt.Errorf("%w: empty entity type", errs.ErrValidation)
	}
	if o.Operation != OpCreate && o.EntityID == "" {
		return fmt.Errorf("%w: %s requires entity id", errs.ErrValidation, o.Operation)
	}
	return nil
}

// ServerChange is a server-side mutation reported back by a batch sync.
// The client core treats it as advisory data and never merges it.
type ServerChange struct {
	Operation  OpKind          `json:"operation"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SyncState is derived from the offline queue and the last successful sync marker.
type SyncState struct {
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
	PendingCount int        `json:"pendingCount"`
}

// --- wire payloads ---

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is the answer of POST /auth/refresh; RefreshToken is set when the server rotates it.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// LoginRequest is the body of POST /auth/login and POST /auth/register.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the answer of POST /auth/login.
type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	SessionToken string `json:"sessionToken,omitempty"`
	UserID       string `json:"userId"`
	Email        string `json:"email"`
}

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	DeviceID   string            `json:"deviceId"`
	Operations []QueuedOperation `json:"operations"`
	LastSyncAt *time.Time        `json:"lastSyncAt,omitempty"`
}

// SyncResponse is the answer of POST /sync. Processed counts the leading operations applied.
type SyncResponse struct {
	Processed     int            `json:"processed"`
	Failed        int            `json:"failed"`
	ServerChanges []ServerChange `json:"serverChanges,omitempty"`
}

// --- server side ---

// User represents an account stored on the server. Passwords are never stored in plaintext.
type User struct {
	ID        uuid.UUID
	Email     string // unique
	PwdHash   []byte // Argon2id(password, SaltAuth)
	SaltAuth  []byte
	CreatedAt time.Time
}

// RefreshToken is a stored (hashed) refresh token bound to a user and device.
type RefreshToken struct {
	Hash      string
	UserID    uuid.UUID
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Entity is a generic domain record (booking, profile field, ...) written by synced operations.
type Entity struct {
	UserID    uuid.UUID
	Type      string
	ID        string
	Payload   json.RawMessage
	Deleted   bool
	UpdatedAt time.Time
}
