// Package model defines the core domain types for backendsim.
package model

import (
	"encoding/json"
	"time"
)

// Role represents a user's permission level.
type Role int

const (
	RoleUser   Role = iota // Default role, can manage its own profile
	RoleEditor             // Can edit shared content
	RoleAdmin              // Full control: manage users, unlock accounts, drive the sync queue
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "editor":
		return RoleEditor
	default:
		return RoleUser
	}
}

// Valid reports whether the role is one of the defined values.
func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleAdmin
}

// Permission represents a specific action that can be checked against a role.
type Permission int

const (
	PermEditAnyProfile Permission = iota
	PermListUsers
	PermUnlockAccount
	PermRequeueSync
	PermEditContent
)

// Envelope is the wire shape of a hub message: dispatch is driven by Type
// against the registered handler table, Payload stays opaque until the
// handler decodes it.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notification is an asynchronous event the hub emits to a client:
// lifecycle (open/close), membership changes, payload messages, pings.
// Delivery is best effort and unordered across broadcasts.
type Notification struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Request describes one application request handed to the gateway.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Mutating reports whether replaying the request changes backend state.
// Only mutating requests are queued for sync while offline.
func (r *Request) Mutating() bool {
	switch r.Method {
	case "GET", "HEAD", "OPTIONS":
		return false
	default:
		return true
	}
}

// Response is the gateway's answer, identical in shape whether it came
// from the real backend or a local mock handler.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// QueueItem is one deferred write in the sync queue.
type QueueItem struct {
	ID            int64     `json:"id"`
	Request       Request   `json:"request"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Dead          bool      `json:"dead"`
}
