// Package store provides local persistence for credentials, sessions,
// profiles, settings, and the offline sync queue.
package store

import (
	"errors"
	"time"

	"github.com/bjpl/backendsim/pkg/model"
)

var (
	ErrDuplicateUsername = errors.New("store: username already exists")
	ErrDuplicateEmail    = errors.New("store: email already exists")
	ErrNotFound          = errors.New("store: record not found")
)

// DataStore defines the persistence interface for all backendsim records.
// Implementations include the default SQLite store and an in-memory store
// for tests; the interface is intentionally narrow enough that a remote
// backend could satisfy it too.
type DataStore interface {
	// Close closes the underlying storage connection.
	Close() error

	CredentialReadProvider
	CredentialWriteProvider

	ProfileReadProvider
	ProfileWriteProvider

	SessionReadProvider
	SessionWriteProvider

	SettingReadProvider
	SettingWriteProvider

	SyncQueueReadProvider
	SyncQueueWriteProvider
}

type CredentialReadProvider interface {
	// GetCredential retrieves a credential by username. Returns (nil, nil) if not found.
	GetCredential(username string) (*model.Credential, error)
}

type CredentialWriteProvider interface {
	// CreateAccount writes a credential and its profile in a single logical
	// transaction. Returns ErrDuplicateUsername or ErrDuplicateEmail on
	// unique-key conflicts.
	CreateAccount(cred *model.Credential, profile *model.Profile) error

	// UpdateCredential persists counter, lock, and login-time changes.
	UpdateCredential(cred *model.Credential) error
}

type ProfileReadProvider interface {
	// GetProfile retrieves a profile by username. Returns (nil, nil) if not found.
	GetProfile(username string) (*model.Profile, error)

	// ListProfiles returns all profiles ordered by username.
	ListProfiles() ([]model.Profile, error)
}

type ProfileWriteProvider interface {
	// UpdateProfile overwrites the stored profile for profile.Username.
	UpdateProfile(profile *model.Profile) error
}

type SessionReadProvider interface {
	// GetSession retrieves a session by id without expiry interpretation.
	// Returns (nil, nil) if not found; lazy purge is the caller's policy.
	GetSession(id string) (*model.Session, error)
}

type SessionWriteProvider interface {
	// PutSession inserts or replaces a session record.
	PutSession(sess *model.Session) error

	// UpdateSessionActivity touches last-activity only; expiry is absolute.
	UpdateSessionActivity(id string, at time.Time) error

	// DeleteSession removes a session. Deleting a missing session is a no-op.
	DeleteSession(id string) error

	// DeleteSessionsExpiredBefore removes all sessions with expiry before
	// the cutoff, using the expiry index, and returns how many went.
	DeleteSessionsExpiredBefore(cutoff time.Time) (int64, error)
}

type SettingReadProvider interface {
	// GetSetting retrieves a setting value. ok is false if the key is absent.
	GetSetting(key string) (value string, ok bool, err error)
}

type SettingWriteProvider interface {
	// PutSetting inserts or replaces a setting.
	PutSetting(key, value string) error

	// DeleteSetting removes a setting. Missing keys are a no-op.
	DeleteSetting(key string) error
}

type SyncQueueReadProvider interface {
	// ListQueueItems returns live queue items in FIFO order.
	ListQueueItems() ([]model.QueueItem, error)

	// ListDeadLetters returns dead-lettered items in FIFO order.
	ListDeadLetters() ([]model.QueueItem, error)
}

type SyncQueueWriteProvider interface {
	// AppendQueueItem appends an item and assigns its ID.
	AppendQueueItem(item *model.QueueItem) error

	// UpdateQueueItem persists attempt counters and the dead flag.
	UpdateQueueItem(item *model.QueueItem) error

	// DeleteQueueItem removes a replayed (or discarded) item.
	DeleteQueueItem(id int64) error
}
