package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bjpl/backendsim/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	nextQueueID int64

	credentials map[string]*model.Credential
	emails      map[string]string // email -> username
	profiles    map[string]*model.Profile
	sessions    map[string]*model.Session
	settings    map[string]string
	queueItems  []*model.QueueItem
	deadLetters []*model.QueueItem
}

// NewMemory creates an empty MemoryStore. Like the SQLite store it keeps
// no clock of its own; callers pass timestamps in.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		nextQueueID: 1,
		credentials: make(map[string]*model.Credential),
		emails:      make(map[string]string),
		profiles:    make(map[string]*model.Profile),
		sessions:    make(map[string]*model.Session),
		settings:    make(map[string]string),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateAccount writes a credential record and its profile atomically.
func (s *MemoryStore) CreateAccount(cred *model.Credential, profile *model.Profile) error {
	if err := model.ValidateUsername(cred.Username); err != nil {
		return fmt.Errorf("store: create account: %w", err)
	}
	if err := model.ValidateEmail(cred.Email); err != nil {
		return fmt.Errorf("store: create account: %w", err)
	}
	if !profile.Role.Valid() {
		return fmt.Errorf("store: create account: %w", model.ErrInvalidRole)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[cred.Username]; exists {
		return fmt.Errorf("store: create account: %w", ErrDuplicateUsername)
	}
	if _, exists := s.emails[cred.Email]; exists {
		return fmt.Errorf("store: create account: %w", ErrDuplicateEmail)
	}
	copyCred := *cred
	copyProfile := *profile
	s.credentials[cred.Username] = &copyCred
	s.emails[cred.Email] = cred.Username
	s.profiles[profile.Username] = &copyProfile
	return nil
}

// GetCredential retrieves a credential record by username.
func (s *MemoryStore) GetCredential(username string) (*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[username]
	if !ok {
		return nil, nil
	}
	copyCred := *cred
	return &copyCred, nil
}

// UpdateCredential persists counter, lock, and login-time changes.
func (s *MemoryStore) UpdateCredential(cred *model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.credentials[cred.Username]
	if !ok {
		return nil
	}
	delete(s.emails, existing.Email)
	copyCred := *cred
	s.credentials[cred.Username] = &copyCred
	s.emails[cred.Email] = cred.Username
	return nil
}

// GetProfile retrieves a profile by username.
func (s *MemoryStore) GetProfile(username string) (*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[username]
	if !ok {
		return nil, nil
	}
	copyProfile := *p
	return &copyProfile, nil
}

// ListProfiles returns all profiles ordered by username.
func (s *MemoryStore) ListProfiles() ([]model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profiles := make([]model.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		profiles = append(profiles, *p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Username < profiles[j].Username
	})
	return profiles, nil
}

// UpdateProfile overwrites the stored profile.
func (s *MemoryStore) UpdateProfile(profile *model.Profile) error {
	if !profile.Role.Valid() {
		return fmt.Errorf("store: update profile: %w", model.ErrInvalidRole)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile.Username]; !ok {
		return nil
	}
	copyProfile := *profile
	s.profiles[profile.Username] = &copyProfile
	return nil
}

// PutSession inserts or replaces a session record.
func (s *MemoryStore) PutSession(sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copySess := *sess
	if sess.Payload != nil {
		copySess.Payload = make(map[string]string, len(sess.Payload))
		for k, v := range sess.Payload {
			copySess.Payload[k] = v
		}
	}
	s.sessions[sess.ID] = &copySess
	return nil
}

// GetSession retrieves a session by id.
func (s *MemoryStore) GetSession(id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	copySess := *sess
	return &copySess, nil
}

// UpdateSessionActivity touches the last-activity timestamp only.
func (s *MemoryStore) UpdateSessionActivity(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastActiveAt = at.UTC()
	}
	return nil
}

// DeleteSession removes a session.
func (s *MemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteSessionsExpiredBefore removes all sessions past expiry.
func (s *MemoryStore) DeleteSessionsExpiredBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// GetSetting retrieves a setting value.
func (s *MemoryStore) GetSetting(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[key]
	return value, ok, nil
}

// PutSetting inserts or replaces a setting.
func (s *MemoryStore) PutSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// DeleteSetting removes a setting.
func (s *MemoryStore) DeleteSetting(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, key)
	return nil
}

// AppendQueueItem appends an item and assigns its ID.
func (s *MemoryStore) AppendQueueItem(item *model.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = s.nextQueueID
	s.nextQueueID++
	copyItem := *item
	if item.Dead {
		s.deadLetters = append(s.deadLetters, &copyItem)
	} else {
		s.queueItems = append(s.queueItems, &copyItem)
	}
	return nil
}

// UpdateQueueItem persists attempt counters and the dead flag, moving the
// item between the live and dead lists when the flag changes.
func (s *MemoryStore) UpdateQueueItem(item *model.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueItems = removeQueueItem(s.queueItems, item.ID)
	s.deadLetters = removeQueueItem(s.deadLetters, item.ID)
	copyItem := *item
	if item.Dead {
		s.deadLetters = insertQueueItem(s.deadLetters, &copyItem)
	} else {
		s.queueItems = insertQueueItem(s.queueItems, &copyItem)
	}
	return nil
}

// DeleteQueueItem removes a replayed (or discarded) item.
func (s *MemoryStore) DeleteQueueItem(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueItems = removeQueueItem(s.queueItems, id)
	s.deadLetters = removeQueueItem(s.deadLetters, id)
	return nil
}

// ListQueueItems returns live queue items in FIFO order.
func (s *MemoryStore) ListQueueItems() ([]model.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]model.QueueItem, 0, len(s.queueItems))
	for _, item := range s.queueItems {
		items = append(items, *item)
	}
	return items, nil
}

// ListDeadLetters returns dead-lettered items in FIFO order.
func (s *MemoryStore) ListDeadLetters() ([]model.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]model.QueueItem, 0, len(s.deadLetters))
	for _, item := range s.deadLetters {
		items = append(items, *item)
	}
	return items, nil
}

func removeQueueItem(items []*model.QueueItem, id int64) []*model.QueueItem {
	for i, item := range items {
		if item.ID == id {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}

func insertQueueItem(items []*model.QueueItem, item *model.QueueItem) []*model.QueueItem {
	pos := sort.Search(len(items), func(i int) bool { return items[i].ID > item.ID })
	items = append(items, nil)
	copy(items[pos+1:], items[pos:])
	items[pos] = item
	return items
}

// Compile-time check: *MemoryStore implements DataStore.
var _ DataStore = (*MemoryStore)(nil)
