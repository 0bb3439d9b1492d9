// Package auth implements the local credential and session service:
// salted Argon2id password storage, verification with lockout after
// repeated failures, and persisted sessions with absolute expiry.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bjpl/backendsim/pkg/crypto"
	"github.com/bjpl/backendsim/pkg/metrics"
	"github.com/bjpl/backendsim/pkg/model"
	"github.com/bjpl/backendsim/pkg/store"
)

// MaxFailedAttempts is the number of consecutive failed verifications
// after which an account locks.
const MaxFailedAttempts = 5

var (
	// ErrAccountLocked indicates the account is locked; verification fails
	// closed without checking the password.
	ErrAccountLocked = errors.New("auth: account locked")
	// ErrInvalidCredentials indicates an unknown username or wrong password.
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	// ErrSessionNotFound indicates the session does not exist or has lapsed.
	ErrSessionNotFound = errors.New("auth: session not found")
)

// Service provides credential and session operations over a DataStore.
type Service struct {
	store   store.DataStore
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an auth service bound to the given store. A nil
// metrics registry is replaced with a throwaway one.
func NewService(st store.DataStore, m *metrics.Metrics, opts ...Option) *Service {
	if m == nil {
		m = metrics.New()
	}
	s := &Service{
		store:   st,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a credential record and its profile in one logical
// transaction. Duplicate usernames or emails are rejected.
func (s *Service) Register(username, password, email string, role model.Role) (*model.Profile, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}

	now := s.now()
	cred := &model.Credential{
		Username:     username,
		PasswordHash: crypto.HashPassword(password, salt),
		Salt:         salt,
		Email:        email,
		CreatedAt:    now,
	}
	profile := &model.Profile{
		Username:     username,
		Email:        email,
		Role:         role,
		LastActiveAt: now,
	}
	if err := s.store.CreateAccount(cred, profile); err != nil {
		return nil, err
	}
	slog.Info("account registered", "username", username, "role", role.String())
	return profile, nil
}

// Verify checks a password against the stored hash. Locked accounts fail
// closed. A mismatch increments the failed counter and locks the account
// at MaxFailedAttempts; a match resets the counter, records the login
// time, and returns the public profile, never the hash or salt.
func (s *Service) Verify(username, password string) (*model.Profile, error) {
	cred, err := s.store.GetCredential(username)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		s.metrics.AuthFailed.Add(1)
		return nil, ErrInvalidCredentials
	}
	if cred.Locked {
		s.metrics.AuthFailed.Add(1)
		return nil, ErrAccountLocked
	}

	derived := crypto.HashPassword(password, cred.Salt)
	if !crypto.Equal(derived, cred.PasswordHash) {
		cred.FailedAttempts++
		if cred.FailedAttempts >= MaxFailedAttempts {
			cred.Locked = true
			s.metrics.AuthLockouts.Add(1)
			slog.Warn("account locked after repeated failures", "username", username)
		}
		if err := s.store.UpdateCredential(cred); err != nil {
			return nil, err
		}
		s.metrics.AuthFailed.Add(1)
		return nil, ErrInvalidCredentials
	}

	cred.FailedAttempts = 0
	cred.LastLoginAt = s.now()
	if err := s.store.UpdateCredential(cred); err != nil {
		return nil, err
	}

	profile, err := s.store.GetProfile(username)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrInvalidCredentials
	}
	s.metrics.AuthSuccess.Add(1)
	return profile, nil
}

// Unlock clears the lock and the failed counter. Admin operation.
func (s *Service) Unlock(username string) error {
	cred, err := s.store.GetCredential(username)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("auth: unlock: %w", store.ErrNotFound)
	}
	cred.Locked = false
	cred.FailedAttempts = 0
	return s.store.UpdateCredential(cred)
}

// CreateSession persists a new session with an absolute expiry of now+ttl.
func (s *Service) CreateSession(username string, ttl time.Duration, payload map[string]string) (*model.Session, error) {
	now := s.now()
	sess := &model.Session{
		ID:           uuid.NewString(),
		Username:     username,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActiveAt: now,
		Payload:      payload,
	}
	if err := s.store.PutSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession retrieves a session, lazily purging it if expired. Returns
// (nil, nil) for missing or expired ids; a second call on an expired id
// is an identical no-op.
func (s *Service) GetSession(id string) (*model.Session, error) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	if sess.Expired(s.now()) {
		if err := s.store.DeleteSession(id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return sess, nil
}

// TouchSession updates last-activity without moving the absolute expiry.
func (s *Service) TouchSession(id string) error {
	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	return s.store.UpdateSessionActivity(id, s.now())
}

// DeleteSession removes a session (logout).
func (s *Service) DeleteSession(id string) error {
	return s.store.DeleteSession(id)
}

// CleanExpiredSessions bulk-removes all sessions past expiry. Intended to
// be driven by an external scheduler, not self-scheduled.
func (s *Service) CleanExpiredSessions() (int64, error) {
	n, err := s.store.DeleteSessionsExpiredBefore(s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("purged expired sessions", "count", n)
	}
	return n, nil
}
