package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const MaxUsernameLength = 32

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrEmailInvalid = errors.New("email must contain a single @ with text on both sides")
var ErrInvalidRole = errors.New("invalid role: must be user (0), editor (1), or admin (2)")

// Credential is the at-rest record for one account: the salted password
// hash, the brute-force counters, and nothing a caller should ever see.
type Credential struct {
	Username       string
	PasswordHash   []byte
	Salt           []byte
	Email          string
	CreatedAt      time.Time
	LastLoginAt    time.Time // zero until the first successful verification
	FailedAttempts int
	Locked         bool
}

// Profile is the public user record, created alongside its credential and
// updated independently by profile edits.
type Profile struct {
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	DisplayName  string    `json:"display_name"`
	Bio          string    `json:"bio,omitempty"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Session is one persisted login session. Expiry is absolute: touching
// the session moves LastActiveAt but never ExpiresAt.
type Session struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	Payload      map[string]string `json:"payload,omitempty"`
}

// Expired reports whether the session is logically dead at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric,
// underscore, or hyphen characters. Returns nil on success or a
// descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidateEmail performs a shape check only; deliverability is not our
// problem at this layer.
func ValidateEmail(email string) error {
	at := strings.Index(email, "@")
	if at <= 0 || at != strings.LastIndex(email, "@") || at == len(email)-1 {
		return ErrEmailInvalid
	}
	return nil
}
