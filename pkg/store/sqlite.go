package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bjpl/backendsim/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// Store provides SQLite-backed access for all backendsim records.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS credentials (
		username        TEXT PRIMARY KEY CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash   BLOB NOT NULL,
		salt            BLOB NOT NULL,
		email           TEXT NOT NULL UNIQUE,
		created_at      TEXT NOT NULL DEFAULT (datetime('now')),
		last_login_at   TEXT,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		locked          INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS profiles (
		username       TEXT PRIMARY KEY,
		email          TEXT NOT NULL,
		role           INTEGER NOT NULL DEFAULT 0 CHECK(role >= 0 AND role <= 2),
		display_name   TEXT NOT NULL DEFAULT '',
		bio            TEXT NOT NULL DEFAULT '',
		last_active_at TEXT
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		username       TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		expires_at     TEXT NOT NULL,
		last_active_at TEXT NOT NULL,
		payload        TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		method      TEXT NOT NULL,
		path        TEXT NOT NULL,
		headers     TEXT NOT NULL DEFAULT '{}',
		body        BLOB,
		enqueued_at TEXT NOT NULL
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			// Bounded retry + dead-letter support for the sync queue.
			version: 2,
			statements: []string{
				"ALTER TABLE sync_queue ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0",
				"ALTER TABLE sync_queue ADD COLUMN last_attempt_at TEXT",
				"ALTER TABLE sync_queue ADD COLUMN dead INTEGER NOT NULL DEFAULT 0",
			},
			ignoreErrors: true,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("store: update schema version: %w", err)
	}
	return nil
}

func (s *Store) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func parseDBTimePtr(value sql.NullString) (time.Time, error) {
	if !value.Valid || value.String == "" {
		return time.Time{}, nil
	}
	return parseDBTime(value.String)
}

func formatDBTimePtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := formatDBTime(t)
	return &v
}

// mapConstraintErr rewrites SQLite unique-constraint failures into the
// store's sentinel errors so that callers can branch without string checks.
func mapConstraintErr(err error, op string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "credentials.username"), strings.Contains(msg, "profiles.username"):
		return fmt.Errorf("store: %s: %w", op, ErrDuplicateUsername)
	case strings.Contains(msg, "credentials.email"):
		return fmt.Errorf("store: %s: %w", op, ErrDuplicateEmail)
	default:
		return fmt.Errorf("store: %s: %w", op, err)
	}
}

// ---- Credentials ----

// CreateAccount writes a credential record and its profile atomically.
func (s *Store) CreateAccount(cred *model.Credential, profile *model.Profile) error {
	if err := model.ValidateUsername(cred.Username); err != nil {
		return fmt.Errorf("store: create account: %w", err)
	}
	if err := model.ValidateEmail(cred.Email); err != nil {
		return fmt.Errorf("store: create account: %w", err)
	}
	if !profile.Role.Valid() {
		return fmt.Errorf("store: create account: %w", model.ErrInvalidRole)
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: create account: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lockedInt := 0
	if cred.Locked {
		lockedInt = 1
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO credentials (username, password_hash, salt, email, created_at, last_login_at, failed_attempts, locked) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		cred.Username, cred.PasswordHash, cred.Salt, cred.Email,
		formatDBTime(cred.CreatedAt), formatDBTimePtr(cred.LastLoginAt),
		cred.FailedAttempts, lockedInt)
	if err != nil {
		return mapConstraintErr(err, "create account")
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO profiles (username, email, role, display_name, bio, last_active_at) VALUES (?, ?, ?, ?, ?, ?)",
		profile.Username, profile.Email, int(profile.Role),
		profile.DisplayName, profile.Bio, formatDBTimePtr(profile.LastActiveAt))
	if err != nil {
		return mapConstraintErr(err, "create account")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: create account: commit: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential record by username.
func (s *Store) GetCredential(username string) (*model.Credential, error) {
	c := &model.Credential{}
	var createdAt string
	var lastLogin sql.NullString
	var lockedInt int
	err := s.db.QueryRowContext(context.Background(),
		"SELECT username, password_hash, salt, email, created_at, last_login_at, failed_attempts, locked FROM credentials WHERE username = ?", username).
		Scan(&c.Username, &c.PasswordHash, &c.Salt, &c.Email, &createdAt, &lastLogin, &c.FailedAttempts, &lockedInt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get credential: %w", err)
	}
	c.Locked = lockedInt != 0
	if c.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: get credential: %w", err)
	}
	if c.LastLoginAt, err = parseDBTimePtr(lastLogin); err != nil {
		return nil, fmt.Errorf("store: get credential: %w", err)
	}
	return c, nil
}

// UpdateCredential persists counter, lock, and login-time changes.
func (s *Store) UpdateCredential(cred *model.Credential) error {
	lockedInt := 0
	if cred.Locked {
		lockedInt = 1
	}
	_, err := s.db.ExecContext(context.Background(),
		"UPDATE credentials SET password_hash = ?, salt = ?, email = ?, last_login_at = ?, failed_attempts = ?, locked = ? WHERE username = ?",
		cred.PasswordHash, cred.Salt, cred.Email, formatDBTimePtr(cred.LastLoginAt),
		cred.FailedAttempts, lockedInt, cred.Username)
	if err != nil {
		return fmt.Errorf("store: update credential: %w", err)
	}
	return nil
}

// ---- Profiles ----

// GetProfile retrieves a profile by username.
func (s *Store) GetProfile(username string) (*model.Profile, error) {
	p := &model.Profile{}
	var roleInt int
	var lastActive sql.NullString
	err := s.db.QueryRowContext(context.Background(),
		"SELECT username, email, role, display_name, bio, last_active_at FROM profiles WHERE username = ?", username).
		Scan(&p.Username, &p.Email, &roleInt, &p.DisplayName, &p.Bio, &lastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get profile: %w", err)
	}
	p.Role = model.Role(roleInt)
	if p.LastActiveAt, err = parseDBTimePtr(lastActive); err != nil {
		return nil, fmt.Errorf("store: get profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns all profiles ordered by username.
func (s *Store) ListProfiles() ([]model.Profile, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT username, email, role, display_name, bio, last_active_at FROM profiles ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("store: list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []model.Profile
	for rows.Next() {
		var p model.Profile
		var roleInt int
		var lastActive sql.NullString
		if err := rows.Scan(&p.Username, &p.Email, &roleInt, &p.DisplayName, &p.Bio, &lastActive); err != nil {
			return nil, fmt.Errorf("store: scan profile: %w", err)
		}
		p.Role = model.Role(roleInt)
		if p.LastActiveAt, err = parseDBTimePtr(lastActive); err != nil {
			return nil, fmt.Errorf("store: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpdateProfile overwrites the stored profile.
func (s *Store) UpdateProfile(profile *model.Profile) error {
	if !profile.Role.Valid() {
		return fmt.Errorf("store: update profile: %w", model.ErrInvalidRole)
	}
	_, err := s.db.ExecContext(context.Background(),
		"UPDATE profiles SET email = ?, role = ?, display_name = ?, bio = ?, last_active_at = ? WHERE username = ?",
		profile.Email, int(profile.Role), profile.DisplayName, profile.Bio,
		formatDBTimePtr(profile.LastActiveAt), profile.Username)
	if err != nil {
		return fmt.Errorf("store: update profile: %w", err)
	}
	return nil
}

// ---- Sessions ----

// PutSession inserts or replaces a session record.
func (s *Store) PutSession(sess *model.Session) error {
	payload := "{}"
	if len(sess.Payload) > 0 {
		data, err := json.Marshal(sess.Payload)
		if err != nil {
			return fmt.Errorf("store: put session: %w", err)
		}
		payload = string(data)
	}
	_, err := s.db.ExecContext(context.Background(),
		"INSERT OR REPLACE INTO sessions (id, username, created_at, expires_at, last_active_at, payload) VALUES (?, ?, ?, ?, ?, ?)",
		sess.ID, sess.Username, formatDBTime(sess.CreatedAt), formatDBTime(sess.ExpiresAt),
		formatDBTime(sess.LastActiveAt), payload)
	if err != nil {
		return fmt.Errorf("store: put session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(id string) (*model.Session, error) {
	sess := &model.Session{}
	var createdAt, expiresAt, lastActive, payload string
	err := s.db.QueryRowContext(context.Background(),
		"SELECT id, username, created_at, expires_at, last_active_at, payload FROM sessions WHERE id = ?", id).
		Scan(&sess.ID, &sess.Username, &createdAt, &expiresAt, &lastActive, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if sess.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if sess.ExpiresAt, err = parseDBTime(expiresAt); err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if sess.LastActiveAt, err = parseDBTime(lastActive); err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &sess.Payload); err != nil {
			return nil, fmt.Errorf("store: get session: %w", err)
		}
	}
	return sess, nil
}

// UpdateSessionActivity touches the last-activity timestamp only.
func (s *Store) UpdateSessionActivity(id string, at time.Time) error {
	_, err := s.db.ExecContext(context.Background(),
		"UPDATE sessions SET last_active_at = ? WHERE id = ?", formatDBTime(at), id)
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.ExecContext(context.Background(), "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// DeleteSessionsExpiredBefore removes all sessions past expiry via the
// idx_sessions_expires_at index.
func (s *Store) DeleteSessionsExpiredBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		"DELETE FROM sessions WHERE expires_at < ?", formatDBTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: clean sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- Settings ----

// GetSetting retrieves a setting value.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(context.Background(),
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting: %w", err)
	}
	return value, true, nil
}

// PutSetting inserts or replaces a setting.
func (s *Store) PutSetting(key, value string) error {
	_, err := s.db.ExecContext(context.Background(),
		"INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("store: put setting: %w", err)
	}
	return nil
}

// DeleteSetting removes a setting.
func (s *Store) DeleteSetting(key string) error {
	_, err := s.db.ExecContext(context.Background(), "DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("store: delete setting: %w", err)
	}
	return nil
}

// ---- Sync queue ----

// AppendQueueItem appends an item and assigns its ID. Autoincrement ids
// preserve FIFO order across restarts.
func (s *Store) AppendQueueItem(item *model.QueueItem) error {
	headers := "{}"
	if len(item.Request.Headers) > 0 {
		data, err := json.Marshal(item.Request.Headers)
		if err != nil {
			return fmt.Errorf("store: append queue item: %w", err)
		}
		headers = string(data)
	}
	deadInt := 0
	if item.Dead {
		deadInt = 1
	}
	res, err := s.db.ExecContext(context.Background(),
		"INSERT INTO sync_queue (method, path, headers, body, enqueued_at, attempts, last_attempt_at, dead) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		item.Request.Method, item.Request.Path, headers, item.Request.Body,
		formatDBTime(item.EnqueuedAt), item.Attempts, formatDBTimePtr(item.LastAttemptAt), deadInt)
	if err != nil {
		return fmt.Errorf("store: append queue item: %w", err)
	}
	item.ID, _ = res.LastInsertId()
	return nil
}

// UpdateQueueItem persists attempt counters and the dead flag.
func (s *Store) UpdateQueueItem(item *model.QueueItem) error {
	deadInt := 0
	if item.Dead {
		deadInt = 1
	}
	_, err := s.db.ExecContext(context.Background(),
		"UPDATE sync_queue SET attempts = ?, last_attempt_at = ?, dead = ? WHERE id = ?",
		item.Attempts, formatDBTimePtr(item.LastAttemptAt), deadInt, item.ID)
	if err != nil {
		return fmt.Errorf("store: update queue item: %w", err)
	}
	return nil
}

// DeleteQueueItem removes a replayed (or discarded) item.
func (s *Store) DeleteQueueItem(id int64) error {
	_, err := s.db.ExecContext(context.Background(), "DELETE FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete queue item: %w", err)
	}
	return nil
}

// ListQueueItems returns live queue items in FIFO order.
func (s *Store) ListQueueItems() ([]model.QueueItem, error) {
	return s.listQueue(false)
}

// ListDeadLetters returns dead-lettered items in FIFO order.
func (s *Store) ListDeadLetters() ([]model.QueueItem, error) {
	return s.listQueue(true)
}

func (s *Store) listQueue(dead bool) ([]model.QueueItem, error) {
	deadInt := 0
	if dead {
		deadInt = 1
	}
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT id, method, path, headers, body, enqueued_at, attempts, last_attempt_at, dead FROM sync_queue WHERE dead = ? ORDER BY id", deadInt)
	if err != nil {
		return nil, fmt.Errorf("store: list queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.QueueItem
	for rows.Next() {
		var item model.QueueItem
		var headers, enqueuedAt string
		var lastAttempt sql.NullString
		var deadScan int
		if err := rows.Scan(&item.ID, &item.Request.Method, &item.Request.Path, &headers,
			&item.Request.Body, &enqueuedAt, &item.Attempts, &lastAttempt, &deadScan); err != nil {
			return nil, fmt.Errorf("store: scan queue item: %w", err)
		}
		item.Dead = deadScan != 0
		if headers != "" && headers != "{}" {
			if err := json.Unmarshal([]byte(headers), &item.Request.Headers); err != nil {
				return nil, fmt.Errorf("store: scan queue item: %w", err)
			}
		}
		if item.EnqueuedAt, err = parseDBTime(enqueuedAt); err != nil {
			return nil, fmt.Errorf("store: scan queue item: %w", err)
		}
		if item.LastAttemptAt, err = parseDBTimePtr(lastAttempt); err != nil {
			return nil, fmt.Errorf("store: scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Compile-time check: *Store implements DataStore.
var _ DataStore = (*Store)(nil)
