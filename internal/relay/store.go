package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSecretMismatch is returned when a runner presents the wrong secret for
// an already-registered runnerId.
var ErrSecretMismatch = errors.New("runner secret mismatch")

const sqlTime = "2006-01-02 15:04:05"

// Store holds the hub's durable small state: principals, API keys, runner
// identities, attachment metadata, and hub-level config values. Session
// transcripts live in the transcript store, not here.
type Store struct {
	db *sql.DB
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// User is a hub principal. Admins can see every session; everyone else sees
// only their own.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Admin       bool
	CreatedAt   time.Time
}

func (s *Store) CreateUser(id, email, displayName string, admin bool) error {
	_, err := s.db.Exec(
		"INSERT INTO users (id, email, display_name, is_admin) VALUES (?, ?, ?, ?)",
		id, email, displayName, boolToInt(admin),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// EnsureUser creates a user row if it does not exist yet. Used for the
// synthetic runner-token principal at boot.
func (s *Store) EnsureUser(id, email, displayName string, admin bool) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO users (id, email, display_name, is_admin) VALUES (?, ?, ?, ?)",
		id, email, displayName, boolToInt(admin),
	)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow("SELECT id, COALESCE(email,''), COALESCE(display_name,''), is_admin, created_at FROM users WHERE id = ?", id)
	var u User
	var admin int
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &admin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Admin = admin != 0
	return &u, nil
}

// CreateAPIKey mints a new key for a user and returns the plaintext. Only
// the sha256 digest is stored.
func (s *Store) CreateAPIKey(userID, label string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	key := "pk_" + hex.EncodeToString(raw)
	_, err := s.db.Exec(
		"INSERT INTO api_keys (id, user_id, key_hash, label) VALUES (?, ?, ?, ?)",
		uuid.NewString(), userID, hashKey(key), label,
	)
	if err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	return key, nil
}

// LookupAPIKey resolves a presented key to its user, or nil when unknown.
func (s *Store) LookupAPIKey(key string) (*User, error) {
	row := s.db.QueryRow(
		`SELECT u.id, COALESCE(u.email,''), COALESCE(u.display_name,''), u.is_admin, u.created_at
		 FROM api_keys k JOIN users u ON u.id = k.user_id
		 WHERE k.key_hash = ?`,
		hashKey(key),
	)
	var u User
	var admin int
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &admin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	u.Admin = admin != 0

	now := time.Now().UTC().Format(sqlTime)
	if _, err := s.db.Exec("UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?", now, hashKey(key)); err != nil {
		return nil, fmt.Errorf("touch api key: %w", err)
	}
	return &u, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RunnerIdentity is the stored binding of a runnerId to its secret.
type RunnerIdentity struct {
	RunnerID    string
	OwnerUserID string
	Name        string
	CreatedAt   time.Time
}

// BindRunner registers a runner identity on first sight and verifies the
// secret on every later registration. A wrong secret returns
// ErrSecretMismatch and leaves the stored binding untouched.
func (s *Store) BindRunner(runnerID, secret, ownerUserID, name string) (*RunnerIdentity, error) {
	row := s.db.QueryRow("SELECT secret_hash, owner_user_id, COALESCE(name,''), created_at FROM runners WHERE runner_id = ?", runnerID)
	var secretHash, owner, storedName string
	var createdAt time.Time
	err := row.Scan(&secretHash, &owner, &storedName, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash runner secret: %w", err)
		}
		now := time.Now().UTC()
		_, err = s.db.Exec(
			"INSERT INTO runners (runner_id, secret_hash, owner_user_id, name, last_seen_at) VALUES (?, ?, ?, ?, ?)",
			runnerID, string(hash), ownerUserID, name, now.Format(sqlTime),
		)
		if err != nil {
			return nil, fmt.Errorf("bind runner: %w", err)
		}
		return &RunnerIdentity{RunnerID: runnerID, OwnerUserID: ownerUserID, Name: name, CreatedAt: now}, nil
	case err != nil:
		return nil, fmt.Errorf("get runner: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) != nil {
		return nil, ErrSecretMismatch
	}
	if name != "" && name != storedName {
		if _, err := s.db.Exec("UPDATE runners SET name = ? WHERE runner_id = ?", name, runnerID); err != nil {
			return nil, fmt.Errorf("update runner name: %w", err)
		}
		storedName = name
	}
	return &RunnerIdentity{RunnerID: runnerID, OwnerUserID: owner, Name: storedName, CreatedAt: createdAt}, nil
}

func (s *Store) TouchRunner(runnerID string) error {
	now := time.Now().UTC().Format(sqlTime)
	if _, err := s.db.Exec("UPDATE runners SET last_seen_at = ? WHERE runner_id = ?", now, runnerID); err != nil {
		return fmt.Errorf("touch runner: %w", err)
	}
	return nil
}

// Attachment is uploaded file metadata; the bytes live content-addressed in
// the data directory.
type Attachment struct {
	ID        string
	SessionID string
	UserID    string
	Filename  string
	MimeType  string
	Size      int64
	SHA256    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (s *Store) CreateAttachment(a *Attachment) error {
	_, err := s.db.Exec(
		`INSERT INTO attachments (id, session_id, user_id, filename, mime_type, size, sha256, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.UserID, a.Filename, a.MimeType, a.Size, a.SHA256,
		a.ExpiresAt.UTC().Format(sqlTime),
	)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

func (s *Store) GetAttachment(id string) (*Attachment, error) {
	row := s.db.QueryRow(
		"SELECT id, session_id, user_id, filename, mime_type, size, sha256, created_at, expires_at FROM attachments WHERE id = ?",
		id,
	)
	var a Attachment
	err := row.Scan(&a.ID, &a.SessionID, &a.UserID, &a.Filename, &a.MimeType, &a.Size, &a.SHA256, &a.CreatedAt, &a.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &a, nil
}

// ExpiredAttachments lists attachments whose TTL passed, for the janitor.
func (s *Store) ExpiredAttachments(now time.Time) ([]Attachment, error) {
	rows, err := s.db.Query(
		"SELECT id, session_id, user_id, filename, mime_type, size, sha256, created_at, expires_at FROM attachments WHERE expires_at <= ?",
		now.UTC().Format(sqlTime),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.SessionID, &a.UserID, &a.Filename, &a.MimeType, &a.Size, &a.SHA256, &a.CreatedAt, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAttachment(id string) error {
	if _, err := s.db.Exec("DELETE FROM attachments WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// CountAttachmentRefs reports how many attachment rows share a content hash.
// The blob on disk is removed only when the last reference expires.
func (s *Store) CountAttachmentRefs(sha string) (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM attachments WHERE sha256 = ?", sha).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attachment refs: %w", err)
	}
	return n, nil
}

func (s *Store) GetHubConfig(key string) (string, error) {
	row := s.db.QueryRow("SELECT value FROM hub_config WHERE key = ?", key)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get hub config: %w", err)
	}
	return value, nil
}

func (s *Store) SetHubConfig(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO hub_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set hub config: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
