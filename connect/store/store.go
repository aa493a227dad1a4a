// Package store persists connect sessions in an encrypted SQLite
// database. Session records are sealed with XChaCha20-Poly1305 under a
// 32-byte DEK before they reach the database, so the file on disk leaks
// nothing beyond row counts and timestamps.
package store

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"github.com/keymeld/connect-host/connect"
)

// Store implements connect.SessionStore on SQLite.
type Store struct {
	db     *sql.DB
	dek    []byte // 32-byte Data Encryption Key
	dbPath string

	// Rollback protection counter, incremented on each write. A snapshot
	// carrying a lower counter is refused on restore.
	rollbackCounter int64

	mu sync.RWMutex
}

// Open opens or creates the session database at path. Use ":memory:" for
// an ephemeral store.
func Open(path string, dek []byte) (*Store, error) {
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK must be 32 bytes")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		dek:    dek,
		dbPath: path,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadRollbackCounter(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load rollback counter: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Sessions, one row per approved handshake.
	-- app_id is not unique here: one session per app is the controller's
	-- invariant, kept by deleting before adding.
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		record BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_app ON sessions(app_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	-- Metadata for rollback protection and snapshot state
	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (s *Store) loadRollbackCounter() error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = 'rollback_counter'`).Scan(&value)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec(`
			INSERT INTO _metadata (key, value, updated_at)
			VALUES ('rollback_counter', '0', ?)
		`, time.Now().Unix())
		return err
	}
	if err != nil {
		return err
	}

	counter, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt rollback counter %q: %w", value, err)
	}
	s.rollbackCounter = counter
	return nil
}

// --- SessionStore operations ---

// Add appends a session row. Rows for the same app are kept as-is;
// callers wanting one session per app delete first.
func (s *Store) Add(session *connect.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := cbor.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	sealed, err := s.encrypt(record)
	if err != nil {
		return fmt.Errorf("failed to encrypt session: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, app_id, record, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), session.AppID, sealed, session.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// List returns every stored session, oldest first.
func (s *Store) List() ([]*connect.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT record FROM sessions
		ORDER BY created_at ASC, session_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*connect.Session
	for rows.Next() {
		var sealed []byte
		if err := rows.Scan(&sealed); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		record, err := s.decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt session: %w", err)
		}
		var session connect.Session
		if err := cbor.Unmarshal(record, &session); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		sessions = append(sessions, &session)
	}

	return sessions, rows.Err()
}

// Delete removes every session belonging to the given apps.
func (s *Store) Delete(appIDs ...string) error {
	if len(appIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(appIDs))
	args := make([]interface{}, len(appIDs))
	for i, id := range appIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`DELETE FROM sessions WHERE app_id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}

	s.incrementRollbackCounter()
	return nil
}

// Count returns the number of stored sessions.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// RollbackCounter returns the current rollback protection counter.
func (s *Store) RollbackCounter() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollbackCounter
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// --- Encryption helpers ---

// encrypt seals data with XChaCha20-Poly1305 under the DEK.
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens data sealed by encrypt.
func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := ciphertext[:nonceSize]
	ciphertext = ciphertext[nonceSize:]

	return aead.Open(nil, nonce, ciphertext, nil)
}

// incrementRollbackCounter bumps the counter and persists it.
func (s *Store) incrementRollbackCounter() {
	s.rollbackCounter++
	s.db.Exec(`
		UPDATE _metadata
		SET value = ?, updated_at = ?
		WHERE key = 'rollback_counter'
	`, fmt.Sprintf("%d", s.rollbackCounter), time.Now().Unix())
}
