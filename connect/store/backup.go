package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ===============================
// Snapshot & Restore
// ===============================

// Snapshot is a portable encrypted copy of the session database.
// Data is the sealed row export; HMAC covers Data so a tampered object
// is refused before decryption is attempted.
type Snapshot struct {
	Version         int    `cbor:"version"`
	RollbackCounter int64  `cbor:"rollback_counter"`
	Data            []byte `cbor:"data"`
	HMAC            []byte `cbor:"hmac"`
	CreatedAt       int64  `cbor:"created_at"`
}

// snapshotVersion is bumped when the row export format changes.
const snapshotVersion = 1

type snapshotRow struct {
	SessionID string `cbor:"session_id"`
	AppID     string `cbor:"app_id"`
	Record    []byte `cbor:"record"`
	CreatedAt int64  `cbor:"created_at"`
}

// Encode serializes a snapshot for object storage.
func (snap *Snapshot) Encode() ([]byte, error) {
	return cbor.Marshal(snap)
}

// DecodeSnapshot parses a snapshot fetched from object storage.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// CreateSnapshot exports every session row into an encrypted,
// integrity-protected snapshot.
func (s *Store) CreateSnapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.exportRows()
	if err != nil {
		return nil, fmt.Errorf("failed to export sessions: %w", err)
	}

	body, err := cbor.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot body: %w", err)
	}

	sealed, err := s.encrypt(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt snapshot: %w", err)
	}

	h := hmac.New(sha256.New, s.dek)
	h.Write(sealed)

	return &Snapshot{
		Version:         snapshotVersion,
		RollbackCounter: s.rollbackCounter,
		Data:            sealed,
		HMAC:            h.Sum(nil),
		CreatedAt:       time.Now().Unix(),
	}, nil
}

// RestoreSnapshot verifies a snapshot and replaces the session table with
// its contents. Snapshots older than the store's rollback counter are
// refused.
func (s *Store) RestoreSnapshot(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := hmac.New(sha256.New, s.dek)
	h.Write(snap.Data)
	if !hmac.Equal(snap.HMAC, h.Sum(nil)) {
		return fmt.Errorf("snapshot HMAC verification failed")
	}

	if snap.RollbackCounter < s.rollbackCounter {
		return fmt.Errorf("rollback detected: snapshot counter %d < current %d",
			snap.RollbackCounter, s.rollbackCounter)
	}

	body, err := s.decrypt(snap.Data)
	if err != nil {
		return fmt.Errorf("failed to decrypt snapshot: %w", err)
	}

	var rows []snapshotRow
	if err := cbor.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("failed to decode snapshot body: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin restore: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	for _, row := range rows {
		_, err := tx.Exec(`
			INSERT INTO sessions (session_id, app_id, record, created_at)
			VALUES (?, ?, ?, ?)
		`, row.SessionID, row.AppID, row.Record, row.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to restore session row: %w", err)
		}
	}
	_, err = tx.Exec(`
		UPDATE _metadata
		SET value = ?, updated_at = ?
		WHERE key = 'rollback_counter'
	`, fmt.Sprintf("%d", snap.RollbackCounter), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to persist rollback counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore: %w", err)
	}

	s.rollbackCounter = snap.RollbackCounter
	return nil
}

// exportRows reads the raw (still encrypted) session rows.
func (s *Store) exportRows() ([]snapshotRow, error) {
	rows, err := s.db.Query(`
		SELECT session_id, app_id, record, created_at FROM sessions
		ORDER BY created_at ASC, session_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []snapshotRow
	for rows.Next() {
		var row snapshotRow
		if err := rows.Scan(&row.SessionID, &row.AppID, &row.Record, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
