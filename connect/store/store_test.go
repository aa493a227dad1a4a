package store

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/keymeld/connect-host/connect"
)

func newTestStore(t *testing.T) (*Store, []byte) {
	t.Helper()

	dek := make([]byte, 32)
	rand.Read(dek)

	s, err := Open(":memory:", dek)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dek
}

func testSession(t *testing.T, appID string) *connect.Session {
	t.Helper()

	keys := make([][]byte, 4)
	for i := range keys {
		keys[i] = make([]byte, 32)
		rand.Read(keys[i])
	}

	return &connect.Session{
		AppID:           appID,
		AppName:         "Test App",
		AppURL:          "https://app.example.com",
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		LocalPublicKey:  keys[0],
		LocalPrivateKey: keys[1],
		PeerPublicKey:   keys[2],
		SharedSecret:    keys[3],
	}
}

func TestOpenRejectsShortDEK(t *testing.T) {
	dek := make([]byte, 16)
	rand.Read(dek)

	if _, err := Open(":memory:", dek); err == nil {
		t.Fatal("Expected error for invalid DEK size")
	}
}

func TestAddListDelete(t *testing.T) {
	s, _ := newTestStore(t)

	first := testSession(t, "app-1")
	second := testSession(t, "app-2")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)

	if err := s.Add(first); err != nil {
		t.Fatalf("Failed to add first session: %v", err)
	}
	if err := s.Add(second); err != nil {
		t.Fatalf("Failed to add second session: %v", err)
	}

	sessions, err := s.List()
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].AppID != "app-1" || sessions[1].AppID != "app-2" {
		t.Errorf("Expected oldest-first order, got %q then %q", sessions[0].AppID, sessions[1].AppID)
	}
	if !bytes.Equal(sessions[0].SharedSecret, first.SharedSecret) {
		t.Error("Shared secret did not round-trip")
	}
	if sessions[0].CreatedAt.Unix() != first.CreatedAt.Unix() {
		t.Errorf("CreatedAt did not round-trip: %v vs %v", sessions[0].CreatedAt, first.CreatedAt)
	}

	if err := s.Delete("app-1"); err != nil {
		t.Fatalf("Failed to delete session: %v", err)
	}
	count, err := s.Count()
	if err != nil {
		t.Fatalf("Failed to count sessions: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 session after delete, got %d", count)
	}

	sessions, err = s.List()
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].AppID != "app-2" {
		t.Errorf("Expected only app-2 to remain, got %+v", sessions)
	}
}

func TestStoreKeepsDuplicateAppRows(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Add(testSession(t, "app-1")); err != nil {
		t.Fatalf("Failed to add session: %v", err)
	}
	if err := s.Add(testSession(t, "app-1")); err != nil {
		t.Fatalf("Failed to add duplicate app session: %v", err)
	}

	sessions, err := s.List()
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("Expected the store to keep both rows, got %d", len(sessions))
	}

	// One delete call covers every row for the app.
	if err := s.Delete("app-1"); err != nil {
		t.Fatalf("Failed to delete sessions: %v", err)
	}
	count, _ := s.Count()
	if count != 0 {
		t.Errorf("Expected no sessions after delete, got %d", count)
	}
}

func TestRecordsEncryptedAtRest(t *testing.T) {
	s, _ := newTestStore(t)

	session := testSession(t, "app-1")
	if err := s.Add(session); err != nil {
		t.Fatalf("Failed to add session: %v", err)
	}

	var sealed []byte
	if err := s.db.QueryRow(`SELECT record FROM sessions`).Scan(&sealed); err != nil {
		t.Fatalf("Failed to read raw record: %v", err)
	}

	if bytes.Contains(sealed, session.SharedSecret) {
		t.Error("Shared secret is visible in the stored record")
	}
	if bytes.Contains(sealed, session.LocalPrivateKey) {
		t.Error("Private key is visible in the stored record")
	}
	if bytes.Contains(sealed, []byte("app_id")) {
		t.Error("Record field names are visible, record does not look encrypted")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s, dek := newTestStore(t)

	first := testSession(t, "app-1")
	second := testSession(t, "app-2")
	if err := s.Add(first); err != nil {
		t.Fatalf("Failed to add session: %v", err)
	}
	if err := s.Add(second); err != nil {
		t.Fatalf("Failed to add session: %v", err)
	}

	snap, err := s.CreateSnapshot()
	if err != nil {
		t.Fatalf("Failed to create snapshot: %v", err)
	}
	encoded, err := snap.Encode()
	if err != nil {
		t.Fatalf("Failed to encode snapshot: %v", err)
	}

	decoded, err := DecodeSnapshot(encoded)
	if err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}

	restored, err := Open(":memory:", dek)
	if err != nil {
		t.Fatalf("Failed to open restore target: %v", err)
	}
	defer restored.Close()

	if err := restored.RestoreSnapshot(decoded); err != nil {
		t.Fatalf("Failed to restore snapshot: %v", err)
	}

	sessions, err := restored.List()
	if err != nil {
		t.Fatalf("Failed to list restored sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 restored sessions, got %d", len(sessions))
	}
	if !bytes.Equal(sessions[0].SharedSecret, first.SharedSecret) {
		t.Error("Restored shared secret does not match")
	}
	if restored.RollbackCounter() != snap.RollbackCounter {
		t.Errorf("Expected rollback counter %d after restore, got %d",
			snap.RollbackCounter, restored.RollbackCounter())
	}
}

func TestSnapshotTamperRejected(t *testing.T) {
	s, dek := newTestStore(t)

	if err := s.Add(testSession(t, "app-1")); err != nil {
		t.Fatalf("Failed to add session: %v", err)
	}
	snap, err := s.CreateSnapshot()
	if err != nil {
		t.Fatalf("Failed to create snapshot: %v", err)
	}
	snap.Data[len(snap.Data)-1] ^= 0x01

	target, err := Open(":memory:", dek)
	if err != nil {
		t.Fatalf("Failed to open restore target: %v", err)
	}
	defer target.Close()

	if err := target.RestoreSnapshot(snap); err == nil {
		t.Fatal("Expected tampered snapshot to be refused")
	}
}

func TestSnapshotRollbackRejected(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Add(testSession(t, "app-1")); err != nil {
		t.Fatalf("Failed to add session: %v", err)
	}
	old, err := s.CreateSnapshot()
	if err != nil {
		t.Fatalf("Failed to create snapshot: %v", err)
	}

	// More writes move the counter past the snapshot.
	if err := s.Add(testSession(t, "app-2")); err != nil {
		t.Fatalf("Failed to add session: %v", err)
	}

	err = s.RestoreSnapshot(old)
	if err == nil {
		t.Fatal("Expected stale snapshot to be refused")
	}
}

func TestRollbackCounterSurvivesReopen(t *testing.T) {
	dek := make([]byte, 32)
	rand.Read(dek)
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := Open(path, dek)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := s.Add(testSession(t, "app-1")); err != nil {
		t.Fatalf("Failed to add session: %v", err)
	}
	counter := s.RollbackCounter()
	if counter == 0 {
		t.Fatal("Expected rollback counter to advance on write")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	reopened, err := Open(path, dek)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if reopened.RollbackCounter() != counter {
		t.Errorf("Expected counter %d after reopen, got %d", counter, reopened.RollbackCounter())
	}
	sessions, err := reopened.List()
	if err != nil {
		t.Fatalf("Failed to list sessions after reopen: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("Expected 1 session after reopen, got %d", len(sessions))
	}
}
