// ABOUTME: Tests for SQLite store setup and schema creation
// ABOUTME: Covers database creation, nested directories and reopening an existing file

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// newTestStore opens a fresh SQLite store in a temp directory.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := first.UpsertWorker(ctx, &Worker{ID: "w1", ClientID: "123"}); err != nil {
		t.Fatalf("UpsertWorker failed: %v", err)
	}
	first.Close()

	// schema creation must be a no-op on an existing database
	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer second.Close()

	w, err := second.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.ClientID != "123" {
		t.Errorf("expected client id 123, got %q", w.ClientID)
	}
}

func TestSchemaHasClientIDColumn(t *testing.T) {
	s := newTestStore(t)

	var notNull int
	var dflt string
	err := s.db.QueryRow(
		`SELECT "notnull", dflt_value FROM pragma_table_info('workers') WHERE name = 'client_id'`,
	).Scan(&notNull, &dflt)
	if err != nil {
		t.Fatalf("client_id column missing from workers: %v", err)
	}
	if notNull != 1 || dflt != "''" {
		t.Errorf("unexpected client_id definition: notnull=%d default=%s", notNull, dflt)
	}
}
