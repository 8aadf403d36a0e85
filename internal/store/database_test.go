package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "aerion.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestMigrateCreatesSentinelContacts(t *testing.T) {
	db := openTestDB(t)

	var name string
	if err := db.QueryRow("SELECT name FROM contacts WHERE id = ?", ContactSelf).Scan(&name); err != nil {
		t.Fatalf("query SELF contact: %v", err)
	}
	if name == "" {
		t.Fatal("expected SELF contact to have a placeholder name")
	}

	var deviceAddr string
	if err := db.QueryRow("SELECT addr FROM contacts WHERE id = ?", ContactDevice).Scan(&deviceAddr); err != nil {
		t.Fatalf("query DEVICE contact: %v", err)
	}
	if deviceAddr == "" {
		t.Fatal("expected DEVICE contact to have an address")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate call should be a no-op, got: %v", err)
	}

	var version int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected version %d, got %d", len(migrations), version)
	}
}

func TestCheckpointDoesNotError(t *testing.T) {
	db := openTestDB(t)
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}

func TestBlobPathUnderBlobsDir(t *testing.T) {
	db := openTestDB(t)
	got := db.BlobPath("abc123.bin")
	want := filepath.Join(db.BlobsDir(), "abc123.bin")
	if got != want {
		t.Fatalf("BlobPath = %q, want %q", got, want)
	}
}
