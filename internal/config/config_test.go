package config

import (
	"path/filepath"
	"testing"

	"github.com/mercury-chat/engine/internal/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "aerion.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestLoadBeforeSaveReturnsZeroValue(t *testing.T) {
	s := NewStore(openTestStore(t))
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Configured {
		t.Fatal("expected an unconfigured zero value")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(openTestStore(t))
	want := Config{
		Addr:        "alice@example.org",
		MailServer:  "imap.example.org",
		MailPort:    993,
		MailUser:    "alice@example.org",
		MailPw:      "hunter2",
		SendServer:  "smtp.example.org",
		SendPort:    465,
		SendUser:    "alice@example.org",
		SendPw:      "hunter2",
		ServerFlags: IMAPSocketSSL | SMTPSocketSSL,
		Configured:  true,
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Addr != want.Addr || got.MailServer != want.MailServer || got.MailPw != want.MailPw {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if !got.Configured {
		t.Fatal("expected Configured to survive the round trip")
	}
}

func TestResetClearsConfig(t *testing.T) {
	s := NewStore(openTestStore(t))
	if err := s.Save(Config{Addr: "alice@example.org", Configured: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Configured || got.Addr != "" {
		t.Fatalf("expected Reset to zero the config, got %+v", got)
	}
}
