package autocrypt_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mercury-chat/engine/internal/autocrypt"
	"github.com/mercury-chat/engine/internal/store"
)

func openPeerstateTestStore(t *testing.T) *autocrypt.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "aerion.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return autocrypt.NewStore(db)
}

func TestPeerstateSaveLoadRoundTrip(t *testing.T) {
	s := openPeerstateTestStore(t)

	if _, ok, err := s.Load("alice@example.org"); err != nil {
		t.Fatalf("Load: %v", err)
	} else if ok {
		t.Fatal("expected no peerstate before Save")
	}

	p := &autocrypt.PeerState{
		Addr:                 "alice@example.org",
		LastSeen:             time.Unix(1000, 0),
		LastSeenAutocrypt:    time.Unix(1000, 0),
		PublicKey:            []byte("pubkey-bytes"),
		PublicKeyFingerprint: "ABCD1234",
		PreferEncrypt:        autocrypt.Mutual,
	}
	if err := s.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := s.Load("alice@example.org")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected a peerstate after Save")
	}
	if got.PublicKeyFingerprint != p.PublicKeyFingerprint || got.PreferEncrypt != autocrypt.Mutual {
		t.Fatalf("loaded peerstate = %+v, want fingerprint %q and Mutual preference", got, p.PublicKeyFingerprint)
	}
	if !got.LastSeen.Equal(p.LastSeen) {
		t.Fatalf("LastSeen = %v, want %v", got.LastSeen, p.LastSeen)
	}
}

func TestPeerstateSaveUpserts(t *testing.T) {
	s := openPeerstateTestStore(t)

	if err := s.Save(&autocrypt.PeerState{Addr: "bob@example.org", PreferEncrypt: autocrypt.NoPreference}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(&autocrypt.PeerState{Addr: "bob@example.org", PreferEncrypt: autocrypt.Mutual, PublicKeyFingerprint: "NEW"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := s.Load("bob@example.org")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected a peerstate")
	}
	if got.PreferEncrypt != autocrypt.Mutual || got.PublicKeyFingerprint != "NEW" {
		t.Fatalf("expected upserted values, got %+v", got)
	}
}
