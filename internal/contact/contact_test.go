package contact

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/mercury-chat/engine/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "aerion.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return New(db)
}

func TestNormalizeAddrTrimsLowercasesStripsBrackets(t *testing.T) {
	got := NormalizeAddr("  <Alice@Example.ORG>  ")
	if got != "alice@example.org" {
		t.Fatalf("NormalizeAddr = %q", got)
	}
}

func TestLookupOrCreateCreatesNewContact(t *testing.T) {
	s := openTestStore(t)
	c, err := s.LookupOrCreate("Alice", "alice@example.org", OriginIncomingUnknownFrom)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	if c.ID <= store.ContactLastSpecial {
		t.Fatalf("expected non-sentinel id, got %d", c.ID)
	}
	if c.Origin != OriginIncomingUnknownFrom {
		t.Fatalf("Origin = %v", c.Origin)
	}
}

func TestLookupOrCreateOnlyRaisesOrigin(t *testing.T) {
	s := openTestStore(t)
	c1, err := s.LookupOrCreate("Alice", "alice@example.org", OriginManual)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	c2, err := s.LookupOrCreate("Alice", "alice@example.org", OriginIncomingUnknownFrom)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("expected same contact, got different ids")
	}
	if c2.Origin != OriginManual {
		t.Fatalf("expected origin to stay at OriginManual (higher), got %v", c2.Origin)
	}
}

func TestBlockRejectsSentinelContacts(t *testing.T) {
	s := openTestStore(t)
	if err := s.Block(store.ContactSelf, true); err == nil {
		t.Fatal("expected error blocking SELF")
	}
}

func TestDeleteRejectsReferencedContact(t *testing.T) {
	s := openTestStore(t)
	c, err := s.LookupOrCreate("Bob", "bob@example.org", OriginManual)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	if _, err := s.db.Exec(`INSERT INTO chats (id, type) VALUES (100, 100)`); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO chat_contacts (chat_id, contact_id) VALUES (100, ?)`, c.ID); err != nil {
		t.Fatalf("seed membership: %v", err)
	}

	if err := s.Delete(c.ID); err == nil {
		t.Fatal("expected delete to fail for a contact with a chat membership")
	}
}

func TestAddAddressBookImportsPairs(t *testing.T) {
	s := openTestStore(t)
	n, err := s.AddAddressBook([]string{"Carol", "carol@example.org", "", "not-an-email", "Dave", "dave@example.org"})
	if err != nil {
		t.Fatalf("AddAddressBook: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 imported, got %d", n)
	}
}

func TestImportVCard(t *testing.T) {
	s := openTestStore(t)
	card := strings.Join([]string{
		"BEGIN:VCARD",
		"VERSION:3.0",
		"FN:Erin Example",
		"EMAIL:erin@example.org",
		"END:VCARD",
		"",
	}, "\r\n")

	n, err := s.ImportVCard(strings.NewReader(card))
	if err != nil {
		t.Fatalf("ImportVCard: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 imported, got %d", n)
	}
}
