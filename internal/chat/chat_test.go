package chat

import (
	"path/filepath"
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

func seedContact(t *testing.T, s *Store, addr string) uint32 {
	t.Helper()
	res, err := s.db.Exec(`INSERT INTO contacts (addr) VALUES (?)`, addr)
	if err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	id, _ := res.LastInsertId()
	return uint32(id)
}

func TestCreateByContactIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	bob := seedContact(t, s, "bob@example.org")

	c1, err := s.CreateByContact(bob)
	if err != nil {
		t.Fatalf("CreateByContact: %v", err)
	}
	if c1.Type != TypeSingle {
		t.Fatalf("expected TypeSingle, got %v", c1.Type)
	}

	c2, err := s.CreateByContact(bob)
	if err != nil {
		t.Fatalf("CreateByContact (second call): %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("expected same chat on repeat calls, got %d and %d", c1.ID, c2.ID)
	}

	members, err := s.Members(c1.ID)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members (self + bob), got %d", len(members))
	}
}

func TestCreateGroupStartsUnpromotedWithOnlySelf(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateGroup("Book Club", false)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	promoted, err := s.IsPromoted(c.ID)
	if err != nil {
		t.Fatalf("IsPromoted: %v", err)
	}
	if promoted {
		t.Fatal("a freshly created group should not be promoted")
	}

	members, err := s.Members(c.ID)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0] != store.ContactSelf {
		t.Fatalf("expected only SELF as a member, got %v", members)
	}
}

func TestAddMemberDoesNotBroadcastWhileUnpromoted(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateGroup("Trip Planning", false)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	bob := seedContact(t, s, "bob@example.org")

	if err := s.AddMember(c.ID, bob, 1000); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	ids, err := s.GetMessages(c.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no system message while unpromoted, got %v", ids)
	}
	var hidden int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ? AND hidden = 1`, c.ID).Scan(&hidden); err != nil {
		t.Fatalf("count system messages: %v", err)
	}
	if hidden != 0 {
		t.Fatalf("expected no invisible system message while unpromoted, got %d", hidden)
	}
}

func TestAddMemberBroadcastsOncePromoted(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateGroup("Trip Planning", false)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO messages (chat_id, timestamp, type, state, hidden)
		VALUES (?, ?, ?, ?, 0)`, c.ID, 500, 10 /* TypeText */, 20 /* StateOutPending */); err != nil {
		t.Fatalf("seed promoting message: %v", err)
	}

	bob := seedContact(t, s, "bob@example.org")
	if err := s.AddMember(c.ID, bob, 1000); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	ids, err := s.GetMessages(c.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected only the seeded message in the visible list, got %v", ids)
	}
	var hidden int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ? AND hidden = 1`, c.ID).Scan(&hidden); err != nil {
		t.Fatalf("count system messages: %v", err)
	}
	if hidden != 1 {
		t.Fatalf("expected one invisible broadcast system message, got %d", hidden)
	}
}

func TestSetDraftClearsTimestampOnEmptyText(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateGroup("Notes", false)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := s.SetDraft(c.ID, "buy milk", 1000); err != nil {
		t.Fatalf("SetDraft: %v", err)
	}
	loaded, err := s.Load(c.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.DraftText != "buy milk" || loaded.DraftTimestamp != 1000 {
		t.Fatalf("unexpected draft state: %+v", loaded)
	}

	if err := s.SetDraft(c.ID, "", 1000); err != nil {
		t.Fatalf("SetDraft (clear): %v", err)
	}
	loaded, err = s.Load(c.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.DraftText != "" || loaded.DraftTimestamp != 0 {
		t.Fatalf("expected cleared draft, got %+v", loaded)
	}
}

func TestGetMessagesInsertsDayMarker(t *testing.T) {
	s := openTestStore(t)
	c, err := s.CreateGroup("Daily", false)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	const day1 = int64(1_700_000_000) // 2023-11-14
	const day2 = int64(1_700_100_000) // 2023-11-16

	for _, ts := range []int64{day1, day2} {
		if _, err := s.db.Exec(`
			INSERT INTO messages (chat_id, timestamp, type, state, hidden)
			VALUES (?, ?, 10, 20, 0)`, c.ID, ts); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	ids, err := s.GetMessages(c.ID, FlagAddDayMarker, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 2 messages + 1 day marker, got %v", ids)
	}
	if ids[1] != store.MsgDayMarker {
		t.Fatalf("expected a day marker between the two messages, got %v", ids)
	}
}
