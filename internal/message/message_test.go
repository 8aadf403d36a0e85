package message

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

func seedChat(t *testing.T, db *store.DB, typ int) uint32 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO chats (type) VALUES (?)`, typ)
	if err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	id, _ := res.LastInsertId()
	return uint32(id)
}

func addMember(t *testing.T, db *store.DB, chatID, contactID uint32) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO chat_contacts (chat_id, contact_id) VALUES (?, ?)`, chatID, contactID); err != nil {
		t.Fatalf("add member: %v", err)
	}
}

func TestCreateAndLoad(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	chatID := seedChat(t, db, 100)

	id, err := s.Create(&Message{ChatID: chatID, Timestamp: 1000, Type: TypeText, State: StateInFresh, Text: "hi"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Text != "hi" || m.State != StateInFresh {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestSetStateRejectsBackwardMove(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	chatID := seedChat(t, db, 100)

	id, err := s.Create(&Message{ChatID: chatID, Timestamp: 1000, Type: TypeText, State: StateInSeen})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetState(id, StateInFresh); err == nil {
		t.Fatal("expected error moving backward in the incoming chain")
	}
	if err := s.SetState(id, StateOutPending); err == nil {
		t.Fatal("expected error crossing from incoming to outgoing chain")
	}
}

func TestMarkSeenRespectsBlockedChat(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	chatID := seedChat(t, db, 100)
	if _, err := db.Exec(`UPDATE chats SET blocked = 1 WHERE id = ?`, chatID); err != nil {
		t.Fatalf("block chat: %v", err)
	}

	id, err := s.Create(&Message{ChatID: chatID, Timestamp: 1000, Type: TypeText, State: StateInFresh})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	seen, err := s.MarkSeen([]uint32{id})
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if len(seen) != 0 {
		t.Fatalf("expected no ids to reach IN_SEEN for a blocked chat, got %v", seen)
	}
	m, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.State != StateInNoticed {
		t.Fatalf("expected IN_NOTICED, got %d", m.State)
	}
}

func TestMarkSeenAdvancesNonBlockedChat(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	chatID := seedChat(t, db, 100)

	id, err := s.Create(&Message{ChatID: chatID, Timestamp: 1000, Type: TypeText, State: StateInFresh})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	seen, err := s.MarkSeen([]uint32{id})
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected message to reach IN_SEEN, got %v", seen)
	}
}

func TestRecordMDNSingleChatMarksReceivedImmediately(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	chatID := seedChat(t, db, 100) // TypeSingle
	addMember(t, db, chatID, 1)
	addMember(t, db, chatID, 50)

	id, err := s.Create(&Message{ChatID: chatID, Timestamp: 1000, Type: TypeText, State: StateOutDelivered})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.RecordMDN(id, 50, 2000); err != nil {
		t.Fatalf("RecordMDN: %v", err)
	}
	m, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.State != StateOutMDNRcvd {
		t.Fatalf("expected OUT_MDN_RCVD, got %d", m.State)
	}
}

func TestRecordMDNGroupChatWaitsForMajority(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	chatID := seedChat(t, db, 120) // TypeGroup
	for _, member := range []uint32{1, 50, 51, 52} {
		addMember(t, db, chatID, member)
	}

	id, err := s.Create(&Message{ChatID: chatID, Timestamp: 1000, Type: TypeText, State: StateOutDelivered})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.RecordMDN(id, 50, 2000); err != nil {
		t.Fatalf("RecordMDN: %v", err)
	}
	m, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.State == StateOutMDNRcvd {
		t.Fatal("expected message to still be waiting after a single receipt in a 4-member group")
	}

	if err := s.RecordMDN(id, 51, 2001); err != nil {
		t.Fatalf("RecordMDN: %v", err)
	}
	m, err = s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.State != StateOutMDNRcvd {
		t.Fatalf("expected OUT_MDN_RCVD once half the membership has responded, got %d", m.State)
	}
}

func TestForwardCreatesNewOutgoingMessage(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	srcChat := seedChat(t, db, 100)
	dstChat := seedChat(t, db, 100)

	id, err := s.Create(&Message{ChatID: srcChat, Timestamp: 1000, Type: TypeText, State: StateInSeen, Text: "forward me"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newIDs, err := s.Forward([]uint32{id}, dstChat, 2000)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(newIDs) != 1 {
		t.Fatalf("expected 1 new message, got %d", len(newIDs))
	}
	m, err := s.Load(newIDs[0])
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.ChatID != dstChat || m.State != StateOutPending || m.Text != "forward me" {
		t.Fatalf("unexpected forwarded message: %+v", m)
	}
}

func TestSetFailedRecordsError(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	chatID := seedChat(t, db, 100)

	id, err := s.Create(&Message{ChatID: chatID, Timestamp: 1000, Type: TypeText, State: StateOutPending})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetFailed(id, "smtp: connection refused"); err != nil {
		t.Fatalf("SetFailed: %v", err)
	}
	m, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.State != StateOutFailed {
		t.Fatalf("expected OUT_FAILED, got %d", m.State)
	}
}
