package engine

import (
	"testing"

	"github.com/mercury-chat/engine/internal/autocrypt"
	"github.com/mercury-chat/engine/internal/contact"
	"github.com/mercury-chat/engine/internal/message"
	"github.com/mercury-chat/engine/internal/mime"
)

func TestMailboxConfigKey(t *testing.T) {
	if got := mailboxConfigKey("INBOX"); got != "imap.mailbox.INBOX" {
		t.Fatalf("mailboxConfigKey(INBOX) = %q", got)
	}
}

func TestParseHighWaterMarkRoundTrip(t *testing.T) {
	v, u, err := parseHighWaterMark("7:42")
	if err != nil {
		t.Fatalf("parseHighWaterMark: %v", err)
	}
	if v != 7 || u != 42 {
		t.Fatalf("parseHighWaterMark(7:42) = (%d, %d)", v, u)
	}
}

func TestParseHighWaterMarkRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "7", "7:42:9", "x:42", "7:x"} {
		if _, _, err := parseHighWaterMark(raw); err == nil {
			t.Fatalf("parseHighWaterMark(%q) expected error, got nil", raw)
		}
	}
}

func TestPersistAndReadHighWaterMark(t *testing.T) {
	e := openTestEngine(t)

	if err := e.persistHighWaterMark("INBOX", 5, 100); err != nil {
		t.Fatalf("persistHighWaterMark: %v", err)
	}

	raw, ok, err := e.configStore.GetRaw(mailboxConfigKey("INBOX"))
	if err != nil || !ok {
		t.Fatalf("GetRaw: ok=%v err=%v", ok, err)
	}
	v, u, err := parseHighWaterMark(raw)
	if err != nil {
		t.Fatalf("parseHighWaterMark: %v", err)
	}
	if v != 5 || u != 100 {
		t.Fatalf("stored (%d, %d), want (5, 100)", v, u)
	}
}

func TestSyncedHighWaterMarkReturnsStoredValueOnMatchingValidity(t *testing.T) {
	e := openTestEngine(t)

	if err := e.persistHighWaterMark("INBOX", 9, 200); err != nil {
		t.Fatalf("persistHighWaterMark: %v", err)
	}

	// conn is never touched because the stored uidvalidity matches, so
	// a nil *imap.Client is safe here.
	lastSeen, err := e.syncedHighWaterMark(nil, nil, "INBOX", 9)
	if err != nil {
		t.Fatalf("syncedHighWaterMark: %v", err)
	}
	if lastSeen != 200 {
		t.Fatalf("syncedHighWaterMark = %d, want 200", lastSeen)
	}
}

func TestPartMessageType(t *testing.T) {
	cases := []struct {
		kind mime.PartKind
		want message.Type
	}{
		{mime.KindImage, message.TypeImage},
		{mime.KindGIF, message.TypeGIF},
		{mime.KindAudio, message.TypeAudio},
		{mime.KindVoice, message.TypeVoice},
		{mime.KindVideo, message.TypeVideo},
		{mime.KindFile, message.TypeFile},
		{mime.KindAutocryptSetup, message.TypeFile},
	}
	for _, c := range cases {
		if got := partMessageType(c.kind); got != c.want {
			t.Fatalf("partMessageType(%v) = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestChatForSenderCreatesChat(t *testing.T) {
	e := openTestEngine(t)

	contactID, err := e.contacts.LookupOrCreate("Bob", "bob@example.org", contact.OriginIncomingUnknownFrom)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	chatID, err := e.chatForSender(contactID.ID)
	if err != nil {
		t.Fatalf("chatForSender: %v", err)
	}
	if chatID == 0 {
		t.Fatal("expected a non-zero chat id")
	}

	// Calling again for the same sender must resolve to the same chat
	// rather than creating a duplicate 1:1 chat.
	again, err := e.chatForSender(contactID.ID)
	if err != nil {
		t.Fatalf("chatForSender (again): %v", err)
	}
	if again != chatID {
		t.Fatalf("chatForSender not idempotent: got %d then %d", chatID, again)
	}
}

func TestStoreInboundMessageAndRecordMDN(t *testing.T) {
	e := openTestEngine(t)

	sender, err := e.contacts.LookupOrCreate("Carol", "carol@example.org", contact.OriginIncomingUnknownFrom)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	chatID, err := e.chatForSender(sender.ID)
	if err != nil {
		t.Fatalf("chatForSender: %v", err)
	}

	parsed := &mime.Parsed{
		MessageID: "<original@example.org>",
		Parts:     []mime.Part{{Kind: mime.KindText, Text: "hello"}},
	}
	msgID, err := e.storeInboundMessage(parsed, chatID, sender.ID, "INBOX", 55)
	if err != nil {
		t.Fatalf("storeInboundMessage: %v", err)
	}

	stored, err := e.messages.Load(msgID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.Text != "hello" || stored.Type != message.TypeText || stored.ServerUID != 55 {
		t.Fatalf("unexpected stored message: %+v", stored)
	}

	// A read receipt refers to one of our own outgoing messages.
	sentID, err := e.messages.Create(&message.Message{
		RFC724MID: "<sent@example.org>",
		ChatID:    chatID,
		Timestamp: 1000,
		Type:      message.TypeText,
		State:     message.StateOutDelivered,
	})
	if err != nil {
		t.Fatalf("Create outgoing: %v", err)
	}

	mdn := &mime.Parsed{
		IsMDNReport:          true,
		MDNOriginalMessageID: "<sent@example.org>",
	}
	if err := e.recordInboundMDN(mdn, sender.ID); err != nil {
		t.Fatalf("recordInboundMDN: %v", err)
	}

	got, err := e.messages.Load(sentID)
	if err != nil {
		t.Fatalf("Load after MDN: %v", err)
	}
	if got.State != message.StateOutMDNRcvd {
		t.Fatalf("state after single-chat MDN = %v, want StateOutMDNRcvd", got.State)
	}
}

func TestRecordInboundMDNIgnoresUnknownOriginal(t *testing.T) {
	e := openTestEngine(t)

	sender, err := e.contacts.LookupOrCreate("Dave", "dave@example.org", contact.OriginIncomingUnknownFrom)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}

	mdn := &mime.Parsed{
		IsMDNReport:          true,
		MDNOriginalMessageID: "<never-sent@example.org>",
	}
	if err := e.recordInboundMDN(mdn, sender.ID); err != nil {
		t.Fatalf("recordInboundMDN should no-op for an unknown original, got: %v", err)
	}
}

func TestApplyAutocryptStoresPeerstateFromRealKey(t *testing.T) {
	e := openTestEngine(t)

	pub, _, err := e.cryptoEngine.GenerateKeypair("eve@example.org")
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	header := autocrypt.RenderHeader(&autocrypt.Header{
		Addr:    "eve@example.org",
		KeyData: pub.Bytes,
	})
	parsed := &mime.Parsed{AutocryptHeader: header}

	if err := e.applyAutocrypt(parsed, "eve@example.org"); err != nil {
		t.Fatalf("applyAutocrypt: %v", err)
	}

	state, ok, err := e.peerstates.Load(contact.NormalizeAddr("eve@example.org"))
	if err != nil || !ok {
		t.Fatalf("Load peerstate: ok=%v err=%v", ok, err)
	}
	if !state.HasUsableKey() {
		t.Fatal("expected a usable public key to be recorded")
	}
	if state.PublicKeyFingerprint == "" {
		t.Fatal("expected a fingerprint to be recorded")
	}
}

func TestApplyAutocryptIgnoresUnparsableHeader(t *testing.T) {
	e := openTestEngine(t)

	parsed := &mime.Parsed{AutocryptHeader: "garbage without addr or keydata"}
	if err := e.applyAutocrypt(parsed, "frank@example.org"); err != nil {
		t.Fatalf("applyAutocrypt: %v", err)
	}

	state, ok, err := e.peerstates.Load(contact.NormalizeAddr("frank@example.org"))
	if err != nil {
		t.Fatalf("Load peerstate: %v", err)
	}
	if !ok {
		t.Fatal("expected Apply to still persist a bare peerstate for the observed address")
	}
	if state.HasUsableKey() {
		t.Fatal("expected no public key to be recorded from an unparsable header")
	}
}
