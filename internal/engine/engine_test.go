package engine

import (
	"path/filepath"
	"testing"

	"github.com/mercury-chat/engine/internal/contact"
	"github.com/mercury-chat/engine/internal/job"
	"github.com/mercury-chat/engine/internal/message"
	"github.com/mercury-chat/engine/internal/param"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(filepath.Join(t.TempDir(), "aerion.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenWiresEveryStore(t *testing.T) {
	e := openTestEngine(t)
	if e.configStore == nil || e.contacts == nil || e.chats == nil || e.messages == nil ||
		e.keypairs == nil || e.peerstates == nil || e.jobs == nil || e.jobEngine == nil {
		t.Fatal("Open left a store unwired")
	}
	if !e.IsOnline() {
		t.Fatal("expected a freshly opened engine to start online")
	}
}

func TestConfigureGeneratesKeypairAndEnqueuesJob(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Configure("alice@example.org", "hunter2"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	kp, ok, err := e.keypairs.Default(contact.NormalizeAddr("alice@example.org"))
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if !ok {
		t.Fatal("expected Configure to generate a default keypair")
	}
	if kp.Addr != contact.NormalizeAddr("alice@example.org") {
		t.Fatalf("keypair addr = %q, want normalized alice@example.org", kp.Addr)
	}

	jobs, err := e.jobs.List(job.ThreadIMAP)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, j := range jobs {
		if j.Action == job.ActionConfigureIMAP {
			found = true
		}
	}
	if !found {
		t.Fatal("expected Configure to enqueue a CONFIGURE_IMAP job")
	}
}

func TestConfigureRefusesWhenAlreadyConfigured(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Configure("alice@example.org", "hunter2"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	cfg, err := e.configStore.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Configured = true
	if err := e.configStore.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := e.Configure("alice@example.org", "hunter2"); err == nil {
		t.Fatal("expected Configure to refuse a second run")
	}
}

func TestSendTextCreatesPendingMessageAndEnqueuesSMTPJob(t *testing.T) {
	e := openTestEngine(t)

	peer, err := e.contacts.Create("Bob", "bob@example.org", contact.OriginManual)
	if err != nil {
		t.Fatalf("contacts.Create: %v", err)
	}
	c, err := e.chats.CreateByContact(peer.ID)
	if err != nil {
		t.Fatalf("CreateByContact: %v", err)
	}

	msgID, err := e.SendText(c.ID, "hello there")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	msg, err := e.messages.Load(msgID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if msg.State != message.StateOutPending {
		t.Fatalf("State = %v, want StateOutPending", msg.State)
	}
	if msg.Text != "hello there" {
		t.Fatalf("Text = %q, want %q", msg.Text, "hello there")
	}

	jobs, err := e.jobs.List(job.ThreadSMTP)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, j := range jobs {
		if j.Action == job.ActionSendMsgToSMTP && j.ForeignID == msgID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected SendText to enqueue a SEND_MSG_TO_SMTP job for the new message")
	}
}

func TestChatsListsCreatedChatWithSummary(t *testing.T) {
	e := openTestEngine(t)

	peer, err := e.contacts.Create("Bob", "bob@example.org", contact.OriginManual)
	if err != nil {
		t.Fatalf("contacts.Create: %v", err)
	}
	c, err := e.chats.CreateByContact(peer.ID)
	if err != nil {
		t.Fatalf("CreateByContact: %v", err)
	}
	if _, err := e.SendText(c.ID, "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	chats, err := e.Chats()
	if err != nil {
		t.Fatalf("Chats: %v", err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(chats))
	}
	if chats[0].ID != c.ID {
		t.Fatalf("ID = %d, want %d", chats[0].ID, c.ID)
	}
	if chats[0].Summary == "" {
		t.Fatal("expected a non-empty summary after sending a message")
	}
}

func TestExportBackupEnqueuesIMEXJobWithParams(t *testing.T) {
	e := openTestEngine(t)

	if err := e.ExportBackup(filepath.Join(t.TempDir(), "backups")); err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}

	jobs, err := e.jobs.List(job.ThreadIMAP)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found *job.Job
	for _, j := range jobs {
		if j.Action == job.ActionIMEXIMAP {
			found = j
		}
	}
	if found == nil {
		t.Fatal("expected ExportBackup to enqueue an IMEX_IMAP job")
	}
	mode, ok := found.Param.Get(param.CmdArg)
	if !ok || mode != "export" {
		t.Fatalf("CmdArg = %q, ok=%v, want \"export\"", mode, ok)
	}
}
