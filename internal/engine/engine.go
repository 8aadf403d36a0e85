// Package engine wires every capability package into the running
// system spec.md describes: a single configured account driving an
// IMAP/SMTP transport, chats/messages, Autocrypt end-to-end encryption,
// and the job queue that ties the two loops together. It is the only
// package that imports every other internal package, grounded on
// app/app.go's Startup sequencing (paths -> db -> migrate -> stores ->
// adapters -> scheduler), generalized from a multi-account Wails
// desktop app to this single-account transport engine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mercury-chat/engine/internal/autocrypt"
	"github.com/mercury-chat/engine/internal/chat"
	"github.com/mercury-chat/engine/internal/config"
	"github.com/mercury-chat/engine/internal/contact"
	"github.com/mercury-chat/engine/internal/crypto"
	"github.com/mercury-chat/engine/internal/imap"
	"github.com/mercury-chat/engine/internal/job"
	"github.com/mercury-chat/engine/internal/keyring"
	"github.com/mercury-chat/engine/internal/logging"
	"github.com/mercury-chat/engine/internal/message"
	"github.com/mercury-chat/engine/internal/param"
	"github.com/mercury-chat/engine/internal/store"
)

var log = logging.WithComponent("engine")

// Engine is the public entry point: construct one with Open, call
// Configure once per fresh install, then Start to run the job queue
// in the background while using Chats/SendText/Events to drive it.
type Engine struct {
	db *store.DB

	configStore  *config.Store
	contacts     *contact.Store
	chats        *chat.Store
	messages     *message.Store
	keypairs     *keyring.Store
	peerstates   *autocrypt.Store
	jobs         *job.Store
	jobEngine    *job.Engine
	cryptoEngine crypto.Engine

	events chan Event

	mu          sync.Mutex
	online      bool
	imapConn    *imap.Client // persistent connection the IMAP worker fetches/idles on
	idleCfg     imap.IdleConfig
	lastNewMail time.Time // last time the incremental fetch saw new mail, for fake-idle escalation
}

// Open creates (or reopens) the engine's database at dbPath and wires
// every store against it. It does not start the job queue or require
// the account to be configured yet.
func Open(dbPath string) (*Engine, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: migrate database: %w", err)
	}

	e := &Engine{
		db:           db,
		configStore:  config.NewStore(db),
		contacts:     contact.New(db),
		chats:        chat.New(db),
		messages:     message.New(db),
		keypairs:     keyring.NewStore(db),
		peerstates:   autocrypt.NewStore(db),
		jobs:         job.New(db),
		cryptoEngine: crypto.NewEngine(),
		events:       make(chan Event, 64),
		online:       true,
		idleCfg:      imap.DefaultIdleConfig(),
	}
	e.jobEngine = job.NewEngine(e.jobs, e)
	return e, nil
}

// Close closes the persistent IMAP worker connection (if open) and the
// database. It does not stop the job queue: the loops started by Start
// run until Start's ctx is canceled.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.imapConn != nil {
		e.imapConn.Close()
		e.imapConn = nil
	}
	e.mu.Unlock()
	return e.db.Close()
}

// Events returns the channel system notifications (incoming messages,
// state changes, configuration progress) are published to. The
// channel is never closed by Close; callers stop reading once their
// own context ends.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("event channel full, dropping event")
	}
}

// SetOnline overrides connectivity for testing and for a caller that
// tracks the network state itself; IsOnline defaults to true.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = online
}

// IsOnline implements job.Executor.
func (e *Engine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Start runs the two job-queue loops until ctx is canceled (spec
// §4.15). Call once, after Configure has succeeded.
func (e *Engine) Start(ctx context.Context) {
	e.jobEngine.Start(ctx)
}

// Wait blocks until both job-queue loops have returned after ctx was
// canceled.
func (e *Engine) Wait() {
	e.jobEngine.Wait()
}

// Configure resolves server settings for addr (autoconfig, falling
// back to conventional host/port guesses), persists them alongside
// the password, generates a keypair if this install has none yet, and
// enqueues the exclusive CONFIGURE_IMAP job that actually tests the
// connection (spec §4.12, §4.15). It returns once the job has been
// queued; completion is reported as a ConfigureDone or ConfigureFailed
// event.
func (e *Engine) Configure(addr, password string) error {
	cfg, err := e.configStore.Load()
	if err != nil {
		return fmt.Errorf("engine: configure: load existing config: %w", err)
	}
	if cfg.Configured {
		return fmt.Errorf("engine: configure: already configured for %s", cfg.Addr)
	}

	resolved := config.Resolve(addr, password)
	if err := e.configStore.Save(resolved); err != nil {
		return fmt.Errorf("engine: configure: save config: %w", err)
	}

	if _, ok, err := e.keypairs.Default(contact.NormalizeAddr(addr)); err != nil {
		return fmt.Errorf("engine: configure: check existing keypair: %w", err)
	} else if !ok {
		pub, priv, err := e.cryptoEngine.GenerateKeypair(addr)
		if err != nil {
			return fmt.Errorf("engine: configure: generate keypair: %w", err)
		}
		if err := e.keypairs.Save(contact.NormalizeAddr(addr), pub, priv, true, time.Now().Unix()); err != nil {
			return fmt.Errorf("engine: configure: save keypair: %w", err)
		}
	}

	if _, err := e.jobs.Enqueue(&job.Job{
		AddedTimestamp: time.Now().Unix(),
		Thread:         job.ThreadIMAP,
		Action:         job.ActionConfigureIMAP,
	}); err != nil {
		return fmt.Errorf("engine: configure: enqueue configure job: %w", err)
	}
	return nil
}

// ChatSummary is a read-only projection of a chat for listing.
type ChatSummary struct {
	ID      uint32
	Name    string
	Summary string
}

// Chats returns every non-archived chat, newest activity first,
// matching the default chatlist view (spec §4.10).
func (e *Engine) Chats() ([]ChatSummary, error) {
	ids, err := e.chats.GetChatlist("", false)
	if err != nil {
		return nil, fmt.Errorf("engine: chats: %w", err)
	}

	out := make([]ChatSummary, 0, len(ids))
	for _, id := range ids {
		c, err := e.chats.Load(id)
		if err != nil {
			return nil, fmt.Errorf("engine: chats: load %d: %w", id, err)
		}
		summary, err := e.chats.Summary(id, 80)
		if err != nil {
			return nil, fmt.Errorf("engine: chats: summary %d: %w", id, err)
		}
		out = append(out, ChatSummary{ID: id, Name: chat.DisplayName(c, ""), Summary: summary})
	}
	return out, nil
}

// SendText creates an outgoing text message in chatID and enqueues it
// for delivery, returning the new message's ID (spec §4.11, §4.15).
func (e *Engine) SendText(chatID uint32, text string) (uint32, error) {
	now := time.Now().Unix()
	msgID, err := e.messages.Create(&message.Message{
		ChatID:    chatID,
		FromID:    store.ContactSelf,
		Timestamp: now,
		Type:      message.TypeText,
		State:     message.StateOutPending,
		Text:      text,
	})
	if err != nil {
		return 0, fmt.Errorf("engine: send text: create message: %w", err)
	}

	if _, err := e.jobs.Enqueue(&job.Job{
		AddedTimestamp: now,
		Thread:         job.ThreadSMTP,
		Action:         job.ActionSendMsgToSMTP,
		ForeignID:      msgID,
	}); err != nil {
		return 0, fmt.Errorf("engine: send text: enqueue send job: %w", err)
	}
	return msgID, nil
}

// ExportBackup enqueues a backup export of the entire account into
// dir, the exclusive IMEX_IMAP job (spec §4.16). Progress and
// completion are reported as ConfigureProgress events.
func (e *Engine) ExportBackup(dir string) error {
	p := param.New()
	p.Set(param.CmdArg, "export")
	p.Set(param.CmdArg2, dir)
	_, err := e.jobs.Enqueue(&job.Job{
		AddedTimestamp: time.Now().Unix(),
		Thread:         job.ThreadIMAP,
		Action:         job.ActionIMEXIMAP,
		Param:          p,
	})
	if err != nil {
		return fmt.Errorf("engine: export backup: enqueue: %w", err)
	}
	return nil
}

// ImportBackup enqueues a restore from the newest backup file found in
// dir (spec §4.16). The Engine must be reopened against the restored
// database path once the job completes; see IMEXIMAP's doc comment.
func (e *Engine) ImportBackup(dir string) error {
	p := param.New()
	p.Set(param.CmdArg, "import")
	p.Set(param.CmdArg2, dir)
	_, err := e.jobs.Enqueue(&job.Job{
		AddedTimestamp: time.Now().Unix(),
		Thread:         job.ThreadIMAP,
		Action:         job.ActionIMEXIMAP,
		Param:          p,
	})
	if err != nil {
		return fmt.Errorf("engine: import backup: enqueue: %w", err)
	}
	return nil
}
