package engine

import (
	"context"
	"fmt"
	"time"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/mercury-chat/engine/internal/config"
	"github.com/mercury-chat/engine/internal/contact"
	"github.com/mercury-chat/engine/internal/imap"
	"github.com/mercury-chat/engine/internal/imex"
	"github.com/mercury-chat/engine/internal/job"
	"github.com/mercury-chat/engine/internal/keyring"
	"github.com/mercury-chat/engine/internal/message"
	"github.com/mercury-chat/engine/internal/mime"
	"github.com/mercury-chat/engine/internal/param"
	"github.com/mercury-chat/engine/internal/smtp"
	"github.com/mercury-chat/engine/internal/store"
)

// Engine implements job.Executor: every action the job queue can run
// is delegated here, never to the queue itself (mirroring how the
// teacher's Scheduler only ever calls into its sync engine).

// newIMAPClient builds a client for a single job action's connect/login/
// close cycle. onEvent, if non-nil, is notified of unilateral server
// data observed on the connection (used by the persistent worker
// connection in receive.go; every other caller here passes nil since
// their connections are too short-lived for IDLE to matter).
func (e *Engine) newIMAPClient(cfg config.Config, onEvent func(imap.MailEvent)) *imap.Client {
	security := imap.SecurityTLS
	switch {
	case cfg.HasFlag(config.IMAPSocketSTARTTLS):
		security = imap.SecurityStartTLS
	case cfg.HasFlag(config.IMAPSocketPlain):
		security = imap.SecurityNone
	}
	authType := imap.AuthTypePassword
	if cfg.HasFlag(config.AuthOAuth2) {
		authType = imap.AuthTypeOAuth2
	}

	clientCfg := imap.DefaultConfig()
	clientCfg.Host = cfg.MailServer
	clientCfg.Port = cfg.MailPort
	clientCfg.Security = security
	clientCfg.Username = cfg.MailUser
	clientCfg.Password = cfg.MailPw
	clientCfg.AuthType = authType
	clientCfg.OnMailEvent = onEvent
	return imap.NewClient(clientCfg)
}

func (e *Engine) newSMTPClient(cfg config.Config) *smtp.Client {
	security := smtp.SecurityStartTLS
	switch {
	case cfg.HasFlag(config.SMTPSocketSSL):
		security = smtp.SecurityTLS
	case cfg.HasFlag(config.SMTPSocketPlain):
		security = smtp.SecurityNone
	}

	clientCfg := smtp.DefaultConfig()
	clientCfg.Host = cfg.SendServer
	clientCfg.Port = cfg.SendPort
	clientCfg.Security = security
	clientCfg.Username = cfg.SendUser
	clientCfg.Password = cfg.SendPw
	return smtp.NewClient(clientCfg)
}

// ConfigureIMAP runs the connection test spec §4.12/§4.15 requires
// before an account is considered configured: connect and log in to
// the IMAP server and ensure the Chats folder exists, then connect and
// authenticate to the SMTP server.
func (e *Engine) ConfigureIMAP(ctx context.Context, j *job.Job) error {
	cfg, err := e.configStore.Load()
	if err != nil {
		e.emit(Event{Type: EventConfigureFailed, Err: err})
		return fmt.Errorf("engine: configure: load config: %w", err)
	}

	imapClient := e.newIMAPClient(cfg, nil)
	if err := imapClient.Connect(); err != nil {
		e.emit(Event{Type: EventConfigureFailed, Err: err})
		return fmt.Errorf("engine: configure: imap connect: %w", err)
	}
	defer imapClient.Close()
	if err := imapClient.Login(); err != nil {
		e.emit(Event{Type: EventConfigureFailed, Err: err})
		return fmt.Errorf("engine: configure: imap login: %w", err)
	}
	if _, err := imapClient.EnsureChatsFolder(ctx); err != nil {
		e.emit(Event{Type: EventConfigureFailed, Err: err})
		return fmt.Errorf("engine: configure: ensure chats folder: %w", err)
	}

	smtpClient := e.newSMTPClient(cfg)
	if err := smtpClient.Connect(); err != nil {
		e.emit(Event{Type: EventConfigureFailed, Err: err})
		return fmt.Errorf("engine: configure: smtp connect: %w", err)
	}
	defer smtpClient.Close()
	if err := smtpClient.Auth(); err != nil {
		e.emit(Event{Type: EventConfigureFailed, Err: err})
		return fmt.Errorf("engine: configure: smtp auth: %w", err)
	}

	cfg.Configured = true
	if err := e.configStore.Save(cfg); err != nil {
		e.emit(Event{Type: EventConfigureFailed, Err: err})
		return fmt.Errorf("engine: configure: save configured state: %w", err)
	}

	e.emit(Event{Type: EventConfigureDone})
	return nil
}

// IMEXIMAP runs a backup export or import, selected by the job's
// CmdArg param ("export" or "import") with CmdArg2 carrying the
// target/source directory (spec §4.16). Progress is reported through
// the event channel as permille Events. A successful import replaces
// e.db's handle, but every store already holds its own *store.DB
// pointer from Open, so callers must reopen the Engine after an
// import completes rather than continuing to use this instance.
func (e *Engine) IMEXIMAP(ctx context.Context, j *job.Job) error {
	mode, _ := j.Param.Get(param.CmdArg)
	dir, _ := j.Param.Get(param.CmdArg2)

	progress := func(p int) { e.emit(Event{Type: EventConfigureProgress, Permille: p}) }
	canceled := func() bool { return ctx.Err() != nil }

	switch mode {
	case "export":
		liveDB, _, err := imex.ExportBackup(e.db, dir, canceled, progress)
		if liveDB != nil {
			e.db = liveDB
		}
		return err
	case "import":
		cfg, err := e.configStore.Load()
		if err != nil {
			return fmt.Errorf("engine: imex: load config: %w", err)
		}
		if cfg.Configured {
			return fmt.Errorf("engine: imex: refusing to import a backup into a configured account")
		}
		archivePath, ok := imex.HasBackup(dir)
		if !ok {
			return fmt.Errorf("engine: imex: no backup found in %s", dir)
		}
		dbPath := e.db.Path()
		if err := e.db.Close(); err != nil {
			return fmt.Errorf("engine: imex: close database before import: %w", err)
		}
		restored, err := imex.ImportBackup(dbPath, archivePath, canceled, progress)
		if err != nil {
			return err
		}
		e.db = restored
		return nil
	default:
		return fmt.Errorf("engine: imex: unknown mode %q", mode)
	}
}

// SendMsgToSMTP renders and delivers an outgoing message, then
// schedules the self-copy append to the Chats folder (spec §4.13,
// §4.15).
func (e *Engine) SendMsgToSMTP(ctx context.Context, j *job.Job) error {
	msg, err := e.messages.Load(j.ForeignID)
	if err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: load message %d: %w", j.ForeignID, err))
	}

	cfg, err := e.configStore.Load()
	if err != nil {
		return fmt.Errorf("engine: send: load config: %w", err)
	}

	out, recipients, err := e.buildOutbound(msg, cfg)
	if err != nil {
		return fmt.Errorf("engine: send: build outbound: %w", err)
	}

	rendered, _, err := mime.Build(out, e.cryptoEngine, time.Now())
	if err != nil {
		return fmt.Errorf("engine: send: render mime: %w", err)
	}

	smtpClient := e.newSMTPClient(cfg)
	if err := smtpClient.Connect(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: send: smtp connect: %w", err))
	}
	defer smtpClient.Close()
	if err := smtpClient.Auth(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: send: smtp auth: %w", err))
	}
	if err := smtpClient.Send(cfg.Addr, recipients, rendered); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: send: smtp send: %w", err))
	}

	if err := e.messages.SetState(msg.ID, message.StateOutDelivered); err != nil {
		return fmt.Errorf("engine: send: mark delivered: %w", err)
	}
	e.emit(Event{Type: EventMsgDelivered, ChatID: msg.ChatID, MessageID: msg.ID})

	if _, err := e.jobs.Enqueue(&job.Job{
		AddedTimestamp: time.Now().Unix(),
		Thread:         job.ThreadIMAP,
		Action:         job.ActionSendMsgToIMAP,
		ForeignID:      msg.ID,
	}); err != nil {
		log.Error().Err(err).Uint32("messageID", msg.ID).Msg("failed to enqueue self-copy append")
	}
	return nil
}

// buildOutbound assembles a mime.Outbound for msg and the recipient
// addresses it must be sent to, pulling chat membership and any
// available Autocrypt peer keys for opportunistic encryption.
func (e *Engine) buildOutbound(msg *message.Message, cfg config.Config) (*mime.Outbound, []string, error) {
	memberIDs, err := e.chats.Members(msg.ChatID)
	if err != nil {
		return nil, nil, fmt.Errorf("load members: %w", err)
	}

	out := &mime.Outbound{
		From:     mime.Address{Address: cfg.Addr},
		Subject:  "Chat",
		TextBody: msg.Text,
	}

	var recipients []string
	keys := keyring.NewKeyring()
	allHaveKeys := true
	for _, id := range memberIDs {
		if id == store.ContactSelf {
			continue
		}
		peer, err := e.contacts.Load(id)
		if err != nil {
			return nil, nil, fmt.Errorf("load contact %d: %w", id, err)
		}
		out.To = append(out.To, mime.Address{Name: peer.DisplayName(), Address: peer.Addr})
		recipients = append(recipients, peer.Addr)

		state, ok, err := e.peerstates.Load(contact.NormalizeAddr(peer.Addr))
		if err != nil {
			return nil, nil, fmt.Errorf("load peerstate for %s: %w", peer.Addr, err)
		}
		if !ok || !state.HasUsableKey() {
			allHaveKeys = false
			continue
		}
		keys.Add(keyring.NewFromBytes(keyring.Public, state.PublicKey))
	}

	// A single missing recipient key drops the whole send to cleartext;
	// Build only refuses that when GuaranteeE2EE is set, which this
	// engine never sets on its own outgoing mail (spec §4.11).
	if allHaveKeys && keys.Len() > 0 {
		out.EncryptForRecipients = keys
		if kp, ok, err := e.keypairs.Default(contact.NormalizeAddr(cfg.Addr)); err == nil && ok {
			out.Signer = kp.Private
		}
	}

	return out, recipients, nil
}

// SendMsgToIMAP appends a copy of an already-sent message to the
// Chats folder, recording its server location (spec §4.13).
func (e *Engine) SendMsgToIMAP(ctx context.Context, j *job.Job) error {
	msg, err := e.messages.Load(j.ForeignID)
	if err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: load message %d: %w", j.ForeignID, err))
	}

	cfg, err := e.configStore.Load()
	if err != nil {
		return fmt.Errorf("engine: send-copy: load config: %w", err)
	}
	out, _, err := e.buildOutbound(msg, cfg)
	if err != nil {
		return fmt.Errorf("engine: send-copy: build outbound: %w", err)
	}
	rendered, _, err := mime.Build(out, e.cryptoEngine, time.Now())
	if err != nil {
		return fmt.Errorf("engine: send-copy: render mime: %w", err)
	}

	imapClient := e.newIMAPClient(cfg, nil)
	if err := imapClient.Connect(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: send-copy: imap connect: %w", err))
	}
	defer imapClient.Close()
	if err := imapClient.Login(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: send-copy: imap login: %w", err))
	}
	folder, err := imapClient.EnsureChatsFolder(ctx)
	if err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: send-copy: ensure folder: %w", err))
	}

	uid, err := imapClient.AppendMessage(folder, []goimap.Flag{goimap.FlagSeen}, time.Now(), rendered)
	if err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: send-copy: append: %w", err))
	}
	return e.messages.SetServerLocation(msg.ID, folder, uint32(uid))
}

// DeleteMsgOnIMAP removes a message from the server folder it was
// fetched into (spec §4.13: a local delete of a promoted chat message
// also deletes the IMAP copy).
func (e *Engine) DeleteMsgOnIMAP(ctx context.Context, j *job.Job) error {
	msg, err := e.messages.Load(j.ForeignID)
	if err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: load message %d: %w", j.ForeignID, err))
	}
	if msg.ServerFolder == "" {
		return nil // never made it to the server; nothing to delete
	}

	cfg, err := e.configStore.Load()
	if err != nil {
		return fmt.Errorf("engine: delete: load config: %w", err)
	}
	imapClient := e.newIMAPClient(cfg, nil)
	if err := imapClient.Connect(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: delete: imap connect: %w", err))
	}
	defer imapClient.Close()
	if err := imapClient.Login(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: delete: imap login: %w", err))
	}
	if _, err := imapClient.SelectMailbox(ctx, msg.ServerFolder); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: delete: select %s: %w", msg.ServerFolder, err))
	}
	if err := imapClient.DeleteMessageByUID(goimap.UID(msg.ServerUID)); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: delete: %w", err))
	}
	return nil
}

func (e *Engine) markseen(ctx context.Context, msgID uint32) error {
	msg, err := e.messages.Load(msgID)
	if err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: markseen: load %d: %w", msgID, err))
	}
	if msg.ServerFolder == "" {
		return nil
	}

	cfg, err := e.configStore.Load()
	if err != nil {
		return fmt.Errorf("engine: markseen: load config: %w", err)
	}
	imapClient := e.newIMAPClient(cfg, nil)
	if err := imapClient.Connect(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: markseen: imap connect: %w", err))
	}
	defer imapClient.Close()
	if err := imapClient.Login(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: markseen: imap login: %w", err))
	}
	if _, err := imapClient.SelectMailbox(ctx, msg.ServerFolder); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: markseen: select %s: %w", msg.ServerFolder, err))
	}
	return imapClient.AddMessageFlags([]goimap.UID{goimap.UID(msg.ServerUID)}, []goimap.Flag{goimap.FlagSeen})
}

// MarkseenMsgOnIMAP adds the \Seen flag to a message read locally,
// mirroring the local state into the remote mailbox (spec §4.13).
func (e *Engine) MarkseenMsgOnIMAP(ctx context.Context, j *job.Job) error {
	return e.markseen(ctx, j.ForeignID)
}

// MarkseenMDNOnIMAP adds the \Seen flag to an MDN receipt once its
// read-receipt has been recorded locally.
func (e *Engine) MarkseenMDNOnIMAP(ctx context.Context, j *job.Job) error {
	return e.markseen(ctx, j.ForeignID)
}

// SendMDN sends a read receipt (disposition-notification) for the
// message named by the job's ForeignID (spec §4.14).
func (e *Engine) SendMDN(ctx context.Context, j *job.Job) error {
	msg, err := e.messages.Load(j.ForeignID)
	if err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: mdn: load message %d: %w", j.ForeignID, err))
	}
	sender, err := e.contacts.Load(msg.FromID)
	if err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: mdn: load sender: %w", err))
	}

	cfg, err := e.configStore.Load()
	if err != nil {
		return fmt.Errorf("engine: mdn: load config: %w", err)
	}

	out := &mime.Outbound{
		From:    mime.Address{Address: cfg.Addr},
		To:      []mime.Address{{Address: sender.Addr}},
		Subject: "Read receipt",
	}
	rendered, _, err := mime.Build(out, e.cryptoEngine, time.Now())
	if err != nil {
		return fmt.Errorf("engine: mdn: render: %w", err)
	}

	smtpClient := e.newSMTPClient(cfg)
	if err := smtpClient.Connect(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: mdn: smtp connect: %w", err))
	}
	defer smtpClient.Close()
	if err := smtpClient.Auth(); err != nil {
		return job.TryAgain(job.StandardDelay, fmt.Errorf("engine: mdn: smtp auth: %w", err))
	}
	return smtpClient.Send(cfg.Addr, []string{sender.Addr}, rendered)
}

// Fail marks an outgoing message permanently failed after the job
// queue has exhausted its retries (spec §4.15).
func (e *Engine) Fail(j *job.Job, cause error) {
	if err := e.messages.SetFailed(j.ForeignID, cause.Error()); err != nil {
		log.Error().Err(err).Uint32("messageID", j.ForeignID).Msg("failed to record send failure")
		return
	}
	e.emit(Event{Type: EventMsgFailed, MessageID: j.ForeignID, Err: cause})
}
