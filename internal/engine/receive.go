package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/mercury-chat/engine/internal/autocrypt"
	"github.com/mercury-chat/engine/internal/config"
	"github.com/mercury-chat/engine/internal/contact"
	"github.com/mercury-chat/engine/internal/imap"
	"github.com/mercury-chat/engine/internal/job"
	"github.com/mercury-chat/engine/internal/keyring"
	"github.com/mercury-chat/engine/internal/message"
	"github.com/mercury-chat/engine/internal/mime"
)

// mailboxConfigKey is the config-table key a folder's UID high-water
// mark is persisted under (spec §4.13: "imap.mailbox.<folder> =
// <uidvalidity>:<lastseenuid>").
func mailboxConfigKey(folder string) string {
	return "imap.mailbox." + folder
}

// ensureIMAPWorkerConn returns the IMAP worker's persistent connection,
// connecting, logging in, and selecting INBOX if it isn't already
// established. The connection is reused across FetchIMAP/IdleIMAP
// calls rather than reconnecting per job action, since IDLE needs a
// connection that stays open between cycles (spec §5).
func (e *Engine) ensureIMAPWorkerConn(ctx context.Context, cfg config.Config) (*imap.Client, error) {
	e.mu.Lock()
	conn := e.imapConn
	e.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn = e.newIMAPClient(cfg, e.onMailEvent)
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("engine: fetch: imap connect: %w", err)
	}
	if err := conn.Login(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("engine: fetch: imap login: %w", err)
	}
	if _, err := conn.SelectMailbox(ctx, "INBOX"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("engine: fetch: select inbox: %w", err)
	}

	e.mu.Lock()
	e.imapConn = conn
	e.mu.Unlock()
	return conn, nil
}

// dropIMAPWorkerConn discards the persistent connection so the next
// FetchIMAP/IdleIMAP call reconnects from scratch, used once a
// network-level error shows the old connection is no longer usable.
func (e *Engine) dropIMAPWorkerConn() {
	e.mu.Lock()
	conn := e.imapConn
	e.imapConn = nil
	e.mu.Unlock()
	if conn != nil {
		conn.ForceClose()
	}
}

func (e *Engine) onMailEvent(ev imap.MailEvent) {
	log.Debug().Str("type", ev.Type.String()).Msg("unilateral imap notification")
}

// FetchIMAP implements job.Executor: one incremental-fetch pass over
// INBOX (spec §4.13 steps 1-3). It is a no-op until the account is
// configured.
func (e *Engine) FetchIMAP(ctx context.Context) error {
	cfg, err := e.configStore.Load()
	if err != nil {
		return fmt.Errorf("engine: fetch: load config: %w", err)
	}
	if !cfg.Configured {
		return nil
	}

	conn, err := e.ensureIMAPWorkerConn(ctx, cfg)
	if err != nil {
		return err
	}

	mbox, err := conn.SelectMailbox(ctx, "INBOX")
	if err != nil {
		e.dropIMAPWorkerConn()
		return fmt.Errorf("engine: fetch: select inbox: %w", err)
	}

	lastSeenUID, err := e.syncedHighWaterMark(conn, ctx, "INBOX", mbox.UIDValidity)
	if err != nil {
		return err
	}

	msgs, fetchErr := conn.FetchUIDRange(ctx, goimap.UID(lastSeenUID+1))
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })

	highWater := lastSeenUID
	for _, m := range msgs {
		if uint32(m.UID) <= highWater {
			continue
		}
		if err := e.processInbound(ctx, conn, "INBOX", m); err != nil {
			log.Warn().Uint32("uid", uint32(m.UID)).Err(err).Msg("failed to process inbound message, stopping at last good uid")
			break
		}
		highWater = uint32(m.UID)
		e.lastNewMail = time.Now()
	}

	if highWater != lastSeenUID {
		if err := e.persistHighWaterMark("INBOX", mbox.UIDValidity, highWater); err != nil {
			return err
		}
	}

	if fetchErr != nil {
		e.dropIMAPWorkerConn()
		return fmt.Errorf("engine: fetch: uid range: %w", fetchErr)
	}
	return nil
}

// syncedHighWaterMark returns the last_seen_uid to fetch from, per
// spec §4.13 step 1: reseeded at (highest_uid - 1) whenever the stored
// uidvalidity doesn't match the folder's current one (including the
// very first fetch, when nothing is stored yet).
func (e *Engine) syncedHighWaterMark(conn *imap.Client, ctx context.Context, folder string, uidValidity uint32) (uint32, error) {
	raw, ok, err := e.configStore.GetRaw(mailboxConfigKey(folder))
	if err != nil {
		return 0, fmt.Errorf("engine: fetch: read high-water mark: %w", err)
	}

	if ok {
		if storedValidity, lastSeen, perr := parseHighWaterMark(raw); perr == nil && storedValidity == uidValidity {
			return lastSeen, nil
		}
	}

	highest, err := conn.HighestUID(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: fetch: highest uid: %w", err)
	}
	var seed uint32
	if highest > 1 {
		seed = uint32(highest) - 1
	}
	if err := e.persistHighWaterMark(folder, uidValidity, seed); err != nil {
		return 0, err
	}
	return seed, nil
}

func (e *Engine) persistHighWaterMark(folder string, uidValidity, lastSeenUID uint32) error {
	value := fmt.Sprintf("%d:%d", uidValidity, lastSeenUID)
	if err := e.configStore.SetRaw(mailboxConfigKey(folder), value); err != nil {
		return fmt.Errorf("engine: fetch: persist high-water mark: %w", err)
	}
	return nil
}

func parseHighWaterMark(raw string) (uidValidity, lastSeenUID uint32, err error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("engine: malformed high-water mark %q", raw)
	}
	v, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	u, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(v), uint32(u), nil
}

// IdleIMAP implements job.Executor: one IDLE/fake-idle cycle on the
// persistent connection (spec §4.13/§5).
func (e *Engine) IdleIMAP(ctx context.Context, wake <-chan struct{}) error {
	cfg, err := e.configStore.Load()
	if err != nil {
		return fmt.Errorf("engine: idle: load config: %w", err)
	}
	if !cfg.Configured {
		// Nothing to idle on yet: wait out one fake-idle interval rather
		// than treating an unconfigured account as an idle failure.
		timer := time.NewTimer(e.idleCfg.FakeIdleInitial)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			return nil
		case <-timer.C:
			return nil
		}
	}

	conn, err := e.ensureIMAPWorkerConn(ctx, cfg)
	if err != nil {
		return err
	}

	if err := conn.Idle(ctx, wake, e.idleCfg, e.lastNewMail); err != nil {
		if imap.IsConnectionError(err) {
			e.dropIMAPWorkerConn()
		}
		return err
	}
	return nil
}

// processInbound parses one fetched message, evolves the sender's
// Autocrypt peer state, persists a chat message or MDN receipt, and
// marks/moves the server copy (spec §4.6, §4.7, §4.11, §4.13).
func (e *Engine) processInbound(ctx context.Context, conn *imap.Client, folder string, fetched imap.FetchedMessage) error {
	cfg, err := e.configStore.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	privKeys := keyring.NewKeyring()
	if kp, ok, err := e.keypairs.Default(contact.NormalizeAddr(cfg.Addr)); err == nil && ok {
		privKeys.Add(kp.Private)
	}

	parsed, err := mime.Parse(fetched.Raw, e.cryptoEngine, privKeys, nil)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if parsed.From == "" || parsed.From == contact.NormalizeAddr(cfg.Addr) {
		return e.finishInbound(ctx, conn, folder, fetched.UID, false)
	}

	sender, err := e.contacts.LookupOrCreate(parsed.FromName, parsed.From, contact.OriginIncomingUnknownFrom)
	if err != nil {
		return fmt.Errorf("lookup sender: %w", err)
	}

	if err := e.applyAutocrypt(parsed, sender.Addr); err != nil {
		log.Warn().Str("addr", sender.Addr).Err(err).Msg("failed to apply autocrypt header")
	}

	if parsed.IsMDNReport {
		if err := e.recordInboundMDN(parsed, sender.ID); err != nil {
			log.Warn().Err(err).Msg("failed to record mdn")
		}
		return e.finishInbound(ctx, conn, folder, fetched.UID, false)
	}

	chatID, err := e.chatForSender(sender.ID)
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}

	msgID, err := e.storeInboundMessage(parsed, chatID, sender.ID, folder, fetched.UID)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	if parsed.WantsMDN {
		if _, err := e.jobs.Enqueue(&job.Job{
			AddedTimestamp: time.Now().Unix(),
			Thread:         job.ThreadSMTP,
			Action:         job.ActionSendMDN,
			ForeignID:      msgID,
		}); err != nil {
			log.Error().Err(err).Uint32("messageID", msgID).Msg("failed to enqueue read receipt")
		}
	}

	e.emit(Event{Type: EventIncomingMessage, ChatID: chatID, MessageID: msgID})
	return e.finishInbound(ctx, conn, folder, fetched.UID, parsed.IsMessengerMsg)
}

// applyAutocrypt evolves and persists the sender's peer state from the
// message's Autocrypt header, if any (spec §4.6).
func (e *Engine) applyAutocrypt(parsed *mime.Parsed, addr string) error {
	var hdr *autocrypt.Header
	if parsed.AutocryptHeader != "" {
		h, err := autocrypt.ParseHeader(parsed.AutocryptHeader)
		if err == nil {
			hdr = h
		}
	}

	prior, _, err := e.peerstates.Load(contact.NormalizeAddr(addr))
	if err != nil {
		return fmt.Errorf("load peerstate: %w", err)
	}

	next, err := autocrypt.Apply(prior, addr, hdr, time.Now(), parsed.IsMDNReport, e.fingerprintOf)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return e.peerstates.Save(next)
}

func (e *Engine) fingerprintOf(raw []byte) (string, error) {
	return e.cryptoEngine.Fingerprint(keyring.NewFromBytes(keyring.Public, raw))
}

// recordInboundMDN resolves the original outgoing message a read
// receipt refers to and applies the MDN accounting rule (spec §4.11).
func (e *Engine) recordInboundMDN(parsed *mime.Parsed, fromContactID uint32) error {
	if parsed.MDNOriginalMessageID == "" {
		return fmt.Errorf("mdn report with no original message-id")
	}
	orig, ok, err := e.messages.LoadByRFC724MID(parsed.MDNOriginalMessageID)
	if err != nil {
		return fmt.Errorf("lookup original message: %w", err)
	}
	if !ok {
		return nil // receipt for a message this account doesn't know about
	}
	return e.messages.RecordMDN(orig.ID, fromContactID, time.Now().Unix())
}

// chatForSender resolves (creating if necessary) the 1:1 chat a
// sender's incoming message belongs to. Group-chat routing by
// Chat-Group-Id is out of scope here; every inbound message lands in
// its sender's direct chat.
func (e *Engine) chatForSender(contactID uint32) (uint32, error) {
	c, err := e.chats.CreateByContact(contactID)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

// storeInboundMessage inserts the message row for a parsed inbound
// mail, picking its text and type from the first classified part
// (spec §3, §4.7 step 4).
func (e *Engine) storeInboundMessage(parsed *mime.Parsed, chatID, fromID uint32, folder string, uid goimap.UID) (uint32, error) {
	msgType := message.TypeText
	var text string
	for _, p := range parsed.Parts {
		if p.Kind == mime.KindText {
			text = p.Text
			break
		}
	}
	if len(parsed.Parts) > 0 && text == "" {
		msgType = partMessageType(parsed.Parts[0].Kind)
	}

	return e.messages.Create(&message.Message{
		RFC724MID:      parsed.MessageID,
		ServerFolder:   folder,
		ServerUID:      uint32(uid),
		ChatID:         chatID,
		FromID:         fromID,
		Timestamp:      time.Now().Unix(),
		TimestampRcvd:  time.Now().Unix(),
		Type:           msgType,
		State:          message.StateInFresh,
		IsMessengerMsg: parsed.IsMessengerMsg,
		Text:           text,
		InReplyTo:      parsed.InReplyTo,
	})
}

func partMessageType(k mime.PartKind) message.Type {
	switch k {
	case mime.KindImage:
		return message.TypeImage
	case mime.KindGIF:
		return message.TypeGIF
	case mime.KindAudio:
		return message.TypeAudio
	case mime.KindVoice:
		return message.TypeVoice
	case mime.KindVideo:
		return message.TypeVideo
	default:
		return message.TypeFile
	}
}

// finishInbound marks a handled message \Seen and, for messenger
// traffic, moves it into the Chats folder (spec §4.13). A move
// failure is logged but not propagated: the message is already
// durably stored locally, so losing the high-water-mark bump over a
// move error would cause it to be reprocessed every cycle.
func (e *Engine) finishInbound(ctx context.Context, conn *imap.Client, folder string, uid goimap.UID, moveToChats bool) error {
	if err := conn.MarkSeen([]goimap.UID{uid}, false); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if !moveToChats {
		return nil
	}

	chatsFolder, err := conn.EnsureChatsFolder(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to ensure chats folder, leaving message in place")
		return nil
	}
	if chatsFolder == folder {
		return nil
	}
	if err := conn.MoveMessages([]goimap.UID{uid}, chatsFolder); err != nil {
		log.Warn().Uint32("uid", uint32(uid)).Err(err).Msg("failed to move message to chats folder")
	}
	return nil
}
