// Package message implements the message store: the in/out state
// machines, MDN (read receipt) accounting, starring, forwarding, and
// summary rendering (spec §3 Message, §4.11).
package message

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mercury-chat/engine/internal/param"
	"github.com/mercury-chat/engine/internal/store"
)

// Type is the message content type (spec §3).
type Type int

const (
	TypeUndefined Type = 0
	TypeText      Type = 10
	TypeImage     Type = 20
	TypeGIF       Type = 21
	TypeAudio     Type = 40
	TypeVoice     Type = 41
	TypeVideo     Type = 50
	TypeFile      Type = 60
)

// State is a position in the incoming or outgoing state chain
// (spec §3). State only moves forward within its own chain.
type State int

const (
	StateInFresh      State = 10
	StateInNoticed     State = 13
	StateInSeen       State = 16
	StateOutPending   State = 20
	StateOutFailed    State = 24
	StateOutDelivered State = 26
	StateOutMDNRcvd   State = 28
)

func (s State) isIncoming() bool { return s >= StateInFresh && s < StateOutPending }
func (s State) isOutgoing() bool { return s >= StateOutPending }

// forwardOnly reports whether transitioning from s to next is a legal
// forward move within the same chain (incoming states only ever move
// to higher incoming states; outgoing likewise).
func forwardOnly(from, to State) bool {
	if from.isIncoming() != to.isIncoming() {
		return false
	}
	return to >= from
}

// Message is a row of the messages table.
type Message struct {
	ID             uint32
	RFC724MID      string
	ServerFolder   string
	ServerUID      uint32
	ChatID         uint32
	FromID         uint32
	ToID           uint32
	Timestamp      int64
	TimestampSent  int64
	TimestampRcvd  int64
	Type           Type
	State          State
	IsMessengerMsg bool
	Text           string
	TextRaw        string
	Param          *param.Bag
	Starred        bool
	Hidden         bool
	InReplyTo      string
}

// Store is the messages table gateway.
type Store struct {
	db *store.DB
}

// New wraps db for message operations.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new message, enforcing the global uniqueness of
// rfc724_mid for non-empty values (spec §3 invariant).
func (s *Store) Create(m *Message) (uint32, error) {
	packed := ""
	if m.Param != nil {
		packed = m.Param.Pack()
	}

	res, err := s.db.Exec(`
		INSERT INTO messages (
			rfc724_mid, server_folder, server_uid, chat_id, from_id, to_id,
			timestamp, timestamp_sent, timestamp_rcvd, type, state,
			is_messenger_msg, text, text_raw, param, starred, hidden, in_reply_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RFC724MID, m.ServerFolder, m.ServerUID, m.ChatID, m.FromID, m.ToID,
		m.Timestamp, m.TimestampSent, m.TimestampRcvd, m.Type, m.State,
		boolToInt(m.IsMessengerMsg), m.Text, m.TextRaw, packed, boolToInt(m.Starred), boolToInt(m.Hidden), m.InReplyTo,
	)
	if err != nil {
		return 0, fmt.Errorf("message: create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message: create: %w", err)
	}
	return uint32(id), nil
}

// CreateSystemMessage inserts an invisible message carrying a CMD
// parameter, used to broadcast membership/name changes in promoted
// chats (spec §4.10).
func (s *Store) CreateSystemMessage(chatID uint32, timestamp int64, cmd int, arg, arg2 string) (uint32, error) {
	p := param.New()
	p.SetInt(param.Cmd, cmd)
	if arg != "" {
		p.Set(param.CmdArg, arg)
	}
	if arg2 != "" {
		p.Set(param.CmdArg2, arg2)
	}
	return s.Create(&Message{
		ChatID:    chatID,
		Timestamp: timestamp,
		Type:      TypeText,
		State:     StateOutDelivered,
		Hidden:    true,
		Param:     p,
	})
}

// Load returns the message with the given id.
func (s *Store) Load(id uint32) (*Message, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT id, rfc724_mid, server_folder, server_uid, chat_id, from_id, to_id,
		       timestamp, timestamp_sent, timestamp_rcvd, type, state,
		       is_messenger_msg, text, text_raw, param, starred, hidden, in_reply_to
		FROM messages WHERE id = ?`, id))
}

// LoadByRFC724MID looks up a message by its Message-ID header, used by
// the receive path to resolve which outgoing message an inbound MDN
// report refers to (spec §4.11).
func (s *Store) LoadByRFC724MID(id string) (*Message, bool, error) {
	m, err := s.scanOne(s.db.QueryRow(`
		SELECT id, rfc724_mid, server_folder, server_uid, chat_id, from_id, to_id,
		       timestamp, timestamp_sent, timestamp_rcvd, type, state,
		       is_messenger_msg, text, text_raw, param, starred, hidden, in_reply_to
		FROM messages WHERE rfc724_mid = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return m, true, nil
}

func (s *Store) scanOne(row *sql.Row) (*Message, error) {
	m := &Message{}
	var isMessenger, starred, hidden int
	var packed string
	if err := row.Scan(
		&m.ID, &m.RFC724MID, &m.ServerFolder, &m.ServerUID, &m.ChatID, &m.FromID, &m.ToID,
		&m.Timestamp, &m.TimestampSent, &m.TimestampRcvd, &m.Type, &m.State,
		&isMessenger, &m.Text, &m.TextRaw, &packed, &starred, &hidden, &m.InReplyTo,
	); err != nil {
		return nil, fmt.Errorf("message: load: %w", err)
	}
	m.IsMessengerMsg = isMessenger != 0
	m.Starred = starred != 0
	m.Hidden = hidden != 0
	m.Param = param.Unpack(packed)
	return m, nil
}

// SetState moves a message to a new state, rejecting any transition
// that isn't a forward move within its own incoming/outgoing chain.
func (s *Store) SetState(id uint32, next State) error {
	m, err := s.Load(id)
	if err != nil {
		return err
	}
	if !forwardOnly(m.State, next) {
		return fmt.Errorf("message: illegal state transition %d -> %d for message %d", m.State, next, id)
	}
	if _, err := s.db.Exec(`UPDATE messages SET state = ? WHERE id = ?`, next, id); err != nil {
		return fmt.Errorf("message: set state: %w", err)
	}
	return nil
}

// SetServerLocation records where a message now lives on the IMAP
// server, after SEND_MSG_TO_IMAP appends it or a fetch discovers it
// (spec §4.13).
func (s *Store) SetServerLocation(id uint32, folder string, uid uint32) error {
	if _, err := s.db.Exec(`UPDATE messages SET server_folder = ?, server_uid = ? WHERE id = ?`, folder, uid, id); err != nil {
		return fmt.Errorf("message: set server location: %w", err)
	}
	return nil
}

// SetFailed marks an outgoing message permanently failed, recording
// the error text in its parameter bag.
func (s *Store) SetFailed(id uint32, errText string) error {
	m, err := s.Load(id)
	if err != nil {
		return err
	}
	m.Param.Set(param.Error, errText)
	if _, err := s.db.Exec(
		`UPDATE messages SET state = ?, param = ? WHERE id = ?`,
		StateOutFailed, m.Param.Pack(), id,
	); err != nil {
		return fmt.Errorf("message: set failed: %w", err)
	}
	return nil
}

// MarkSeen advances ids from IN_FRESH/IN_NOTICED to IN_SEEN for
// messages in non-blocked chats, or only to IN_NOTICED for messages in
// blocked chats (spec §4.11). It returns the ids that actually reached
// IN_SEEN, which callers use to schedule an IMAP markseen job.
func (s *Store) MarkSeen(ids []uint32) ([]uint32, error) {
	var seen []uint32
	for _, id := range ids {
		m, err := s.Load(id)
		if err != nil {
			return seen, err
		}
		if m.State != StateInFresh && m.State != StateInNoticed {
			continue
		}

		var blocked int
		if err := s.db.QueryRow(`SELECT blocked FROM chats WHERE id = ?`, m.ChatID).Scan(&blocked); err != nil {
			return seen, fmt.Errorf("message: mark seen: chat lookup: %w", err)
		}

		target := StateInSeen
		if blocked != 0 {
			target = StateInNoticed
		}
		if target == m.State {
			continue
		}
		if _, err := s.db.Exec(`UPDATE messages SET state = ? WHERE id = ?`, target, id); err != nil {
			return seen, fmt.Errorf("message: mark seen: %w", err)
		}
		if target == StateInSeen {
			seen = append(seen, id)
		}
	}
	return seen, nil
}

// MarkNoticed advances every IN_FRESH message in a chat (chatID != 0)
// or from a contact (contactID != 0) to IN_NOTICED.
func (s *Store) MarkNoticed(chatID, contactID uint32) error {
	switch {
	case chatID != 0:
		_, err := s.db.Exec(
			`UPDATE messages SET state = ? WHERE chat_id = ? AND state = ?`,
			StateInNoticed, chatID, StateInFresh,
		)
		if err != nil {
			return fmt.Errorf("message: mark noticed by chat: %w", err)
		}
	case contactID != 0:
		_, err := s.db.Exec(
			`UPDATE messages SET state = ? WHERE from_id = ? AND state = ?`,
			StateInNoticed, contactID, StateInFresh,
		)
		if err != nil {
			return fmt.Errorf("message: mark noticed by contact: %w", err)
		}
	}
	return nil
}

// Star sets or clears the starred flag on ids.
func (s *Store) Star(ids []uint32, starred bool) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, boolToInt(starred))
	for _, id := range ids {
		args = append(args, id)
	}
	q := fmt.Sprintf(`UPDATE messages SET starred = ? WHERE id IN (%s)`, placeholders)
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("message: star: %w", err)
	}
	return nil
}

// Forward copies ids into toChatID as new outgoing messages, clearing
// server identity fields (they are new logical sends) and marking the
// FORWARDED param flag.
func (s *Store) Forward(ids []uint32, toChatID uint32, now int64) ([]uint32, error) {
	var newIDs []uint32
	for _, id := range ids {
		orig, err := s.Load(id)
		if err != nil {
			return newIDs, err
		}
		orig.Param.Set(param.Forwarded, "1")
		newID, err := s.Create(&Message{
			ChatID:         toChatID,
			Timestamp:      now,
			Type:           orig.Type,
			State:          StateOutPending,
			IsMessengerMsg: true,
			Text:           orig.Text,
			TextRaw:        orig.TextRaw,
			Param:          orig.Param,
		})
		if err != nil {
			return newIDs, err
		}
		newIDs = append(newIDs, newID)
	}
	return newIDs, nil
}

// Delete removes ids outright.
func (s *Store) Delete(ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := fmt.Sprintf(`DELETE FROM messages WHERE id IN (%s)`, placeholders)
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("message: delete: %w", err)
	}
	return nil
}

// GetInfo renders a verbose single-message debug view.
func (s *Store) GetInfo(id uint32) (string, error) {
	m, err := s.Load(id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\n", m.RFC724MID)
	fmt.Fprintf(&b, "Chat: %d\n", m.ChatID)
	fmt.Fprintf(&b, "From: %d  To: %d\n", m.FromID, m.ToID)
	fmt.Fprintf(&b, "State: %d  Type: %d\n", m.State, m.Type)
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\n", m.InReplyTo)
	}
	b.WriteString("\n")
	b.WriteString(m.Text)
	return b.String(), nil
}

// GetSummaryText returns a chatlist-style single-line preview of a
// message, truncated to approximately approxLen runes.
func (s *Store) GetSummaryText(id uint32, approxLen int) (string, error) {
	m, err := s.Load(id)
	if err != nil {
		return "", err
	}
	text := strings.Join(strings.Fields(m.Text), " ")
	runes := []rune(text)
	if len(runes) <= approxLen {
		return text, nil
	}
	return string(runes[:approxLen]) + "…", nil
}

// RecordMDN records a read receipt for outgoing message msgID from
// contact P at time t, then applies the MDN accounting rule (spec
// §4.11): a SINGLE chat's message is marked OUT_MDN_RCVD on the first
// receipt; a GROUP chat's message needs receipts from at least half
// its membership (including self) before being marked received.
func (s *Store) RecordMDN(msgID, contactID uint32, t int64) error {
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO message_mdns (msg_id, contact_id, timestamp_sent) VALUES (?, ?, ?)`,
		msgID, contactID, t,
	); err != nil {
		return fmt.Errorf("message: record mdn: %w", err)
	}

	m, err := s.Load(msgID)
	if err != nil {
		return err
	}
	if m.State == StateOutMDNRcvd {
		return nil
	}

	var chatType int
	if err := s.db.QueryRow(`SELECT type FROM chats WHERE id = ?`, m.ChatID).Scan(&chatType); err != nil {
		return fmt.Errorf("message: record mdn: chat lookup: %w", err)
	}

	const chatTypeSingle = 100
	if chatType == chatTypeSingle {
		return s.SetState(msgID, StateOutMDNRcvd)
	}

	var distinctSenders, memberCount int
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT contact_id) FROM message_mdns WHERE msg_id = ?`, msgID).Scan(&distinctSenders); err != nil {
		return fmt.Errorf("message: record mdn: count senders: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_contacts WHERE chat_id = ?`, m.ChatID).Scan(&memberCount); err != nil {
		return fmt.Errorf("message: record mdn: count members: %w", err)
	}

	soll := (memberCount + 1) / 2
	if distinctSenders >= soll {
		return s.SetState(msgID, StateOutMDNRcvd)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
