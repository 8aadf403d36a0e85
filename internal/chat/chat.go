// Package chat implements the chat store: chat/group CRUD, membership,
// drafts, promotion tracking, and the synthesized chat list and message
// list views (spec §3 Chat, §4.10).
package chat

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mercury-chat/engine/internal/message"
	"github.com/mercury-chat/engine/internal/store"
)

// Type is the chat kind (spec §3).
type Type int

const (
	TypeUndefined     Type = 0
	TypeSingle        Type = 100
	TypeGroup         Type = 120
	TypeVerifiedGroup Type = 130
)

// Blocked mirrors the contact block enum; a blocked chat's incoming
// messages only ever reach IN_NOTICED, never IN_SEEN (spec §4.11).
const (
	BlockedNot = 0
	BlockedYes = 1
)

// System message commands carried in a broadcast message's CMD param
// (spec §4.10).
const (
	CmdGroupNameChanged       = 2
	CmdGroupImageChanged      = 3
	CmdMemberAddedToGroup     = 4
	CmdMemberRemovedFromGroup = 5
)

// List flags for GetMessages (spec §4.10).
const (
	FlagAddDayMarker = 1 << iota
	FlagMarker1
)

// Chat is a row of the chats table.
type Chat struct {
	ID             uint32
	Type           Type
	Name           string
	DraftTimestamp int64
	DraftText      string
	GroupID        string
	Archived       bool
	Blocked        int
}

// IsSelfTalk reports whether this chat is the note-to-self chat (a
// SINGLE chat whose only member is SELF).
func (c *Chat) IsSelfTalk(memberIDs []uint32) bool {
	return c.Type == TypeSingle && len(memberIDs) == 1 && memberIDs[0] == store.ContactSelf
}

// Store is the chats table gateway.
type Store struct {
	db   *store.DB
	msgs *message.Store
}

// New wraps db for chat operations.
func New(db *store.DB) *Store {
	return &Store{db: db, msgs: message.New(db)}
}

// Load returns the chat with the given id.
func (s *Store) Load(id uint32) (*Chat, error) {
	row := s.db.QueryRow(`
		SELECT id, type, name, draft_timestamp, draft_text, group_id, archived, blocked
		FROM chats WHERE id = ?`, id)
	return scanChat(row)
}

func scanChat(row *sql.Row) (*Chat, error) {
	c := &Chat{}
	var archived int
	if err := row.Scan(&c.ID, &c.Type, &c.Name, &c.DraftTimestamp, &c.DraftText, &c.GroupID, &archived, &c.Blocked); err != nil {
		return nil, fmt.Errorf("chat: load: %w", err)
	}
	c.Archived = archived != 0
	return c, nil
}

// Members returns the contact ids belonging to a chat.
func (s *Store) Members(chatID uint32) ([]uint32, error) {
	rows, err := s.db.Query(`SELECT contact_id FROM chat_contacts WHERE chat_id = ? ORDER BY contact_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: members: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chat: members: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateByContact returns the SINGLE chat with contactID, creating one
// (with SELF and contactID as members) if none exists yet.
func (s *Store) CreateByContact(contactID uint32) (*Chat, error) {
	var existing uint32
	err := s.db.QueryRow(`
		SELECT c.id FROM chats c
		JOIN chat_contacts cc ON cc.chat_id = c.id
		WHERE c.type = ? AND cc.contact_id = ?
		  AND (SELECT COUNT(*) FROM chat_contacts WHERE chat_id = c.id) = 2
		LIMIT 1`, TypeSingle, contactID).Scan(&existing)
	if err == nil {
		return s.Load(existing)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("chat: create by contact: lookup: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO chats (type) VALUES (?)`, TypeSingle)
	if err != nil {
		return nil, fmt.Errorf("chat: create by contact: %w", err)
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chat: create by contact: %w", err)
	}
	chatID := uint32(id64)

	for _, member := range []uint32{store.ContactSelf, contactID} {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO chat_contacts (chat_id, contact_id) VALUES (?, ?)`, chatID, member); err != nil {
			return nil, fmt.Errorf("chat: create by contact: add member: %w", err)
		}
	}
	return s.Load(chatID)
}

// CreateGroup makes a new, unpromoted group chat containing only SELF.
func (s *Store) CreateGroup(name string, verified bool) (*Chat, error) {
	typ := TypeGroup
	if verified {
		typ = TypeVerifiedGroup
	}
	res, err := s.db.Exec(`INSERT INTO chats (type, name) VALUES (?, ?)`, typ, name)
	if err != nil {
		return nil, fmt.Errorf("chat: create group: %w", err)
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chat: create group: %w", err)
	}
	chatID := uint32(id64)
	if _, err := s.db.Exec(`INSERT INTO chat_contacts (chat_id, contact_id) VALUES (?, ?)`, chatID, store.ContactSelf); err != nil {
		return nil, fmt.Errorf("chat: create group: add self: %w", err)
	}
	return s.Load(chatID)
}

// IsPromoted reports whether a chat has ever sent a non-hidden
// message (spec §4.10): unpromoted chats exist only locally and don't
// yet broadcast membership/name changes.
func (s *Store) IsPromoted(chatID uint32) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND hidden = 0 AND state >= ?`,
		chatID, message.StateOutPending,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("chat: is promoted: %w", err)
	}
	return count > 0, nil
}

// broadcast appends an invisible system message carrying cmd if the
// chat is promoted. Unpromoted chats stay silent (spec §4.10).
func (s *Store) broadcast(chatID uint32, now int64, cmd int, arg, arg2 string) error {
	promoted, err := s.IsPromoted(chatID)
	if err != nil {
		return err
	}
	if !promoted {
		return nil
	}
	_, err = s.msgs.CreateSystemMessage(chatID, now, cmd, arg, arg2)
	return err
}

// AddMember adds contactID to chatID, broadcasting the membership
// change if the chat is promoted.
func (s *Store) AddMember(chatID, contactID uint32, now int64) error {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO chat_contacts (chat_id, contact_id) VALUES (?, ?)`, chatID, contactID); err != nil {
		return fmt.Errorf("chat: add member: %w", err)
	}
	return s.broadcast(chatID, now, CmdMemberAddedToGroup, fmt.Sprintf("%d", contactID), "")
}

// RemoveMember removes contactID from chatID, broadcasting the
// membership change if the chat is promoted.
func (s *Store) RemoveMember(chatID, contactID uint32, now int64) error {
	if _, err := s.db.Exec(`DELETE FROM chat_contacts WHERE chat_id = ? AND contact_id = ?`, chatID, contactID); err != nil {
		return fmt.Errorf("chat: remove member: %w", err)
	}
	return s.broadcast(chatID, now, CmdMemberRemovedFromGroup, fmt.Sprintf("%d", contactID), "")
}

// SetName renames chatID, broadcasting the change if the chat is
// promoted.
func (s *Store) SetName(chatID uint32, name string, now int64) error {
	c, err := s.Load(chatID)
	if err != nil {
		return err
	}
	if c.Name == name {
		return nil
	}
	if _, err := s.db.Exec(`UPDATE chats SET name = ? WHERE id = ?`, name, chatID); err != nil {
		return fmt.Errorf("chat: set name: %w", err)
	}
	return s.broadcast(chatID, now, CmdGroupNameChanged, c.Name, name)
}

// SetProfileImage broadcasts an image change if the chat is promoted;
// the image itself lives in the chat's param bag, set by the caller.
func (s *Store) SetProfileImage(chatID uint32, now int64) error {
	return s.broadcast(chatID, now, CmdGroupImageChanged, "", "")
}

// SetDraft sets or clears a chat's pending composed-but-unsent text.
func (s *Store) SetDraft(chatID uint32, text string, now int64) error {
	ts := now
	if text == "" {
		ts = 0
	}
	if _, err := s.db.Exec(`UPDATE chats SET draft_text = ?, draft_timestamp = ? WHERE id = ?`, text, ts, chatID); err != nil {
		return fmt.Errorf("chat: set draft: %w", err)
	}
	return nil
}

// Archive sets or clears a chat's archived flag.
func (s *Store) Archive(chatID uint32, archived bool) error {
	v := 0
	if archived {
		v = 1
	}
	if _, err := s.db.Exec(`UPDATE chats SET archived = ? WHERE id = ?`, v, chatID); err != nil {
		return fmt.Errorf("chat: archive: %w", err)
	}
	return nil
}

// Delete removes a chat, its memberships, and its messages outright.
func (s *Store) Delete(chatID uint32) error {
	if chatID <= store.ChatLastSpecial {
		return fmt.Errorf("chat: cannot delete sentinel chat %d", chatID)
	}
	if _, err := s.db.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("chat: delete: messages: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM chat_contacts WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("chat: delete: members: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM chats WHERE id = ?`, chatID); err != nil {
		return fmt.Errorf("chat: delete: %w", err)
	}
	return nil
}

// GetChatlist returns chat ids matching an optional case-insensitive
// substring query, newest-activity first. Archived chats are excluded
// unless includeArchived is set.
func (s *Store) GetChatlist(query string, includeArchived bool) ([]uint32, error) {
	sqlQuery := `
		SELECT c.id,
		       COALESCE((SELECT MAX(timestamp) FROM messages WHERE chat_id = c.id), 0) AS last_activity
		FROM chats c
		WHERE c.id > ?`
	args := []any{store.ChatLastSpecial}

	if !includeArchived {
		sqlQuery += ` AND c.archived = 0`
	}
	if query != "" {
		sqlQuery += ` AND c.name LIKE ? COLLATE NOCASE`
		args = append(args, "%"+query+"%")
	}
	sqlQuery += ` ORDER BY last_activity DESC, c.id DESC`

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("chat: get chatlist: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		var lastActivity int64
		if err := rows.Scan(&id, &lastActivity); err != nil {
			return nil, fmt.Errorf("chat: get chatlist: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetMessages returns the ordered id list for a chat, oldest first,
// optionally interleaving synthetic DAYMARKER ids between messages
// whose local dates differ and a single synthetic MARKER1 id placed
// immediately before marker1Before if present (spec §4.10).
func (s *Store) GetMessages(chatID uint32, flags int, marker1Before uint32) ([]uint32, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp FROM messages
		WHERE chat_id = ? AND hidden = 0
		ORDER BY timestamp ASC, id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: get messages: %w", err)
	}
	defer rows.Close()

	type row struct {
		id uint32
		ts int64
	}
	var msgs []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.ts); err != nil {
			return nil, fmt.Errorf("chat: get messages: %w", err)
		}
		msgs = append(msgs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	addDayMarker := flags&FlagAddDayMarker != 0
	addMarker1 := flags&FlagMarker1 != 0 && marker1Before != 0

	var out []uint32
	var prevDate string
	for _, m := range msgs {
		if addDayMarker {
			date := localDate(m.ts)
			if prevDate != "" && date != prevDate {
				out = append(out, store.MsgDayMarker)
			}
			prevDate = date
		}
		if addMarker1 && m.id == marker1Before {
			out = append(out, store.MsgMarker1)
		}
		out = append(out, m.id)
	}
	return out, nil
}

func localDate(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).Format("2006-01-02")
}

// Chatlist preview rendering joins a chat with its most recent message.
func (s *Store) Summary(chatID uint32, approxLen int) (string, error) {
	var lastID sql.NullInt64
	err := s.db.QueryRow(`
		SELECT id FROM messages WHERE chat_id = ? AND hidden = 0
		ORDER BY timestamp DESC, id DESC LIMIT 1`, chatID).Scan(&lastID)
	if err == sql.ErrNoRows || !lastID.Valid {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("chat: summary: %w", err)
	}
	return s.msgs.GetSummaryText(uint32(lastID.Int64), approxLen)
}

// DisplayName renders a chat's name for SINGLE chats that never
// received an explicit name: falls back to the other member's
// contact display name, looked up by the caller and passed in.
func DisplayName(c *Chat, fallback string) string {
	if c.Name != "" {
		return c.Name
	}
	return strings.TrimSpace(fallback)
}
