// Package contact implements the contact store: address-ladder origin
// tracking, lookup-or-create, blocking, and address-book import.
package contact

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/mercury-chat/engine/internal/store"
)

// Origin is an ordinal position on the trust ladder (spec §4.9). A
// contact's origin only ever increases.
type Origin int

const (
	OriginUnknown Origin = iota
	OriginIncomingUnknownFrom
	OriginIncomingCc
	OriginIncomingTo
	OriginUnhandledQRScan
	OriginIncomingReplyTo
	OriginIncomingCcOfKnownSender
	OriginIncomingToOfKnownSender
	OriginCreateChat
	OriginOutgoingBcc
	OriginOutgoingCc
	OriginOutgoingTo
	OriginAddressBook
	OriginManual
	OriginSecureJoined
)

// Blocked states (spec §3 Chat.blocked reused for contacts per the
// original's shared enum).
const (
	BlockedNot = 0
	BlockedYes = 1
)

// Contact is a row of the contacts table (spec §3).
type Contact struct {
	ID       uint32
	Name     string
	AuthName string
	Addr     string
	Origin   Origin
	Blocked  int
}

// DisplayName returns Name if set, falling back to AuthName, then Addr
// — the usual "what do we call this person" precedence.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.AuthName != "" {
		return c.AuthName
	}
	return c.Addr
}

// Store is the contacts table gateway.
type Store struct {
	db *store.DB
}

// New wraps db for contact operations.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// NormalizeAddr trims whitespace, strips angle brackets, and lowercases
// the address (spec §4.9: "trim whitespace, lowercase the domain,
// strip angle brackets" — this engine lowercases the whole address,
// matching RFC 5321's recommendation to treat the local part
// case-sensitively only in theory; in practice every provider this
// engine talks to treats it case-insensitively too).
func NormalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// Create inserts a brand new contact unconditionally.
func (s *Store) Create(name, addr string, origin Origin) (*Contact, error) {
	addr = NormalizeAddr(addr)
	res, err := s.db.Exec(
		`INSERT INTO contacts (name, addr, origin) VALUES (?, ?, ?)`,
		name, addr, origin,
	)
	if err != nil {
		return nil, fmt.Errorf("contact: create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("contact: create: %w", err)
	}
	return &Contact{ID: uint32(id), Name: name, Addr: addr, Origin: origin}, nil
}

// LookupOrCreate finds a contact by address, raising its origin if the
// new origin outranks the stored one (origin only moves upward), or
// creates a new one if none exists.
func (s *Store) LookupOrCreate(name, addr string, origin Origin) (*Contact, error) {
	addr = NormalizeAddr(addr)

	existing, err := s.byAddr(addr)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if existing != nil {
		changed := false
		if origin > existing.Origin {
			existing.Origin = origin
			changed = true
		}
		if name != "" && existing.Name == "" {
			existing.Name = name
			changed = true
		}
		if changed {
			if _, err := s.db.Exec(
				`UPDATE contacts SET name = ?, origin = ? WHERE id = ?`,
				existing.Name, existing.Origin, existing.ID,
			); err != nil {
				return nil, fmt.Errorf("contact: update on lookup: %w", err)
			}
		}
		return existing, nil
	}

	return s.Create(name, addr, origin)
}

func (s *Store) byAddr(addr string) (*Contact, error) {
	row := s.db.QueryRow(
		`SELECT id, name, authname, addr, origin, blocked FROM contacts WHERE addr = ?`,
		addr,
	)
	c := &Contact{}
	if err := row.Scan(&c.ID, &c.Name, &c.AuthName, &c.Addr, &c.Origin, &c.Blocked); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("contact: lookup: %w", err)
	}
	return c, nil
}

// Load returns the contact with the given id.
func (s *Store) Load(id uint32) (*Contact, error) {
	row := s.db.QueryRow(
		`SELECT id, name, authname, addr, origin, blocked FROM contacts WHERE id = ?`,
		id,
	)
	c := &Contact{}
	if err := row.Scan(&c.ID, &c.Name, &c.AuthName, &c.Addr, &c.Origin, &c.Blocked); err != nil {
		return nil, fmt.Errorf("contact: load %d: %w", id, err)
	}
	return c, nil
}

// Block sets or clears the manual block flag on a contact. Sentinel
// contacts (SELF, DEVICE) cannot be blocked.
func (s *Store) Block(id uint32, blocked bool) error {
	if id <= store.ContactLastSpecial {
		return fmt.Errorf("contact: cannot block sentinel contact %d", id)
	}
	v := BlockedNot
	if blocked {
		v = BlockedYes
	}
	if _, err := s.db.Exec(`UPDATE contacts SET blocked = ? WHERE id = ?`, v, id); err != nil {
		return fmt.Errorf("contact: block: %w", err)
	}
	return nil
}

// AddAddressBook imports contacts from "name\naddr\nname\naddr\n..."
// lines (the same flat format the original address-book import API
// accepts), creating or upgrading each to OriginAddressBook.
func (s *Store) AddAddressBook(lines []string) (int, error) {
	imported := 0
	for i := 0; i+1 < len(lines); i += 2 {
		name := strings.TrimSpace(lines[i])
		addr := strings.TrimSpace(lines[i+1])
		if addr == "" || !strings.Contains(addr, "@") {
			continue
		}
		if _, err := s.LookupOrCreate(name, addr, OriginAddressBook); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// Delete removes a contact, refusing if it's still referenced by a
// chat membership or a message (spec §3 invariant).
func (s *Store) Delete(id uint32) error {
	if id <= store.ContactLastSpecial {
		return fmt.Errorf("contact: cannot delete sentinel contact %d", id)
	}

	var memberCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_contacts WHERE contact_id = ?`, id).Scan(&memberCount); err != nil {
		return fmt.Errorf("contact: delete check membership: %w", err)
	}
	if memberCount > 0 {
		return fmt.Errorf("contact: %d still has chat memberships", id)
	}

	var msgCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE from_id = ? OR to_id = ?`, id, id).Scan(&msgCount); err != nil {
		return fmt.Errorf("contact: delete check messages: %w", err)
	}
	if msgCount > 0 {
		return fmt.Errorf("contact: %d is still referenced by messages", id)
	}

	if _, err := s.db.Exec(`DELETE FROM contacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("contact: delete: %w", err)
	}
	return nil
}

// EncryptInfo summarizes what this engine knows about a contact's
// encryption capability, for get_encrypt_info.
type EncryptInfo struct {
	HasKey        bool
	Fingerprint   string
	PreferEncrypt string
}
