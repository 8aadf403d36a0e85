package autocrypt

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mercury-chat/engine/internal/store"
)

// Store is the peerstates table gateway.
type Store struct {
	db *store.DB
}

// NewStore wraps db for peer-state persistence.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Load returns addr's stored peer state, or ok=false if none exists
// (a fresh *PeerState is what Apply expects in that case).
func (s *Store) Load(addr string) (*PeerState, bool, error) {
	row := s.db.QueryRow(`
		SELECT addr, last_seen, last_seen_autocrypt, public_key, public_key_fingerprint,
		       gossip_key, gossip_timestamp, verified_key, prefer_encrypt
		FROM peerstates WHERE addr = ?`, addr,
	)

	p := &PeerState{}
	var lastSeen, lastSeenAutocrypt, gossipTimestamp int64
	var prefer int
	err := row.Scan(
		&p.Addr, &lastSeen, &lastSeenAutocrypt, &p.PublicKey, &p.PublicKeyFingerprint,
		&p.GossipKey, &gossipTimestamp, &p.VerifiedKey, &prefer,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("autocrypt: load peerstate: %w", err)
	}

	p.LastSeen = time.Unix(lastSeen, 0)
	p.LastSeenAutocrypt = time.Unix(lastSeenAutocrypt, 0)
	p.GossipTimestamp = time.Unix(gossipTimestamp, 0)
	p.PreferEncrypt = PreferEncrypt(prefer)
	return p, true, nil
}

// Save upserts p, keyed by its Addr.
func (s *Store) Save(p *PeerState) error {
	_, err := s.db.Exec(`
		INSERT INTO peerstates (
			addr, last_seen, last_seen_autocrypt, public_key, public_key_fingerprint,
			gossip_key, gossip_timestamp, verified_key, prefer_encrypt
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET
			last_seen              = excluded.last_seen,
			last_seen_autocrypt     = excluded.last_seen_autocrypt,
			public_key              = excluded.public_key,
			public_key_fingerprint  = excluded.public_key_fingerprint,
			gossip_key              = excluded.gossip_key,
			gossip_timestamp        = excluded.gossip_timestamp,
			verified_key            = excluded.verified_key,
			prefer_encrypt          = excluded.prefer_encrypt`,
		p.Addr, p.LastSeen.Unix(), p.LastSeenAutocrypt.Unix(), p.PublicKey, p.PublicKeyFingerprint,
		p.GossipKey, p.GossipTimestamp.Unix(), p.VerifiedKey, int(p.PreferEncrypt),
	)
	if err != nil {
		return fmt.Errorf("autocrypt: save peerstate: %w", err)
	}
	return nil
}
