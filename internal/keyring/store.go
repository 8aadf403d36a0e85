package keyring

import (
	"database/sql"
	"fmt"

	"github.com/mercury-chat/engine/internal/store"
)

// Keypair is a row of the keypairs table: a self-owned public/private
// pair bound to the address it was generated for.
type Keypair struct {
	ID        uint32
	Addr      string
	IsDefault bool
	Public    *Key
	Private   *Key
	Created   int64
}

// Store is the keypairs table gateway.
type Store struct {
	db *store.DB
}

// NewStore wraps db for keypair operations.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Save inserts a keypair, clearing any existing default for addr first
// if isDefault is set (spec §4.16 set_self_key: "before this, delete
// other keypairs with the same binary key and reset defaults").
func (s *Store) Save(addr string, pub, priv *Key, isDefault bool, created int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("keyring: save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM keypairs WHERE public_key = ? OR private_key = ?`, pub.Bytes, priv.Bytes); err != nil {
		return fmt.Errorf("keyring: save: clearing duplicates: %w", err)
	}
	if isDefault {
		if _, err := tx.Exec(`UPDATE keypairs SET is_default = 0 WHERE addr = ?`, addr); err != nil {
			return fmt.Errorf("keyring: save: clearing default: %w", err)
		}
	}

	defaultFlag := 0
	if isDefault {
		defaultFlag = 1
	}
	if _, err := tx.Exec(
		`INSERT INTO keypairs (addr, is_default, public_key, private_key, created) VALUES (?, ?, ?, ?, ?)`,
		addr, defaultFlag, pub.Bytes, priv.Bytes, created,
	); err != nil {
		return fmt.Errorf("keyring: save: %w", err)
	}
	return tx.Commit()
}

// Default returns addr's default keypair, or ok=false if none exists.
func (s *Store) Default(addr string) (*Keypair, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, addr, is_default, public_key, private_key, created
		 FROM keypairs WHERE addr = ? AND is_default = 1`, addr,
	)
	kp, err := scanKeypair(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// All returns every keypair in insertion order (oldest first), for
// export.
func (s *Store) All() ([]*Keypair, error) {
	rows, err := s.db.Query(`SELECT id, addr, is_default, public_key, private_key, created FROM keypairs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("keyring: all: %w", err)
	}
	defer rows.Close()

	var out []*Keypair
	for rows.Next() {
		kp, err := scanKeypair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kp)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanKeypair(row scannable) (*Keypair, error) {
	kp := &Keypair{}
	var isDefault int
	var pubBytes, privBytes []byte
	if err := row.Scan(&kp.ID, &kp.Addr, &isDefault, &pubBytes, &privBytes, &kp.Created); err != nil {
		return nil, err
	}
	kp.IsDefault = isDefault != 0
	kp.Public = NewFromBytes(Public, pubBytes)
	kp.Private = NewFromBytes(Private, privBytes)
	return kp, nil
}
