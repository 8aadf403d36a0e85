// Package config holds account login parameters and the secrets that
// back them, following the key/value settings shape of the teacher's
// internal/settings package but over a single typed struct instead of
// many individually-named getters.
package config

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mercury-chat/engine/internal/logging"
	"github.com/mercury-chat/engine/internal/store"
	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"
)

// Server flag bits (spec §4.12 configured_server_flags bitfield).
const (
	AuthOAuth2 = 1 << iota
	AuthNormal
	IMAPSocketPlain
	IMAPSocketSSL
	IMAPSocketSTARTTLS
	SMTPSocketPlain
	SMTPSocketSSL
	SMTPSocketSTARTTLS
	NoExtraIMAPUpload
	NoMoveToChats
)

// Config is the set of configured_* parameters from spec §4.12.
type Config struct {
	Addr string `json:"configured_addr"`

	MailServer string `json:"configured_mail_server"`
	MailPort   int    `json:"configured_mail_port"`
	MailUser   string `json:"configured_mail_user"`
	MailPw     string `json:"-"` // never round-tripped through JSON; see Store

	SendServer string `json:"configured_send_server"`
	SendPort   int    `json:"configured_send_port"`
	SendUser   string `json:"configured_send_user"`
	SendPw     string `json:"-"`

	ServerFlags int `json:"configured_server_flags"`

	// Configured is set once a login attempt has succeeded and cleared
	// by Reset; IMEX_IMAP's import refuses to run while it's true.
	Configured bool `json:"configured"`
}

// HasFlag reports whether every bit in mask is set in ServerFlags.
func (c Config) HasFlag(mask int) bool {
	return c.ServerFlags&mask == mask
}

const (
	serviceName  = "mercury-chat-engine"
	configDBKey  = "account"
	mailPwSecret = "mail-password"
	sendPwSecret = "send-password"
)

// Store persists Config to the engine's config table (store.DB's
// generic key/value table, spec §3) and routes the two password
// fields through the OS keyring, falling back to the table itself
// (plaintext, since this engine has no separate at-rest encryption
// layer for the config table) when the keyring is unavailable.
type Store struct {
	db             *store.DB
	keyringEnabled bool
	log            zerolog.Logger
}

// NewStore builds a Store, probing keyring availability once.
func NewStore(db *store.DB) *Store {
	log := logging.WithComponent("config")
	enabled := probeKeyring()
	if enabled {
		log.Info().Msg("OS keyring available for credential storage")
	} else {
		log.Warn().Msg("OS keyring unavailable, storing credentials in the config table")
	}
	return &Store{db: db, keyringEnabled: enabled, log: log}
}

func probeKeyring() bool {
	const testKey = "keyring-probe"
	if err := gokeyring.Set(serviceName, testKey, "ok"); err != nil {
		return false
	}
	gokeyring.Delete(serviceName, testKey)
	return true
}

// Load reads the persisted Config, returning the zero value (an
// unconfigured account) if none has been saved yet.
func (s *Store) Load() (Config, error) {
	var raw sql.NullString
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", configDBKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	var cfg Config
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode: %w", err)
		}
	}

	cfg.MailPw, err = s.getSecret(mailPwSecret)
	if err != nil {
		return Config{}, err
	}
	cfg.SendPw, err = s.getSecret(sendPwSecret)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save persists Config, routing MailPw/SendPw to the keyring (or the
// config table's own secret slots as fallback) separately from the
// JSON blob holding everything else.
func (s *Store) Save(cfg Config) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, configDBKey, string(body)); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}

	if err := s.setSecret(mailPwSecret, cfg.MailPw); err != nil {
		return err
	}
	return s.setSecret(sendPwSecret, cfg.SendPw)
}

// Reset clears the configured account, used before a fresh Configure
// attempt or an IMEX_IMAP import (spec §4.16 refuses import while
// Configured is true).
func (s *Store) Reset() error {
	return s.Save(Config{})
}

// GetRaw reads an arbitrary key from the config table, for settings
// that don't belong in the typed Config struct — e.g. the per-folder
// IMAP UID high-water marks of spec §4.13 (imap.mailbox.<folder>).
func (s *Store) GetRaw(key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("config: get %s: %w", key, err)
	}
	return value.String, value.Valid, nil
}

// SetRaw persists an arbitrary key to the config table. See GetRaw.
func (s *Store) SetRaw(key, value string) error {
	if _, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value); err != nil {
		return fmt.Errorf("config: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) getSecret(name string) (string, error) {
	if s.keyringEnabled {
		value, err := gokeyring.Get(serviceName, name)
		if err == nil {
			return value, nil
		}
		if err != gokeyring.ErrNotFound {
			s.log.Warn().Err(err).Str("secret", name).Msg("keyring read failed, trying fallback")
		}
	}

	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", "secret:"+name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("config: read secret %s: %w", name, err)
	}
	return value.String, nil
}

func (s *Store) setSecret(name, value string) error {
	if s.keyringEnabled {
		if value == "" {
			gokeyring.Delete(serviceName, name)
		} else if err := gokeyring.Set(serviceName, name, value); err == nil {
			s.clearSecretFallback(name)
			return nil
		} else {
			s.log.Warn().Err(err).Str("secret", name).Msg("keyring write failed, using fallback")
		}
	}

	if value == "" {
		s.clearSecretFallback(name)
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, "secret:"+name, value)
	if err != nil {
		return fmt.Errorf("config: write secret %s: %w", name, err)
	}
	return nil
}

func (s *Store) clearSecretFallback(name string) {
	s.db.Exec("DELETE FROM config WHERE key = ?", "secret:"+name)
}
