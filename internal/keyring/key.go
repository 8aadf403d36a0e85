// Package keyring provides typed PGP key blobs, ASCII-armor
// rendering/parsing, fingerprints, and keyring collections used by the
// Autocrypt pipeline.
package keyring

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// Type distinguishes public from private key material.
type Type int

const (
	Public Type = iota
	Private
)

func (t Type) String() string {
	if t == Private {
		return "private"
	}
	return "public"
}

// Key is a typed PGP key blob. Bytes holds the binary (non-armored)
// OpenPGP packet stream for exactly one key (with its subkeys).
//
// Private-key buffers must be zeroed via Wipe once no longer needed;
// the engine never retains a private Key longer than the operation
// that required it.
type Key struct {
	Type  Type
	Bytes []byte
}

// NewFromBytes wraps raw binary OpenPGP packet bytes as a Key of the
// given type. It does not validate the bytes; use IsValid via the
// crypto capability for that.
func NewFromBytes(t Type, raw []byte) *Key {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &Key{Type: t, Bytes: cp}
}

// NewFromBase64 decodes standard base64 into a Key.
func NewFromBase64(t Type, b64 string) (*Key, error) {
	raw, err := base64.StdEncoding.DecodeString(stripWhitespace(b64))
	if err != nil {
		return nil, fmt.Errorf("keyring: invalid base64: %w", err)
	}
	return NewFromBytes(t, raw), nil
}

// Base64 renders the key as unwrapped standard base64.
func (k *Key) Base64() string {
	return base64.StdEncoding.EncodeToString(k.Bytes)
}

// Armor renders the key as ASCII-armor (RFC 4880 §6) with the CRC-24
// checksum line included. Public and private keys get their
// respective armor header.
func (k *Key) Armor() (string, error) {
	blockType := "PGP PUBLIC KEY BLOCK"
	if k.Type == Private {
		blockType = "PGP PRIVATE KEY BLOCK"
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		return "", fmt.Errorf("keyring: armor encode: %w", err)
	}
	if _, err := w.Write(k.Bytes); err != nil {
		return "", fmt.Errorf("keyring: armor write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("keyring: armor close: %w", err)
	}
	return buf.String(), nil
}

// ParseArmor parses an ASCII-armored key block back into a Key. The
// armor.Decode call itself verifies the CRC-24 checksum when present
// and rejects a bad one; no separate checksum step is needed.
func ParseArmor(armored string) (*Key, error) {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("keyring: armor decode: %w", err)
	}

	var t Type
	switch block.Type {
	case "PGP PUBLIC KEY BLOCK":
		t = Public
	case "PGP PRIVATE KEY BLOCK":
		t = Private
	default:
		return nil, fmt.Errorf("keyring: unexpected armor block type %q", block.Type)
	}

	raw, err := io.ReadAll(block.Body)
	if err != nil {
		return nil, fmt.Errorf("keyring: reading armored body: %w", err)
	}
	return NewFromBytes(t, raw), nil
}

// Equal reports whether two keys have the same type and bytes.
func (k *Key) Equal(other *Key) bool {
	if other == nil || k.Type != other.Type {
		return false
	}
	return subtle.ConstantTimeCompare(k.Bytes, other.Bytes) == 1
}

// Wipe zeroes the key's byte buffer in place. Callers holding a
// private Key must call this once done with it (spec §8: "a private
// key buffer's byte array is zero upon drop").
func (k *Key) Wipe() {
	for i := range k.Bytes {
		k.Bytes[i] = 0
	}
}

// Entities parses the key's bytes into go-crypto openpgp entities,
// for use by the crypto capability.
func (k *Key) Entities() (openpgp.EntityList, error) {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(k.Bytes))
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing key packets: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("keyring: no keys found")
	}
	return entities, nil
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
