// Package crypto implements the Engine capability interface: the set
// of OpenPGP operations the rest of the system consumes (key
// generation, encrypt+sign, decrypt+verify, and the Autocrypt Setup
// Message symmetric operations). It is the only package that imports
// ProtonMail/go-crypto directly outside of internal/keyring.
package crypto

import (
	"bytes"
	"crypto"
	"fmt"
	"io"
	"time"

	gopenpgp "github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/mercury-chat/engine/internal/keyring"
)

// Engine is the capability this package exposes. It is defined as an
// interface (per spec §4.4) so an alternate OpenPGP implementation can
// be swapped in without touching any caller.
type Engine interface {
	GenerateKeypair(userID string) (pub, priv *keyring.Key, err error)
	IsValid(k *keyring.Key) bool
	Fingerprint(pub *keyring.Key) (string, error)
	SplitPublic(priv *keyring.Key) (*keyring.Key, error)

	// PKEncrypt encrypts plaintext for recipients. If signer is
	// non-nil the plaintext is signed before encrypting (sign-then-
	// encrypt, matching the Autocrypt/PGP-MIME convention).
	PKEncrypt(plaintext []byte, recipients *keyring.Keyring, signer *keyring.Key) (armoredCiphertext string, err error)

	// PKDecrypt decrypts ciphertext with the given private keyring.
	// If validators is non-nil, returns the fingerprints of any of
	// those public keys whose signature verified.
	PKDecrypt(ciphertext string, privKeys *keyring.Keyring, validators *keyring.Keyring) (plaintext []byte, verifiedFingerprints []string, err error)

	SymEncryptSetup(plaintext []byte, passphrase string) (armoredMessage string, err error)
	SymDecryptSetup(armoredMessage, passphrase string) (plaintext []byte, err error)
}

type goCryptoEngine struct{}

// NewEngine returns the default Engine, backed by ProtonMail/go-crypto.
func NewEngine() Engine {
	return goCryptoEngine{}
}

// pgpConfig enforces RFC 4880 preferences with SHA-256 first, as
// required by spec §4.4.
func pgpConfig() *packet.Config {
	return &packet.Config{
		DefaultHash:            crypto.SHA256,
		DefaultCipher:          packet.CipherAES256,
		DefaultCompressionAlgo: packet.CompressionZLIB,
		RSABits:                3072,
		Time:                   time.Now,
	}
}

func (goCryptoEngine) GenerateKeypair(userID string) (*keyring.Key, *keyring.Key, error) {
	entity, err := gopenpgp.NewEntity(userID, "", "", pgpConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generating keypair: %w", err)
	}

	// Sign the identity and subkey bindings (NewEntity already
	// self-signs the primary UID and subkey, but SerializePrivate
	// requires the signatures to be present in memory, which they are
	// after NewEntity; nothing further to do here beyond serializing).
	var privBuf bytes.Buffer
	if err := entity.SerializePrivate(&privBuf, nil); err != nil {
		return nil, nil, fmt.Errorf("crypto: serializing private key: %w", err)
	}

	var pubBuf bytes.Buffer
	if err := entity.Serialize(&pubBuf); err != nil {
		return nil, nil, fmt.Errorf("crypto: serializing public key: %w", err)
	}

	return keyring.NewFromBytes(keyring.Public, pubBuf.Bytes()),
		keyring.NewFromBytes(keyring.Private, privBuf.Bytes()),
		nil
}

func (goCryptoEngine) IsValid(k *keyring.Key) bool {
	entities, err := k.Entities()
	if err != nil || len(entities) == 0 {
		return false
	}
	for _, e := range entities {
		if k.Type == keyring.Private && e.PrivateKey == nil {
			continue
		}
		if e.PrimaryKey == nil {
			continue
		}
		return true
	}
	return false
}

func (goCryptoEngine) Fingerprint(pub *keyring.Key) (string, error) {
	entities, err := pub.Entities()
	if err != nil {
		return "", fmt.Errorf("crypto: fingerprint: %w", err)
	}
	return fmt.Sprintf("%X", entities[0].PrimaryKey.Fingerprint), nil
}

func (goCryptoEngine) SplitPublic(priv *keyring.Key) (*keyring.Key, error) {
	entities, err := priv.Entities()
	if err != nil {
		return nil, fmt.Errorf("crypto: split_public: %w", err)
	}

	var buf bytes.Buffer
	for _, e := range entities {
		if err := e.Serialize(&buf); err != nil {
			return nil, fmt.Errorf("crypto: serializing public component: %w", err)
		}
	}
	return keyring.NewFromBytes(keyring.Public, buf.Bytes()), nil
}

func (goCryptoEngine) PKEncrypt(plaintext []byte, recipients *keyring.Keyring, signer *keyring.Key) (string, error) {
	var recipientEntities gopenpgp.EntityList
	for _, k := range recipients.Keys() {
		entities, err := k.Entities()
		if err != nil {
			return "", fmt.Errorf("crypto: parsing recipient key: %w", err)
		}
		recipientEntities = append(recipientEntities, entities...)
	}
	if len(recipientEntities) == 0 {
		return "", fmt.Errorf("crypto: no recipient keys")
	}

	var signerEntity *gopenpgp.Entity
	if signer != nil {
		entities, err := signer.Entities()
		if err != nil {
			return "", fmt.Errorf("crypto: parsing signer key: %w", err)
		}
		signerEntity = entities[0]
	}

	var out bytes.Buffer
	armorWriter, err := armor.Encode(&out, "PGP MESSAGE", nil)
	if err != nil {
		return "", fmt.Errorf("crypto: armor encode: %w", err)
	}

	w, err := gopenpgp.Encrypt(armorWriter, recipientEntities, signerEntity, nil, pgpConfig())
	if err != nil {
		return "", fmt.Errorf("crypto: encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("crypto: writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("crypto: closing encryption writer: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return "", fmt.Errorf("crypto: closing armor writer: %w", err)
	}
	return out.String(), nil
}

func (goCryptoEngine) PKDecrypt(ciphertext string, privKeys *keyring.Keyring, validators *keyring.Keyring) ([]byte, []string, error) {
	var privEntities gopenpgp.EntityList
	for _, k := range privKeys.Keys() {
		entities, err := k.Entities()
		if err != nil {
			continue
		}
		privEntities = append(privEntities, entities...)
	}
	if len(privEntities) == 0 {
		return nil, nil, fmt.Errorf("crypto: no private keys available")
	}

	var validatorEntities gopenpgp.EntityList
	if validators != nil {
		for _, k := range validators.Keys() {
			entities, err := k.Entities()
			if err != nil {
				continue
			}
			validatorEntities = append(validatorEntities, entities...)
		}
	}

	reader, err := armorOrRawReader(ciphertext)
	if err != nil {
		return nil, nil, err
	}

	// The validators are offered alongside the decryption keys so a
	// signature by any of them can be checked.
	keys := append(append(gopenpgp.EntityList{}, privEntities...), validatorEntities...)
	md, err := gopenpgp.ReadMessage(reader, keys, nil, pgpConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: decrypt: %w", err)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: reading decrypted body: %w", err)
	}

	var verified []string
	if md.IsSigned && md.SignatureError == nil && md.SignedBy != nil {
		fp := fmt.Sprintf("%X", md.SignedBy.PublicKey.Fingerprint)
		for _, k := range validatorEntities {
			if fmt.Sprintf("%X", k.PrimaryKey.Fingerprint) == fp {
				verified = append(verified, fp)
				break
			}
		}
	}

	return plaintext, verified, nil
}

func (goCryptoEngine) SymEncryptSetup(plaintext []byte, passphrase string) (string, error) {
	cfg := pgpConfig()
	cfg.DefaultCipher = packet.CipherAES128
	cfg.S2KCount = 65536

	var out bytes.Buffer
	armorWriter, err := armor.Encode(&out, "PGP MESSAGE", map[string]string{
		"Passphrase-Format": "numeric9x4",
		"Passphrase-Begin":  passphrase[:2],
	})
	if err != nil {
		return "", fmt.Errorf("crypto: armor encode: %w", err)
	}

	w, err := gopenpgp.SymmetricallyEncrypt(armorWriter, []byte(passphrase), nil, cfg)
	if err != nil {
		return "", fmt.Errorf("crypto: sym_encrypt_setup: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("crypto: writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("crypto: closing encryption writer: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return "", fmt.Errorf("crypto: closing armor writer: %w", err)
	}
	return out.String(), nil
}

func (goCryptoEngine) SymDecryptSetup(armoredMessage, passphrase string) ([]byte, error) {
	reader, err := armorOrRawReader(armoredMessage)
	if err != nil {
		return nil, err
	}

	firstPass := true
	md, err := gopenpgp.ReadMessage(reader, nil, func(keys []gopenpgp.Key, symmetric bool) ([]byte, error) {
		if !firstPass {
			return nil, fmt.Errorf("crypto: wrong passphrase")
		}
		firstPass = false
		return []byte(passphrase), nil
	}, pgpConfig())
	if err != nil {
		return nil, fmt.Errorf("crypto: sym_decrypt_setup: %w", err)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading decrypted body: %w", err)
	}
	return plaintext, nil
}

func armorOrRawReader(s string) (io.Reader, error) {
	block, err := armor.Decode(bytes.NewReader([]byte(s)))
	if err == nil {
		return block.Body, nil
	}
	return bytes.NewReader([]byte(s)), nil
}
