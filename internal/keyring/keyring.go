package keyring

import "strings"

// Keyring is an ordered collection of Keys.
type Keyring struct {
	keys []*Key
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{}
}

// Add appends a key to the keyring.
func (kr *Keyring) Add(k *Key) {
	kr.keys = append(kr.keys, k)
}

// Keys returns the keys in insertion order.
func (kr *Keyring) Keys() []*Key {
	return kr.keys
}

// Len returns the number of keys in the keyring.
func (kr *Keyring) Len() int {
	return len(kr.keys)
}

// SelfKeypair is a self-keypair lookup result: the private key and the
// address it was found under.
type SelfKeypair struct {
	Addr       string
	PrivateKey *Key
}

// LoadSelfPrivate picks the private key to use for selfAddr out of a
// set of stored keypairs, keyed by address. It returns the keypair for
// selfAddr if present; otherwise it falls back to any other private
// keypair, best-effort support for accounts whose address changed
// after the key was generated.
func LoadSelfPrivate(selfAddr string, byAddr map[string]*Key) *SelfKeypair {
	norm := strings.ToLower(strings.TrimSpace(selfAddr))
	if k, ok := byAddr[norm]; ok {
		return &SelfKeypair{Addr: norm, PrivateKey: k}
	}
	for addr, k := range byAddr {
		return &SelfKeypair{Addr: addr, PrivateKey: k}
	}
	return nil
}
