package autocrypt

import "time"

// PeerState is the engine's cached belief about a correspondent's
// encryption capability (spec §3 PeerState, §4.6).
type PeerState struct {
	Addr                 string
	LastSeen             time.Time
	LastSeenAutocrypt    time.Time
	PublicKey            []byte // raw key bytes, or nil
	PublicKeyFingerprint string
	GossipKey            []byte
	GossipTimestamp      time.Time
	VerifiedKey          []byte
	PreferEncrypt        PreferEncrypt
}

// HasUsableKey reports whether the peer has a public key on file,
// independent of its current prefer-encrypt preference.
func (p *PeerState) HasUsableKey() bool {
	return p != nil && len(p.PublicKey) > 0
}

// Apply evolves a peer state given an incoming Autocrypt header
// observed at time t, per spec §4.6. header may be nil, meaning the
// message carried no Autocrypt header at all. isMultipartReport
// indicates the message is a multipart/report (e.g. an MDN), which is
// exempt from the "peer stopped sending Autocrypt" downgrade.
//
// fingerprintOf computes the fingerprint of new key bytes (delegated
// to the crypto capability, which this package does not import, to
// keep autocrypt free of a direct OpenPGP dependency).
//
// Apply returns the resulting state — callers persist it themselves.
func Apply(prior *PeerState, addr string, header *Header, t time.Time, isMultipartReport bool, fingerprintOf func([]byte) (string, error)) (*PeerState, error) {
	if prior == nil {
		prior = &PeerState{Addr: addr, PreferEncrypt: NoPreference}
	}

	next := *prior // copy

	switch {
	case header != nil:
		// New observation: last_seen_autocrypt, the key material and the
		// preference are only updated when this message is newer than
		// the recorded last_seen_autocrypt (or no key is on file yet);
		// an older header leaves the state as it is.
		if t.After(next.LastSeenAutocrypt) || next.PublicKey == nil {
			next.LastSeenAutocrypt = t
			if !keysEqual(next.PublicKey, header.KeyData) || next.PreferEncrypt != header.PreferEncrypt {
				next.PublicKey = header.KeyData
				fp, err := fingerprintOf(header.KeyData)
				if err != nil {
					return nil, err
				}
				next.PublicKeyFingerprint = fp
			}
			next.PreferEncrypt = header.PreferEncrypt
			// verified_key is never silently downgraded; it is only
			// ever set explicitly via the secure-join flow, not here.
		}

	case prior.PublicKey != nil && t.After(prior.LastSeenAutocrypt) && !isMultipartReport:
		// No Autocrypt header this time, and it's not an MDN/report:
		// the peer appears to have stopped sending Autocrypt. Key
		// material is retained; only the preference downgrades.
		next.PreferEncrypt = Reset
	}

	if t.After(next.LastSeen) {
		next.LastSeen = t
	}

	return &next, nil
}

func keysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
