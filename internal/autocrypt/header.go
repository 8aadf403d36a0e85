// Package autocrypt implements the Autocrypt header (parse/render) and
// the per-peer encryption state machine derived from it.
package autocrypt

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// PreferEncrypt is the peer's stated encryption preference.
type PreferEncrypt int

const (
	NoPreference PreferEncrypt = iota
	Mutual
	Reset // local-only: peer stopped sending Autocrypt headers
)

// Header is a parsed Autocrypt: header.
type Header struct {
	Addr          string
	PreferEncrypt PreferEncrypt
	KeyData       []byte // raw (non-armored) public key bytes
}

const whitespace = "\t\r\n "

// ParseHeader parses an Autocrypt header value, tolerant of RFC 5322
// folding whitespace. It mirrors a single-pass attribute scan: each
// attribute is "name" or "name=value", attributes are separated by
// whitespace/'='/';', and a value runs up to the next ';'.
//
// Any single malformed attribute invalidates the whole header, except
// attributes whose name starts with '_' which are always ignored.
func ParseHeader(s string) (*Header, error) {
	h := &Header{PreferEncrypt: NoPreference}

	i := 0
	for i < len(s) {
		i = skipAny(s, i, whitespace+"=;")
		nameStart := i
		i = skipNone(s, i, whitespace+"=;")
		if i == nameStart {
			break // no more attributes
		}
		name := s[nameStart:i]

		i = skipAny(s, i, whitespace)

		var value string
		hasValue := false
		if i < len(s) && s[i] == '=' {
			hasValue = true
			i = skipAny(s, i, whitespace+"=")
			valStart := i
			for i < len(s) && s[i] != ';' {
				i++
			}
			value = strings.TrimSpace(s[valStart:i])
			if i < len(s) && s[i] == ';' {
				i++
			}
		} else {
			i = skipAny(s, i, whitespace+";")
		}

		if err := h.addAttribute(name, value, hasValue); err != nil {
			return nil, err
		}
	}

	if h.Addr == "" || h.KeyData == nil {
		return nil, fmt.Errorf("autocrypt: header missing addr or keydata")
	}
	return h, nil
}

func (h *Header) addAttribute(name, value string, hasValue bool) error {
	switch {
	case strings.EqualFold(name, "addr"):
		if !hasValue || len(value) < 3 || !strings.Contains(value, "@") || !strings.Contains(value, ".") {
			return fmt.Errorf("autocrypt: invalid addr attribute")
		}
		if h.Addr != "" {
			return fmt.Errorf("autocrypt: duplicate addr attribute")
		}
		h.Addr = normalizeAddr(value)
		return nil

	case strings.EqualFold(name, "prefer-encrypt"):
		// Per Autocrypt Level 1: any value other than "mutual" (or no
		// value at all) means nopreference; this never invalidates
		// the header.
		if hasValue && strings.EqualFold(value, "mutual") {
			h.PreferEncrypt = Mutual
		}
		return nil

	case strings.EqualFold(name, "keydata"):
		if !hasValue || h.KeyData != nil {
			return fmt.Errorf("autocrypt: invalid or duplicate keydata attribute")
		}
		decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(value))
		if err != nil {
			return fmt.Errorf("autocrypt: invalid keydata base64: %w", err)
		}
		h.KeyData = decoded
		return nil

	case strings.HasPrefix(name, "_"):
		// unknown attributes starting with '_' are safely ignorable
		return nil

	default:
		return fmt.Errorf("autocrypt: unknown attribute %q invalidates header", name)
	}
}

// RenderHeader renders h back into an Autocrypt header value, wrapping
// the base64 keydata at 78 columns with a leading space so standard
// RFC 5322 folding can break the line at any inserted whitespace.
func RenderHeader(h *Header) string {
	var b strings.Builder
	b.WriteString("addr=")
	b.WriteString(h.Addr)
	b.WriteString("; ")

	if h.PreferEncrypt == Mutual {
		b.WriteString("prefer-encrypt=mutual; ")
	}

	b.WriteString("keydata=")
	b.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(h.KeyData), 78))
	return b.String()
}

// wrapBase64 inserts a single leading space, then a space every width
// characters, matching the teacher-independent original Autocrypt
// rendering convention (a space is a valid RFC 5322 fold point).
func wrapBase64(s string, width int) string {
	var b strings.Builder
	b.WriteByte(' ')
	for i := 0; i < len(s); i += width {
		end := i + width
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
		if end < len(s) {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
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

func skipAny(s string, i int, set string) int {
	for i < len(s) && strings.IndexByte(set, s[i]) >= 0 {
		i++
	}
	return i
}

func skipNone(s string, i int, set string) int {
	for i < len(s) && strings.IndexByte(set, s[i]) < 0 {
		i++
	}
	return i
}
