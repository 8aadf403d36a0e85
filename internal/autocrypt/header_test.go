package autocrypt

import (
	"encoding/base64"
	"testing"
)

func TestParseHeaderTolerant(t *testing.T) {
	in := " _foo; __FOO=BAR ;;; addr = a@b.example.org ;\r\n   prefer-encrypt = mutual ; keydata = RG VsdGEgQ\r\n2hhdA=="

	h, err := ParseHeader(in)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Addr != "a@b.example.org" {
		t.Fatalf("Addr = %q", h.Addr)
	}
	if h.PreferEncrypt != Mutual {
		t.Fatalf("PreferEncrypt = %v", h.PreferEncrypt)
	}
	if string(h.KeyData) != "Delta Chat" {
		t.Fatalf("KeyData = %q", h.KeyData)
	}
}

func TestParseHeaderRejectsUnknownAttribute(t *testing.T) {
	_, err := ParseHeader("addr=a@t.de; unknown=1; keydata=jau")
	if err == nil {
		t.Fatal("expected error for unknown attribute")
	}
}

func TestParseHeaderMissingPreferEncryptDefaultsNoPreference(t *testing.T) {
	h, err := ParseHeader("addr=a@b.c; keydata=" + base64.StdEncoding.EncodeToString([]byte("xx")))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.PreferEncrypt != NoPreference {
		t.Fatalf("expected NoPreference, got %v", h.PreferEncrypt)
	}
}

func TestParseHeaderAnyOtherPreferEncryptValueIsNoPreference(t *testing.T) {
	h, err := ParseHeader("addr=a@b.c; prefer-encrypt=yes; keydata=" + base64.StdEncoding.EncodeToString([]byte("xx")))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.PreferEncrypt != NoPreference {
		t.Fatalf("expected NoPreference for unrecognized value, got %v", h.PreferEncrypt)
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	h := &Header{
		Addr:          "alice@example.org",
		PreferEncrypt: Mutual,
		KeyData:       []byte("some fake key material that is longer than a line wrap width of 78 base64 chars so wrapping actually happens"),
	}

	rendered := RenderHeader(h)
	parsed, err := ParseHeader(rendered)
	if err != nil {
		t.Fatalf("ParseHeader(RenderHeader(h)): %v", err)
	}
	if parsed.Addr != h.Addr || parsed.PreferEncrypt != h.PreferEncrypt || string(parsed.KeyData) != string(h.KeyData) {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, h)
	}
}

func TestRenderWrapsAt78Columns(t *testing.T) {
	h := &Header{Addr: "a@b.c", KeyData: make([]byte, 200)}
	rendered := RenderHeader(h)
	for _, line := range splitFoldPoints(rendered) {
		if len(line) > 78 {
			t.Fatalf("line exceeds 78 cols: %d: %q", len(line), line)
		}
	}
}

func splitFoldPoints(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
