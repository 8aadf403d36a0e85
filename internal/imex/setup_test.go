package imex_test

import (
	"strings"
	"testing"

	"github.com/mercury-chat/engine/internal/autocrypt"
	"github.com/mercury-chat/engine/internal/crypto"
	"github.com/mercury-chat/engine/internal/imex"
)

func TestCreateSetupCodeShape(t *testing.T) {
	code, err := imex.CreateSetupCode()
	if err != nil {
		t.Fatalf("CreateSetupCode: %v", err)
	}

	groups := strings.Split(code, "-")
	if len(groups) != 9 {
		t.Fatalf("expected 9 groups, got %d (%q)", len(groups), code)
	}
	for _, g := range groups {
		if len(g) != 4 {
			t.Fatalf("group %q is not 4 digits", g)
		}
		for _, r := range g {
			if r < '0' || r > '9' {
				t.Fatalf("group %q contains a non-digit", g)
			}
		}
	}
}

func TestNormalizeSetupCode(t *testing.T) {
	code, err := imex.CreateSetupCode()
	if err != nil {
		t.Fatalf("CreateSetupCode: %v", err)
	}

	messy := strings.ReplaceAll(code, "-", " ")
	if got := imex.NormalizeSetupCode(messy); got != code {
		t.Fatalf("NormalizeSetupCode(%q) = %q, want %q", messy, got, code)
	}

	lowerNoDashes := strings.ReplaceAll(code, "-", "")
	if got := imex.NormalizeSetupCode(lowerNoDashes); got != code {
		t.Fatalf("NormalizeSetupCode(%q) = %q, want %q", lowerNoDashes, got, code)
	}
}

func TestRenderParseSetupFileRoundTrip(t *testing.T) {
	eng := crypto.NewEngine()
	_, priv, err := eng.GenerateKeypair("Grace <grace@example.org>")
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	code, err := imex.CreateSetupCode()
	if err != nil {
		t.Fatalf("CreateSetupCode: %v", err)
	}

	html, err := imex.RenderSetupFile(eng, priv, autocrypt.Mutual, code)
	if err != nil {
		t.Fatalf("RenderSetupFile: %v", err)
	}
	if !strings.Contains(html, "Autocrypt Setup Message") {
		t.Fatal("rendered file missing title")
	}
	if !strings.Contains(html, "-----BEGIN PGP MESSAGE-----") {
		t.Fatal("rendered file missing armored PGP MESSAGE block")
	}

	parsed, prefer, err := imex.ParseSetupFile(eng, html, code)
	if err != nil {
		t.Fatalf("ParseSetupFile: %v", err)
	}
	if !parsed.Equal(priv) {
		t.Fatal("parsed private key does not match the one encrypted")
	}
	if prefer != autocrypt.Mutual {
		t.Fatalf("expected Mutual preference, got %v", prefer)
	}
}

func TestParseSetupFileWrongCodeFails(t *testing.T) {
	eng := crypto.NewEngine()
	_, priv, err := eng.GenerateKeypair("Heidi <heidi@example.org>")
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	code, err := imex.CreateSetupCode()
	if err != nil {
		t.Fatalf("CreateSetupCode: %v", err)
	}
	html, err := imex.RenderSetupFile(eng, priv, autocrypt.NoPreference, code)
	if err != nil {
		t.Fatalf("RenderSetupFile: %v", err)
	}

	if _, _, err := imex.ParseSetupFile(eng, html, "0000-0000-0000-0000-0000-0000-0000-0000-0000"); err == nil {
		t.Fatal("expected an error decrypting with the wrong setup code")
	}
}
