package imap

import (
	"strings"
	"testing"
)

func TestXOAuth2ClientStartsWithBearerResponse(t *testing.T) {
	c := NewXOAuth2Client("alice@example.org", "tok123")
	mech, ir, err := c.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mech != "XOAUTH2" {
		t.Fatalf("mech = %q", mech)
	}
	if !strings.Contains(string(ir), "user=alice@example.org") || !strings.Contains(string(ir), "auth=Bearer tok123") {
		t.Fatalf("initial response missing expected fields: %q", ir)
	}
}

func TestXOAuth2ClientRejectsEmptyToken(t *testing.T) {
	c := NewXOAuth2Client("alice@example.org", "")
	if _, _, err := c.Start(); err == nil {
		t.Fatal("expected error for empty access token")
	}
}

func TestXOAuth2ClientAnswersErrorChallenge(t *testing.T) {
	c := NewXOAuth2Client("alice@example.org", "tok123")
	resp, err := c.Next([]byte(`{"status":"401"}`))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a dummy non-nil response to complete the failed exchange")
	}
}
