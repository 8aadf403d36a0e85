package mime

import (
	"strings"
	"testing"
)

func plainMessage(headers, body string) []byte {
	return []byte(headers + "\r\n" + body)
}

func TestParsePlainTextMessage(t *testing.T) {
	raw := plainMessage(
		"From: alice@example.org\r\n"+
			"To: bob@example.org\r\n"+
			"Subject: hello\r\n"+
			"Message-ID: <1@example.org>\r\n"+
			"Chat-Version: 1.0\r\n"+
			"Content-Type: text/plain; charset=utf-8\r\n",
		"hi there",
	)

	p, err := Parse(raw, nil, nil, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.From != "alice@example.org" {
		t.Fatalf("From = %q", p.From)
	}
	if len(p.To) != 1 || p.To[0] != "bob@example.org" {
		t.Fatalf("To = %v", p.To)
	}
	if !p.IsMessengerMsg {
		t.Fatal("expected IsMessengerMsg due to Chat-Version header")
	}
	if len(p.Parts) != 1 || p.Parts[0].Kind != KindText {
		t.Fatalf("expected a single text part, got %+v", p.Parts)
	}
	if !strings.Contains(p.Parts[0].Text, "hi there") {
		t.Fatalf("unexpected body: %q", p.Parts[0].Text)
	}
}

func TestParseMultipartMixedWithAttachment(t *testing.T) {
	boundary := "BOUNDARY123"
	raw := plainMessage(
		"From: alice@example.org\r\n"+
			"To: bob@example.org\r\n"+
			"Subject: a file\r\n"+
			"Content-Type: multipart/mixed; boundary=\""+boundary+"\"\r\n",
		"--"+boundary+"\r\n"+
			"Content-Type: text/plain; charset=utf-8\r\n\r\n"+
			"see attached\r\n"+
			"--"+boundary+"\r\n"+
			"Content-Type: application/pdf; name=\"doc.pdf\"\r\n"+
			"Content-Disposition: attachment; filename=\"doc.pdf\"\r\n"+
			"Content-Transfer-Encoding: 7bit\r\n\r\n"+
			"%PDF-1.4 fake\r\n"+
			"--"+boundary+"--\r\n",
	)

	p, err := Parse(raw, nil, nil, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d: %+v", len(p.Parts), p.Parts)
	}
	if p.Parts[0].Kind != KindText {
		t.Fatalf("expected first part text, got %v", p.Parts[0].Kind)
	}
	if p.Parts[1].Kind != KindFile || p.Parts[1].Filename != "doc.pdf" {
		t.Fatalf("expected second part a file named doc.pdf, got %+v", p.Parts[1])
	}
}

func TestParseDetectsMDNRequest(t *testing.T) {
	raw := plainMessage(
		"From: alice@example.org\r\n"+
			"To: bob@example.org\r\n"+
			"Subject: read me\r\n"+
			"Chat-Disposition-Notification-To: alice@example.org\r\n"+
			"Content-Type: text/plain; charset=utf-8\r\n",
		"please confirm",
	)

	p, err := Parse(raw, nil, nil, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.WantsMDN {
		t.Fatal("expected WantsMDN to be set")
	}
}

func TestParseDetectsMailingList(t *testing.T) {
	raw := plainMessage(
		"From: list@example.org\r\n"+
			"To: bob@example.org\r\n"+
			"List-Id: <announce.example.org>\r\n"+
			"Content-Type: text/plain; charset=utf-8\r\n",
		"announcement",
	)

	p, err := Parse(raw, nil, nil, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.IsMailingList {
		t.Fatal("expected IsMailingList to be set")
	}
}

func TestParseGroupSystemHeaders(t *testing.T) {
	raw := plainMessage(
		"From: alice@example.org\r\n"+
			"To: bob@example.org\r\n"+
			"Chat-Version: 1.0\r\n"+
			"Chat-Group-ID: abc123\r\n"+
			"Chat-Group-Member-Added: carol@example.org\r\n"+
			"Content-Type: text/plain; charset=utf-8\r\n",
		"",
	)

	p, err := Parse(raw, nil, nil, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.GroupID != "abc123" {
		t.Fatalf("GroupID = %q", p.GroupID)
	}
	if p.GroupMemberAdded != "carol@example.org" {
		t.Fatalf("GroupMemberAdded = %q", p.GroupMemberAdded)
	}
}

func TestStripBracketTagsRemovesTag(t *testing.T) {
	got := StripBracketTags("[announce] New release")
	if got != "New release" {
		t.Fatalf("StripBracketTags = %q", got)
	}
}

func TestLooksLikeReplyOrForward(t *testing.T) {
	cases := map[string]bool{
		"Re: hello":  true,
		"Fwd: hello": true,
		"Fw: hello":  true,
		"hello":      false,
	}
	for subject, want := range cases {
		if got := looksLikeReplyOrForward(subject); got != want {
			t.Errorf("looksLikeReplyOrForward(%q) = %v, want %v", subject, got, want)
		}
	}
}
