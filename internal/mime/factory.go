// Package mime builds and parses the MIME wire format this engine
// sends and receives: outbound composition with PGP/MIME encryption
// and memoryhole protected headers (factory.go), and inbound
// multipart decryption and classification (parser.go), grounded on
// spec §4.7/§4.8.
package mime

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mercury-chat/engine/internal/autocrypt"
	"github.com/mercury-chat/engine/internal/crypto"
	"github.com/mercury-chat/engine/internal/keyring"
)

// Address is an RFC 5322 mailbox (display name + address).
type Address struct {
	Name    string
	Address string
}

// String renders the address, RFC 2047-encoding the display name if
// it carries non-ASCII text.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", a.Name), a.Address)
}

// Attachment is a file carried in a message, inline or regular.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	ContentID   string
	Inline      bool
}

// Outbound describes a message to compose before it is handed to the
// SMTP adapter. EncryptForRecipients, when non-empty, triggers
// PGP/MIME encryption (RFC 3156) with memoryhole protected headers;
// GuaranteeE2EE set true with no usable recipient key is a hard
// failure rather than a silent plaintext fallback (spec §4.8).
type Outbound struct {
	From               Address
	To                 []Address
	Cc                 []Address
	Bcc                []Address
	ReplyTo            *Address
	Subject            string
	TextBody           string
	HTMLBody           string
	Attachments        []Attachment
	InReplyTo          string
	References         []string
	RequestReadReceipt bool

	AutocryptHeader      string            // pre-rendered "Autocrypt: ..." value, empty to omit
	GossipHeaders        map[string]string // address -> rendered Autocrypt-Gossip value, GROUP chats only
	EncryptForRecipients *keyring.Keyring  // nil/empty means send in cleartext
	Signer               *keyring.Key
	GuaranteeE2EE        bool

	// System-message headers (spec §6's on-the-wire optional block),
	// populated from the message's CMD parameter when it carries one.
	GroupID            string
	GroupName          string
	GroupNameChanged   string
	GroupMemberAdded   string
	GroupMemberRemoved string
	GroupImageCID      string
	IsVoiceMessage     bool
	DurationMS         int
}

// Build renders an RFC 5322 message, applying PGP/MIME encryption
// when EncryptForRecipients is set. It returns the Message-ID it
// generated so the caller can store it on the outgoing row.
func Build(out *Outbound, engine crypto.Engine, now time.Time) (rendered []byte, messageID string, err error) {
	messageID = fmt.Sprintf("<%s@mercury-chat>", uuid.New().String())

	inner, err := buildBodyPart(out)
	if err != nil {
		return nil, "", err
	}

	if out.EncryptForRecipients != nil && out.EncryptForRecipients.Len() > 0 {
		encrypted, encErr := encryptMIME(inner.headers, inner.body, out, engine)
		if encErr != nil {
			if out.GuaranteeE2EE {
				return nil, "", fmt.Errorf("mime: guaranteed e2ee requested but encryption failed: %w", encErr)
			}
			return nil, "", encErr
		}
		inner = encrypted
	} else if out.GuaranteeE2EE {
		return nil, "", fmt.Errorf("mime: guaranteed e2ee requested but no usable recipient key is available")
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", out.From.String())
	writeHeader(&buf, "To", formatAddresses(out.To))
	if len(out.Cc) > 0 {
		writeHeader(&buf, "Cc", formatAddresses(out.Cc))
	}
	if out.ReplyTo != nil {
		writeHeader(&buf, "Reply-To", out.ReplyTo.String())
	}
	writeHeader(&buf, "Subject", encodeWord(out.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID)
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Chat-Version", "1.0")
	if out.GroupID != "" {
		writeHeader(&buf, "Chat-Group-ID", out.GroupID)
	}
	if out.GroupName != "" {
		writeHeader(&buf, "Chat-Group-Name", encodeWord(out.GroupName))
	}
	if out.GroupNameChanged != "" {
		writeHeader(&buf, "Chat-Group-Name-Changed", encodeWord(out.GroupNameChanged))
	}
	if out.GroupMemberAdded != "" {
		writeHeader(&buf, "Chat-Group-Member-Added", out.GroupMemberAdded)
	}
	if out.GroupMemberRemoved != "" {
		writeHeader(&buf, "Chat-Group-Member-Removed", out.GroupMemberRemoved)
	}
	if out.GroupImageCID != "" {
		writeHeader(&buf, "Chat-Group-Image", out.GroupImageCID)
	}
	if out.IsVoiceMessage {
		writeHeader(&buf, "Chat-Voice-Message", "1")
	}
	if out.DurationMS > 0 {
		writeHeader(&buf, "Chat-Duration", fmt.Sprintf("%d", out.DurationMS))
	}
	if out.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", out.InReplyTo)
	}
	if len(out.References) > 0 {
		writeHeader(&buf, "References", strings.Join(out.References, " "))
	}
	if out.RequestReadReceipt {
		writeHeader(&buf, "Disposition-Notification-To", out.From.String())
	}
	if out.AutocryptHeader != "" {
		writeHeader(&buf, "Autocrypt", out.AutocryptHeader)
	}
	for addr, gossip := range out.GossipHeaders {
		writeHeader(&buf, "Autocrypt-Gossip", fmt.Sprintf("addr=%s; keydata=%s", addr, gossip))
	}

	for k, vs := range inner.headers {
		for _, v := range vs {
			writeHeader(&buf, k, v)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(inner.body)

	return buf.Bytes(), messageID, nil
}

// mimePart is an unrendered top-level body: a header set plus the raw
// bytes that follow the blank line.
type mimePart struct {
	headers textproto.MIMEHeader
	body    []byte
}

func buildBodyPart(out *Outbound) (mimePart, error) {
	hasHTML := out.HTMLBody != ""
	hasText := out.TextBody != ""
	hasAttachments := len(out.Attachments) > 0

	var inline, regular []Attachment
	for _, a := range out.Attachments {
		if a.Inline {
			inline = append(inline, a)
		} else {
			regular = append(regular, a)
		}
	}

	var buf bytes.Buffer
	headers := textproto.MIMEHeader{}

	switch {
	case hasAttachments && (hasHTML || hasText):
		mpw := multipart.NewWriter(&buf)
		headers.Set("Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, mpw.Boundary()))
		if err := writeMultipartMixed(mpw, out, regular, inline); err != nil {
			return mimePart{}, err
		}
	case hasHTML && hasText:
		mpw := multipart.NewWriter(&buf)
		headers.Set("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, mpw.Boundary()))
		if err := writeAlternative(mpw, out.TextBody, out.HTMLBody); err != nil {
			return mimePart{}, err
		}
	case hasHTML:
		headers.Set("Content-Type", "text/html; charset=utf-8")
		headers.Set("Content-Transfer-Encoding", "quoted-printable")
		writeQuotedPrintable(&buf, out.HTMLBody)
	case hasText:
		headers.Set("Content-Type", "text/plain; charset=utf-8")
		headers.Set("Content-Transfer-Encoding", "quoted-printable")
		writeQuotedPrintable(&buf, out.TextBody)
	default:
		headers.Set("Content-Type", "text/plain; charset=utf-8")
	}

	return mimePart{headers: headers, body: buf.Bytes()}, nil
}

// encryptMIME wraps a plaintext MIME part in RFC 3156 PGP/MIME,
// applying the memoryhole convention of moving user-visible headers
// (Subject, To, Cc) into a protected "Content-Type: message/rfc822"
// wrapper inside the encrypted payload (spec §4.8).
func encryptMIME(innerHeaders textproto.MIMEHeader, innerBody []byte, out *Outbound, engine crypto.Engine) (mimePart, error) {
	var protectedBuf bytes.Buffer
	writeHeader(&protectedBuf, "Subject", encodeWord(out.Subject))
	writeHeader(&protectedBuf, "To", formatAddresses(out.To))
	if len(out.Cc) > 0 {
		writeHeader(&protectedBuf, "Cc", formatAddresses(out.Cc))
	}
	for k, vs := range innerHeaders {
		for _, v := range vs {
			writeHeader(&protectedBuf, k, v)
		}
	}
	protectedBuf.WriteString("\r\n")
	protectedBuf.Write(innerBody)

	ciphertext, err := engine.PKEncrypt(protectedBuf.Bytes(), out.EncryptForRecipients, out.Signer)
	if err != nil {
		return mimePart{}, fmt.Errorf("mime: pgp/mime encrypt: %w", err)
	}

	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	boundary := mpw.Boundary()

	ctrlHeader := textproto.MIMEHeader{}
	ctrlHeader.Set("Content-Type", "application/pgp-encrypted")
	ctrlPart, err := mpw.CreatePart(ctrlHeader)
	if err != nil {
		return mimePart{}, err
	}
	ctrlPart.Write([]byte("Version: 1\r\n"))

	dataHeader := textproto.MIMEHeader{}
	dataHeader.Set("Content-Type", `application/octet-stream; name="encrypted.asc"`)
	dataPart, err := mpw.CreatePart(dataHeader)
	if err != nil {
		return mimePart{}, err
	}
	dataPart.Write([]byte(ciphertext))

	if err := mpw.Close(); err != nil {
		return mimePart{}, err
	}

	headers := textproto.MIMEHeader{}
	headers.Set("Content-Type", fmt.Sprintf(`multipart/encrypted; protocol="application/pgp-encrypted"; boundary="%s"`, boundary))
	return mimePart{headers: headers, body: buf.Bytes()}, nil
}

func writeAlternative(mpw *multipart.Writer, textBody, htmlBody string) error {
	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	textPart, err := mpw.CreatePart(textHeader)
	if err != nil {
		return err
	}
	writeQuotedPrintable(textPart, textBody)

	htmlHeader := textproto.MIMEHeader{}
	htmlHeader.Set("Content-Type", "text/html; charset=utf-8")
	htmlHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	htmlPart, err := mpw.CreatePart(htmlHeader)
	if err != nil {
		return err
	}
	writeQuotedPrintable(htmlPart, htmlBody)

	return mpw.Close()
}

func writeMultipartMixed(mpw *multipart.Writer, out *Outbound, attachments, inline []Attachment) error {
	hasHTML := out.HTMLBody != ""
	hasText := out.TextBody != ""

	switch {
	case hasHTML && hasText:
		altBoundary := uuid.New().String()
		altHeader := textproto.MIMEHeader{}
		altHeader.Set("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, altBoundary))
		bodyPart, err := mpw.CreatePart(altHeader)
		if err != nil {
			return err
		}
		altw := multipart.NewWriter(bodyPart)
		if err := altw.SetBoundary(altBoundary); err != nil {
			return err
		}
		if err := writeAlternative(altw, out.TextBody, out.HTMLBody); err != nil {
			return err
		}
	case hasHTML:
		if err := writeSinglePart(mpw, "text/html; charset=utf-8", out.HTMLBody); err != nil {
			return err
		}
	case hasText:
		if err := writeSinglePart(mpw, "text/plain; charset=utf-8", out.TextBody); err != nil {
			return err
		}
	}

	for _, a := range inline {
		if err := writeAttachmentPart(mpw, a); err != nil {
			return err
		}
	}
	for _, a := range attachments {
		if err := writeAttachmentPart(mpw, a); err != nil {
			return err
		}
	}
	return mpw.Close()
}

func writeSinglePart(mpw *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	p, err := mpw.CreatePart(h)
	if err != nil {
		return err
	}
	writeQuotedPrintable(p, body)
	return nil
}

func writeAttachmentPart(mpw *multipart.Writer, a Attachment) error {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", fmt.Sprintf(`%s; name=%q`, contentType, a.Filename))
	h.Set("Content-Transfer-Encoding", "base64")
	disposition := "attachment"
	if a.Inline {
		disposition = "inline"
	}
	h.Set("Content-Disposition", fmt.Sprintf(`%s; filename=%q`, disposition, a.Filename))
	if a.ContentID != "" {
		h.Set("Content-ID", fmt.Sprintf("<%s>", a.ContentID))
	}
	part, err := mpw.CreatePart(h)
	if err != nil {
		return err
	}
	return writeBase64(part, a.Content)
}

func writeHeader(w *bytes.Buffer, name, value string) {
	fmt.Fprintf(w, "%s: %s\r\n", name, value)
}

func formatAddresses(addrs []Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func encodeWord(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.QEncoding.Encode("utf-8", s)
		}
	}
	return s
}

func writeQuotedPrintable(w io.Writer, content string) {
	qp := quotedprintable.NewWriter(w)
	qp.Write([]byte(content))
	qp.Close()
}

// writeBase64 base64-encodes content and wraps it at 76 columns,
// matching RFC 2045's recommended line length for the body encoding
// this engine uses for attachments.
func writeBase64(w io.Writer, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 76 {
		if _, err := io.WriteString(w, encoded[:76]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := io.WriteString(w, encoded)
	return err
}

// AutocryptHeaderFor renders the self Autocrypt header for addr given
// its current public key and stated preference, for the engine
// package to attach to every outgoing message (spec §4.5).
func AutocryptHeaderFor(addr string, pub *keyring.Key, pref autocrypt.PreferEncrypt) string {
	return autocrypt.RenderHeader(&autocrypt.Header{
		Addr:          addr,
		PreferEncrypt: pref,
		KeyData:       pub.Bytes,
	})
}
