package mime

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	msgcharset "github.com/emersion/go-message/charset"
	"github.com/microcosm-cc/bluemonday"
	"github.com/teamwork/tnef"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/mercury-chat/engine/internal/crypto"
	"github.com/mercury-chat/engine/internal/keyring"
)

// maxPartSize and maxInlineContentSize bound how much of a single part
// is read into memory, guarding against memory exhaustion from a
// malicious or malformed message.
const (
	maxPartSize          = 10 * 1024 * 1024 // 10MB max for a single MIME part
	maxInlineContentSize = 5 * 1024 * 1024  // 5MB max for inline image content kept in the parsed result
	maxDecryptIterations = 10               // fixed-point cap on nested multipart/encrypted unwrapping
)

// PartKind classifies a leaf MIME part into the message type taxonomy
// of spec §4.7 step 4. The mime package stays agnostic of the message
// package's State/Type enums to avoid a back-reference; the engine
// translates Kind into a message.Type when it inserts the row.
type PartKind int

const (
	KindText PartKind = iota
	KindImage
	KindGIF
	KindAudio
	KindVoice
	KindVideo
	KindFile
	KindAutocryptSetup
)

// Part is one classified leaf of a parsed message: either inline text
// or an attachment (file, image, audio, video).
type Part struct {
	Kind        PartKind
	Text        string // set for KindText
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte
	Size        int
	Inline      bool
}

// DecryptionInfo records what happened while attempting to unwrap
// PGP/MIME layers (spec §4.7 step 2).
type DecryptionInfo struct {
	Attempted            bool
	Decrypted            bool
	VerifiedFingerprints []string
}

// Parsed is the result of parsing one raw inbound message (spec §4.7
// step 6's "message-level result").
type Parsed struct {
	From       string
	FromName   string
	To         []string
	Cc         []string
	Subject    string
	MessageID  string
	InReplyTo  string
	References []string

	IsMessengerMsg  bool // Chat-Version or legacy X-MrMsg present
	AutocryptHeader string
	GossipHeaders   map[string]string // addr -> raw Autocrypt-Gossip value

	GroupID            string
	GroupName          string
	GroupNameChanged   string
	GroupMemberAdded   string
	GroupMemberRemoved string
	GroupImageCID      string
	IsVoiceMessage     bool
	DurationMS         int

	Parts []Part

	WantsMDN      bool
	IsMailingList bool

	IsMDNReport          bool // multipart/report; report-type=disposition-notification
	MDNOriginalMessageID string

	Decryption DecryptionInfo
}

// Parse decrypts (if needed), applies the memoryhole protected-header
// overlay, and classifies a raw RFC 5322 message into a Parsed result
// (spec §4.7).
//
// privKeys is the recipient's own keyring, used to attempt decryption
// of any multipart/encrypted part found. validators, if non-empty, is
// the sender's known peer-state public key: verified signatures
// against keys in this set populate Decryption.VerifiedFingerprints.
func Parse(raw []byte, engine crypto.Engine, privKeys *keyring.Keyring, validators *keyring.Keyring) (*Parsed, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mime: parsing message: %w", err)
	}

	outerHeader := cloneHeader(entity.Header)
	result := &Parsed{GossipHeaders: map[string]string{}}

	// Step 2: fixed-point decrypt of multipart/encrypted layers.
	overlayHeader, err := unwrapEncryption(entity, engine, privKeys, validators, result, 0)
	if err != nil {
		return nil, err
	}

	// Step 3: merge headers. The outer header set is authoritative
	// unless the decrypted part carried protected headers, in which
	// case those overlay Subject/To/Cc and all Chat-* fields.
	merged := mergeHeaders(outerHeader, overlayHeader)
	applyHeaders(result, merged)

	// Step 4-6: classify leaf parts from whichever entity ended up
	// holding the plaintext body (itself, if nothing was encrypted).
	if err := classifyBody(entity, result); err != nil {
		return nil, err
	}

	// MDN request detection: Chat-Disposition-Notification-To must
	// equal the From address, and at least one non-meta part must
	// exist (spec §4.7 "MDN request").
	notifyTo := merged.Get("Chat-Disposition-Notification-To")
	if notifyTo != "" && sameAddress(notifyTo, result.From) && len(result.Parts) > 0 {
		result.WantsMDN = true
	}

	// Mailing-list detection (spec §4.7 "Mailing-list detection").
	precedence := strings.ToLower(merged.Get("Precedence"))
	if merged.Get("List-Id") != "" || precedence == "list" || precedence == "bulk" {
		result.IsMailingList = true
	}

	// MDN report detection: multipart/report; report-type=disposition-notification.
	if ct, params, perr := mime.ParseMediaType(merged.Get("Content-Type")); perr == nil &&
		ct == "multipart/report" && strings.EqualFold(params["report-type"], "disposition-notification") {
		result.IsMDNReport = true
		result.MDNOriginalMessageID = findOriginalMessageID(entity)
	}

	// Subject handling (spec §4.7 "Subject handling"): prepend the
	// subject to the first text part when decryption succeeded and
	// the subject isn't already a reply/forward marker, or whenever
	// an encrypted layer was present but could not be decrypted.
	decryptFailed := result.Decryption.Attempted && !result.Decryption.Decrypted
	decryptOKNotReplyLike := result.Decryption.Decrypted && !looksLikeReplyOrForward(result.Subject)
	if decryptFailed || decryptOKNotReplyLike {
		prependSubject(result)
	}

	result.VoicePromote()

	return result, nil
}

func cloneHeader(h gomessage.Header) textproto.MIMEHeader {
	out := textproto.MIMEHeader{}
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		out[key] = append(out[key], fields.Value())
	}
	return out
}

// unwrapEncryption walks multipart/encrypted layers up to
// maxDecryptIterations deep, decrypting each in turn and re-pointing
// entity's body at the innermost plaintext. It returns the header set
// of the innermost decrypted part, if the memoryhole convention wraps
// it in a "message/rfc822"-like header block, or nil if nothing was
// ever encrypted.
func unwrapEncryption(entity *gomessage.Entity, engine crypto.Engine, privKeys, validators *keyring.Keyring, result *Parsed, depth int) (textproto.MIMEHeader, error) {
	if depth >= maxDecryptIterations {
		return nil, nil
	}

	ct, params, err := mime.ParseMediaType(entity.Header.Get("Content-Type"))
	if err != nil || ct != "multipart/encrypted" {
		return nil, nil
	}
	if !strings.EqualFold(params["protocol"], "application/pgp-encrypted") {
		return nil, nil
	}

	result.Decryption.Attempted = true

	mr := entity.MultipartReader()
	if mr == nil {
		return nil, nil
	}

	var ciphertext []byte
	for {
		part, perr := mr.NextPart()
		if perr != nil {
			break
		}
		partCT, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if partCT == "application/octet-stream" {
			data, rerr := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
			if rerr == nil {
				ciphertext = data
			}
			break
		}
	}
	if ciphertext == nil {
		return nil, fmt.Errorf("mime: multipart/encrypted with no ciphertext part")
	}

	plaintext, verified, derr := engine.PKDecrypt(string(ciphertext), privKeys, validators)
	if derr != nil {
		// Decryption failed: caller still gets a Parsed result (the
		// subject-handling rule requires it), just with no body.
		return nil, nil
	}
	result.Decryption.Decrypted = true
	result.Decryption.VerifiedFingerprints = verified

	inner, ierr := gomessage.Read(bytes.NewReader(plaintext))
	if ierr != nil {
		return nil, fmt.Errorf("mime: parsing decrypted payload: %w", ierr)
	}

	// Recurse in case the plaintext is itself another encrypted layer
	// (not expected in practice, but the fixed-point cap bounds it).
	if nestedOverlay, nerr := unwrapEncryption(inner, engine, privKeys, validators, result, depth+1); nerr == nil && nestedOverlay != nil {
		*entity = *inner
		return nestedOverlay, nil
	}

	overlay := cloneHeader(inner.Header)
	*entity = *inner
	return overlay, nil
}

// mergeHeaders applies the memoryhole overlay rule (spec §4.7 step 3):
// optional and Chat-* fields are always overwritten by the protected
// set; standard fields are overwritten by the innermost occurrence
// whenever the protected set names them at all.
func mergeHeaders(outer, overlay textproto.MIMEHeader) textproto.MIMEHeader {
	if overlay == nil {
		return outer
	}
	merged := textproto.MIMEHeader{}
	for k, vs := range outer {
		merged[k] = vs
	}
	for k, vs := range overlay {
		merged[k] = vs
	}
	return merged
}

func applyHeaders(result *Parsed, h textproto.MIMEHeader) {
	if from, err := mail.ParseAddress(h.Get("From")); err == nil {
		result.From = strings.ToLower(from.Address)
		result.FromName = from.Name
	}
	if addrs, err := mail.ParseAddressList(h.Get("To")); err == nil {
		for _, a := range addrs {
			result.To = append(result.To, strings.ToLower(a.Address))
		}
	}
	if addrs, err := mail.ParseAddressList(h.Get("Cc")); err == nil {
		for _, a := range addrs {
			result.Cc = append(result.Cc, strings.ToLower(a.Address))
		}
	}
	result.Subject = decodeMIMEWord(h.Get("Subject"))
	result.MessageID = strings.TrimSpace(h.Get("Message-Id"))
	result.InReplyTo = strings.TrimSpace(h.Get("In-Reply-To"))
	if refs := h.Get("References"); refs != "" {
		result.References = strings.Fields(refs)
	}

	result.AutocryptHeader = h.Get("Autocrypt")
	for _, v := range h.Values("Autocrypt-Gossip") {
		addr := gossipAddr(v)
		if addr != "" {
			result.GossipHeaders[addr] = v
		}
	}

	result.IsMessengerMsg = h.Get("Chat-Version") != "" || h.Get("X-Mrmsg") != ""
	result.GroupID = h.Get("Chat-Group-Id")
	result.GroupName = h.Get("Chat-Group-Name")
	result.GroupNameChanged = h.Get("Chat-Group-Name-Changed")
	result.GroupMemberAdded = h.Get("Chat-Group-Member-Added")
	result.GroupMemberRemoved = h.Get("Chat-Group-Member-Removed")
	result.GroupImageCID = h.Get("Chat-Group-Image")
	result.IsVoiceMessage = h.Get("Chat-Voice-Message") != "" || h.Get("X-Mrvoicemessage") != ""
	if ms := firstNonEmpty(h.Get("Chat-Duration"), h.Get("X-Mrdurationms")); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			result.DurationMS = n
		}
	}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func gossipAddr(header string) string {
	for _, attr := range strings.Split(header, ";") {
		attr = strings.TrimSpace(attr)
		if strings.HasPrefix(strings.ToLower(attr), "addr=") {
			return strings.ToLower(strings.TrimSpace(attr[len("addr="):]))
		}
	}
	return ""
}

func sameAddress(headerValue, from string) bool {
	addr, err := mail.ParseAddress(headerValue)
	if err != nil {
		return false
	}
	return strings.EqualFold(addr.Address, from)
}

var bracketTags = regexp.MustCompile(`\[[^\]]*\]`)

// StripBracketTags removes mailing-list style "[Tag]" prefixes from a
// subject line before it is prepended to a message body (spec §9.3).
func StripBracketTags(subject string) string {
	return strings.TrimSpace(bracketTags.ReplaceAllString(subject, ""))
}

var replyForwardPrefix = regexp.MustCompile(`(?i)^(re|fwd?)\s*:`)

func looksLikeReplyOrForward(subject string) bool {
	return replyForwardPrefix.MatchString(strings.TrimSpace(subject))
}

func prependSubject(result *Parsed) {
	for i := range result.Parts {
		if result.Parts[i].Kind != KindText {
			continue
		}
		subject := StripBracketTags(result.Subject)
		if subject == "" {
			return
		}
		result.Parts[i].Text = fmt.Sprintf("%s – %s", subject, result.Parts[i].Text)
		return
	}
}

// classifyBody walks entity's body (multipart or single-part) and
// appends classified Parts to result (spec §4.7 step 4).
func classifyBody(entity *gomessage.Entity, result *Parsed) error {
	mr := entity.MultipartReader()
	if mr == nil {
		return classifySinglePart(entity, result)
	}
	return walkMultipart(mr, result)
}

func walkMultipart(mr gomessage.MultipartReader, result *Parsed) error {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil
		}
		if err := classifyPart(part, result); err != nil {
			return err
		}
	}
}

func classifyPart(part *gomessage.Entity, result *Parsed) error {
	contentType, ctParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
	disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	contentID := strings.Trim(part.Header.Get("Content-Id"), "<>")

	if strings.HasPrefix(contentType, "multipart/") {
		if nested := part.MultipartReader(); nested != nil {
			return walkMultipart(nested, result)
		}
		return nil
	}

	isAttachment := disposition == "attachment"
	isInline := disposition == "inline" || (contentID != "" && strings.HasPrefix(contentType, "image/"))

	switch {
	case contentType == "application/ms-tnef" || strings.HasSuffix(strings.ToLower(dispParams["filename"]), "winmail.dat"):
		return classifyTNEF(part, result)
	case isAttachment || isInline:
		att := extractAttachment(part, contentType, dispParams, ctParams, contentID, isInline)
		appendPartForAttachment(result, att)
		return nil
	case contentType == "text/plain" || contentType == "text/html" || contentType == "":
		return classifyTextPart(part, contentType, ctParams, result)
	default:
		att := extractAttachment(part, contentType, dispParams, ctParams, contentID, false)
		appendPartForAttachment(result, att)
		return nil
	}
}

func classifySinglePart(entity *gomessage.Entity, result *Parsed) error {
	contentType, ctParams, _ := mime.ParseMediaType(entity.Header.Get("Content-Type"))
	if contentType == "" || strings.HasPrefix(contentType, "text/") {
		return classifyTextPart(entity, contentType, ctParams, result)
	}
	disposition, dispParams, _ := mime.ParseMediaType(entity.Header.Get("Content-Disposition"))
	contentID := strings.Trim(entity.Header.Get("Content-Id"), "<>")
	att := extractAttachment(entity, contentType, dispParams, ctParams, contentID, disposition == "inline")
	appendPartForAttachment(result, att)
	return nil
}

func classifyTextPart(part *gomessage.Entity, contentType string, ctParams map[string]string, result *Parsed) error {
	body, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
	if err != nil && len(body) == 0 {
		return nil
	}

	charsetName := ctParams["charset"]
	if charsetName == "" && contentType == "text/html" {
		charsetName = extractCharsetFromHTML(body)
	}
	text := decodeBodyCharset(body, charsetName)

	if contentType == "text/html" {
		text = bluemonday.UGCPolicy().Sanitize(text)
	}

	result.Parts = append(result.Parts, Part{Kind: KindText, Text: text, ContentType: contentType})
	return nil
}

func appendPartForAttachment(result *Parsed, att *Part) {
	if att != nil {
		result.Parts = append(result.Parts, *att)
	}
}

// classifyTNEF unwraps a Windows TNEF (winmail.dat) attachment into
// its underlying file attachments, so a message from an Outlook sender
// that buries everything in a single opaque blob still yields usable
// attachments (spec §4.7 step 4, "Otherwise -> FILE").
func classifyTNEF(part *gomessage.Entity, result *Parsed) error {
	raw, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
	if err != nil && len(raw) == 0 {
		return nil
	}
	data, err := tnef.Decode(raw)
	if err != nil {
		// Not decodable as TNEF; fall back to keeping it as an opaque file.
		result.Parts = append(result.Parts, Part{
			Kind:        KindFile,
			Filename:    "winmail.dat",
			ContentType: "application/ms-tnef",
			Content:     raw,
			Size:        len(raw),
		})
		return nil
	}
	for _, a := range data.Attachments {
		result.Parts = append(result.Parts, Part{
			Kind:        classifyFilename(string(a.Title)),
			Filename:    string(a.Title),
			ContentType: "application/octet-stream",
			Content:     a.Data,
			Size:        len(a.Data),
		})
	}
	return nil
}

func classifyFilename(name string) PartKind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".gif"):
		return KindGIF
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"), strings.HasSuffix(lower, ".png"), strings.HasSuffix(lower, ".webp"):
		return KindImage
	default:
		return KindFile
	}
}

// extractAttachment reads an attachment/inline part's content and
// classifies it (spec §4.7 step 4: image/gif/svg/audio/video/file).
func extractAttachment(part *gomessage.Entity, contentType string, dispParams, ctParams map[string]string, contentID string, isInline bool) *Part {
	filename := decodeMIMEWord(dispParams["filename"])
	if filename == "" {
		filename = decodeMIMEWord(ctParams["name"])
	}

	content, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
	if err != nil && len(content) == 0 {
		content = nil
	}

	kind := KindFile
	switch {
	case contentType == "application/autocrypt-setup":
		kind = KindAutocryptSetup
	case contentType == "image/gif":
		kind = KindGIF
	case strings.HasPrefix(contentType, "image/svg"):
		kind = KindFile
	case strings.HasPrefix(contentType, "image/"):
		kind = KindImage
	case strings.HasPrefix(contentType, "audio/"):
		kind = KindAudio
	case strings.HasPrefix(contentType, "video/"):
		kind = KindVideo
	}

	if filename == "" {
		filename = "attachment" + extensionFor(contentType)
	}

	if isInline && len(content) > maxInlineContentSize {
		content = nil
	}

	return &Part{
		Kind:        kind,
		Filename:    filename,
		ContentType: contentType,
		ContentID:   contentID,
		Content:     content,
		Size:        len(content),
		Inline:      isInline,
	}
}

func extensionFor(contentType string) string {
	parts := strings.SplitN(contentType, "/", 2)
	if len(parts) == 2 && parts[1] != "" {
		return "." + parts[1]
	}
	return ".bin"
}

// VoicePromote reclassifies an audio Part as KindVoice when the
// message's top-level Chat-Voice-Message header was present (spec
// §4.7 step 4, "AUDIO; promoted to VOICE").
func (p *Parsed) VoicePromote() {
	if !p.IsVoiceMessage {
		return
	}
	for i := range p.Parts {
		if p.Parts[i].Kind == KindAudio {
			p.Parts[i].Kind = KindVoice
		}
	}
}

func findOriginalMessageID(entity *gomessage.Entity) string {
	mr := entity.MultipartReader()
	if mr == nil {
		return ""
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if ct != "message/disposition-notification" {
			continue
		}
		body, rerr := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if rerr != nil && len(body) == 0 {
			return ""
		}
		reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(body)))
		hdr, herr := reader.ReadMIMEHeader()
		if herr != nil {
			return ""
		}
		return strings.TrimSpace(hdr.Get("Original-Message-Id"))
	}
}

// decodeMIMEWord decodes RFC 2047 encoded words (e.g. filenames and
// subjects carrying non-ASCII text), falling back to htmlindex for
// charsets go-message's decoder doesn't recognize on its own.
func decodeMIMEWord(s string) string {
	if s == "" {
		return s
	}
	dec := &mime.WordDecoder{
		CharsetReader: func(charsetName string, r io.Reader) (io.Reader, error) {
			if reader, err := msgcharset.Reader(charsetName, r); err == nil {
				return reader, nil
			}
			enc, err := htmlindex.Get(charsetName)
			if err != nil {
				return nil, fmt.Errorf("mime: unknown charset %q", charsetName)
			}
			return enc.NewDecoder().Reader(r), nil
		},
	}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// decodeBodyCharset converts a body part to UTF-8, trusting the
// declared charset when it looks right and otherwise auto-detecting
// (mislabeled charsets are common among older mail clients).
func decodeBodyCharset(content []byte, declared string) string {
	if declared == "" || strings.EqualFold(declared, "utf-8") || strings.EqualFold(declared, "us-ascii") {
		if utf8.Valid(content) {
			return string(content)
		}
		enc, _, _ := charset.DetermineEncoding(content, "text/html")
		if decoded, err := enc.NewDecoder().Bytes(content); err == nil {
			return string(decoded)
		}
		return string(content)
	}

	enc, err := htmlindex.Get(declared)
	if err != nil {
		return string(content)
	}
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return string(content)
	}
	return string(decoded)
}

var metaCharsetAttr = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([^"'\s>]+)`)
var metaCharsetEquiv = regexp.MustCompile(`(?i)<meta[^>]+content=["'][^"']*charset=([^"'\s;]+)`)

// extractCharsetFromHTML looks for a charset in HTML meta tags when
// the Content-Type header didn't declare one.
func extractCharsetFromHTML(html []byte) string {
	search := html
	if len(search) > 1024 {
		search = search[:1024]
	}
	if m := metaCharsetAttr.FindSubmatch(search); len(m) > 1 {
		return string(m[1])
	}
	if m := metaCharsetEquiv.FindSubmatch(search); len(m) > 1 {
		return string(m[1])
	}
	return ""
}

