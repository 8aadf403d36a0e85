// Package smtp implements the SMTP submission adapter: connect,
// STARTTLS, AUTH, and a single message send, grounded on the
// connection-lifecycle shape of internal/imap's client (spec §4.14).
package smtp

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/mercury-chat/engine/internal/imap"
	"github.com/mercury-chat/engine/internal/logging"
)

// Security is the connection security method for submission.
type Security string

const (
	SecurityNone     Security = "none"
	SecurityTLS      Security = "tls"      // implicit TLS, typically :465
	SecurityStartTLS Security = "starttls" // plaintext then STARTTLS, typically :587
)

// ClientConfig configures a submission connection.
type ClientConfig struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string

	AuthType    imap.AuthType
	AccessToken string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns sane submission defaults (STARTTLS on 587).
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           587,
		Security:       SecurityStartTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    2 * time.Minute,
		WriteTimeout:   2 * time.Minute,
	}
}

type deadlineConn struct {
	net.Conn
	readTimeout, writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Client is a submission session: connect, authenticate, send one or
// more messages, close.
type Client struct {
	config     ClientConfig
	conn       net.Conn
	text       *textproto.Conn
	extensions map[string]string
	log        zerolog.Logger
}

// NewClient creates a Client but does not connect.
func NewClient(config ClientConfig) *Client {
	return &Client{config: config, log: logging.WithComponent("smtp")}
}

// Connect dials the server, performs the security handshake, and
// sends EHLO (falling back to HELO if the server doesn't understand
// it), populating the advertised extension set.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}

	var rawConn net.Conn
	var err error
	if c.config.Security == SecurityTLS {
		tlsConfig := c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.config.Host}
		}
		rawConn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		rawConn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp: dial: %w", err)
	}

	c.conn = &deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}
	c.text = textproto.NewConn(c.conn)

	if _, _, err := c.text.ReadResponse(220); err != nil {
		c.text.Close()
		return fmt.Errorf("smtp: greeting: %w", err)
	}

	if err := c.sendEHLO(); err != nil {
		c.text.Close()
		return err
	}

	if c.config.Security == SecurityStartTLS {
		if err := c.startTLS(); err != nil {
			c.text.Close()
			return err
		}
		if err := c.sendEHLO(); err != nil {
			c.text.Close()
			return err
		}
	}

	return nil
}

func (c *Client) sendEHLO() error {
	id, err := c.text.Cmd("EHLO %s", "mercury-chat")
	if err != nil {
		return fmt.Errorf("smtp: ehlo: %w", err)
	}
	c.text.StartResponse(id)
	_, lines, err := c.text.ReadResponse(250)
	c.text.EndResponse(id)
	if err != nil {
		// Some legacy servers don't support EHLO; fall back to HELO.
		id, helloErr := c.text.Cmd("HELO %s", "mercury-chat")
		if helloErr != nil {
			return fmt.Errorf("smtp: helo: %w", helloErr)
		}
		c.text.StartResponse(id)
		_, _, helloErr = c.text.ReadResponse(250)
		c.text.EndResponse(id)
		if helloErr != nil {
			return fmt.Errorf("smtp: helo: %w", helloErr)
		}
		c.extensions = map[string]string{}
		return nil
	}

	exts := map[string]string{}
	for _, line := range strings.Split(lines, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		key := strings.ToUpper(parts[0])
		val := ""
		if len(parts) == 2 {
			val = parts[1]
		}
		exts[key] = val
	}
	c.extensions = exts
	return nil
}

func (c *Client) startTLS() error {
	id, err := c.text.Cmd("STARTTLS")
	if err != nil {
		return fmt.Errorf("smtp: starttls: %w", err)
	}
	c.text.StartResponse(id)
	_, _, err = c.text.ReadResponse(220)
	c.text.EndResponse(id)
	if err != nil {
		return fmt.Errorf("smtp: starttls: %w", err)
	}

	tlsConfig := c.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: c.config.Host}
	}
	tlsConn := tls.Client(c.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("smtp: starttls handshake: %w", err)
	}
	c.conn = &deadlineConn{Conn: tlsConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}
	c.text = textproto.NewConn(c.conn)
	return nil
}

// Auth authenticates using PLAIN, falling back to an explicit SASL
// PLAIN exchange if the single-line form is rejected with a protocol
// error (500, 501 or 504) (some submission
// endpoints require PLAIN split across the continuation step), or
// XOAUTH2 when AuthType is set (spec §4.14, §4.12's Gmail path).
func (c *Client) Auth() error {
	authType := c.config.AuthType
	if authType == "" {
		authType = imap.AuthTypePassword
	}

	var client sasl.Client
	switch authType {
	case imap.AuthTypeOAuth2:
		if c.config.AccessToken == "" {
			return fmt.Errorf("smtp: oauth2 auth requires an access token")
		}
		client = imap.NewXOAuth2Client(c.config.Username, c.config.AccessToken)
	default:
		client = sasl.NewPlainClient("", c.config.Username, c.config.Password)
	}

	mech, ir, err := client.Start()
	if err != nil {
		return fmt.Errorf("smtp: auth start: %w", err)
	}

	cmd := "AUTH " + mech
	if ir != nil {
		cmd += " " + encodeSASL(ir)
	}
	id, err := c.text.Cmd("%s", cmd)
	if err != nil {
		return fmt.Errorf("smtp: auth: %w", err)
	}
	c.text.StartResponse(id)
	code, msg, err := c.text.ReadResponse(235)
	c.text.EndResponse(id)

	for err != nil && code == 334 {
		challenge, decErr := decodeSASL(msg)
		if decErr != nil {
			return fmt.Errorf("smtp: auth challenge decode: %w", decErr)
		}
		resp, nextErr := client.Next(challenge)
		if nextErr != nil {
			return fmt.Errorf("smtp: auth challenge: %w", nextErr)
		}
		id, err = c.text.Cmd("%s", encodeSASL(resp))
		if err != nil {
			return fmt.Errorf("smtp: auth: %w", err)
		}
		c.text.StartResponse(id)
		code, msg, err = c.text.ReadResponse(235)
		c.text.EndResponse(id)
	}
	if err != nil && mech == "PLAIN" && ir != nil && (code == 500 || code == 501 || code == 504) {
		// Explicit exchange: bare AUTH PLAIN, then the initial response
		// as the answer to the server's 334 challenge.
		err = c.cmdExpect(334, "AUTH PLAIN")
		if err == nil {
			err = c.cmdExpect(235, "%s", encodeSASL(ir))
		}
		if err != nil {
			return fmt.Errorf("smtp: authentication failed: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("smtp: authentication failed: %s: %w", msg, err)
	}
	return nil
}

// Send submits one message to recipients via MAIL FROM/RCPT TO/DATA,
// distinguishing a permanent storage-full rejection (552/5.2.2) from a
// transient failure so the job engine can pick the right retry policy
// (spec §4.14, §4.15).
func (c *Client) Send(from string, recipients []string, data []byte) error {
	if err := c.cmdExpect(250, "MAIL FROM:<%s>", from); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := c.cmdExpect(250, "RCPT TO:<%s>", rcpt); err != nil {
			return classifySendError(err)
		}
	}
	id, err := c.text.Cmd("DATA")
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	c.text.StartResponse(id)
	_, _, err = c.text.ReadResponse(354)
	if err != nil {
		c.text.EndResponse(id)
		return fmt.Errorf("smtp: data: %w", err)
	}

	w := c.text.DotWriter()
	if _, err := w.Write(data); err != nil {
		w.Close()
		c.text.EndResponse(id)
		return fmt.Errorf("smtp: writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		c.text.EndResponse(id)
		return fmt.Errorf("smtp: writing message: %w", err)
	}

	_, msg, err := c.text.ReadResponse(250)
	c.text.EndResponse(id)
	if err != nil {
		return classifySendError(fmt.Errorf("smtp: send: %s: %w", msg, err))
	}
	return nil
}

func (c *Client) cmdExpect(code int, format string, args ...any) error {
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return err
	}
	c.text.StartResponse(id)
	_, msg, err := c.text.ReadResponse(code)
	c.text.EndResponse(id)
	if err != nil {
		return fmt.Errorf("smtp: %s: %w", msg, err)
	}
	return nil
}

// SendErrorKind distinguishes permanent from transient send failures.
type SendErrorKind int

const (
	SendErrorTransient SendErrorKind = iota
	SendErrorStorageFull
	SendErrorPermanent
)

// SendError wraps a send failure with its classified kind.
type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "552") || strings.Contains(msg, "5.2.2") || strings.Contains(msg, "5.2.3"):
		return &SendError{Kind: SendErrorStorageFull, Err: err}
	case strings.Contains(msg, "5.") || strings.Contains(msg, " 5"):
		return &SendError{Kind: SendErrorPermanent, Err: err}
	default:
		return &SendError{Kind: SendErrorTransient, Err: err}
	}
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	if c.text == nil {
		return nil
	}
	id, err := c.text.Cmd("QUIT")
	if err == nil {
		c.text.StartResponse(id)
		c.text.ReadResponse(221)
		c.text.EndResponse(id)
	}
	return c.text.Close()
}

// ForceClose closes the socket immediately without QUIT, for a
// connection already known to be dead.
func (c *Client) ForceClose() error {
	if c.text == nil {
		return nil
	}
	err := c.text.Close()
	c.text = nil
	return err
}

func encodeSASL(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeSASL(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
