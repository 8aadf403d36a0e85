package imap

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// AuthType selects how Login authenticates with the server.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// xoauth2Client implements sasl.Client for the Gmail/Outlook XOAUTH2
// mechanism, which go-sasl does not ship a built-in implementation for.
type xoauth2Client struct {
	username    string
	accessToken string
}

// NewXOAuth2Client returns a sasl.Client that authenticates via the
// XOAUTH2 mechanism used by Gmail and Outlook/Office365 IMAP and SMTP.
func NewXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	if c.accessToken == "" {
		return "", nil, fmt.Errorf("xoauth2: empty access token")
	}
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken))
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// A non-empty challenge after the initial response means the server
	// rejected the token; RFC 7628 requires a dummy client response to
	// complete the failed exchange so the connection can continue.
	if len(challenge) > 0 {
		return []byte{}, nil
	}
	return nil, nil
}
