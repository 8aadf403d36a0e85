package imap

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// maxMessageSize bounds how much of a single message body FetchUIDRange
// reads into memory, guarding against a malformed or malicious server
// response exhausting memory on a very large message.
const maxMessageSize = 50 * 1024 * 1024

// FetchedMessage is one message retrieved by FetchUIDRange: its UID,
// raw RFC 5322 octets, and the flags the server reports for it.
type FetchedMessage struct {
	UID   imap.UID
	Raw   []byte
	Flags []imap.Flag
}

// FetchUIDRange downloads every message in the currently selected
// mailbox with UID >= fromUID, the "UID FETCH (last_seen_uid+1):*"
// step of the incremental fetch (spec §4.13 step 2). Messages are
// streamed one at a time rather than collected in bulk, so a context
// cancellation or a connection drop mid-batch still returns whatever
// was read so far instead of discarding it.
func (c *Client) FetchUIDRange(ctx context.Context, fromUID imap.UID) ([]FetchedMessage, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	uidSet := imap.UIDSet{}
	uidSet.AddRange(fromUID, 0) // fromUID:* — go-imap encodes 0 as "*"

	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		UID:   true,
		Flags: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierNone, Peek: true},
		},
	})

	var out []FetchedMessage
	for {
		if ctx.Err() != nil {
			fetchCmd.Close()
			return out, ctx.Err()
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var fm FetchedMessage
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				fm.UID = data.UID
			case imapclient.FetchItemDataFlags:
				fm.Flags = data.Flags
			case imapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					raw, err := io.ReadAll(io.LimitReader(data.Literal, maxMessageSize))
					if err != nil {
						c.log.Warn().Uint32("uid", uint32(fm.UID)).Err(err).Msg("failed to read message body, keeping partial data")
					}
					fm.Raw = raw
				}
			}
		}
		if fm.UID == 0 || len(fm.Raw) == 0 {
			continue
		}
		out = append(out, fm)
	}
	return out, fetchCmd.Close()
}
