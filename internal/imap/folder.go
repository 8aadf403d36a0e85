package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// ChatsFolderName is the top-level folder the adapter creates on first
// run (spec §4.13): the move-target for incoming messenger messages and
// the append-target for sent ones.
const ChatsFolderName = "Chats"

// EnsureChatsFolder creates and subscribes to the Chats folder if it
// doesn't already exist. It tries a top-level "Chats" mailbox first; if
// the server rejects top-level folder creation, it falls back to
// "INBOX/Chats" using the INBOX delimiter discovered via LIST. A
// mailbox that LIST already reports under either name is returned as is.
func (c *Client) EnsureChatsFolder(ctx context.Context) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("not connected")
	}

	exists := func(name string) bool {
		listCmd := c.client.List("", name, nil)
		mbox := listCmd.Next()
		return listCmd.Close() == nil && mbox != nil
	}
	if exists(ChatsFolderName) {
		return ChatsFolderName, nil
	}
	if err := c.createAndSubscribe(ctx, ChatsFolderName); err == nil {
		return ChatsFolderName, nil
	}

	delim, err := c.inboxDelimiter(ctx)
	if err != nil {
		return "", fmt.Errorf("determine folder delimiter: %w", err)
	}
	fallback := "INBOX" + delim + ChatsFolderName
	if exists(fallback) {
		return fallback, nil
	}
	if err := c.createAndSubscribe(ctx, fallback); err != nil {
		return "", fmt.Errorf("create fallback chats folder: %w", err)
	}
	return fallback, nil
}

func (c *Client) createAndSubscribe(ctx context.Context, name string) error {
	if err := c.client.Create(name, nil).Wait(); err != nil {
		return err
	}
	if err := c.client.Subscribe(name).Wait(); err != nil {
		c.log.Warn().Str("mailbox", name).Err(err).Msg("subscribe failed, folder still usable unsubscribed")
	}
	return nil
}

func (c *Client) inboxDelimiter(ctx context.Context) (string, error) {
	listCmd := c.client.List("", "INBOX", nil)
	mbox := listCmd.Next()
	if closeErr := listCmd.Close(); closeErr != nil {
		return "", closeErr
	}
	if mbox == nil || mbox.Delim == 0 {
		return "/", nil
	}
	return string(mbox.Delim), nil
}

// MoveMessages moves uids from the currently selected mailbox to dest,
// using UID MOVE when the server supports it (RFC 6851) and falling
// back to UID COPY + \Deleted + EXPUNGE otherwise.
func (c *Client) MoveMessages(uids []imap.UID, dest string) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if len(uids) == 0 {
		return nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	if c.caps.Has(imap.CapMove) {
		if err := c.client.Move(uidSet, dest).Wait(); err != nil {
			return fmt.Errorf("move messages: %w", err)
		}
		return nil
	}

	copyCmd := c.client.Copy(uidSet, dest)
	if _, err := copyCmd.Wait(); err != nil {
		return fmt.Errorf("copy messages before fallback move: %w", err)
	}
	return c.DeleteMessagesByUID(uids)
}

// MarkSeen adds \Seen to uids, and also sets $MDNSent when the caller
// passes supportsMDNSentKeyword (its reading of the folder's permanent
// flags) — this suppresses duplicate
// MDN emission by other MUAs watching the same mailbox (spec §4.13).
func (c *Client) MarkSeen(uids []imap.UID, supportsMDNSentKeyword bool) error {
	flags := []imap.Flag{imap.FlagSeen}
	if supportsMDNSentKeyword {
		flags = append(flags, imap.Flag("$MDNSent"))
	}
	return c.AddMessageFlags(uids, flags)
}

// HighestUID returns the UID of the last message in the currently
// selected mailbox, or 0 if the mailbox is empty. Used on UIDVALIDITY
// change to seed last_seen_uid at max-1 (gap-avoidance, spec §4.13).
func (c *Client) HighestUID(ctx context.Context) (imap.UID, error) {
	if c.client == nil {
		return 0, fmt.Errorf("not connected")
	}

	seqSet := imap.SeqSet{}
	seqSet.AddRange(1, 0) // 1:* — go-imap encodes 0 as "*"

	type result struct {
		uid imap.UID
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		var highest imap.UID
		fetchCmd := c.client.Fetch(seqSet, &imap.FetchOptions{UID: true})
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			data, err := msg.Collect()
			if err != nil {
				resultCh <- result{0, err}
				return
			}
			if data.UID > highest {
				highest = data.UID
			}
		}
		resultCh <- result{highest, fetchCmd.Close()}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-resultCh:
		return r.uid, r.err
	}
}

// FindUIDByMessageID searches the currently selected mailbox for a
// message carrying the given Message-ID header, for the delete-path
// verification in spec §4.13 ("verify by fetching Message-ID header for
// that UID; if mismatch, search all folders for that Message-ID").
func (c *Client) FindUIDByMessageID(ctx context.Context, messageID string) (imap.UID, bool, error) {
	if c.client == nil {
		return 0, false, fmt.Errorf("not connected")
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: messageID}},
	}

	type result struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := c.client.UIDSearch(criteria, nil).Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return 0, false, fmt.Errorf("search by message-id: %w", r.err)
		}
		all := r.data.AllUIDs()
		if len(all) == 0 {
			return 0, false, nil
		}
		return all[0], true, nil
	}
}
