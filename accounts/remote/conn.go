package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/limitio"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/emersion/go-imap"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
)

// Conn is a logged in IMAP connection. The commands of one sync never interleave with another's.
type Conn struct {
	mu            sync.Mutex
	client        *client.Client
	uidplusClient *uidplus.Client
	log           lib.Logger
	delimiter     string
	rateLimit     float64
}

func dial(info entity.ConnInfo) (*client.Client, error) {
	if info.NoTLS {
		return client.Dial(info.ServerURL)
	}
	tlsConfig := &tls.Config{}
	if info.SkipTLSVerification {
		tlsConfig.InsecureSkipVerify = true
	}
	return client.DialTLS(info.ServerURL, tlsConfig)
}

func (c *Conn) Close() error {
	c.log.Print("Closing connection")
	return c.client.Logout()
}

// SupportUidPlus is true when the server returns the uid of the appended messages.
func (c *Conn) SupportUidPlus() bool {
	return c.uidplusClient != nil
}

func (c *Conn) listMailbox() ([]mailbox.Info, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	c.log.Print("Listing mailboxes:")
	info := make([]mailbox.Info, 0, 10)
	for m := range mailboxes {
		c.log.Printf("* %q: %+v (delimiter = %q)", m.Name, m.Attributes, m.Delimiter)
		info = append(info, mailbox.Info{
			Delimiter:  m.Delimiter,
			Name:       m.Name,
			Attributes: m.Attributes,
		})
		if c.delimiter == "" {
			c.delimiter = m.Delimiter
		}
	}

	if err := <-done; err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Conn) selectMailbox(name string) (*mailbox.Status, error) {
	c.log.Printf("Selecting mailbox %q", name)
	status, err := c.client.Select(name, true)
	if err != nil {
		return nil, err
	}
	return &mailbox.Status{
		Name:        status.Name,
		Messages:    status.Messages,
		UidValidity: status.UidValidity,
		UidNext:     status.UidNext,
	}, nil
}

func (c *Conn) searchUids(criteria *imap.SearchCriteria) ([]uint32, error) {
	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("cannot search messages: %w", err)
	}
	return uids, nil
}

// fetchMessages downloads the messages of the selected mailbox, with their envelope parsed.
func (c *Conn) fetchMessages(ctx context.Context, uids []uint32) ([]*mailbox.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchFlags, imap.FetchUid, imap.FetchInternalDate, imap.FetchRFC822Size}

	receiver := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	// fetch messages in the background
	go func() {
		done <- c.client.UidFetch(seqset, items, receiver)
	}()

	var readErr error
	messages := make([]*mailbox.Message, 0, len(uids))
	for msg := range receiver {
		if readErr != nil {
			// keep draining so the fetch can finish
			continue
		}
		c.log.Printf("Received IMAP message uid=%d flags=%+v date=%q", msg.Uid, msg.Flags, msg.InternalDate)
		message, err := c.readMessage(ctx, msg, section)
		if err != nil {
			readErr = err
			continue
		}
		messages = append(messages, message)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("cannot fetch messages: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}
	return messages, nil
}

func (c *Conn) readMessage(ctx context.Context, msg *imap.Message, section *imap.BodySectionName) (*mailbox.Message, error) {
	message := &mailbox.Message{
		SeqNum:       msg.SeqNum,
		Flags:        lib.StoredFlags(msg.Flags),
		InternalDate: msg.InternalDate,
		Size:         msg.Size,
		Uid:          mailbox.NewMessageIDFromUint(msg.Uid),
	}
	literal := msg.GetBody(section)
	if literal == nil {
		return message, nil
	}
	body, err := io.ReadAll(limitio.Limit(ctx, literal, c.rateLimit))
	if err != nil {
		return nil, fmt.Errorf("cannot read message uid %d: %w", msg.Uid, err)
	}
	envelope, snippet, err := mailbox.ParseMessage(body)
	if err != nil {
		c.log.Printf("message uid %d: %s", msg.Uid, err)
	}
	message.Envelope = envelope
	message.Snippet = snippet
	return message, nil
}
