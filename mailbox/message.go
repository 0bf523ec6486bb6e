package mailbox

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

const snippetLength = 120

type Message struct {
	// The message sequence number.
	SeqNum uint32
	// The message flags.
	Flags []string
	// The date the message was received by the server.
	InternalDate time.Time
	// The message size.
	Size uint32
	// The message unique identifier.
	Uid MessageID
	// Envelope read from the message header.
	Envelope Envelope
	// Snippet is the beginning of the text body.
	Snippet string
	// The message body.
	Body io.ReadCloser
}

// Envelope holds the header fields used to thread messages into conversations.
type Envelope struct {
	MessageID  string
	InReplyTo  []string
	References []string
	Subject    string
	From       string
	Date       time.Time
}

// ParseHeader reads the header of a raw message. The reader is left at the start of the body.
func ParseHeader(reader *bufio.Reader) (Envelope, error) {
	raw, err := textproto.ReadHeader(reader)
	if err != nil {
		return Envelope{}, fmt.Errorf("cannot read message header: %w", err)
	}
	header := mail.Header{}
	header.Header.Header = raw

	envelope := Envelope{}
	// broken optional fields are ignored, the message is still worth keeping
	envelope.MessageID, _ = header.MessageID()
	envelope.InReplyTo, _ = header.MsgIDList("In-Reply-To")
	envelope.References, _ = header.MsgIDList("References")
	envelope.Subject, _ = header.Subject()
	envelope.Date, _ = header.Date()
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		envelope.From = from[0].Name
		if envelope.From == "" {
			envelope.From = from[0].Address
		}
	}
	return envelope, nil
}

// ParseMessage reads the envelope and a snippet of the text following the header.
func ParseMessage(body []byte) (Envelope, string, error) {
	reader := bufio.NewReader(bytes.NewReader(body))
	envelope, err := ParseHeader(reader)
	if err != nil {
		return envelope, "", err
	}
	text, _ := io.ReadAll(io.LimitReader(reader, snippetLength*4))
	return envelope, Snippet(string(text)), nil
}

// Snippet squashes the whitespace of text and cuts it to a preview length.
func Snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > snippetLength {
		return string(runes[:snippetLength])
	}
	return text
}

// ConversationKey threads the message: the root of its references, the message it replies to,
// its own Message-ID, and as a last resort its server id.
func (m *Message) ConversationKey() string {
	if len(m.Envelope.References) > 0 {
		return m.Envelope.References[0]
	}
	if len(m.Envelope.InReplyTo) > 0 {
		return m.Envelope.InReplyTo[0]
	}
	if m.Envelope.MessageID != "" {
		return m.Envelope.MessageID
	}
	return m.Uid.String()
}

// Date prefers the header date to the server date.
func (m *Message) Date() time.Time {
	if !m.Envelope.Date.IsZero() {
		return m.Envelope.Date
	}
	return m.InternalDate
}

// Info converts the message into what a sync_conv task stores.
func (m *Message) Info() syncstate.MessageInfo {
	key := m.Envelope.MessageID
	if key == "" {
		key = m.Uid.String()
	}
	return syncstate.MessageInfo{
		Key:     key,
		UID:     m.Uid.String(),
		Date:    m.Date(),
		Flags:   m.Flags,
		Subject: m.Envelope.Subject,
		Author:  m.Envelope.From,
		Snippet: m.Snippet,
	}
}
