package lib

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/emersion/go-imap"
)

const charset = "abcdefghijklmnopqrstuvwxyz " +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 " +
	",./;'\\ \" []{}<>?:|!@£$%^&*()_+-= " +
	"\r\n\r\n\r\n "

var seededRand *rand.Rand = rand.New(
	rand.NewSource(time.Now().UnixMilli()))

var generatedFlags = []string{imap.SeenFlag, imap.AnsweredFlag, imap.FlaggedFlag, imap.DraftFlag}

type Email struct {
	From       string
	To         string
	Subject    string
	Date       time.Time
	MessageID  string
	InReplyTo  string
	BodyLength int
}

func stringWithCharset(length int, charset string) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[seededRand.Intn(len(charset))]
	}
	return string(b)
}

// GenerateEmail builds a RFC 5322 message with a random body.
func GenerateEmail(email Email) []byte {
	if email.Date.IsZero() {
		email.Date = time.Date(2016, 5, 11, 14, 31, 59, 0, time.UTC)
	}
	if email.Subject == "" {
		email.Subject = "A little message, just for you"
	}
	if email.MessageID == "" {
		email.MessageID = fmt.Sprintf("%d@localhost", seededRand.Uint32())
	}
	length := email.BodyLength
	if length == 0 {
		length = seededRand.Intn(3000)
	}
	builder := &strings.Builder{}
	fmt.Fprintf(builder, "From: %s\r\n", email.From)
	fmt.Fprintf(builder, "To: %s\r\n", email.To)
	fmt.Fprintf(builder, "Subject: %s\r\n", email.Subject)
	fmt.Fprintf(builder, "Date: %s\r\n", email.Date.Format(time.RFC1123Z))
	fmt.Fprintf(builder, "Message-ID: <%s>\r\n", email.MessageID)
	if email.InReplyTo != "" {
		fmt.Fprintf(builder, "In-Reply-To: <%s>\r\n", email.InReplyTo)
		fmt.Fprintf(builder, "References: <%s>\r\n", email.InReplyTo)
	}
	builder.WriteString("Content-Type: text/plain\r\n\r\n")
	builder.WriteString(stringWithCharset(length, charset))
	return []byte(builder.String())
}

// GenerateDateFrom returns a random date between from and now.
func GenerateDateFrom(from time.Time) time.Time {
	span := time.Since(from)
	if span <= 1 {
		return from
	}
	return from.Add(time.Duration(seededRand.Int63n(int64(span-1))) + 1)
}

// GenerateFlags returns a random set of less than max distinct flags.
func GenerateFlags(max int) []string {
	count := seededRand.Intn(max)
	if count > len(generatedFlags) {
		count = len(generatedFlags)
	}
	flags := make([]string, 0, count)
	for _, index := range seededRand.Perm(len(generatedFlags))[:count] {
		flags = append(flags, generatedFlags[index])
	}
	return flags
}
