package lib

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateGenerator(t *testing.T) {
	from := time.Date(2010, 1, 1, 12, 0, 0, 0, time.Local)

	for i := 0; i < 100000; i++ {
		result := GenerateDateFrom(from)
		now := time.Now()
		assert.Truef(t, result.After(from), "%v is not after %v", result, from)
		assert.Truef(t, result.Before(now), "%v is not before %v", result, now)
	}
}

func TestGenerateFlags(t *testing.T) {
	maxInt := 5
	for i := 0; i < 100000; i++ {
		flags := GenerateFlags(maxInt)
		require.NotNil(t, flags)
		require.GreaterOrEqual(t, len(flags), 0)
		require.Less(t, len(flags), maxInt)
	}
}

func TestGenerateEmailHeader(t *testing.T) {
	email := GenerateEmail(Email{
		From:       "from@example.org",
		To:         "to@example.org",
		MessageID:  "reply@example.org",
		InReplyTo:  "root@example.org",
		BodyLength: 50,
	})
	text := string(email)
	assert.Contains(t, text, "Message-ID: <reply@example.org>\r\n")
	assert.Contains(t, text, "References: <root@example.org>\r\n")
	assert.Contains(t, text, "Subject: A little message, just for you\r\n")
	assert.Contains(t, text, "Date: Wed, 11 May 2016 14:31:59 +0000\r\n")
	assert.True(t, len(email) > 50)
}
