package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeIDComponent(t *testing.T) {
	fixtures := []struct {
		source  string
		escaped string
	}{
		{"", ""},
		{"abc", "abc"},
		{"a.b", "a%2Eb"},
		{"100%", "100%25"},
		{"%2E", "%252E"},
		{"<0000000@localhost/>", "<0000000@localhost/>"},
		{"<1.2@example.org>", "<1%2E2@example%2Eorg>"},
	}

	for _, fixture := range fixtures {
		t.Run(fixture.source, func(t *testing.T) {
			escaped := EscapeIDComponent(fixture.source)
			assert.Equal(t, fixture.escaped, escaped)
			assert.Equal(t, fixture.source, UnescapeIDComponent(escaped))
		})
	}
}

func TestMessageIDEncodesOwnership(t *testing.T) {
	convID := ConversationID("3", "<thread.1@example.org>")
	assert.Equal(t, "3.<thread%2E1@example%2Eorg>", convID)

	msgID := MessageID(convID, "<msg.2@example.org>", "42")
	assert.Equal(t, "3", AccountIDFrom(msgID))
	assert.Equal(t, "3", AccountIDFrom(convID))
	assert.Equal(t, "3", AccountIDFrom("3"))

	back, err := ConversationIDFrom(msgID)
	require.NoError(t, err)
	assert.Equal(t, convID, back)

	_, err = ConversationIDFrom(convID)
	assert.ErrorIs(t, err, ErrMalformedID)
}

func TestFolderID(t *testing.T) {
	assert.Equal(t, "0.1", FolderID(AccountID(0), 1))
	assert.Equal(t, "12", AccountIDFrom(FolderID("12", 99)))
}

func TestTaskIDIsDeterministic(t *testing.T) {
	first := TaskID("sync_conv", "0.1", "event-1")
	assert.Equal(t, first, TaskID("sync_conv", "0.1", "event-1"))
	assert.NotEqual(t, first, TaskID("sync_conv", "0.1", "event-2"))
	// parts are not simply concatenated
	assert.NotEqual(t, TaskID("ab", "c"), TaskID("a", "bc"))
	assert.NotEqual(t, NewTaskID(), NewTaskID())
}
