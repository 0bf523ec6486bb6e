package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageFolderSet(t *testing.T) {
	msg := &Message{ID: "0.c.m.1"}
	assert.True(t, msg.AddFolder("0.2"))
	assert.True(t, msg.AddFolder("0.10"))
	assert.True(t, msg.AddFolder("0.1"))
	assert.False(t, msg.AddFolder("0.2"))
	assert.Equal(t, []string{"0.1", "0.10", "0.2"}, msg.FolderIDs)

	assert.True(t, msg.InFolder("0.10"))
	assert.False(t, msg.InFolder("0.3"))

	assert.True(t, msg.RemoveFolder("0.10"))
	assert.False(t, msg.RemoveFolder("0.10"))
	assert.Equal(t, []string{"0.1", "0.2"}, msg.FolderIDs)
}

func TestFolderDiff(t *testing.T) {
	added, removed := FolderDiff([]string{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"c"}, added)
	assert.Equal(t, []string{"a"}, removed)

	added, removed = FolderDiff(nil, []string{"a"})
	assert.Equal(t, []string{"a"}, added)
	assert.Empty(t, removed)

	added, removed = FolderDiff([]string{"a"}, nil)
	assert.Empty(t, added)
	assert.Equal(t, []string{"a"}, removed)
}

func TestChurnConversation(t *testing.T) {
	day := time.Date(2022, 10, 1, 0, 0, 0, 0, time.UTC)
	messages := []*Message{
		{ID: "0.c.b.2", FolderIDs: []string{"0.2"}, Date: day.Add(time.Hour), Subject: "Re: hello", Author: "bob", Snippet: "second", Flags: []string{"\\Seen"}},
		{ID: "0.c.a.1", FolderIDs: []string{"0.1"}, Date: day, Subject: "hello", Author: "alice", Snippet: "first"},
	}
	conv := ChurnConversation("0.c", messages)
	assert.Equal(t, []string{"0.c.a.1", "0.c.b.2"}, conv.MessageIDs)
	assert.Equal(t, []string{"0.1", "0.2"}, conv.FolderIDs)
	assert.Equal(t, "hello", conv.Subject)
	assert.Equal(t, "second", conv.Snippet)
	assert.Equal(t, day.Add(time.Hour), conv.Date)
	assert.Equal(t, []string{"alice", "bob"}, conv.Authors)
	assert.Equal(t, 2, conv.MessageCount)
	assert.True(t, conv.HasUnread)

	assert.Nil(t, ChurnConversation("0.c", nil))
}
