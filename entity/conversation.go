package entity

import (
	"sort"
	"time"
)

const seenFlag = "\\Seen"

// Conversation summarises its messages. It is recomputed from its messages whenever one changes.
type Conversation struct {
	ID           string
	MessageIDs   []string
	FolderIDs    []string
	Date         time.Time
	Subject      string
	Snippet      string
	Authors      []string
	MessageCount int
	HasUnread    bool
}

// ChurnConversation computes the conversation summary from its messages. It returns nil when
// there is no message left.
func ChurnConversation(id string, messages []*Message) *Conversation {
	if len(messages) == 0 {
		return nil
	}
	sorted := make([]*Message, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Date.Before(sorted[j].Date)
	})

	conv := &Conversation{
		ID:           id,
		MessageIDs:   make([]string, 0, len(sorted)),
		Subject:      sorted[0].Subject,
		MessageCount: len(sorted),
	}
	folders := make(map[string]bool)
	authors := make(map[string]bool)
	for _, msg := range sorted {
		conv.MessageIDs = append(conv.MessageIDs, msg.ID)
		for _, folderID := range msg.FolderIDs {
			folders[folderID] = true
		}
		if msg.Author != "" && !authors[msg.Author] {
			authors[msg.Author] = true
			conv.Authors = append(conv.Authors, msg.Author)
		}
		if !msg.HasFlag(seenFlag) {
			conv.HasUnread = true
		}
	}
	latest := sorted[len(sorted)-1]
	conv.Date = latest.Date
	conv.Snippet = latest.Snippet
	for folderID := range folders {
		conv.FolderIDs = append(conv.FolderIDs, folderID)
	}
	sort.Strings(conv.FolderIDs)
	return conv
}
