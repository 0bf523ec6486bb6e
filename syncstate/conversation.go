package syncstate

import (
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/task"
)

const TypeSyncConv = "sync_conv"

// MessageInfo is a message as reported by a server, before it gets an id.
type MessageInfo struct {
	Key      string    `json:"key"`
	UID      string    `json:"uid"`
	Date     time.Time `json:"date"`
	Flags    []string  `json:"flags,omitempty"`
	Subject  string    `json:"subject,omitempty"`
	Author   string    `json:"author,omitempty"`
	Snippet  string    `json:"snippet,omitempty"`
	BodyRefs []string  `json:"bodyRefs,omitempty"`
}

// ConversationSync are the arguments of a sync_conv task: the messages of one conversation seen
// in one folder, and the message keys gone from it.
type ConversationSync struct {
	FolderID string        `json:"folderId"`
	ConvKey  string        `json:"convKey"`
	Upserts  []MessageInfo `json:"upserts,omitempty"`
	Removals []string      `json:"removals,omitempty"`
	// PriorityTags are given to the task when it gets planned
	PriorityTags []string `json:"priorityTags,omitempty"`
}

// SyncConversation queues a sync_conv task. The revision tells apart two different states of
// the same conversation: the same revision ingested twice gives the same task.
func (s *Scheduler) SyncConversation(sync ConversationSync, revision string) (bool, error) {
	if len(sync.PriorityTags) == 0 {
		sync.PriorityTags = s.priorityTags
	}
	raw, err := task.NewRaw(TypeSyncConv, s.accountID, sync)
	if err != nil {
		return false, err
	}
	raw.ID = lib.TaskID(TypeSyncConv, s.accountID, sync.FolderID, sync.ConvKey, revision)
	return s.Add(raw), nil
}

// Revision builds a revision string out of anything identifying the state of an item.
func Revision(parts ...string) string {
	return strings.Join(parts, "/")
}
