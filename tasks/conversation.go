package tasks

import (
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/store"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/creativeprojects/mailsync/task"
)

type syncConv struct{}

func (d *syncConv) Name() string {
	return TypeSyncConv
}

func (d *syncConv) Plan(ctx *task.Context, t *task.Task) (*task.PlanResult, error) {
	args := syncstate.ConversationSync{}
	if err := t.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if args.FolderID == "" || args.ConvKey == "" {
		return nil, lib.ErrMalformedID
	}
	return &task.PlanResult{
		Planned: &task.Planned{
			AccountID:    lib.AccountIDFrom(args.FolderID),
			PriorityTags: args.PriorityTags,
		},
	}, nil
}

// Execute upserts the messages of the conversation found in the folder, and removes the folder
// from the messages gone from it. Applying the same arguments twice changes nothing.
func (d *syncConv) Execute(ctx *task.Context, t *task.Task) (*task.ExecuteResult, error) {
	args := syncstate.ConversationSync{}
	if err := t.DecodeArgs(&args); err != nil {
		return nil, err
	}
	accountID := lib.AccountIDFrom(args.FolderID)
	convID := lib.ConversationID(accountID, args.ConvKey)
	existing, err := ctx.DB().ReadConversationMessages(convID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*entity.Message, len(existing))
	for _, msg := range existing {
		byID[msg.ID] = msg
	}

	batch := store.NewBatch()
	upserted := make(map[string]bool, len(args.Upserts))
	for _, info := range args.Upserts {
		id := lib.MessageID(convID, info.Key, info.UID)
		msg := &entity.Message{ID: id}
		if previous, found := byID[id]; found {
			msg = previous.Clone()
		}
		msg.AddFolder(args.FolderID)
		msg.Date = info.Date
		msg.Flags = append([]string(nil), info.Flags...)
		msg.Subject = info.Subject
		msg.Author = info.Author
		msg.Snippet = info.Snippet
		msg.BodyRefs = append([]string(nil), info.BodyRefs...)
		batch.SetMessage(msg)
		upserted[id] = true
	}

	removed := make(map[string]bool, len(args.Removals))
	for _, key := range args.Removals {
		removed[key] = true
	}
	for _, msg := range existing {
		if upserted[msg.ID] || !removed[messageKey(msg.ID)] || !msg.InFolder(args.FolderID) {
			continue
		}
		gone := msg.Clone()
		gone.RemoveFolder(args.FolderID)
		if len(gone.FolderIDs) == 0 {
			batch.DeleteMessage(gone.ID)
			continue
		}
		batch.SetMessage(gone)
	}
	return &task.ExecuteResult{
		Batch:  batch,
		Result: len(upserted),
	}, nil
}

// messageKey returns the msgId part of accountId.convId.msgId.uid.
func messageKey(messageID string) string {
	parts := lib.SplitID(messageID)
	if len(parts) != 4 {
		return ""
	}
	return lib.UnescapeIDComponent(parts[2])
}
