package toc

import (
	"context"
	"errors"
	"sync"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/store"
	"github.com/sirupsen/logrus"
)

// Query feeds a TOC: Execute returns the initial items, then Bind delivers every change
// that happened since the snapshot.
type Query interface {
	Execute(ctx context.Context) ([]Item, error)
	Bind(fn func(op Op))
	Destroy()
}

// FolderMessagesQuery lists the messages of a folder matching the stream filters.
type FolderMessagesQuery struct {
	db       *store.DB
	folderID string
	stream   *FilteringStream
	log      logrus.FieldLogger

	mu  sync.Mutex
	sub *store.Subscription
}

// NewFolderMessagesQuery builds a query. A nil runner matches every message of the folder.
func NewFolderMessagesQuery(db *store.DB, folderID string, runner *FilterRunner, logger logrus.FieldLogger) *FolderMessagesQuery {
	query := &FolderMessagesQuery{
		db:       db,
		folderID: folderID,
		log:      lib.FieldLogger(logger).WithField("folder", folderID),
	}
	query.stream = NewFilteringStream(runner, query.loadMessage, nil, nil)
	return query
}

// WithDerivers sets the derivers run before and after the filters.
func (q *FolderMessagesQuery) WithDerivers(pre, post []Deriver) *FolderMessagesQuery {
	q.stream.pre = pre
	q.stream.post = post
	return q
}

func (q *FolderMessagesQuery) loadMessage(ctx context.Context, id string) (*entity.Message, error) {
	msg, err := q.db.ReadMessage(id)
	if errors.Is(err, lib.ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

func (q *FolderMessagesQuery) Execute(ctx context.Context) ([]Item, error) {
	refs, sub, err := q.db.LoadFolderMessageIDsAndListen(q.folderID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.sub = sub
	q.mu.Unlock()

	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	messages, err := q.db.ReadMessages(ids)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	byID := make(map[string]*entity.Message, len(messages))
	for _, msg := range messages {
		byID[msg.ID] = msg
	}

	items := make([]Item, 0, len(refs))
	for _, ref := range refs {
		msg, found := byID[ref.ID]
		if !found {
			// deleted since the snapshot: the buffered event will be ignored
			continue
		}
		item, err := q.stream.Check(ctx, ref.ID, ref.Date, msg)
		if err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		if item == nil {
			continue
		}
		q.stream.Seed(*item)
		items = append(items, *item)
	}
	return items, nil
}

func (q *FolderMessagesQuery) Bind(fn func(op Op)) {
	q.mu.Lock()
	sub := q.sub
	q.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Drain(func(ev store.Event) {
		change, relevant := q.changeFrom(ev)
		if !relevant {
			return
		}
		ops, err := q.stream.Consider(context.Background(), change)
		if err != nil {
			q.log.Warningf("cannot consider change of %s: %v", change.ID, err)
			return
		}
		for _, op := range ops {
			fn(op)
		}
	})
}

// changeFrom sees a message event through the folder membership.
func (q *FolderMessagesQuery) changeFrom(ev store.Event) (Change, bool) {
	change := Change{ID: ev.ID}
	if prev := ev.PrevMessage(); prev != nil && prev.InFolder(q.folderID) {
		change.PreDate = prev.Date
	}
	if msg := ev.NewMessage(); msg != nil && msg.InFolder(q.folderID) {
		change.PostDate = msg.Date
		change.Message = msg
	}
	if change.PreDate.IsZero() && change.PostDate.IsZero() {
		return change, false
	}
	return change, true
}

func (q *FolderMessagesQuery) Destroy() {
	q.mu.Lock()
	sub := q.sub
	q.sub = nil
	q.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// ConversationGatherer loads the conversation of a message.
func ConversationGatherer(db *store.DB) GatherFunc {
	return func(ctx context.Context, g *Gathered) (any, error) {
		convID, err := lib.ConversationIDFrom(g.ID)
		if err != nil {
			return nil, err
		}
		conv, err := db.ReadConversation(convID)
		if errors.Is(err, lib.ErrNotFound) {
			return (*entity.Conversation)(nil), nil
		}
		return conv, err
	}
}
