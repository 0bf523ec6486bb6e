package store

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// commit applies one batch inside a write transaction and collects the events it produces.
type commit struct {
	tx      *bolt.Tx
	log     logrus.FieldLogger
	events  []Event
	rechurn map[string]bool
}

func newCommit(tx *bolt.Tx, log logrus.FieldLogger) *commit {
	return &commit{
		tx:      tx,
		log:     log,
		rechurn: make(map[string]bool),
	}
}

func (c *commit) bucket(name string) *bolt.Bucket {
	return c.tx.Bucket([]byte(name))
}

func (c *commit) emit(ev Event) {
	c.events = append(c.events, ev)
}

func (c *commit) apply(batch *Batch, triggers []Trigger) error {
	for _, account := range batch.NewAccounts {
		if err := c.createAccount(account); err != nil {
			return err
		}
	}
	for _, folder := range batch.NewFolders {
		if err := c.createFolder(folder); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(batch.Accounts) {
		if err := c.putAccount(id, batch.Accounts[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(batch.Folders) {
		if err := c.putFolder(id, batch.Folders[id]); err != nil {
			return err
		}
	}
	for _, conv := range batch.NewConversations {
		if c.bucket(conversationsBucket).Get([]byte(conv.ID)) != nil {
			return fmt.Errorf("conversation %q: %w", conv.ID, lib.ErrAlreadyExists)
		}
		if err := c.putConversation(conv.ID, conv); err != nil {
			return err
		}
	}
	for _, msg := range batch.NewMessages {
		if err := c.createMessage(msg); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(batch.Messages) {
		if err := c.clobberMessage(id, batch.Messages[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(batch.Conversations) {
		if err := c.putConversation(id, batch.Conversations[id]); err != nil {
			return err
		}
	}
	if err := c.rechurnConversations(batch.Conversations); err != nil {
		return err
	}

	deltas := AtomicDeltas{}
	deltas.merge(batch.AtomicDeltas)
	for _, ev := range c.events {
		for _, trigger := range triggers {
			if trigger.matches(ev) {
				trigger.Handle(ev, &deltas)
			}
		}
	}
	if err := c.applyDeltas(deltas); err != nil {
		return err
	}
	if err := c.applyClobbers(batch.AtomicClobbers); err != nil {
		return err
	}

	if err := c.putRaw(syncStatesBucket, batch.SyncStates); err != nil {
		return err
	}
	if err := c.putRaw(tasksBucket, batch.Tasks); err != nil {
		return err
	}
	return c.putRaw(metaBucket, batch.Meta)
}

func (c *commit) createAccount(account *entity.Account) error {
	bucket := c.bucket(accountsBucket)
	if bucket.Get([]byte(account.ID)) != nil {
		return fmt.Errorf("account %q: %w", account.ID, lib.ErrAlreadyExists)
	}
	stored := account.Clone()
	stored.FolderCount = 0
	if err := putObject(bucket, stored.ID, stored); err != nil {
		return err
	}
	c.emit(Event{Kind: KindAccount, Op: OpAdd, ID: stored.ID, New: stored})
	return nil
}

func (c *commit) putAccount(id string, account *entity.Account) error {
	bucket := c.bucket(accountsBucket)
	prev, err := getObject[entity.Account](bucket, id)
	if err != nil {
		return err
	}
	if account == nil {
		if prev == nil {
			return nil
		}
		folderIDs, err := c.folderIDsOf(id)
		if err != nil {
			return err
		}
		for _, folderID := range folderIDs {
			if err := c.deleteFolder(folderID); err != nil {
				return err
			}
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}
		c.emit(Event{Kind: KindAccount, Op: OpRemove, ID: id, Prev: prev})
		return nil
	}
	stored := account.Clone()
	stored.ID = id
	stored.FolderCount = 0
	if prev != nil {
		stored.FolderCount = prev.FolderCount
	}
	if err := putObject(bucket, id, stored); err != nil {
		return err
	}
	if prev == nil {
		c.emit(Event{Kind: KindAccount, Op: OpAdd, ID: id, New: stored})
	} else {
		c.emit(Event{Kind: KindAccount, Op: OpChange, ID: id, Prev: prev, New: stored})
	}
	return nil
}

func (c *commit) folderIDsOf(accountID string) ([]string, error) {
	var ids []string
	prefix := []byte(accountID + lib.IDSeparator)
	cursor := c.bucket(foldersBucket).Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		ids = append(ids, string(k))
	}
	return ids, nil
}

func (c *commit) createFolder(folder *entity.Folder) error {
	bucket := c.bucket(foldersBucket)
	if bucket.Get([]byte(folder.ID)) != nil {
		return fmt.Errorf("folder %q: %w", folder.ID, lib.ErrAlreadyExists)
	}
	stored := folder.Clone()
	stored.LocalMessageCount = 0
	if err := putObject(bucket, stored.ID, stored); err != nil {
		return err
	}
	c.emit(Event{Kind: KindFolder, Op: OpAdd, ID: stored.ID, New: stored})
	return nil
}

func (c *commit) putFolder(id string, folder *entity.Folder) error {
	if folder == nil {
		return c.deleteFolder(id)
	}
	bucket := c.bucket(foldersBucket)
	prev, err := getObject[entity.Folder](bucket, id)
	if err != nil {
		return err
	}
	stored := folder.Clone()
	stored.ID = id
	stored.LocalMessageCount = 0
	if prev != nil {
		stored.LocalMessageCount = prev.LocalMessageCount
	}
	if err := putObject(bucket, id, stored); err != nil {
		return err
	}
	if prev == nil {
		c.emit(Event{Kind: KindFolder, Op: OpAdd, ID: id, New: stored})
	} else {
		c.emit(Event{Kind: KindFolder, Op: OpChange, ID: id, Prev: prev, New: stored})
	}
	return nil
}

// deleteFolder removes the folder from all its messages first. The messages left without
// any folder are deleted, and their conversations recomputed.
func (c *commit) deleteFolder(id string) error {
	folders := c.bucket(foldersBucket)
	prev, err := getObject[entity.Folder](folders, id)
	if err != nil || prev == nil {
		return err
	}
	index := c.bucket(folderMessagesBucket)
	if sub := index.Bucket([]byte(id)); sub != nil {
		var msgIDs []string
		_ = sub.ForEach(func(k, v []byte) error {
			msgIDs = append(msgIDs, string(k))
			return nil
		})
		messages := c.bucket(messagesBucket)
		for _, msgID := range msgIDs {
			msg, err := getObject[entity.Message](messages, msgID)
			if err != nil {
				return err
			}
			if msg == nil {
				continue
			}
			updated := msg.Clone()
			updated.RemoveFolder(id)
			if len(updated.FolderIDs) == 0 {
				err = c.deleteMessage(msg)
			} else {
				err = c.putMessage(msg, updated)
			}
			if err != nil {
				return err
			}
		}
		if err := index.DeleteBucket([]byte(id)); err != nil {
			return err
		}
	}
	if err := folders.Delete([]byte(id)); err != nil {
		return err
	}
	c.emit(Event{Kind: KindFolder, Op: OpRemove, ID: id, Prev: prev})
	return nil
}

func (c *commit) createMessage(msg *entity.Message) error {
	if c.bucket(messagesBucket).Get([]byte(msg.ID)) != nil {
		return fmt.Errorf("message %q: %w", msg.ID, lib.ErrAlreadyExists)
	}
	return c.putMessage(nil, msg.Clone())
}

func (c *commit) clobberMessage(id string, msg *entity.Message) error {
	prev, err := getObject[entity.Message](c.bucket(messagesBucket), id)
	if err != nil {
		return err
	}
	if msg == nil {
		if prev == nil {
			return nil
		}
		return c.deleteMessage(prev)
	}
	stored := msg.Clone()
	stored.ID = id
	return c.putMessage(prev, stored)
}

// putMessage writes msg and keeps the folder index in sync. msg must be owned by the commit.
func (c *commit) putMessage(prev, msg *entity.Message) error {
	msg.FolderIDs = normalizeFolderIDs(msg.FolderIDs)
	if len(msg.FolderIDs) == 0 {
		// a message always lives in at least one folder
		if prev == nil {
			return nil
		}
		return c.deleteMessage(prev)
	}
	var before []string
	if prev != nil {
		before = prev.FolderIDs
	}
	added, removed := entity.FolderDiff(before, msg.FolderIDs)

	index := c.bucket(folderMessagesBucket)
	for _, folderID := range removed {
		if sub := index.Bucket([]byte(folderID)); sub != nil {
			if err := sub.Delete([]byte(msg.ID)); err != nil {
				return err
			}
		}
	}
	date := serializeDate(msg.Date)
	for _, folderID := range msg.FolderIDs {
		sub, err := index.CreateBucketIfNotExists([]byte(folderID))
		if err != nil {
			return err
		}
		if err := sub.Put([]byte(msg.ID), date); err != nil {
			return err
		}
	}
	if err := putObject(c.bucket(messagesBucket), msg.ID, msg); err != nil {
		return err
	}
	c.markRechurn(msg.ID)
	if prev == nil {
		c.emit(Event{Kind: KindMessage, Op: OpAdd, ID: msg.ID, New: msg, Added: append([]string(nil), msg.FolderIDs...)})
	} else {
		c.emit(Event{Kind: KindMessage, Op: OpChange, ID: msg.ID, Prev: prev, New: msg, Added: added, Removed: removed})
	}
	return nil
}

func (c *commit) deleteMessage(prev *entity.Message) error {
	index := c.bucket(folderMessagesBucket)
	for _, folderID := range prev.FolderIDs {
		if sub := index.Bucket([]byte(folderID)); sub != nil {
			if err := sub.Delete([]byte(prev.ID)); err != nil {
				return err
			}
		}
	}
	if err := c.bucket(messagesBucket).Delete([]byte(prev.ID)); err != nil {
		return err
	}
	c.markRechurn(prev.ID)
	c.emit(Event{Kind: KindMessage, Op: OpRemove, ID: prev.ID, Prev: prev, Removed: append([]string(nil), prev.FolderIDs...)})
	return nil
}

func (c *commit) markRechurn(msgID string) {
	convID, err := lib.ConversationIDFrom(msgID)
	if err != nil {
		c.log.Debugf("message %q has no conversation: %v", msgID, err)
		return
	}
	c.rechurn[convID] = true
}

func (c *commit) putConversation(id string, conv *entity.Conversation) error {
	bucket := c.bucket(conversationsBucket)
	prev, err := getObject[entity.Conversation](bucket, id)
	if err != nil {
		return err
	}
	if conv == nil {
		if prev == nil {
			return nil
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}
		c.emit(Event{Kind: KindConversation, Op: OpRemove, ID: id, Prev: prev})
		return nil
	}
	stored := *conv
	stored.ID = id
	if err := putObject(bucket, id, &stored); err != nil {
		return err
	}
	if prev == nil {
		c.emit(Event{Kind: KindConversation, Op: OpAdd, ID: id, New: &stored})
	} else {
		c.emit(Event{Kind: KindConversation, Op: OpChange, ID: id, Prev: prev, New: &stored})
	}
	return nil
}

// rechurnConversations recomputes the conversations whose messages changed,
// except the ones explicitly written by the batch.
func (c *commit) rechurnConversations(explicit map[string]*entity.Conversation) error {
	ids := make([]string, 0, len(c.rechurn))
	for id := range c.rechurn {
		if _, found := explicit[id]; !found {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	messages := c.bucket(messagesBucket)
	for _, id := range ids {
		msgs, err := scanPrefix[entity.Message](messages, id+lib.IDSeparator)
		if err != nil {
			return err
		}
		if err := c.putConversation(id, entity.ChurnConversation(id, msgs)); err != nil {
			return err
		}
	}
	c.rechurn = make(map[string]bool)
	return nil
}

func (c *commit) applyDeltas(deltas AtomicDeltas) error {
	accounts := c.bucket(accountsBucket)
	for _, id := range sortedKeys(deltas.Accounts) {
		delta := deltas.Accounts[id]
		if delta.FolderCount == 0 {
			continue
		}
		prev, err := getObject[entity.Account](accounts, id)
		if err != nil {
			return err
		}
		if prev == nil {
			c.log.Debugf("delta on missing account %q ignored", id)
			continue
		}
		stored := prev.Clone()
		stored.FolderCount += delta.FolderCount
		if err := putObject(accounts, id, stored); err != nil {
			return err
		}
		c.emit(Event{Kind: KindAccount, Op: OpChange, ID: id, Prev: prev, New: stored})
	}
	folders := c.bucket(foldersBucket)
	for _, id := range sortedKeys(deltas.Folders) {
		delta := deltas.Folders[id]
		if delta.LocalMessageCount == 0 {
			continue
		}
		prev, err := getObject[entity.Folder](folders, id)
		if err != nil {
			return err
		}
		if prev == nil {
			c.log.Debugf("delta on missing folder %q ignored", id)
			continue
		}
		stored := prev.Clone()
		stored.LocalMessageCount += delta.LocalMessageCount
		if err := putObject(folders, id, stored); err != nil {
			return err
		}
		c.emit(Event{Kind: KindFolder, Op: OpChange, ID: id, Prev: prev, New: stored})
	}
	return nil
}

func (c *commit) applyClobbers(clobbers AtomicClobbers) error {
	accounts := c.bucket(accountsBucket)
	for _, id := range sortedKeys(clobbers.Accounts) {
		clobber := clobbers.Accounts[id]
		prev, err := getObject[entity.Account](accounts, id)
		if err != nil {
			return err
		}
		if prev == nil {
			c.log.Debugf("clobber on missing account %q ignored", id)
			continue
		}
		stored := prev.Clone()
		if clobber.Name != nil {
			stored.Name = *clobber.Name
		}
		if clobber.Enabled != nil {
			stored.Enabled = *clobber.Enabled
		}
		if clobber.Credentials != nil {
			stored.Credentials = *clobber.Credentials
		}
		if clobber.Problems != nil {
			stored.Problems = clobber.Problems.Clone()
		}
		if err := putObject(accounts, id, stored); err != nil {
			return err
		}
		c.emit(Event{Kind: KindAccount, Op: OpChange, ID: id, Prev: prev, New: stored})
	}
	folders := c.bucket(foldersBucket)
	for _, id := range sortedKeys(clobbers.Folders) {
		clobber := clobbers.Folders[id]
		prev, err := getObject[entity.Folder](folders, id)
		if err != nil {
			return err
		}
		if prev == nil {
			c.log.Debugf("clobber on missing folder %q ignored", id)
			continue
		}
		stored := prev.Clone()
		if clobber.Name != nil {
			stored.Name = *clobber.Name
		}
		if clobber.ParentID != nil {
			stored.ParentID = *clobber.ParentID
		}
		if clobber.LastSyncedAt != nil {
			stored.LastSyncedAt = *clobber.LastSyncedAt
		}
		if err := putObject(folders, id, stored); err != nil {
			return err
		}
		c.emit(Event{Kind: KindFolder, Op: OpChange, ID: id, Prev: prev, New: stored})
	}
	return nil
}

func (c *commit) putRaw(bucketName string, values map[string][]byte) error {
	bucket := c.bucket(bucketName)
	for _, key := range sortedKeys(values) {
		var err error
		if values[key] == nil {
			err = bucket.Delete([]byte(key))
		} else {
			err = bucket.Put([]byte(key), values[key])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func normalizeFolderIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	unique := sorted[:1]
	for _, id := range sorted[1:] {
		if id != unique[len(unique)-1] {
			unique = append(unique, id)
		}
	}
	return unique
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
