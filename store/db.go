package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	metaBucket           = "meta"
	accountsBucket       = "accounts"
	foldersBucket        = "folders"
	conversationsBucket  = "conversations"
	messagesBucket       = "messages"
	folderMessagesBucket = "folder_messages"
	syncStatesBucket     = "sync_states"
	tasksBucket          = "tasks"
	versionKey           = "version"
	boltFileVersion      = 1
)

var allBuckets = []string{
	metaBucket,
	accountsBucket,
	foldersBucket,
	conversationsBucket,
	messagesBucket,
	folderMessagesBucket,
	syncStatesBucket,
	tasksBucket,
}

// MessageRef is the minimal information needed to order the messages of a folder.
type MessageRef struct {
	ID   string
	Date time.Time
}

// DB is the entity store. Every write goes through Modify.
type DB struct {
	dbFile string
	db     *bolt.DB
	log    logrus.FieldLogger
	subs   *Registry

	triggersMu sync.RWMutex
	triggers   []Trigger

	// commitMu serializes the transactions and the routing of their events;
	// deliverMu keeps the delivery in commit order.
	commitMu  sync.Mutex
	deliverMu sync.Mutex
}

// Open the store, creating the file when needed. The message and folder count triggers
// are always registered.
func Open(filename string, logger logrus.FieldLogger) (*DB, error) {
	logger = lib.FieldLogger(logger)
	options := *bolt.DefaultOptions
	options.Timeout = 10 * time.Second

	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", filename, err)
	}

	db, err := bolt.Open(filename, 0600, &options)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", filename, err)
	}

	store := &DB{
		dbFile: filename,
		db:     db,
		log:    logger,
		subs:   NewRegistry(),
	}
	err = store.init()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.RegisterTrigger(MessageCountTrigger)
	store.RegisterTrigger(FolderCountTrigger)
	return store, nil
}

func (s *DB) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			_, err := tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return fmt.Errorf("cannot create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(metaBucket))
		if version := DeserializeUint64(meta.Get([]byte(versionKey))); version > boltFileVersion {
			return fmt.Errorf("database version %d is newer than supported version %d", version, boltFileVersion)
		}
		return meta.Put([]byte(versionKey), SerializeUint64(boltFileVersion))
	})
}

func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) RegisterTrigger(trigger Trigger) {
	s.triggersMu.Lock()
	defer s.triggersMu.Unlock()
	s.triggers = append(s.triggers, trigger)
}

// Subscribe to committed changes. Listeners run after the commit, in commit order,
// and must not call Modify.
func (s *DB) Subscribe(fn Listener, names ...string) *Subscription {
	return s.subs.Subscribe(fn, names...)
}

func (s *DB) ReadAccount(id string) (*entity.Account, error) {
	return readOne[entity.Account](s, accountsBucket, "account", id)
}

func (s *DB) ReadFolder(id string) (*entity.Folder, error) {
	return readOne[entity.Folder](s, foldersBucket, "folder", id)
}

func (s *DB) ReadConversation(id string) (*entity.Conversation, error) {
	return readOne[entity.Conversation](s, conversationsBucket, "conversation", id)
}

func (s *DB) ReadMessage(id string) (*entity.Message, error) {
	return readOne[entity.Message](s, messagesBucket, "message", id)
}

func readOne[T any](s *DB, bucketName, kind, id string) (*T, error) {
	var value *T
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		value, err = getObject[T](tx.Bucket([]byte(bucketName)), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("%s %q: %w", kind, id, lib.ErrNotFound)
	}
	return value, nil
}

// ReadMessages returns the messages found, in the order of ids. Missing ids are skipped.
func (s *DB) ReadMessages(ids []string) ([]*entity.Message, error) {
	messages := make([]*entity.Message, 0, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(messagesBucket))
		for _, id := range ids {
			msg, err := getObject[entity.Message](bucket, id)
			if err != nil {
				return err
			}
			if msg != nil {
				messages = append(messages, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *DB) ListAccounts() ([]*entity.Account, error) {
	accounts := make([]*entity.Account, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(accountsBucket)).ForEach(func(k, v []byte) error {
			account, err := DeserializeObject[entity.Account](v)
			if err != nil {
				return err
			}
			accounts = append(accounts, account)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListFolders of one account, sorted by path.
func (s *DB) ListFolders(accountID string) ([]*entity.Folder, error) {
	folders := make([]*entity.Folder, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		folders, err = scanPrefix[entity.Folder](tx.Bucket([]byte(foldersBucket)), accountID+lib.IDSeparator)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(folders, func(i, j int) bool {
		return folders[i].Path < folders[j].Path
	})
	return folders, nil
}

// ReadConversationMessages returns all the messages of a conversation.
func (s *DB) ReadConversationMessages(convID string) ([]*entity.Message, error) {
	var messages []*entity.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		messages, err = scanPrefix[entity.Message](tx.Bucket([]byte(messagesBucket)), convID+lib.IDSeparator)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func scanPrefix[T any](bucket *bolt.Bucket, prefix string) ([]*T, error) {
	values := make([]*T, 0)
	cursor := bucket.Cursor()
	for k, v := cursor.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = cursor.Next() {
		value, err := DeserializeObject[T](v)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// LoadFolderMessageIDs returns the ids and dates of the messages in a folder.
func (s *DB) LoadFolderMessageIDs(folderID string) ([]MessageRef, error) {
	refs := make([]MessageRef, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(folderMessagesBucket)).Bucket([]byte(folderID))
		if index == nil {
			return nil
		}
		return index.ForEach(func(k, v []byte) error {
			refs = append(refs, MessageRef{ID: string(k), Date: deserializeDate(v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// LoadFolderMessageIDsAndListen takes a snapshot of the folder and subscribes to every message
// event committed after it. The events are kept in the subscription until Drain is called.
func (s *DB) LoadFolderMessageIDsAndListen(folderID string) ([]MessageRef, *Subscription, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	refs, err := s.LoadFolderMessageIDs(folderID)
	if err != nil {
		return nil, nil, err
	}
	sub := s.subs.subscribeBuffered(EventName(KindMessage, Wildcard, Wildcard))
	return refs, sub, nil
}

// ReadSyncState returns nil when no state was saved yet.
func (s *DB) ReadSyncState(key string) ([]byte, error) {
	return s.readRaw(syncStatesBucket, key)
}

func (s *DB) ReadMeta(key string) ([]byte, error) {
	return s.readRaw(metaBucket, key)
}

func (s *DB) readRaw(bucketName, key string) ([]byte, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket([]byte(bucketName)).Get([]byte(key)); data != nil {
			raw = append([]byte(nil), data...)
		}
		return nil
	})
	return raw, err
}

// ReadTasks returns all the persisted task rows by id.
func (s *DB) ReadTasks() (map[string][]byte, error) {
	rows := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(tasksBucket)).ForEach(func(k, v []byte) error {
			rows[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *DB) Backup(filename string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(filename, 0644)
	})
}

// Modify commits the batch atomically, runs the triggers inside the same transaction,
// then delivers the resulting events.
func (s *DB) Modify(batch *Batch) error {
	if batch == nil || batch.IsEmpty() {
		return nil
	}
	s.triggersMu.RLock()
	triggers := append([]Trigger(nil), s.triggers...)
	s.triggersMu.RUnlock()

	s.commitMu.Lock()
	var events []Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := newCommit(tx, s.log)
		if err := c.apply(batch, triggers); err != nil {
			return err
		}
		events = c.events
		return nil
	})
	if err != nil {
		s.commitMu.Unlock()
		return err
	}
	deliveries := s.subs.route(events)
	s.deliverMu.Lock()
	s.commitMu.Unlock()
	defer s.deliverMu.Unlock()

	for _, d := range deliveries {
		for _, sub := range d.subs {
			sub.deliver(d.event)
		}
	}
	return nil
}
