package store

import (
	"time"

	"github.com/creativeprojects/mailsync/entity"
)

// Batch is one atomic mutation of the store. Entries of the clobber maps replace the whole
// stored value, a nil value deletes it. Counters (LocalMessageCount, FolderCount) are only
// changed through AtomicDeltas and are preserved by whole-value clobbers.
type Batch struct {
	NewAccounts      []*entity.Account
	NewFolders       []*entity.Folder
	NewConversations []*entity.Conversation
	NewMessages      []*entity.Message

	Accounts      map[string]*entity.Account
	Folders       map[string]*entity.Folder
	Conversations map[string]*entity.Conversation
	Messages      map[string]*entity.Message

	AtomicDeltas   AtomicDeltas
	AtomicClobbers AtomicClobbers

	SyncStates map[string][]byte
	Tasks      map[string][]byte
	Meta       map[string][]byte
}

type AccountDelta struct {
	FolderCount int64
}

type FolderDelta struct {
	LocalMessageCount int64
}

// AtomicDeltas are commutative adjustments: the order they are applied in does not matter.
type AtomicDeltas struct {
	Accounts map[string]AccountDelta
	Folders  map[string]FolderDelta
}

func (d *AtomicDeltas) AddAccountFolders(accountID string, delta int64) {
	if d.Accounts == nil {
		d.Accounts = make(map[string]AccountDelta)
	}
	current := d.Accounts[accountID]
	current.FolderCount += delta
	d.Accounts[accountID] = current
}

func (d *AtomicDeltas) AddFolderMessages(folderID string, delta int64) {
	if d.Folders == nil {
		d.Folders = make(map[string]FolderDelta)
	}
	current := d.Folders[folderID]
	current.LocalMessageCount += delta
	d.Folders[folderID] = current
}

func (d *AtomicDeltas) merge(other AtomicDeltas) {
	for id, delta := range other.Accounts {
		d.AddAccountFolders(id, delta.FolderCount)
	}
	for id, delta := range other.Folders {
		d.AddFolderMessages(id, delta.LocalMessageCount)
	}
}

func (d *AtomicDeltas) isEmpty() bool {
	return len(d.Accounts) == 0 && len(d.Folders) == 0
}

// AccountClobber replaces the non-nil fields only, last writer wins.
type AccountClobber struct {
	Name        *string
	Enabled     *bool
	Credentials *entity.Credentials
	Problems    *entity.Problems
}

type FolderClobber struct {
	Name         *string
	ParentID     *string
	LastSyncedAt *time.Time
}

type AtomicClobbers struct {
	Accounts map[string]AccountClobber
	Folders  map[string]FolderClobber
}

func (c *AtomicClobbers) isEmpty() bool {
	return len(c.Accounts) == 0 && len(c.Folders) == 0
}

func (c AccountClobber) merge(other AccountClobber) AccountClobber {
	if other.Name != nil {
		c.Name = other.Name
	}
	if other.Enabled != nil {
		c.Enabled = other.Enabled
	}
	if other.Credentials != nil {
		c.Credentials = other.Credentials
	}
	if other.Problems != nil {
		c.Problems = other.Problems
	}
	return c
}

func (c FolderClobber) merge(other FolderClobber) FolderClobber {
	if other.Name != nil {
		c.Name = other.Name
	}
	if other.ParentID != nil {
		c.ParentID = other.ParentID
	}
	if other.LastSyncedAt != nil {
		c.LastSyncedAt = other.LastSyncedAt
	}
	return c
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) SetAccount(account *entity.Account) {
	if b.Accounts == nil {
		b.Accounts = make(map[string]*entity.Account)
	}
	b.Accounts[account.ID] = account
}

func (b *Batch) DeleteAccount(id string) {
	if b.Accounts == nil {
		b.Accounts = make(map[string]*entity.Account)
	}
	b.Accounts[id] = nil
}

func (b *Batch) SetFolder(folder *entity.Folder) {
	if b.Folders == nil {
		b.Folders = make(map[string]*entity.Folder)
	}
	b.Folders[folder.ID] = folder
}

// DeleteFolder also removes the folder from its messages; messages left without folder are deleted.
func (b *Batch) DeleteFolder(id string) {
	if b.Folders == nil {
		b.Folders = make(map[string]*entity.Folder)
	}
	b.Folders[id] = nil
}

func (b *Batch) SetConversation(conv *entity.Conversation) {
	if b.Conversations == nil {
		b.Conversations = make(map[string]*entity.Conversation)
	}
	b.Conversations[conv.ID] = conv
}

func (b *Batch) DeleteConversation(id string) {
	if b.Conversations == nil {
		b.Conversations = make(map[string]*entity.Conversation)
	}
	b.Conversations[id] = nil
}

func (b *Batch) SetMessage(msg *entity.Message) {
	if b.Messages == nil {
		b.Messages = make(map[string]*entity.Message)
	}
	b.Messages[msg.ID] = msg
}

func (b *Batch) DeleteMessage(id string) {
	if b.Messages == nil {
		b.Messages = make(map[string]*entity.Message)
	}
	b.Messages[id] = nil
}

func (b *Batch) ClobberAccount(id string, clobber AccountClobber) {
	if b.AtomicClobbers.Accounts == nil {
		b.AtomicClobbers.Accounts = make(map[string]AccountClobber)
	}
	b.AtomicClobbers.Accounts[id] = b.AtomicClobbers.Accounts[id].merge(clobber)
}

func (b *Batch) ClobberFolder(id string, clobber FolderClobber) {
	if b.AtomicClobbers.Folders == nil {
		b.AtomicClobbers.Folders = make(map[string]FolderClobber)
	}
	b.AtomicClobbers.Folders[id] = b.AtomicClobbers.Folders[id].merge(clobber)
}

// SetSyncState stores a raw sync state; nil deletes it.
func (b *Batch) SetSyncState(key string, raw []byte) {
	if b.SyncStates == nil {
		b.SyncStates = make(map[string][]byte)
	}
	b.SyncStates[key] = raw
}

// SetTask stores a persisted task row; nil deletes it.
func (b *Batch) SetTask(id string, raw []byte) {
	if b.Tasks == nil {
		b.Tasks = make(map[string][]byte)
	}
	b.Tasks[id] = raw
}

func (b *Batch) SetMeta(key string, raw []byte) {
	if b.Meta == nil {
		b.Meta = make(map[string][]byte)
	}
	b.Meta[key] = raw
}

// Merge adds the content of other into b; entries of other win over the ones already in b.
func (b *Batch) Merge(other *Batch) {
	if other == nil {
		return
	}
	b.NewAccounts = append(b.NewAccounts, other.NewAccounts...)
	b.NewFolders = append(b.NewFolders, other.NewFolders...)
	b.NewConversations = append(b.NewConversations, other.NewConversations...)
	b.NewMessages = append(b.NewMessages, other.NewMessages...)
	for id, account := range other.Accounts {
		if b.Accounts == nil {
			b.Accounts = make(map[string]*entity.Account)
		}
		b.Accounts[id] = account
	}
	for id, folder := range other.Folders {
		if b.Folders == nil {
			b.Folders = make(map[string]*entity.Folder)
		}
		b.Folders[id] = folder
	}
	for id, conv := range other.Conversations {
		if b.Conversations == nil {
			b.Conversations = make(map[string]*entity.Conversation)
		}
		b.Conversations[id] = conv
	}
	for id, msg := range other.Messages {
		if b.Messages == nil {
			b.Messages = make(map[string]*entity.Message)
		}
		b.Messages[id] = msg
	}
	b.AtomicDeltas.merge(other.AtomicDeltas)
	for id, clobber := range other.AtomicClobbers.Accounts {
		b.ClobberAccount(id, clobber)
	}
	for id, clobber := range other.AtomicClobbers.Folders {
		b.ClobberFolder(id, clobber)
	}
	for key, raw := range other.SyncStates {
		b.SetSyncState(key, raw)
	}
	for id, raw := range other.Tasks {
		b.SetTask(id, raw)
	}
	for key, raw := range other.Meta {
		b.SetMeta(key, raw)
	}
}

func (b *Batch) IsEmpty() bool {
	return len(b.NewAccounts) == 0 && len(b.NewFolders) == 0 && len(b.NewConversations) == 0 && len(b.NewMessages) == 0 &&
		len(b.Accounts) == 0 && len(b.Folders) == 0 && len(b.Conversations) == 0 && len(b.Messages) == 0 &&
		b.AtomicDeltas.isEmpty() && b.AtomicClobbers.isEmpty() &&
		len(b.SyncStates) == 0 && len(b.Tasks) == 0 && len(b.Meta) == 0
}
