package store

import (
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func seedAccount(t *testing.T, db *DB, folders ...uint64) string {
	t.Helper()
	accountID := lib.AccountID(0)
	batch := NewBatch()
	batch.NewAccounts = append(batch.NewAccounts, &entity.Account{ID: accountID, Type: entity.TypeIMAP, Enabled: true})
	for _, num := range folders {
		batch.NewFolders = append(batch.NewFolders, &entity.Folder{ID: lib.FolderID(accountID, num), Type: entity.FolderNormal})
	}
	require.NoError(t, db.Modify(batch))
	return accountID
}

func testMessage(accountID, conv, key string, date time.Time, folders ...string) *entity.Message {
	return &entity.Message{
		ID:        lib.MessageID(lib.ConversationID(accountID, conv), key, "1"),
		FolderIDs: folders,
		Date:      date,
		Subject:   conv,
	}
}

func TestOpenTwice(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "store.db")
	db, err := Open(filename, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(filename, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestCreateAlreadyExists(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1)

	batch := NewBatch()
	batch.NewFolders = append(batch.NewFolders, &entity.Folder{ID: lib.FolderID(accountID, 1)})
	err := db.Modify(batch)
	assert.ErrorIs(t, err, lib.ErrAlreadyExists)

	batch = NewBatch()
	batch.NewAccounts = append(batch.NewAccounts, &entity.Account{ID: accountID})
	assert.ErrorIs(t, db.Modify(batch), lib.ErrAlreadyExists)

	account, err := db.ReadAccount(accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.FolderCount)
}

func TestFailedBatchLeavesNothing(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1)
	folderID := lib.FolderID(accountID, 1)
	date := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := testMessage(accountID, "a", "1", date, folderID)

	batch := NewBatch()
	batch.NewMessages = append(batch.NewMessages, existing)
	require.NoError(t, db.Modify(batch))

	batch = NewBatch()
	batch.NewMessages = append(batch.NewMessages, testMessage(accountID, "b", "1", date, folderID), existing)
	require.ErrorIs(t, db.Modify(batch), lib.ErrAlreadyExists)

	refs, err := db.LoadFolderMessageIDs(folderID)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
	folder, err := db.ReadFolder(folderID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), folder.LocalMessageCount)
}

func TestReadNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.ReadAccount("9")
	assert.ErrorIs(t, err, lib.ErrNotFound)
	_, err = db.ReadFolder("9.1")
	assert.ErrorIs(t, err, lib.ErrNotFound)
	_, err = db.ReadMessage("9.a.b.1")
	assert.ErrorIs(t, err, lib.ErrNotFound)

	raw, err := db.ReadSyncState("9")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestMessageEvents(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1, 2)
	inbox, archive := lib.FolderID(accountID, 1), lib.FolderID(accountID, 2)
	date := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	events := make([]Event, 0)
	sub := db.Subscribe(func(ev Event) {
		events = append(events, ev)
	}, EventName(KindMessage, Wildcard, Wildcard))
	defer sub.Unsubscribe()

	msg := testMessage(accountID, "a", "1", date, inbox)
	batch := NewBatch()
	batch.SetMessage(msg)
	require.NoError(t, db.Modify(batch))

	moved := msg.Clone()
	moved.FolderIDs = []string{archive}
	batch = NewBatch()
	batch.SetMessage(moved)
	require.NoError(t, db.Modify(batch))

	batch = NewBatch()
	batch.DeleteMessage(msg.ID)
	require.NoError(t, db.Modify(batch))

	require.Len(t, events, 3)
	assert.Equal(t, OpAdd, events[0].Op)
	assert.Equal(t, []string{inbox}, events[0].Added)
	assert.Equal(t, OpChange, events[1].Op)
	assert.Equal(t, []string{archive}, events[1].Added)
	assert.Equal(t, []string{inbox}, events[1].Removed)
	assert.Equal(t, inbox, events[1].PrevMessage().FolderIDs[0])
	assert.Equal(t, OpRemove, events[2].Op)
	assert.Equal(t, []string{archive}, events[2].Removed)
	assert.Nil(t, events[2].NewMessage())
}

func TestConversationIsChurned(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1)
	folderID := lib.FolderID(accountID, 1)
	date := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	first := testMessage(accountID, "a", "1", date, folderID)
	second := testMessage(accountID, "a", "2", date.Add(time.Hour), folderID)
	second.Flags = []string{"\\Seen"}
	batch := NewBatch()
	batch.SetMessage(first)
	batch.SetMessage(second)
	require.NoError(t, db.Modify(batch))

	convID := lib.ConversationID(accountID, "a")
	conv, err := db.ReadConversation(convID)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, conv.MessageIDs)
	assert.Equal(t, 2, conv.MessageCount)
	assert.True(t, conv.HasUnread)
	assert.True(t, second.Date.Equal(conv.Date))

	batch = NewBatch()
	batch.DeleteMessage(first.ID)
	batch.DeleteMessage(second.ID)
	require.NoError(t, db.Modify(batch))
	_, err = db.ReadConversation(convID)
	assert.ErrorIs(t, err, lib.ErrNotFound)
}

func TestDeleteFolderCascade(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1, 2)
	inbox, archive := lib.FolderID(accountID, 1), lib.FolderID(accountID, 2)
	date := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	both := testMessage(accountID, "a", "1", date, inbox, archive)
	only := testMessage(accountID, "b", "1", date, inbox)
	batch := NewBatch()
	batch.NewMessages = append(batch.NewMessages, both, only)
	require.NoError(t, db.Modify(batch))

	batch = NewBatch()
	batch.DeleteFolder(inbox)
	require.NoError(t, db.Modify(batch))

	_, err := db.ReadFolder(inbox)
	assert.ErrorIs(t, err, lib.ErrNotFound)
	_, err = db.ReadMessage(only.ID)
	assert.ErrorIs(t, err, lib.ErrNotFound)
	_, err = db.ReadConversation(lib.ConversationID(accountID, "b"))
	assert.ErrorIs(t, err, lib.ErrNotFound)

	kept, err := db.ReadMessage(both.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{archive}, kept.FolderIDs)

	folder, err := db.ReadFolder(archive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), folder.LocalMessageCount)

	account, err := db.ReadAccount(accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.FolderCount)
}

func TestDeleteAccountCascade(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1)
	batch := NewBatch()
	batch.SetMessage(testMessage(accountID, "a", "1", time.Now(), lib.FolderID(accountID, 1)))
	require.NoError(t, db.Modify(batch))

	batch = NewBatch()
	batch.DeleteAccount(accountID)
	require.NoError(t, db.Modify(batch))

	folders, err := db.ListFolders(accountID)
	require.NoError(t, err)
	assert.Empty(t, folders)
	accounts, err := db.ListAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestClobberKeepsCounters(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1)
	folderID := lib.FolderID(accountID, 1)
	batch := NewBatch()
	batch.SetMessage(testMessage(accountID, "a", "1", time.Now(), folderID))
	require.NoError(t, db.Modify(batch))

	batch = NewBatch()
	batch.SetFolder(&entity.Folder{ID: folderID, Name: "renamed", LocalMessageCount: 42})
	batch.SetAccount(&entity.Account{ID: accountID, Name: "renamed"})
	require.NoError(t, db.Modify(batch))

	folder, err := db.ReadFolder(folderID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", folder.Name)
	assert.Equal(t, int64(1), folder.LocalMessageCount)
	account, err := db.ReadAccount(accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.FolderCount)
}

func TestAtomicClobbers(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1)

	problems := entity.Problems{entity.ProblemCredentials: "401"}
	batch := NewBatch()
	batch.ClobberAccount(accountID, AccountClobber{Problems: &problems})
	synced := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	batch.ClobberFolder(lib.FolderID(accountID, 1), FolderClobber{LastSyncedAt: &synced})
	batch.ClobberFolder("7.1", FolderClobber{LastSyncedAt: &synced})
	require.NoError(t, db.Modify(batch))

	account, err := db.ReadAccount(accountID)
	require.NoError(t, err)
	assert.True(t, account.Problems.Has(entity.ProblemCredentials))
	assert.True(t, account.Enabled)
	folder, err := db.ReadFolder(lib.FolderID(accountID, 1))
	require.NoError(t, err)
	assert.True(t, synced.Equal(folder.LastSyncedAt))
}

func TestRawBuckets(t *testing.T) {
	db := newTestDB(t)
	batch := NewBatch()
	batch.SetSyncState("0", []byte("state"))
	batch.SetTask("t1", []byte("{}"))
	batch.SetMeta("nextAccountNum", SerializeUint64(3))
	require.NoError(t, db.Modify(batch))

	raw, err := db.ReadSyncState("0")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), raw)
	tasks, err := db.ReadTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	meta, err := db.ReadMeta("nextAccountNum")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), DeserializeUint64(meta))

	batch = NewBatch()
	batch.SetTask("t1", nil)
	require.NoError(t, db.Modify(batch))
	tasks, err = db.ReadTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestLocalMessageCountInvariant(t *testing.T) {
	db := newTestDB(t)
	folderNums := []uint64{1, 2, 3, 4}
	accountID := seedAccount(t, db, folderNums...)
	folderIDs := make([]string, 0, len(folderNums))
	for _, num := range folderNums {
		folderIDs = append(folderIDs, lib.FolderID(accountID, num))
	}
	random := rand.New(rand.NewSource(42))
	base := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	randomFolders := func() []string {
		folders := make([]string, 0)
		for _, id := range folderIDs {
			if random.Intn(3) == 0 {
				folders = append(folders, id)
			}
		}
		return folders
	}

	for round := 0; round < 60; round++ {
		batch := NewBatch()
		for i := 0; i < 5; i++ {
			msg := testMessage(accountID, string(rune('a'+random.Intn(5))), string(rune('0'+random.Intn(8))), base.Add(time.Duration(random.Intn(100))*time.Hour))
			switch random.Intn(4) {
			case 0:
				batch.DeleteMessage(msg.ID)
			default:
				msg.FolderIDs = randomFolders()
				batch.SetMessage(msg)
			}
		}
		if round%20 == 19 {
			batch.DeleteFolder(folderIDs[random.Intn(len(folderIDs))])
		}
		require.NoError(t, db.Modify(batch))

		folders, err := db.ListFolders(accountID)
		require.NoError(t, err)
		for _, folder := range folders {
			refs, err := db.LoadFolderMessageIDs(folder.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(len(refs)), folder.LocalMessageCount, "folder %s at round %d", folder.ID, round)
		}
	}
}

func TestSnapshotAndListenHandoff(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1)
	folderID := lib.FolderID(accountID, 1)
	base := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	const total = 200

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			batch := NewBatch()
			batch.SetMessage(testMessage(accountID, "c", lib.EscapeIDComponent(time.Duration(i).String()), base, folderID))
			_ = db.Modify(batch)
		}
	}()

	time.Sleep(time.Millisecond)
	refs, sub, err := db.LoadFolderMessageIDsAndListen(folderID)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, ref := range refs {
		seen[ref.ID]++
	}
	mu := sync.Mutex{}
	sub.Drain(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Op == OpAdd {
			seen[ev.ID]++
		}
	})
	wg.Wait()
	sub.Unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	db := newTestDB(t)
	accountID := seedAccount(t, db, 1)
	count := 0
	sub := db.Subscribe(func(ev Event) {
		count++
	}, EventName(KindFolder, lib.FolderID(accountID, 1), Wildcard))

	synced := time.Now()
	batch := NewBatch()
	batch.ClobberFolder(lib.FolderID(accountID, 1), FolderClobber{LastSyncedAt: &synced})
	require.NoError(t, db.Modify(batch))
	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, db.Modify(batch))
	assert.Equal(t, 1, count)
}

func TestBackup(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 1)
	filename := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, db.Backup(filename))

	backup, err := Open(filename, nil)
	require.NoError(t, err)
	defer backup.Close()
	accounts, err := backup.ListAccounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}
