package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/accounts/memory"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/store"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/creativeprojects/mailsync/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverURL = "memory://calendar"

var day = time.Date(2022, 10, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	db       *store.DB
	tasks    *task.Manager
	accounts *account.Manager
	server   *memory.Server
}

func newTestEnv(t *testing.T, events int) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)

	server := memory.NewServerWithLogger("user", "secret", lib.NewTestLogger(t, "server"))
	for i := 1; i <= events; i++ {
		require.NoError(t, server.PutEvent(memory.Event{
			ID:    fmt.Sprintf("event%d", i),
			Title: fmt.Sprintf("meeting %d", i),
			Start: day.Add(time.Duration(i) * time.Hour),
		}))
	}
	engine := memory.NewEngine(memory.WithPageSize(2))
	engine.AddServer(serverURL, server)

	manager := task.NewManager(db, task.Config{Workers: 2})
	accounts := account.NewManager(db, account.NewRegistry(engine), manager, nil)
	manager.Register(Definitions(accounts)...)
	manager.SetFailureHandler(accounts.FailureBatch)
	require.NoError(t, accounts.Start())
	require.NoError(t, manager.Start(context.Background()))

	t.Cleanup(func() {
		manager.Stop()
		_ = accounts.Close()
		_ = db.Close()
	})
	return &testEnv{
		db:       db,
		tasks:    manager,
		accounts: accounts,
		server:   server,
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (e *testEnv) createAccount(t *testing.T) string {
	t.Helper()
	ctx := testContext(t)
	raw, err := CreateAccount(AccountCreateArgs{
		Name:        "calendar",
		Type:        entity.TypeCalendar,
		Credentials: entity.Credentials{Username: "user", Password: "secret"},
		ConnInfo:    entity.ConnInfo{ServerURL: serverURL},
	})
	require.NoError(t, err)
	result, err := e.tasks.ScheduleAndWait(ctx, raw)
	require.NoError(t, err)
	require.NoError(t, e.tasks.WaitIdle(ctx))
	return result.(string)
}

// refresh schedules a sync_refresh of the folder and waits for its group to settle.
func (e *testEnv) refresh(t *testing.T, folderID string) {
	t.Helper()
	ctx := testContext(t)
	raw, err := SyncRefresh(folderID, "test")
	require.NoError(t, err)
	result, err := e.tasks.ScheduleAndWait(ctx, raw)
	require.NoError(t, err)
	done, ok := result.(<-chan struct{})
	require.True(t, ok, "unexpected plan result %T", result)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("refresh did not settle")
	}
}

func (e *testEnv) folderIDs(t *testing.T, accountID string) []string {
	t.Helper()
	folders, err := e.db.ListFolders(accountID)
	require.NoError(t, err)
	ids := make([]string, len(folders))
	for index, folder := range folders {
		ids[index] = folder.ID
	}
	return ids
}

func TestCreateAccount(t *testing.T) {
	env := newTestEnv(t, 0)
	env.server.AddCalendar("work")

	accountID := env.createAccount(t)
	assert.Equal(t, "0", accountID)

	stored, err := env.db.ReadAccount(accountID)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.NotEmpty(t, stored.Tag)
	assert.Equal(t, int64(2), stored.FolderCount)
	assert.ElementsMatch(t, []string{"0.0", "0.1"}, env.folderIDs(t, accountID))

	essential, err := env.db.ReadFolder("0.0")
	require.NoError(t, err)
	assert.Equal(t, entity.FolderCalendar, essential.Type)

	// same server and user
	assert.Equal(t, accountID, env.createAccount(t))
	accounts, err := env.db.ListAccounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestCreateAccountOfUnknownType(t *testing.T) {
	env := newTestEnv(t, 0)
	raw, err := CreateAccount(AccountCreateArgs{Name: "mail", Type: entity.TypeIMAP})
	require.NoError(t, err)
	_, err = env.tasks.ScheduleAndWait(testContext(t), raw)
	assert.ErrorIs(t, err, lib.ErrUnknownAccountType)
}

func TestSyncFolderListFollowsServer(t *testing.T) {
	env := newTestEnv(t, 0)
	env.server.AddCalendar("work")
	accountID := env.createAccount(t)

	env.server.DeleteCalendar("work")
	env.server.AddCalendar("home")
	raw, err := SyncFolderList(accountID)
	require.NoError(t, err)
	ids, err := env.tasks.Schedule(testContext(t), raw)
	require.NoError(t, err)
	_, err = env.tasks.WaitForTasks(testContext(t), ids...)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0.0", "0.2"}, env.folderIDs(t, accountID))

	rawState, err := env.db.ReadSyncState(accountID)
	require.NoError(t, err)
	state, err := syncstate.LoadAccountState(rawState)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.NextFolderNum)
	assert.Equal(t, map[string]string{"calendar": "0.0", "home": "0.2"}, state.FolderServerPaths)
}

func TestRefreshIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 3)
	accountID := env.createAccount(t)
	folderID := lib.FolderID(accountID, 0)

	env.refresh(t, folderID)
	refs, err := env.db.LoadFolderMessageIDs(folderID)
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	folder, err := env.db.ReadFolder(folderID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), folder.LocalMessageCount)
	assert.False(t, folder.LastSyncedAt.IsZero())

	env.refresh(t, folderID)
	refs, err = env.db.LoadFolderMessageIDs(folderID)
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	require.NoError(t, env.server.DeleteEvent(memory.DefaultCalendar, "event2"))
	env.refresh(t, folderID)
	folder, err = env.db.ReadFolder(folderID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), folder.LocalMessageCount)
	_, err = env.db.ReadConversation(lib.ConversationID(accountID, "event2"))
	assert.ErrorIs(t, err, lib.ErrNotFound)
}

func TestRefreshFailureRecordsProblem(t *testing.T) {
	env := newTestEnv(t, 3)
	accountID := env.createAccount(t)
	folderID := lib.FolderID(accountID, 0)

	env.server.RotatePasswordAfter(1, "fresh")
	env.refresh(t, folderID)

	stored, err := env.db.ReadAccount(accountID)
	require.NoError(t, err)
	assert.True(t, stored.Problems.Has(entity.ProblemCredentials))
	assert.False(t, env.tasks.Available(task.CredentialsResource(accountID)))

	rawState, err := env.db.ReadSyncState(folderID)
	require.NoError(t, err)
	state, err := syncstate.LoadFolderState(rawState)
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedSyncs)
	refs, err := env.db.LoadFolderMessageIDs(folderID)
	require.NoError(t, err)
	assert.Empty(t, refs)

	credentials := entity.Credentials{Username: "user", Password: "fresh"}
	raw, err := ModifyAccount(accountID, AccountModifyArgs{Credentials: &credentials})
	require.NoError(t, err)
	_, err = env.tasks.ScheduleAndWait(testContext(t), raw)
	require.NoError(t, err)
	assert.True(t, env.tasks.Available(task.CredentialsResource(accountID)))

	env.refresh(t, folderID)
	refs, err = env.db.LoadFolderMessageIDs(folderID)
	require.NoError(t, err)
	assert.Len(t, refs, 3)

	rawState, err = env.db.ReadSyncState(folderID)
	require.NoError(t, err)
	state, err = syncstate.LoadFolderState(rawState)
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedSyncs)
}

func TestFolderIDsAreNeverReused(t *testing.T) {
	env := newTestEnv(t, 0)
	env.server.AddCalendar("work")
	accountID := env.createAccount(t)

	raw, err := DeleteFolder("0.1")
	require.NoError(t, err)
	ids, err := env.tasks.Schedule(testContext(t), raw)
	require.NoError(t, err)
	_, err = env.tasks.WaitForTasks(testContext(t), ids...)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.0"}, env.folderIDs(t, accountID))

	// the server still has it: the next folder list sync gets it back with a new id
	raw, err = SyncFolderList(accountID)
	require.NoError(t, err)
	ids, err = env.tasks.Schedule(testContext(t), raw)
	require.NoError(t, err)
	_, err = env.tasks.WaitForTasks(testContext(t), ids...)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0.0", "0.2"}, env.folderIDs(t, accountID))
}

func TestSyncConvMergesFolders(t *testing.T) {
	env := newTestEnv(t, 0)
	env.server.AddCalendar("work")
	accountID := env.createAccount(t)

	info := syncstate.MessageInfo{Key: "m1", UID: "1", Date: day, Subject: "hello"}
	schedule := func(sync syncstate.ConversationSync) {
		raw, err := task.NewRaw(TypeSyncConv, accountID, sync)
		require.NoError(t, err)
		ids, err := env.tasks.Schedule(testContext(t), raw)
		require.NoError(t, err)
		_, err = env.tasks.WaitForTasks(testContext(t), ids...)
		require.NoError(t, err)
	}
	schedule(syncstate.ConversationSync{FolderID: "0.0", ConvKey: "c", Upserts: []syncstate.MessageInfo{info}})
	schedule(syncstate.ConversationSync{FolderID: "0.0", ConvKey: "c", Upserts: []syncstate.MessageInfo{info}})
	schedule(syncstate.ConversationSync{FolderID: "0.1", ConvKey: "c", Upserts: []syncstate.MessageInfo{info}})

	messageID := lib.MessageID(lib.ConversationID(accountID, "c"), "m1", "1")
	msg, err := env.db.ReadMessage(messageID)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.0", "0.1"}, msg.FolderIDs)

	schedule(syncstate.ConversationSync{FolderID: "0.0", ConvKey: "c", Removals: []string{"m1"}})
	msg, err = env.db.ReadMessage(messageID)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.1"}, msg.FolderIDs)

	schedule(syncstate.ConversationSync{FolderID: "0.1", ConvKey: "c", Removals: []string{"m1"}})
	_, err = env.db.ReadMessage(messageID)
	assert.ErrorIs(t, err, lib.ErrNotFound)

	for _, folderID := range []string{"0.0", "0.1"} {
		folder, err := env.db.ReadFolder(folderID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), folder.LocalMessageCount)
	}
}

func TestSyncConvPlannedWithPriorityTags(t *testing.T) {
	sync := syncstate.ConversationSync{FolderID: "0.1", ConvKey: "c", PriorityTags: []string{ViewTag("0.1")}}
	raw, err := task.NewRaw(TypeSyncConv, "0", sync)
	require.NoError(t, err)

	result, err := (&syncConv{}).Plan(nil, &task.Task{Type: raw.Type, AccountID: raw.AccountID, Args: raw.Args})
	require.NoError(t, err)
	require.NotNil(t, result.Planned)
	assert.Equal(t, "0", result.Planned.AccountID)
	assert.Equal(t, []string{ViewTag("0.1")}, result.Planned.PriorityTags)
}
