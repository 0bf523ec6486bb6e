package universe

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/accounts/memory"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/creativeprojects/mailsync/tasks"
	"github.com/creativeprojects/mailsync/toc"
	"github.com/emersion/go-maildir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverURL = "memory://calendar"

var day = time.Date(2022, 10, 1, 9, 0, 0, 0, time.UTC)

// mirror keeps the window of a view up to date from the listener calls.
type mirror struct {
	mu     sync.Mutex
	ids    []string
	seeked int
	meta   toc.Meta
}

func (m *mirror) Seeked(items []toc.Item, meta toc.Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeked++
	m.meta = meta
	m.ids = m.ids[:0]
	for _, item := range items {
		m.ids = append(m.ids, item.ID)
	}
}

func (m *mirror) Added(item toc.Item, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, "")
	copy(m.ids[index+1:], m.ids[index:])
	m.ids[index] = item.ID
}

func (m *mirror) Changed(item toc.Item, index int) {}

func (m *mirror) Removed(id string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids[:index], m.ids[index+1:]...)
}

func (m *mirror) MetaChanged(meta toc.Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = meta
}

func (m *mirror) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.ids...)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openTestUniverse(t *testing.T, engines ...account.Engine) *Universe {
	t.Helper()
	u, err := Open(Config{
		Database:    filepath.Join(t.TempDir(), "universe.db"),
		Workers:     4,
		DebugLogger: lib.NewTestLogger(t, "debug"),
		Engines:     engines,
	})
	require.NoError(t, err)
	require.NoError(t, u.Start(context.Background()))
	t.Cleanup(func() {
		_ = u.Close()
	})
	return u
}

func eventID(accountID, id string) string {
	convID := lib.ConversationID(accountID, id)
	return lib.MessageID(convID, id, id)
}

func createCalendarAccount(t *testing.T, u *Universe) string {
	t.Helper()
	ctx := testContext(t)
	accountID, err := u.CreateAccount(ctx, tasks.AccountCreateArgs{
		Name:        "calendar",
		Type:        entity.TypeCalendar,
		Credentials: entity.Credentials{Username: "user", Password: "secret"},
		ConnInfo:    entity.ConnInfo{ServerURL: serverURL},
	})
	require.NoError(t, err)
	require.NoError(t, u.Tasks().WaitIdle(ctx))
	return accountID
}

func TestEventsListedByStartDate(t *testing.T) {
	server := memory.NewServerWithLogger("user", "secret", lib.NewTestLogger(t, "server"))
	for _, event := range []memory.Event{
		{ID: "event3", Title: "third", Start: day.Add(time.Hour)},
		{ID: "event1", Title: "first", Start: day.Add(3 * time.Hour)},
		{ID: "event4", Title: "fourth", Start: day.Add(time.Hour)},
		{ID: "event2", Title: "second", Start: day.Add(2 * time.Hour)},
	} {
		require.NoError(t, server.PutEvent(event))
	}
	engine := memory.NewEngine(memory.WithPageSize(2))
	engine.AddServer(serverURL, server)
	u := openTestUniverse(t, engine)
	ctx := testContext(t)

	accountID := createCalendarAccount(t, u)
	list, err := u.SyncFolderList(ctx, accountID)
	require.NoError(t, err)
	require.NotNil(t, list)

	listener := &mirror{}
	view, err := u.ViewFolder(ctx, lib.FolderID(accountID, 0), nil, listener)
	require.NoError(t, err)
	defer view.Release()

	require.NoError(t, view.Refresh(ctx))
	view.SeekToTop(10, 990)

	expected := []string{
		eventID(accountID, "event3"),
		eventID(accountID, "event4"),
		eventID(accountID, "event2"),
		eventID(accountID, "event1"),
	}
	assert.Equal(t, expected, listener.snapshot())
	assert.Equal(t, 4, view.Meta().Count)
	assert.False(t, view.Meta().LastSyncedAt.IsZero())
}

func TestUnauthorizedMidSyncKeepsSnapshot(t *testing.T) {
	server := memory.NewServerWithLogger("user", "secret", lib.NewTestLogger(t, "server"))
	for i := 1; i <= 4; i++ {
		require.NoError(t, server.PutEvent(memory.Event{
			ID:    fmt.Sprintf("event%d", i),
			Start: day.Add(time.Duration(i) * time.Hour),
		}))
	}
	engine := memory.NewEngine(memory.WithPageSize(2))
	engine.AddServer(serverURL, server)
	u := openTestUniverse(t, engine)
	ctx := testContext(t)

	accountID := createCalendarAccount(t, u)
	folderID := lib.FolderID(accountID, 0)
	listener := &mirror{}
	view, err := u.ViewFolder(ctx, folderID, nil, listener)
	require.NoError(t, err)
	defer view.Release()
	view.SeekToTop(10, 990)
	require.NoError(t, view.Refresh(ctx))
	before := listener.snapshot()
	require.Len(t, before, 4)

	// three more events need two pages: the password changes after the first one
	for i := 5; i <= 7; i++ {
		require.NoError(t, server.PutEvent(memory.Event{
			ID:    fmt.Sprintf("event%d", i),
			Start: day.Add(time.Duration(i) * time.Hour),
		}))
	}
	server.RotatePasswordAfter(1, "fresh")
	require.NoError(t, view.Refresh(ctx))

	stored, err := u.DB().ReadAccount(accountID)
	require.NoError(t, err)
	assert.True(t, stored.Problems.Has(entity.ProblemCredentials))
	assert.Equal(t, before, listener.snapshot())

	credentials := entity.Credentials{Username: "user", Password: "fresh"}
	require.NoError(t, u.ModifyAccount(ctx, accountID, tasks.AccountModifyArgs{Credentials: &credentials}))
	stored, err = u.DB().ReadAccount(accountID)
	require.NoError(t, err)
	assert.Empty(t, stored.Problems)

	require.NoError(t, view.Refresh(ctx))
	after := listener.snapshot()
	require.Len(t, after, 7)
	seen := make(map[string]bool)
	for _, id := range after {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	assert.Equal(t, 7, view.Meta().Count)

	raw, err := u.DB().ReadSyncState(folderID)
	require.NoError(t, err)
	state, err := syncstate.LoadFolderState(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedSyncs)
}

// trackingEngine records how many folder syncs of one account run at the same time.
type trackingEngine struct {
	account.Engine
	inFlight int32
	max      int32
}

func (e *trackingEngine) SyncFolder(ctx context.Context, conn account.Conn, request account.SyncRequest) (*account.SyncResult, error) {
	current := atomic.AddInt32(&e.inFlight, 1)
	defer atomic.AddInt32(&e.inFlight, -1)
	for {
		max := atomic.LoadInt32(&e.max)
		if current <= max || atomic.CompareAndSwapInt32(&e.max, max, current) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return e.Engine.SyncFolder(ctx, conn, request)
}

func TestSyncStateAccessIsSerialized(t *testing.T) {
	server := memory.NewServerWithLogger("user", "secret", lib.NewTestLogger(t, "server"))
	server.AddCalendar("work")
	server.AddCalendar("home")
	for i := 1; i <= 3; i++ {
		for _, calendar := range []string{memory.DefaultCalendar, "work", "home"} {
			require.NoError(t, server.PutEvent(memory.Event{
				ID:       fmt.Sprintf("%s%d", calendar, i),
				Calendar: calendar,
				Start:    day.Add(time.Duration(i) * time.Hour),
			}))
		}
	}
	inner := memory.NewEngine()
	inner.AddServer(serverURL, server)
	engine := &trackingEngine{Engine: inner}
	u := openTestUniverse(t, engine)
	ctx := testContext(t)

	accountID := createCalendarAccount(t, u)
	folders, err := u.DB().ListFolders(accountID)
	require.NoError(t, err)
	require.Len(t, folders, 3)

	waits := make([]<-chan struct{}, 0, len(folders))
	for _, folder := range folders {
		settled, err := u.RefreshFolder(ctx, folder.ID, "test")
		require.NoError(t, err)
		waits = append(waits, settled)
	}
	for _, settled := range waits {
		select {
		case <-settled:
		case <-ctx.Done():
			t.Fatal("refresh did not settle")
		}
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&engine.max))

	for _, folder := range folders {
		refs, err := u.DB().LoadFolderMessageIDs(folder.ID)
		require.NoError(t, err)
		assert.Len(t, refs, 3, folder.Path)
	}
}

func TestScheduledRefresh(t *testing.T) {
	server := memory.NewServerWithLogger("user", "secret", lib.NewTestLogger(t, "server"))
	engine := memory.NewEngine()
	engine.AddServer(serverURL, server)
	u := openTestUniverse(t, engine)
	ctx := testContext(t)
	accountID := createCalendarAccount(t, u)
	folderID := lib.FolderID(accountID, 0)

	_, err := u.StartRefresher(ctx, "every minute or so")
	assert.Error(t, err)

	refresher, err := u.StartRefresher(ctx, "@every 1s")
	require.NoError(t, err)
	defer refresher.Stop()

	require.NoError(t, server.PutEvent(memory.Event{ID: "event1", Start: day}))
	assert.Eventually(t, func() bool {
		refs, err := u.DB().LoadFolderMessageIDs(folderID)
		return err == nil && len(refs) == 1
	}, 10*time.Second, 100*time.Millisecond)
}

func TestWatchMaildir(t *testing.T) {
	u := openTestUniverse(t)
	ctx := testContext(t)
	root := t.TempDir()

	accountID, err := u.CreateAccount(ctx, tasks.AccountCreateArgs{
		Name:     "local",
		Type:     entity.TypeMaildir,
		ConnInfo: entity.ConnInfo{Root: root},
	})
	require.NoError(t, err)
	require.NoError(t, u.Tasks().WaitIdle(ctx))
	inboxID := lib.FolderID(accountID, 0)
	inbox, err := u.DB().ReadFolder(inboxID)
	require.NoError(t, err)
	assert.Equal(t, entity.FolderInbox, inbox.Type)

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- u.WatchMaildirs(watchCtx, lib.NewTestLogger(t, "watch"))
	}()
	time.Sleep(200 * time.Millisecond)

	delivery, err := maildir.NewDelivery(filepath.Join(root, inbox.ServerPath))
	require.NoError(t, err)
	_, err = delivery.Write([]byte("From: someone@example.org\r\nSubject: watched\r\nMessage-ID: <watched@example.org>\r\n\r\nhello"))
	require.NoError(t, err)
	require.NoError(t, delivery.Close())

	assert.Eventually(t, func() bool {
		refs, err := u.DB().LoadFolderMessageIDs(inboxID)
		return err == nil && len(refs) == 1
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
