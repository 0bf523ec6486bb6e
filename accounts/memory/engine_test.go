package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverURL = "memory://calendar"

var day = time.Date(2022, 10, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, events int) (*Engine, *Server, *entity.Account) {
	t.Helper()
	server := NewServerWithLogger("user", "secret", lib.NewTestLogger(t, "server"))
	for i := 1; i <= events; i++ {
		require.NoError(t, server.PutEvent(Event{
			ID:    fmt.Sprintf("event%d", i),
			Title: fmt.Sprintf("meeting %d", i),
			Start: day.Add(time.Duration(i) * time.Hour),
		}))
	}
	engine := NewEngine(WithPageSize(2))
	engine.AddServer(serverURL, server)
	acct := &entity.Account{
		ID:          "0",
		Type:        entity.TypeCalendar,
		Credentials: entity.Credentials{Username: "user", Password: "secret"},
		ConnInfo:    entity.ConnInfo{ServerURL: serverURL},
	}
	return engine, server, acct
}

func calendarFolder() *entity.Folder {
	return &entity.Folder{ID: "0.0", ServerPath: DefaultCalendar, Type: entity.FolderCalendar}
}

func syncOnce(t *testing.T, engine *Engine, acct *entity.Account, raw []byte) (*account.SyncResult, error) {
	t.Helper()
	conn, err := engine.Probe(context.Background(), acct)
	require.NoError(t, err)
	defer conn.Close()
	return engine.SyncFolder(context.Background(), conn, account.SyncRequest{
		AccountID: acct.ID,
		Folder:    calendarFolder(),
		RawState:  raw,
		Why:       "test",
	})
}

func decodeSync(t *testing.T, raw []byte) syncstate.ConversationSync {
	t.Helper()
	sync := syncstate.ConversationSync{}
	require.NoError(t, json.Unmarshal(raw, &sync))
	return sync
}

func TestProbe(t *testing.T) {
	engine, _, acct := newTestEngine(t, 0)

	conn, err := engine.Probe(context.Background(), acct)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	acct.Credentials.Password = "wrong"
	_, err = engine.Probe(context.Background(), acct)
	assert.ErrorIs(t, err, lib.ErrUnauthorized)

	acct.ConnInfo.ServerURL = "memory://nowhere"
	_, err = engine.Probe(context.Background(), acct)
	assert.ErrorIs(t, err, lib.ErrConnection)
}

func TestListFolders(t *testing.T) {
	engine, server, acct := newTestEngine(t, 0)
	server.AddCalendar("work")

	conn, err := engine.Probe(context.Background(), acct)
	require.NoError(t, err)
	infos, err := engine.ListFolders(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, DefaultCalendar, infos[0].Name)
	assert.Equal(t, "work", infos[1].Name)
	assert.Equal(t, entity.FolderCalendar, engine.NormalizeFolder(infos[1]).Type)
}

func TestSyncPagesThroughChanges(t *testing.T) {
	engine, server, acct := newTestEngine(t, 5)

	result, err := syncOnce(t, engine, acct, nil)
	require.NoError(t, err)
	require.Len(t, result.Tasks, 5)
	for index, raw := range result.Tasks {
		assert.Equal(t, syncstate.TypeSyncConv, raw.Type)
		sync := decodeSync(t, raw.Args)
		assert.Equal(t, fmt.Sprintf("event%d", index+1), sync.ConvKey)
		require.Len(t, sync.Upserts, 1)
	}

	// nothing changed
	again, err := syncOnce(t, engine, acct, result.State)
	require.NoError(t, err)
	assert.Empty(t, again.Tasks)

	require.NoError(t, server.PutEvent(Event{ID: "event2", Title: "moved", Start: day}))
	require.NoError(t, server.DeleteEvent(DefaultCalendar, "event3"))
	changed, err := syncOnce(t, engine, acct, again.State)
	require.NoError(t, err)
	require.Len(t, changed.Tasks, 2)
	moved := decodeSync(t, changed.Tasks[0].Args)
	assert.Equal(t, "moved", moved.Upserts[0].Subject)
	deleted := decodeSync(t, changed.Tasks[1].Args)
	assert.Equal(t, []string{"event3"}, deleted.Removals)
}

func TestReplayingCursorGivesSameTasks(t *testing.T) {
	engine, _, acct := newTestEngine(t, 3)

	first, err := syncOnce(t, engine, acct, nil)
	require.NoError(t, err)
	second, err := syncOnce(t, engine, acct, nil)
	require.NoError(t, err)
	require.Len(t, second.Tasks, len(first.Tasks))
	for index := range first.Tasks {
		assert.Equal(t, first.Tasks[index].ID, second.Tasks[index].ID)
	}
}

func TestUnauthorizedMidSync(t *testing.T) {
	engine, server, acct := newTestEngine(t, 5)
	server.RotatePasswordAfter(1, "fresh")

	result, err := syncOnce(t, engine, acct, nil)
	assert.ErrorIs(t, err, lib.ErrUnauthorized)
	assert.Nil(t, result)

	acct.Credentials.Password = "fresh"
	result, err = syncOnce(t, engine, acct, nil)
	require.NoError(t, err)
	assert.Len(t, result.Tasks, 5)
}

func TestHorizon(t *testing.T) {
	engine, _, acct := newTestEngine(t, 4)
	engine.horizon = day.Add(150 * time.Minute)

	result, err := syncOnce(t, engine, acct, nil)
	require.NoError(t, err)
	assert.Len(t, result.Tasks, 2)
}

func TestSyncCarriesPriority(t *testing.T) {
	engine, server, acct := newTestEngine(t, 2)
	conn, err := engine.Probe(context.Background(), acct)
	require.NoError(t, err)
	defer conn.Close()

	request := account.SyncRequest{
		AccountID:    acct.ID,
		Folder:       calendarFolder(),
		Why:          "view",
		PriorityTags: []string{"view:0.0"},
	}
	result, err := engine.SyncFolder(context.Background(), conn, request)
	require.NoError(t, err)
	require.NoError(t, server.DeleteEvent(DefaultCalendar, "event1"))
	request.RawState = result.State
	removed, err := engine.SyncFolder(context.Background(), conn, request)
	require.NoError(t, err)

	tasks := append(result.Tasks, removed.Tasks...)
	require.Len(t, tasks, 3)
	for _, raw := range tasks {
		assert.Equal(t, []string{"view:0.0"}, decodeSync(t, raw.Args).PriorityTags)
	}
}
