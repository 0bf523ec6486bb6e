package syncstate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cursorState struct {
	SyncToken string            `json:"syncToken"`
	Horizon   time.Time         `json:"horizon"`
	Known     map[string]string `json:"known"`
}

func defaultCursor() cursorState {
	return cursorState{
		Horizon: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Known:   make(map[string]string),
	}
}

func TestLoadDefault(t *testing.T) {
	state, err := Load(nil, defaultCursor)
	require.NoError(t, err)
	assert.Empty(t, state.SyncToken)
	assert.NotNil(t, state.Known)

	_, err = Load([]byte("{"), defaultCursor)
	assert.Error(t, err)
}

func TestHelperRoundTrip(t *testing.T) {
	helper, err := NewHelper(nil, "0", "refresh", defaultCursor)
	require.NoError(t, err)
	helper.State.SyncToken = "42"
	helper.State.Known["event1"] = "etag1"

	added, err := helper.Scheduler.SyncConversation(ConversationSync{FolderID: "0.1", ConvKey: "event1"}, "etag1")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = helper.Scheduler.SyncConversation(ConversationSync{FolderID: "0.1", ConvKey: "event1"}, "etag1")
	require.NoError(t, err)
	assert.False(t, added)
	added, err = helper.Scheduler.SyncConversation(ConversationSync{FolderID: "0.1", ConvKey: "event1"}, "etag2")
	require.NoError(t, err)
	assert.True(t, added)

	raw, tasks, err := helper.Finalize()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, TypeSyncConv, tasks[0].Type)
	assert.Equal(t, "0", tasks[0].AccountID)
	assert.NotEqual(t, tasks[0].ID, tasks[1].ID)

	reloaded, err := NewHelper(raw, "0", "refresh", defaultCursor)
	require.NoError(t, err)
	assert.Equal(t, "42", reloaded.State.SyncToken)
	assert.Equal(t, "etag1", reloaded.State.Known["event1"])
	assert.Equal(t, 0, reloaded.Scheduler.Len())
}

func TestTaskIDsAreDeterministic(t *testing.T) {
	first := NewScheduler("0")
	second := NewScheduler("0")
	_, err := first.SyncConversation(ConversationSync{FolderID: "0.1", ConvKey: "a"}, Revision("1", "seen"))
	require.NoError(t, err)
	_, err = second.SyncConversation(ConversationSync{FolderID: "0.1", ConvKey: "a"}, Revision("1", "seen"))
	require.NoError(t, err)
	assert.Equal(t, first.Tasks()[0].ID, second.Tasks()[0].ID)
}

func TestIssueFolderIDNeverRepeats(t *testing.T) {
	state, err := LoadAccountState(nil)
	require.NoError(t, err)

	issued := make(map[string]bool)
	for round := 0; round < 5; round++ {
		for i := 0; i < 10; i++ {
			id := state.IssueFolderID("3")
			assert.False(t, issued[id], id)
			issued[id] = true
			assert.Equal(t, "3", lib.AccountIDFrom(id))
		}
		// simulate a reload of the account state
		raw, err := Marshal(state)
		require.NoError(t, err)
		state, err = LoadAccountState(raw)
		require.NoError(t, err)
	}
	assert.Len(t, issued, 50)
}

func TestFolderState(t *testing.T) {
	state, err := LoadFolderState(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedSyncs)
	state.FailedSyncs = 2
	raw, err := Marshal(state)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "failedSyncsSinceLastSuccessfulSync")
}

func TestSchedulerPassesPriorityTags(t *testing.T) {
	scheduler := NewScheduler("0")
	scheduler.SetPriorityTags("view:0.1")
	_, err := scheduler.SyncConversation(ConversationSync{FolderID: "0.1", ConvKey: "a"}, "1")
	require.NoError(t, err)
	_, err = scheduler.SyncConversation(ConversationSync{FolderID: "0.1", ConvKey: "b", PriorityTags: []string{"urgent"}}, "1")
	require.NoError(t, err)

	tasks := scheduler.Tasks()
	require.Len(t, tasks, 2)
	expected := [][]string{{"view:0.1"}, {"urgent"}}
	for index, raw := range tasks {
		sync := ConversationSync{}
		require.NoError(t, json.Unmarshal(raw.Args, &sync))
		assert.Equal(t, expected[index], sync.PriorityTags)
	}
}
