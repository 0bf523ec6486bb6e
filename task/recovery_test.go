package task

import (
	"errors"
	"testing"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestRecoverFromValue(t *testing.T) {
	state := ExecutionState{
		TaskID:      "t1",
		TaskType:    "sync_refresh",
		AccountID:   "0",
		Phase:       "execute",
		HeldLocks:   []string{"0"},
		Connections: 1,
	}
	outcome := Recover(state, "boom")
	assert.ErrorIs(t, outcome.Err, lib.ErrTaskPanic)
	assert.Contains(t, outcome.Err.Error(), "boom")
	assert.Equal(t, []string{"0"}, outcome.ReleaseLocks)
	assert.True(t, outcome.CloseConnections)
	assert.Equal(t, "0", outcome.Fields["account"])
	assert.Equal(t, "boom", outcome.Fields["panic"])
	assert.Contains(t, outcome.Fields["stack"], "recovery.go")
}

func TestRecoverFromError(t *testing.T) {
	outcome := Recover(ExecutionState{TaskID: "t2", Phase: "plan"}, errors.New("nil pointer"))
	assert.ErrorIs(t, outcome.Err, lib.ErrTaskPanic)
	assert.False(t, outcome.CloseConnections)
	assert.Empty(t, outcome.ReleaseLocks)
	_, found := outcome.Fields["account"]
	assert.False(t, found)
}

func TestRecoverFieldsAreLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	outcome := Recover(ExecutionState{TaskID: "t3", TaskType: "sync_conv", Phase: "execute"}, 42)
	logger.WithFields(outcome.Fields).Error("task panicked")

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, logrus.ErrorLevel, entry.Level)
		assert.Equal(t, "sync_conv", entry.Data["taskType"])
		assert.Equal(t, "42", entry.Data["panic"])
	}
}
