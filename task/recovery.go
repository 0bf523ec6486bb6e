package task

import (
	"fmt"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ExecutionState is what a task was holding when it blew up.
type ExecutionState struct {
	TaskID      string
	TaskType    string
	AccountID   string
	Phase       string
	HeldLocks   []string
	Connections int
}

// Outcome says how to clean up after a panic.
type Outcome struct {
	Err              error
	Fields           logrus.Fields
	ReleaseLocks     []string
	CloseConnections bool
}

// Recover turns a recovered panic into a task failure. It has no side effect.
func Recover(state ExecutionState, value any) Outcome {
	var err error
	if cause, ok := value.(error); ok {
		err = errors.Wrapf(lib.ErrTaskPanic, "%s of %s task %s: %v", state.Phase, state.TaskType, state.TaskID, cause)
	} else {
		err = errors.Wrapf(lib.ErrTaskPanic, "%s of %s task %s: %v", state.Phase, state.TaskType, state.TaskID, value)
	}
	fields := logrus.Fields{
		"task":     state.TaskID,
		"taskType": state.TaskType,
		"phase":    state.Phase,
		"panic":    fmt.Sprint(value),
		"stack":    fmt.Sprintf("%+v", err),
	}
	if state.AccountID != "" {
		fields["account"] = state.AccountID
	}
	return Outcome{
		Err:              err,
		Fields:           fields,
		ReleaseLocks:     append([]string(nil), state.HeldLocks...),
		CloseConnections: state.Connections > 0,
	}
}
