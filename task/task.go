package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/creativeprojects/mailsync/store"
)

type State string

const (
	StateQueued    State = "queued"
	StatePlanning  State = "planning"
	StatePlanned   State = "planned"
	StateBlocked   State = "blocked"
	StateExecuting State = "executing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Well known resources. Account resources are suffixed with "!<accountId>".
const (
	ResourceOnline      = "online"
	ResourceCredentials = "credentials"
	ResourceHappy       = "happy"
)

func CredentialsResource(accountID string) string {
	return ResourceCredentials + "!" + accountID
}

func HappyResource(accountID string) string {
	return ResourceHappy + "!" + accountID
}

// AccountResources are the resources every network task of an account needs.
func AccountResources(accountID string) []string {
	return []string{ResourceOnline, CredentialsResource(accountID), HappyResource(accountID)}
}

// RawTask is a request for work, as scheduled. ID is optional: a deterministic id
// makes scheduling the same work twice a no-op while the first one is still pending.
type RawTask struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	AccountID string          `json:"accountId,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Groups    []string        `json:"groups,omitempty"`
}

// NewRaw marshals args into a raw task.
func NewRaw(taskType, accountID string, args any) (RawTask, error) {
	raw := RawTask{
		Type:      taskType,
		AccountID: accountID,
	}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return raw, fmt.Errorf("cannot encode arguments of %s task: %w", taskType, err)
		}
		raw.Args = data
	}
	return raw, nil
}

// Task is the persisted form of a task, raw or planned.
type Task struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	AccountID    string          `json:"accountId,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	State        State           `json:"state"`
	Resources    []string        `json:"resources,omitempty"`
	PriorityTags []string        `json:"priorityTags,omitempty"`
	Groups       []string        `json:"groups,omitempty"`
	Seq          uint64          `json:"seq"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	Error        string          `json:"error,omitempty"`
}

// DecodeArgs unmarshals the task arguments into v. Empty arguments leave v untouched.
func (t *Task) DecodeArgs(v any) error {
	if len(t.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Args, v); err != nil {
		return fmt.Errorf("invalid arguments for %s task %s: %w", t.Type, t.ID, err)
	}
	return nil
}

func (t *Task) clone() *Task {
	clone := *t
	clone.Args = append(json.RawMessage(nil), t.Args...)
	clone.Resources = append([]string(nil), t.Resources...)
	clone.PriorityTags = append([]string(nil), t.PriorityTags...)
	clone.Groups = append([]string(nil), t.Groups...)
	return &clone
}

func (t *Task) row() ([]byte, error) {
	return json.Marshal(t)
}

// Definition implements one task type. Plan only reads and writes the local store and must be
// idempotent. Execute does the network work.
type Definition interface {
	Name() string
	Plan(ctx *Context, task *Task) (*PlanResult, error)
	Execute(ctx *Context, task *Task) (*ExecuteResult, error)
}

// AtMostOnce is implemented by definitions merging a new task into a pending one with the same key.
type AtMostOnce interface {
	AtMostOnceKey(task *Task) string
}

// PlanResult with a nil Planned means the task completed during planning.
type PlanResult struct {
	Planned *Planned
	// RemainInProgressUntil keeps the task (and its groups) in progress after it completed
	RemainInProgressUntil <-chan struct{}
	// Result is returned to ScheduleAndWait callers
	Result any
	// Batch is committed together with the planned task row
	Batch *store.Batch
}

// Planned resolves the resources and priority of the task. Non empty AccountID and Args
// replace the values of the raw task.
type Planned struct {
	Resources    []string
	PriorityTags []string
	AccountID    string
	Args         json.RawMessage
}

// ExecuteResult is committed atomically with the removal of the task row. When Execute returns
// an error the Batch is still committed but NewTasks are dropped.
type ExecuteResult struct {
	Batch    *store.Batch
	NewTasks []RawTask
	Result   any
}
