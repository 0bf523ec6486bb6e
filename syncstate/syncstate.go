// Package syncstate holds the helpers shared by the account engines to turn what a server
// reports into store mutations and follow-on tasks. Nothing here does any I/O.
package syncstate

import (
	"encoding/json"
	"fmt"

	"github.com/creativeprojects/mailsync/task"
)

// Load decodes a JSON sync state. A nil state gives the default one.
func Load[T any](raw []byte, defaultState func() T) (T, error) {
	if raw == nil {
		return defaultState(), nil
	}
	var state T
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("invalid sync state: %w", err)
	}
	return state, nil
}

func Marshal[T any](state T) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("cannot encode sync state: %w", err)
	}
	return raw, nil
}

// Scheduler collects the tasks a sync wants to schedule. Tasks have deterministic ids, so
// ingesting the same item twice gives a single task.
type Scheduler struct {
	accountID    string
	priorityTags []string
	seen         map[string]bool
	tasks        []task.RawTask
}

func NewScheduler(accountID string) *Scheduler {
	return &Scheduler{
		accountID: accountID,
		seen:      make(map[string]bool),
	}
}

// SetPriorityTags sets the tags of the sync_conv tasks not given their own.
func (s *Scheduler) SetPriorityTags(tags ...string) {
	s.priorityTags = append([]string(nil), tags...)
}

// Add returns false when a task with the same id was already added.
func (s *Scheduler) Add(raw task.RawTask) bool {
	if raw.AccountID == "" {
		raw.AccountID = s.accountID
	}
	if raw.ID != "" {
		if s.seen[raw.ID] {
			return false
		}
		s.seen[raw.ID] = true
	}
	s.tasks = append(s.tasks, raw)
	return true
}

func (s *Scheduler) Len() int {
	return len(s.tasks)
}

// Tasks returns the tasks in the order they were added.
func (s *Scheduler) Tasks() []task.RawTask {
	return append([]task.RawTask(nil), s.tasks...)
}

// Helper is the state of one sync in progress: it is built from the raw state (nil on first sync)
// and finalized into the new raw state plus the tasks to schedule with it.
type Helper[T any] struct {
	AccountID string
	Why       string
	State     T
	Scheduler *Scheduler
}

func NewHelper[T any](raw []byte, accountID, why string, defaultState func() T) (*Helper[T], error) {
	state, err := Load(raw, defaultState)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	return &Helper[T]{
		AccountID: accountID,
		Why:       why,
		State:     state,
		Scheduler: NewScheduler(accountID),
	}, nil
}

func (h *Helper[T]) Finalize() ([]byte, []task.RawTask, error) {
	raw, err := Marshal(h.State)
	if err != nil {
		return nil, nil, err
	}
	return raw, h.Scheduler.Tasks(), nil
}
