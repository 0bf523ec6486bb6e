package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/store"
	"github.com/sirupsen/logrus"
)

const defaultWorkers = 4

type Config struct {
	// Workers is the number of tasks executing at the same time
	Workers int
	Logger  logrus.FieldLogger
}

// FailureHandler returns the mutations to commit along with a failed task: account problems typically.
type FailureHandler func(task *Task, err error) *store.Batch

type entry struct {
	task          *Task
	def           Definition
	groups        []*Group
	atMostOnceKey string
	merged        []*entry

	planned       chan struct{}
	plannedClosed bool
	planResult    any
	remainUntil   <-chan struct{}

	done      chan struct{}
	completed bool
	result    any
	err       error
}

func newEntry(task *Task, def Definition) *entry {
	return &entry{
		task:    task,
		def:     def,
		planned: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Manager plans tasks one at a time, and executes the planned tasks with a pool of workers.
// A task only runs when all its resources are available, and never at the same time as another
// task of the same account.
type Manager struct {
	db      *store.DB
	log     logrus.FieldLogger
	workers int
	locks   *AccountLocks

	mu             sync.Mutex
	defs           map[string]Definition
	failureHandler FailureHandler
	tasks          map[string]*entry
	planQueue      []*entry
	ready          map[string]*entry
	blocked        map[string]*entry
	revoked        map[string]bool
	boosts         map[string]int
	busy           map[string]bool
	running        int
	groups         map[string]*Group
	atMostOnce     map[string]*entry
	seq            uint64
	changed        chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewManager(db *store.DB, config Config) *Manager {
	workers := config.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Manager{
		db:         db,
		log:        lib.FieldLogger(config.Logger),
		workers:    workers,
		locks:      NewAccountLocks(),
		defs:       make(map[string]Definition),
		tasks:      make(map[string]*entry),
		ready:      make(map[string]*entry),
		blocked:    make(map[string]*entry),
		revoked:    make(map[string]bool),
		boosts:     make(map[string]int),
		busy:       make(map[string]bool),
		groups:     make(map[string]*Group),
		atMostOnce: make(map[string]*entry),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
}

func (m *Manager) Register(defs ...Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range defs {
		m.defs[def.Name()] = def
	}
}

func (m *Manager) SetFailureHandler(handler FailureHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureHandler = handler
}

// Locks gives access to the account mutation locks.
func (m *Manager) Locks() *AccountLocks {
	return m.locks
}

// Start reloads the persisted tasks and starts planning and executing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.mu.Unlock()

	rows, err := m.db.ReadTasks()
	if err != nil {
		return fmt.Errorf("cannot load tasks: %w", err)
	}
	reload := make([]*Task, 0, len(rows))
	invalid := store.NewBatch()
	for id, row := range rows {
		task := &Task{}
		if err := json.Unmarshal(row, task); err != nil {
			m.log.WithField("task", id).Warningf("dropping unreadable task: %v", err)
			invalid.SetTask(id, nil)
			continue
		}
		reload = append(reload, task)
	}
	sort.Slice(reload, func(i, j int) bool {
		return reload[i].Seq < reload[j].Seq
	})

	m.mu.Lock()
	for _, task := range reload {
		def, found := m.defs[task.Type]
		if !found {
			m.log.WithField("task", task.ID).Warningf("dropping task of unknown type %q", task.Type)
			invalid.SetTask(task.ID, nil)
			continue
		}
		if _, live := m.tasks[task.ID]; live {
			continue
		}
		if task.Seq > m.seq {
			m.seq = task.Seq
		}
		e := newEntry(task, def)
		for _, label := range task.Groups {
			m.joinLocked(e, m.groupLocked(label))
		}
		m.tasks[task.ID] = e
		switch task.State {
		case StatePlanned, StateBlocked, StateExecuting:
			m.log.WithField("task", task.ID).Debugf("reloading planned %s task", task.Type)
			e.plannedClosed = true
			close(e.planned)
			e.atMostOnceKey = atMostOnceKey(def, task)
			if e.atMostOnceKey != "" {
				m.atMostOnce[e.atMostOnceKey] = e
			}
			m.readyOrBlockLocked(e)
		default:
			task.State = StateQueued
			m.planQueue = append(m.planQueue, e)
		}
	}
	m.mu.Unlock()

	if !invalid.IsEmpty() {
		if err := m.db.Modify(invalid); err != nil {
			m.log.Warningf("cannot remove invalid tasks: %v", err)
		}
	}

	m.wg.Add(1)
	go m.planner()

	m.mu.Lock()
	m.dispatchLocked()
	m.mu.Unlock()
	m.wakePlanner()
	return nil
}

// Stop waits for the executing tasks to return. Pending tasks stay persisted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

// Schedule persists the tasks and queues them for planning. A task with the id of a pending
// task is not scheduled again.
func (m *Manager) Schedule(ctx context.Context, raws ...RawTask) ([]string, error) {
	entries, err := m.schedule(raws)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.task.ID
	}
	return ids, nil
}

// ScheduleAndWait schedules the task and returns the result of its planning.
func (m *Manager) ScheduleAndWait(ctx context.Context, raw RawTask) (any, error) {
	entries, err := m.schedule([]RawTask{raw})
	if err != nil {
		return nil, err
	}
	e := entries[0]
	select {
	case <-e.planned:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.completed && e.err != nil {
		return nil, e.err
	}
	return e.planResult, nil
}

// Run schedules the task and waits for it to complete. It returns the execute result, or the
// plan result for a task without execute phase.
func (m *Manager) Run(ctx context.Context, raw RawTask) (any, error) {
	entries, err := m.schedule([]RawTask{raw})
	if err != nil {
		return nil, err
	}
	e := entries[0]
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.result, e.err
}

// WaitForTasks waits for the tasks to complete and returns their results. Unknown ids are
// considered complete. The error is the first task error.
func (m *Manager) WaitForTasks(ctx context.Context, ids ...string) ([]any, error) {
	results := make([]any, len(ids))
	var firstErr error
	for i, id := range ids {
		m.mu.Lock()
		e := m.tasks[id]
		m.mu.Unlock()
		if e == nil {
			continue
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			return results, ctx.Err()
		}
		results[i] = e.result
		if e.err != nil && firstErr == nil {
			firstErr = e.err
		}
	}
	return results, firstErr
}

// WaitIdle returns once no task is pending.
func (m *Manager) WaitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Revoke makes the resources unavailable. Ready tasks needing them go back to blocked,
// executing tasks are not interrupted.
func (m *Manager) Revoke(resources ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, resource := range resources {
		m.revoked[resource] = true
	}
	for _, e := range m.ready {
		m.readyOrBlockLocked(e)
	}
}

// Provide makes the resources available again and unblocks the tasks waiting for them.
func (m *Manager) Provide(resources ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, resource := range resources {
		delete(m.revoked, resource)
	}
	for _, e := range m.blocked {
		m.readyOrBlockLocked(e)
	}
	m.dispatchLocked()
}

func (m *Manager) Available(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.revoked[resource]
}

// SetPriorityBoosts adds the boosts to the priority tags. A zero boost removes the tag.
func (m *Manager) SetPriorityBoosts(boosts map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tag, boost := range boosts {
		if boost == 0 {
			delete(m.boosts, tag)
			continue
		}
		m.boosts[tag] = boost
	}
}

// EnsureGroup returns the pending group with this label, creating it when needed. A group nobody
// joins never settles.
func (m *Manager) EnsureGroup(label string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupLocked(label)
}

// Group returns nil when no group with this label is pending.
func (m *Manager) Group(label string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[label]
}

// Snapshot returns a copy of the pending tasks in scheduling order.
func (m *Manager) Snapshot() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := make([]Task, 0, len(m.tasks))
	for _, e := range m.tasks {
		tasks = append(tasks, *e.task.clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Seq < tasks[j].Seq
	})
	return tasks
}

func (m *Manager) schedule(raws []RawTask) ([]*entry, error) {
	m.mu.Lock()
	entries, fresh, batch, err := m.prepareLocked(raws, nil)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	err = m.db.Modify(batch)
	m.mu.Lock()
	defer m.wakePlanner()
	defer m.mu.Unlock()
	if err != nil {
		for _, e := range fresh {
			m.completeLocked(e, nil, err)
		}
		return nil, err
	}
	m.planQueue = append(m.planQueue, fresh...)
	return entries, nil
}

// prepareLocked registers the new tasks and returns the batch persisting them. The caller
// must either commit the batch and queue the fresh entries, or complete them with an error.
func (m *Manager) prepareLocked(raws []RawTask, inherited []*Group) (entries, fresh []*entry, batch *store.Batch, err error) {
	for _, raw := range raws {
		if _, found := m.defs[raw.Type]; !found {
			return nil, nil, nil, fmt.Errorf("task type %q: %w", raw.Type, lib.ErrUnknownTaskType)
		}
	}
	batch = store.NewBatch()
	now := time.Now()
	for _, raw := range raws {
		if raw.ID != "" {
			if existing, live := m.tasks[raw.ID]; live {
				// the pending task now also counts for the spawner's groups
				before := len(existing.groups)
				for _, group := range inherited {
					m.joinLocked(existing, group)
				}
				for _, label := range raw.Groups {
					m.joinLocked(existing, m.groupLocked(label))
				}
				if len(existing.groups) > before {
					if row, err := existing.task.row(); err == nil {
						batch.SetTask(existing.task.ID, row)
					}
				}
				entries = append(entries, existing)
				continue
			}
		}
		id := raw.ID
		if id == "" {
			id = lib.NewTaskID()
		}
		m.seq++
		task := &Task{
			ID:         id,
			Type:       raw.Type,
			AccountID:  raw.AccountID,
			Args:       raw.Args,
			State:      StateQueued,
			Seq:        m.seq,
			EnqueuedAt: now,
		}
		e := newEntry(task, m.defs[raw.Type])
		for _, group := range inherited {
			m.joinLocked(e, group)
		}
		for _, label := range raw.Groups {
			m.joinLocked(e, m.groupLocked(label))
		}
		row, err := task.row()
		if err != nil {
			for _, e := range fresh {
				m.completeLocked(e, nil, err)
			}
			return nil, nil, nil, err
		}
		batch.SetTask(id, row)
		m.tasks[id] = e
		entries = append(entries, e)
		fresh = append(fresh, e)
	}
	return entries, fresh, batch, nil
}

func (m *Manager) groupLocked(label string) *Group {
	group, found := m.groups[label]
	if !found {
		group = newGroup(label)
		m.groups[label] = group
	}
	return group
}

func (m *Manager) joinLocked(e *entry, group *Group) {
	for _, existing := range e.groups {
		if existing == group {
			return
		}
	}
	group.join()
	e.groups = append(e.groups, group)
	e.task.Groups = append(e.task.Groups, group.Label)
}

func (m *Manager) trackInGroup(e *entry, label string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, group := range e.groups {
		if group.Label == label {
			return group
		}
	}
	group := m.groupLocked(label)
	m.joinLocked(e, group)
	return group
}

func (m *Manager) wakePlanner() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) planner() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.planQueue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
			case <-m.ctx.Done():
				return
			}
			m.mu.Lock()
		}
		e := m.planQueue[0]
		m.planQueue = m.planQueue[1:]
		m.mu.Unlock()

		if m.ctx.Err() != nil {
			return
		}
		m.plan(e)
	}
}

func atMostOnceKey(def Definition, task *Task) string {
	unique, ok := def.(AtMostOnce)
	if !ok {
		return ""
	}
	key := unique.AtMostOnceKey(task)
	if key == "" {
		return ""
	}
	return task.Type + "!" + key
}

func (m *Manager) plan(e *entry) {
	m.mu.Lock()
	if e.completed {
		m.mu.Unlock()
		return
	}
	key := atMostOnceKey(e.def, e.task)
	if existing := m.atMostOnce[key]; key != "" && existing != nil && existing != e &&
		(existing.task.State == StatePlanned || existing.task.State == StateBlocked) {
		m.mergeLocked(existing, e)
		m.mu.Unlock()
		batch := store.NewBatch()
		batch.SetTask(e.task.ID, nil)
		if err := m.db.Modify(batch); err != nil {
			m.log.WithField("task", e.task.ID).Warningf("cannot remove merged task: %v", err)
		}
		return
	}
	e.atMostOnceKey = key
	e.task.State = StatePlanning
	task := e.task.clone()
	m.mu.Unlock()

	ctx := newContext(m.ctx, m, e, "plan")
	var result *PlanResult
	err := m.guard(ctx, func() error {
		var err error
		result, err = e.def.Plan(ctx, task)
		return err
	})
	ctx.release(err != nil)
	if err == nil && result == nil {
		result = &PlanResult{}
	}

	batch := store.NewBatch()
	if err != nil {
		ctx.Log().Warningf("planning failed: %v", err)
		batch.Merge(m.failureBatch(task, err))
		batch.SetTask(task.ID, nil)
		if commitErr := m.db.Modify(batch); commitErr != nil {
			ctx.Log().Errorf("cannot commit failed task: %v", commitErr)
		}
		m.mu.Lock()
		m.completeLocked(e, nil, err)
		m.mu.Unlock()
		return
	}

	batch.Merge(result.Batch)
	if result.Planned == nil {
		batch.SetTask(task.ID, nil)
		commitErr := m.db.Modify(batch)
		m.mu.Lock()
		defer m.mu.Unlock()
		if commitErr != nil {
			m.completeLocked(e, nil, commitErr)
			return
		}
		e.planResult = result.Result
		e.remainUntil = result.RemainInProgressUntil
		m.closePlannedLocked(e)
		m.finishLocked(e, result.Result, nil)
		return
	}

	m.mu.Lock()
	planned := result.Planned
	e.task.Resources = append([]string(nil), planned.Resources...)
	e.task.PriorityTags = append([]string(nil), planned.PriorityTags...)
	if planned.AccountID != "" {
		e.task.AccountID = planned.AccountID
	}
	if len(planned.Args) > 0 {
		e.task.Args = planned.Args
	}
	e.task.State = StatePlanned
	row, err := e.task.row()
	m.mu.Unlock()
	if err != nil {
		m.mu.Lock()
		m.completeLocked(e, nil, err)
		m.mu.Unlock()
		return
	}
	batch.SetTask(task.ID, row)
	commitErr := m.db.Modify(batch)

	m.mu.Lock()
	defer m.mu.Unlock()
	if commitErr != nil {
		m.completeLocked(e, nil, commitErr)
		return
	}
	e.planResult = result.Result
	e.remainUntil = result.RemainInProgressUntil
	m.closePlannedLocked(e)
	if key != "" {
		m.atMostOnce[key] = e
	}
	m.readyOrBlockLocked(e)
	m.dispatchLocked()
}

func (m *Manager) mergeLocked(existing, e *entry) {
	m.log.WithFields(logrus.Fields{"task": e.task.ID, "into": existing.task.ID}).Debugf("merging %s task", e.task.Type)
	e.task.State = existing.task.State
	e.planResult = existing.planResult
	m.closePlannedLocked(e)
	existing.merged = append(existing.merged, e)
}

func (m *Manager) closePlannedLocked(e *entry) {
	if e.plannedClosed {
		return
	}
	e.plannedClosed = true
	close(e.planned)
}

func (m *Manager) availableLocked(resources []string) bool {
	for _, resource := range resources {
		if m.revoked[resource] {
			return false
		}
	}
	return true
}

func (m *Manager) readyOrBlockLocked(e *entry) {
	if m.availableLocked(e.task.Resources) {
		e.task.State = StatePlanned
		delete(m.blocked, e.task.ID)
		m.ready[e.task.ID] = e
		return
	}
	e.task.State = StateBlocked
	delete(m.ready, e.task.ID)
	m.blocked[e.task.ID] = e
}

func (m *Manager) scoreLocked(e *entry) int {
	score := 0
	for _, tag := range e.task.PriorityTags {
		score += m.boosts[tag]
	}
	return score
}

// nextReadyLocked picks the highest priority ready task of an idle account, the oldest first.
func (m *Manager) nextReadyLocked() *entry {
	var best *entry
	bestScore := 0
	for _, e := range m.ready {
		if e.task.AccountID != "" && m.busy[e.task.AccountID] {
			continue
		}
		score := m.scoreLocked(e)
		if best == nil || score > bestScore || (score == bestScore && e.task.Seq < best.task.Seq) {
			best = e
			bestScore = score
		}
	}
	return best
}

func (m *Manager) dispatchLocked() {
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}
	for m.running < m.workers {
		e := m.nextReadyLocked()
		if e == nil {
			return
		}
		delete(m.ready, e.task.ID)
		if e.atMostOnceKey != "" && m.atMostOnce[e.atMostOnceKey] == e {
			delete(m.atMostOnce, e.atMostOnceKey)
		}
		e.task.State = StateExecuting
		m.running++
		if e.task.AccountID != "" {
			m.busy[e.task.AccountID] = true
		}
		m.wg.Add(1)
		go m.execute(e)
	}
}

func (m *Manager) execute(e *entry) {
	defer m.wg.Done()

	m.mu.Lock()
	task := e.task.clone()
	m.mu.Unlock()

	ctx := newContext(m.ctx, m, e, "execute")
	ctx.Log().Debug("executing")
	var result *ExecuteResult
	err := m.guard(ctx, func() error {
		var err error
		result, err = e.def.Execute(ctx, task)
		return err
	})
	ctx.release(err != nil)

	batch := store.NewBatch()
	if result != nil {
		batch.Merge(result.Batch)
	}
	batch.SetTask(task.ID, nil)

	var fresh []*entry
	if err != nil {
		ctx.Log().Warningf("execution failed: %v", err)
		batch.Merge(m.failureBatch(task, err))
	} else if result != nil && len(result.NewTasks) > 0 {
		m.mu.Lock()
		var children *store.Batch
		var prepareErr error
		_, fresh, children, prepareErr = m.prepareLocked(result.NewTasks, e.groups)
		m.mu.Unlock()
		if prepareErr != nil {
			err = prepareErr
			batch.Merge(m.failureBatch(task, err))
		} else {
			batch.Merge(children)
		}
	}

	commitErr := m.db.Modify(batch)
	if commitErr != nil {
		ctx.Log().Errorf("cannot commit task result: %v", commitErr)
		if err == nil {
			err = commitErr
		}
	}

	m.mu.Lock()
	if commitErr != nil {
		for _, child := range fresh {
			m.completeLocked(child, nil, commitErr)
		}
	} else {
		m.planQueue = append(m.planQueue, fresh...)
	}
	m.running--
	if task.AccountID != "" {
		delete(m.busy, task.AccountID)
	}
	var value any
	if result != nil && err == nil {
		value = result.Result
	}
	m.finishLocked(e, value, err)
	m.dispatchLocked()
	m.mu.Unlock()
	m.wakePlanner()
}

// guard runs fn and turns a panic into an error, releasing what the task holds.
func (m *Manager) guard(ctx *Context, fn func() error) (err error) {
	defer func() {
		if value := recover(); value != nil {
			outcome := Recover(ctx.executionState(), value)
			ctx.Log().WithFields(outcome.Fields).Error("task panicked")
			for _, accountID := range outcome.ReleaseLocks {
				m.locks.Unlock(accountID)
			}
			ctx.mu.Lock()
			ctx.locks = nil
			ctx.mu.Unlock()
			ctx.release(outcome.CloseConnections)
			err = outcome.Err
		}
	}()
	return fn()
}

func (m *Manager) failureBatch(task *Task, err error) *store.Batch {
	m.mu.Lock()
	handler := m.failureHandler
	m.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(task, err)
}

// finishLocked completes the task, or keeps it in progress until its remainUntil channel fires.
func (m *Manager) finishLocked(e *entry, value any, err error) {
	if e.remainUntil == nil || err != nil {
		m.completeLocked(e, value, err)
		return
	}
	until := e.remainUntil
	e.remainUntil = nil
	e.task.State = StateDone
	go func() {
		select {
		case <-until:
		case <-m.ctx.Done():
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.completeLocked(e, value, nil)
	}()
}

func (m *Manager) completeLocked(e *entry, value any, err error) {
	if e.completed {
		return
	}
	e.completed = true
	e.result = value
	e.err = err
	if err != nil {
		e.task.State = StateFailed
		e.task.Error = err.Error()
	} else {
		e.task.State = StateDone
	}
	m.closePlannedLocked(e)
	close(e.done)

	if m.tasks[e.task.ID] == e {
		delete(m.tasks, e.task.ID)
	}
	delete(m.ready, e.task.ID)
	delete(m.blocked, e.task.ID)
	if e.atMostOnceKey != "" && m.atMostOnce[e.atMostOnceKey] == e {
		delete(m.atMostOnce, e.atMostOnceKey)
	}
	for _, group := range e.groups {
		if group.leave() && m.groups[group.Label] == group {
			delete(m.groups, group.Label)
		}
	}
	for _, merged := range e.merged {
		m.completeLocked(merged, value, err)
	}
	close(m.changed)
	m.changed = make(chan struct{})
}
