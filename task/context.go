package task

import (
	"context"
	"io"
	"sync"

	"github.com/creativeprojects/mailsync/store"
	"github.com/sirupsen/logrus"
)

// Context is threaded through Plan and Execute. It keeps track of what the task holds so the
// manager can release it whatever happens.
type Context struct {
	context.Context
	manager *Manager
	entry   *entry
	phase   string
	log     logrus.FieldLogger

	mu    sync.Mutex
	locks []string
	conns []io.Closer
}

func newContext(parent context.Context, manager *Manager, e *entry, phase string) *Context {
	fields := logrus.Fields{
		"task":     e.task.ID,
		"taskType": e.task.Type,
	}
	if e.task.AccountID != "" {
		fields["account"] = e.task.AccountID
	}
	return &Context{
		Context: parent,
		manager: manager,
		entry:   e,
		phase:   phase,
		log:     manager.log.WithFields(fields),
	}
}

func (c *Context) Log() logrus.FieldLogger {
	return c.log
}

func (c *Context) DB() *store.DB {
	return c.manager.db
}

// BeginMutate takes the mutation lock of the account until the task ends.
func (c *Context) BeginMutate(accountID string) error {
	c.mu.Lock()
	for _, held := range c.locks {
		if held == accountID {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	if err := c.manager.locks.Lock(c, accountID); err != nil {
		return err
	}
	c.mu.Lock()
	c.locks = append(c.locks, accountID)
	c.mu.Unlock()
	return nil
}

// RegisterConnection makes sure the connection gets closed if the task fails.
func (c *Context) RegisterConnection(conn io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns = append(c.conns, conn)
}

// TrackMeInTaskGroup adds the task to the group; everything it spawns joins too.
func (c *Context) TrackMeInTaskGroup(label string) *Group {
	return c.manager.trackInGroup(c.entry, label)
}

func (c *Context) executionState() ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ExecutionState{
		TaskID:      c.entry.task.ID,
		TaskType:    c.entry.task.Type,
		AccountID:   c.entry.task.AccountID,
		Phase:       c.phase,
		HeldLocks:   append([]string(nil), c.locks...),
		Connections: len(c.conns),
	}
}

// release unlocks the accounts, and closes the connections when closeConns is set.
func (c *Context) release(closeConns bool) {
	c.mu.Lock()
	locks := c.locks
	conns := c.conns
	c.locks = nil
	c.conns = nil
	c.mu.Unlock()

	for _, accountID := range locks {
		c.manager.locks.Unlock(accountID)
	}
	if !closeConns {
		return
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			c.log.Debugf("closing connection: %v", err)
		}
	}
}
