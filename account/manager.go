package account

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/store"
	"github.com/creativeprojects/mailsync/task"
	"github.com/sirupsen/logrus"
)

// Tracker is the part of a task context the manager needs: a *task.Context satisfies it.
type Tracker interface {
	context.Context
	RegisterConnection(conn io.Closer)
}

// ResourceController is the part of the task manager receiving the account resources.
type ResourceController interface {
	Provide(resources ...string)
	Revoke(resources ...string)
}

// Manager keeps one connection per account, and translates the account problems into
// task resources.
type Manager struct {
	db        *store.DB
	registry  *Registry
	resources ResourceController
	log       logrus.FieldLogger

	mu    sync.Mutex
	conns map[string]*trackedConn
	sub   *store.Subscription
}

func NewManager(db *store.DB, registry *Registry, resources ResourceController, logger logrus.FieldLogger) *Manager {
	return &Manager{
		db:        db,
		registry:  registry,
		resources: resources,
		log:       lib.FieldLogger(logger),
		conns:     make(map[string]*trackedConn),
	}
}

// Start sets the resources of every account, and follows the account changes from then on.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.sub == nil {
		m.sub = m.db.Subscribe(m.accountChanged, store.EventName(store.KindAccount, store.Wildcard, store.Wildcard))
	}
	m.mu.Unlock()

	accounts, err := m.db.ListAccounts()
	if err != nil {
		return fmt.Errorf("cannot load accounts: %w", err)
	}
	for _, account := range accounts {
		m.syncResources(account)
	}
	return nil
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) Engine(account *entity.Account) (Engine, error) {
	return m.registry.Get(account.Type)
}

func (m *Manager) accountChanged(ev store.Event) {
	if ev.Op == store.OpRemove {
		m.resources.Revoke(task.HappyResource(ev.ID))
		m.drop(ev.ID, nil)
		return
	}
	account := ev.NewAccount()
	if account == nil {
		return
	}
	previous := ev.PrevAccount()
	if previous != nil && previous.Credentials != account.Credentials {
		// the cached connection logged in with the old credentials
		m.drop(account.ID, nil)
	}
	m.syncResources(account)
}

func (m *Manager) syncResources(account *entity.Account) {
	provide, revoke := Resources(account)
	if len(revoke) > 0 {
		m.log.WithField("account", account.ID).Debugf("revoking %v", revoke)
		m.resources.Revoke(revoke...)
	}
	if len(provide) > 0 {
		m.resources.Provide(provide...)
	}
}

// Connection returns the connection of the account, opening it when needed. The connection is
// registered with the task, so it gets closed (and forgotten) if the task fails.
func (m *Manager) Connection(ctx Tracker, account *entity.Account) (Conn, Engine, error) {
	engine, err := m.registry.Get(account.Type)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	cached, found := m.conns[account.ID]
	m.mu.Unlock()
	if found {
		ctx.RegisterConnection(cached)
		return cached.Conn, engine, nil
	}

	m.log.WithField("account", account.ID).Debugf("connecting to %s account %q", account.Type, account.Name)
	conn, err := engine.Probe(ctx, account)
	if err != nil {
		return nil, engine, fmt.Errorf("account %s: %w", account.ID, err)
	}
	tracked := &trackedConn{
		Conn:      conn,
		manager:   m,
		accountID: account.ID,
	}
	m.mu.Lock()
	if previous, found := m.conns[account.ID]; found {
		m.mu.Unlock()
		// another task of the same account cannot run at the same time, but a failed
		// task may still be closing its connection
		_ = tracked.Close()
		ctx.RegisterConnection(previous)
		return previous.Conn, engine, nil
	}
	m.conns[account.ID] = tracked
	m.mu.Unlock()
	ctx.RegisterConnection(tracked)
	return conn, engine, nil
}

// drop forgets the connection of the account, and closes it unless it is already closing.
func (m *Manager) drop(accountID string, closing *trackedConn) {
	m.mu.Lock()
	current, found := m.conns[accountID]
	if found && (closing == nil || current == closing) {
		delete(m.conns, accountID)
	}
	m.mu.Unlock()
	if found && closing == nil {
		_ = current.Close()
	}
}

// FailureBatch records the problem raised by a failed task on its account.
func (m *Manager) FailureBatch(failed *task.Task, err error) *store.Batch {
	if failed.AccountID == "" {
		return nil
	}
	kind, isProblem := ProblemFromError(err)
	if !isProblem {
		return nil
	}
	account, readErr := m.db.ReadAccount(failed.AccountID)
	if readErr != nil {
		m.log.WithField("account", failed.AccountID).Debugf("no problem recorded: %v", readErr)
		return nil
	}
	problems := account.Problems.Clone()
	if problems == nil {
		problems = make(entity.Problems)
	}
	problems[kind] = err.Error()
	m.log.WithFields(logrus.Fields{"account": account.ID, "task": failed.ID}).Warningf("account has a %s problem: %v", kind, err)

	batch := store.NewBatch()
	batch.ClobberAccount(account.ID, store.AccountClobber{Problems: &problems})
	return batch
}

// Close closes every open connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*trackedConn)
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenConnections is the number of cached connections.
func (m *Manager) OpenConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

type trackedConn struct {
	Conn
	manager   *Manager
	accountID string
	once      sync.Once
	err       error
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.manager.drop(c.accountID, c)
		c.err = c.Conn.Close()
	})
	return c.err
}
