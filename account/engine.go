// Package account binds the account types to the engine: one Engine per account type,
// selected through a Registry from the type of the account.
package account

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/task"
)

// Conn is an open connection to the server of an account.
type Conn interface {
	io.Closer
}

// SyncRequest asks an engine to bring one folder up to date. RawState is the engine state
// saved by the previous successful sync, nil on the first one.
type SyncRequest struct {
	AccountID string
	Folder    *entity.Folder
	RawState  []byte
	Why       string
	// PriorityTags of the refresh, passed on to the tasks it spawns
	PriorityTags []string
}

// SyncResult is the new engine state, saved in the same transaction as the tasks applying
// what was found.
type SyncResult struct {
	State []byte
	Tasks []task.RawTask
}

// Engine is what an account type implements. An engine does not write to the store: it turns
// what the server reports into sync state and tasks.
type Engine interface {
	Type() entity.AccountType
	// Probe connects and authenticates. A refused login returns an error wrapping lib.ErrUnauthorized.
	Probe(ctx context.Context, account *entity.Account) (Conn, error)
	// EssentialFolders are created with the account, before the first folder list sync.
	EssentialFolders() []mailbox.Folder
	ListFolders(ctx context.Context, conn Conn) ([]mailbox.Info, error)
	NormalizeFolder(info mailbox.Info) mailbox.Folder
	SyncFolder(ctx context.Context, conn Conn, request SyncRequest) (*SyncResult, error)
}

type Registry struct {
	mu      sync.RWMutex
	engines map[entity.AccountType]Engine
}

func NewRegistry(engines ...Engine) *Registry {
	registry := &Registry{
		engines: make(map[entity.AccountType]Engine, len(engines)),
	}
	for _, engine := range engines {
		registry.Register(engine)
	}
	return registry
}

// Register replaces any engine already registered for the same type.
func (r *Registry) Register(engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[engine.Type()] = engine
}

func (r *Registry) Get(accountType entity.AccountType) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, found := r.engines[accountType]
	if !found {
		return nil, fmt.Errorf("%w: %q", lib.ErrUnknownAccountType, accountType)
	}
	return engine, nil
}

func (r *Registry) Types() []entity.AccountType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]entity.AccountType, 0, len(r.engines))
	for accountType := range r.engines {
		types = append(types, accountType)
	}
	sort.Slice(types, func(i, j int) bool {
		return types[i] < types[j]
	})
	return types
}
