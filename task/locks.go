package task

import (
	"context"
	"sync"
)

// AccountLocks is one mutation lock per account. Waiting for a lock can be cancelled.
type AccountLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{
		held: make(map[string]chan struct{}),
	}
}

func (l *AccountLocks) Lock(ctx context.Context, accountID string) error {
	for {
		l.mu.Lock()
		released, held := l.held[accountID]
		if !held {
			l.held[accountID] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryLock returns false when the lock is already held.
func (l *AccountLocks) TryLock(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.held[accountID]; held {
		return false
	}
	l.held[accountID] = make(chan struct{})
	return true
}

func (l *AccountLocks) Unlock(accountID string) {
	l.mu.Lock()
	released, held := l.held[accountID]
	delete(l.held, accountID)
	l.mu.Unlock()
	if held {
		close(released)
	}
}
