package toc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/store"
	"github.com/sirupsen/logrus"
)

// Listener receives the changes of the visible window. Indexes are positions in the window.
// The calls are made with the TOC locked: a listener must not call back into the TOC.
type Listener interface {
	Seeked(items []Item, meta Meta)
	Added(item Item, index int)
	Changed(item Item, index int)
	Removed(id string, index int)
	MetaChanged(meta Meta)
}

type Meta struct {
	Count        int
	Syncing      bool
	LastSyncedAt time.Time
}

func (m Meta) equal(other Meta) bool {
	return m.Count == other.Count && m.Syncing == other.Syncing && m.LastSyncedAt.Equal(other.LastSyncedAt)
}

// Refresher starts a refresh and returns a channel closed when the refresh settled.
type Refresher interface {
	Refresh(ctx context.Context) (<-chan struct{}, error)
}

type RefresherFunc func(ctx context.Context) (<-chan struct{}, error)

func (f RefresherFunc) Refresh(ctx context.Context) (<-chan struct{}, error) {
	return f(ctx)
}

type Options struct {
	Less      Less
	Refresher Refresher
	// Boost is called with true when a listener gets bound, and false on destroy
	Boost func(active bool)
	// DB and FolderID keep the LastSyncedAt of the metadata up to date
	DB       *store.DB
	FolderID string
	Logger   logrus.FieldLogger
}

// TOC is a live, sorted view of the items of a query. Only the window set by SeekToTop is
// reported to the listener; the count covers everything.
type TOC struct {
	query   Query
	less    Less
	refresh Refresher
	boost   func(active bool)
	db      *store.DB
	folder  string
	log     logrus.FieldLogger

	mu          sync.Mutex
	items       []Item
	listener    Listener
	window      int
	seeked      bool
	refreshing  int
	pendingSeek bool
	meta        Meta
	sentMeta    *Meta
	refs        int
	executed    bool
	boosted     bool
	destroyed   bool
	folderSub   *store.Subscription
}

func New(query Query, options Options) *TOC {
	less := options.Less
	if less == nil {
		less = ByDateDesc
	}
	return &TOC{
		query:   query,
		less:    less,
		refresh: options.Refresher,
		boost:   options.Boost,
		db:      options.DB,
		folder:  options.FolderID,
		log:     lib.FieldLogger(options.Logger).WithField("toc", options.FolderID),
	}
}

// Execute loads the initial items. The changes made from then on are applied once Bind is called.
func (t *TOC) Execute(ctx context.Context) error {
	t.mu.Lock()
	if t.executed || t.destroyed {
		t.mu.Unlock()
		return nil
	}
	t.executed = true
	t.mu.Unlock()

	if t.db != nil && t.folder != "" {
		if folder, err := t.db.ReadFolder(t.folder); err == nil {
			t.mu.Lock()
			t.meta.LastSyncedAt = folder.LastSyncedAt
			t.mu.Unlock()
		}
	}

	items, err := t.query.Execute(ctx)
	if err != nil {
		return err
	}
	sort.Slice(items, func(i, j int) bool {
		return t.less(items[i], items[j])
	})

	t.mu.Lock()
	t.items = items
	t.meta.Count = len(items)
	t.mu.Unlock()
	return nil
}

// Bind sets the listener and starts applying the changes.
func (t *TOC) Bind(listener Listener) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.listener = listener
	boost := t.boost != nil && !t.boosted
	t.boosted = t.boosted || boost
	t.mu.Unlock()

	if boost {
		t.boost(true)
	}
	if t.db != nil && t.folder != "" {
		sub := t.db.Subscribe(t.folderChanged, store.EventName(store.KindFolder, t.folder, store.OpChange))
		t.mu.Lock()
		t.folderSub = sub
		t.mu.Unlock()
	}
	t.query.Bind(t.apply)
}

func (t *TOC) folderChanged(ev store.Event) {
	folder := ev.NewFolder()
	if folder == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.LastSyncedAt = folder.LastSyncedAt
	t.emitMetaLocked()
}

// SeekToTop shows the first count items, plus buffer items below them. The listener gets a
// Seeked notification, delayed until a refresh in progress settles.
func (t *TOC) SeekToTop(count, buffer int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = count + buffer
	t.seeked = true
	if t.refreshing > 0 {
		t.pendingSeek = true
		return
	}
	t.emitSeekedLocked()
}

// Refresh asks the refresher to sync the items and returns once the refresh settled. The window
// changes made meanwhile are reported as one Seeked notification at the end.
func (t *TOC) Refresh(ctx context.Context) error {
	if t.refresh == nil {
		return nil
	}
	// held before the refresh is scheduled: its tasks can commit before Refresh returns
	t.mu.Lock()
	t.refreshing++
	t.meta.Syncing = true
	if t.seeked {
		t.pendingSeek = true
	}
	t.emitMetaLocked()
	t.mu.Unlock()

	settled, err := t.refresh.Refresh(ctx)
	if err != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.settleLocked()
		return err
	}

	var waitErr error
	select {
	case <-settled:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.settleLocked()
	return waitErr
}

// settleLocked ends one refresh. The last one out sends the deferred Seeked notification.
func (t *TOC) settleLocked() {
	t.refreshing--
	if t.refreshing > 0 {
		return
	}
	t.meta.Syncing = false
	if t.pendingSeek {
		t.pendingSeek = false
		t.emitSeekedLocked()
		return
	}
	t.emitMetaLocked()
}

// Items returns a copy of the visible window.
func (t *TOC) Items() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.windowLocked()
}

func (t *TOC) Meta() Meta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

func (t *TOC) Acquire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs++
}

// Release destroys the TOC when the last reference is released.
func (t *TOC) Release() {
	t.mu.Lock()
	t.refs--
	last := t.refs <= 0
	t.mu.Unlock()
	if last {
		t.Destroy()
	}
}

func (t *TOC) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.listener = nil
	boosted := t.boosted
	folderSub := t.folderSub
	t.folderSub = nil
	t.mu.Unlock()

	t.query.Destroy()
	if folderSub != nil {
		folderSub.Unsubscribe()
	}
	if boosted {
		t.boost(false)
	}
}

func (t *TOC) windowLocked() []Item {
	size := len(t.items)
	if t.seeked && t.window < size {
		size = t.window
	}
	return append([]Item(nil), t.items[:size]...)
}

// notifying is true when item changes are reported one by one.
func (t *TOC) notifyingLocked() bool {
	return t.listener != nil && t.seeked && t.refreshing == 0
}

func (t *TOC) emitSeekedLocked() {
	t.meta.Count = len(t.items)
	if t.listener == nil {
		return
	}
	meta := t.meta
	t.sentMeta = &meta
	t.listener.Seeked(t.windowLocked(), meta)
}

func (t *TOC) emitMetaLocked() {
	if t.listener == nil {
		return
	}
	if t.sentMeta != nil && t.sentMeta.equal(t.meta) {
		return
	}
	meta := t.meta
	t.sentMeta = &meta
	t.listener.MetaChanged(meta)
}

func (t *TOC) indexOf(item Item) int {
	index := sort.Search(len(t.items), func(i int) bool {
		return !t.less(t.items[i], item)
	})
	if index < len(t.items) && t.items[index].ID == item.ID {
		return index
	}
	for i := range t.items {
		if t.items[i].ID == item.ID {
			return i
		}
	}
	return -1
}

func (t *TOC) apply(op Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	notify := t.notifyingLocked()

	switch op.Kind {
	case OpAdd:
		index := sort.Search(len(t.items), func(i int) bool {
			return t.less(op.Item, t.items[i])
		})
		t.items = append(t.items, Item{})
		copy(t.items[index+1:], t.items[index:])
		t.items[index] = op.Item
		if notify && index < t.window {
			t.listener.Added(op.Item, index)
			if len(t.items) > t.window {
				// pushed out of the window
				t.listener.Removed(t.items[t.window].ID, t.window)
			}
		}

	case OpRemove:
		index := t.indexOf(op.Item)
		if index < 0 {
			t.log.Debugf("removing unknown item %s", op.Item.ID)
			return
		}
		t.items = append(t.items[:index], t.items[index+1:]...)
		if notify && index < t.window {
			t.listener.Removed(op.Item.ID, index)
			if len(t.items) >= t.window {
				// pulled into the window
				t.listener.Added(t.items[t.window-1], t.window-1)
			}
		}

	case OpChange:
		index := t.indexOf(op.Item)
		if index < 0 {
			t.log.Debugf("changing unknown item %s", op.Item.ID)
			return
		}
		t.items[index] = op.Item
		if notify && index < t.window {
			t.listener.Changed(op.Item, index)
		}
	}

	t.meta.Count = len(t.items)
	if notify {
		t.emitMetaLocked()
	}
}
