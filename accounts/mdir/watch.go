package mdir

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/fsnotify/fsnotify"
)

const defaultSettleDelay = 500 * time.Millisecond

// Watcher reports the folders of a maildir whose files changed. A burst of changes in one folder
// is reported once, after the folder stayed quiet for the settle delay.
type Watcher struct {
	root    string
	log     lib.Logger
	delay   time.Duration
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	folders map[string]string
}

func NewWatcher(root string, log lib.Logger) (*Watcher, error) {
	if log == nil {
		log = &lib.NoLog{}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cannot watch maildir %q: %w", root, err)
	}
	return &Watcher{
		root:    root,
		log:     log,
		delay:   defaultSettleDelay,
		watcher: watcher,
		folders: make(map[string]string),
	}, nil
}

// SetSettleDelay changes the quiet time before a change is reported.
func (w *Watcher) SetSettleDelay(delay time.Duration) {
	w.delay = delay
}

// Add watches the deliveries and the flag changes of one folder.
func (w *Watcher) Add(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range []string{"new", "cur"} {
		dir := filepath.Join(w.root, name, sub)
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("cannot watch %q: %w", dir, err)
		}
		w.folders[dir] = name
	}
	return nil
}

func (w *Watcher) folder(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	name, ok := w.folders[filepath.Dir(path)]
	return name, ok
}

// Run calls changed with the folder name until the context is done.
func (w *Watcher) Run(ctx context.Context, changed func(name string)) error {
	pending := make(map[string]bool)
	timer := time.NewTimer(w.delay)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			name, ok := w.folder(event.Name)
			if !ok {
				continue
			}
			w.log.Printf("maildir event %s", event)
			pending[name] = true
			timer.Reset(w.delay)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Printf("maildir watcher: %s", err)

		case <-timer.C:
			for name := range pending {
				changed(name)
			}
			pending = make(map[string]bool)
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
