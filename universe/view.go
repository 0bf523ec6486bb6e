package universe

import (
	"context"
	"fmt"

	"github.com/creativeprojects/mailsync/toc"
)

// ViewFolder builds a live view of the messages of a folder and binds the listener, if any. Calendar
// folders list the oldest first, the others the newest first. The view must be released.
func (u *Universe) ViewFolder(ctx context.Context, folderID string, runner *toc.FilterRunner, listener toc.Listener) (*toc.TOC, error) {
	folder, err := u.db.ReadFolder(folderID)
	if err != nil {
		return nil, fmt.Errorf("cannot view folder %s: %w", folderID, err)
	}
	query := toc.NewFolderMessagesQuery(u.db, folderID, runner, u.log)
	view := toc.New(query, toc.Options{
		Less: toc.OrderFor(folder.Type),
		Refresher: toc.RefresherFunc(func(ctx context.Context) (<-chan struct{}, error) {
			return u.RefreshFolder(ctx, folderID, "view")
		}),
		Boost: func(active bool) {
			u.boost(folderID, active)
		},
		DB:       u.db,
		FolderID: folderID,
		Logger:   u.log,
	})
	if err := view.Execute(ctx); err != nil {
		view.Destroy()
		return nil, err
	}
	view.Acquire()
	if listener == nil {
		listener = quiet{}
	}
	view.Bind(listener)
	return view, nil
}

// quiet is the listener of a view only read through Items.
type quiet struct{}

func (quiet) Seeked(items []toc.Item, meta toc.Meta) {}
func (quiet) Added(item toc.Item, index int)         {}
func (quiet) Changed(item toc.Item, index int)       {}
func (quiet) Removed(id string, index int)           {}
func (quiet) MetaChanged(meta toc.Meta)              {}
