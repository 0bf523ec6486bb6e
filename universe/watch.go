package universe

import (
	"context"
	"sync"

	"github.com/creativeprojects/mailsync/accounts/mdir"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/sirupsen/logrus"
)

// WatchMaildirs refreshes the folders of the maildir accounts as soon as their files change.
// It returns when the context is done.
func (u *Universe) WatchMaildirs(ctx context.Context, debug lib.Logger) error {
	accounts, err := u.ListAccounts(entity.TypeMaildir)
	if err != nil {
		return err
	}
	wg := sync.WaitGroup{}
	watchers := make([]*mdir.Watcher, 0, len(accounts))
	defer func() {
		for _, watcher := range watchers {
			_ = watcher.Close()
		}
	}()
	for _, acct := range accounts {
		if !acct.Enabled {
			continue
		}
		folders, err := u.db.ListFolders(acct.ID)
		if err != nil {
			return err
		}
		watcher, err := mdir.NewWatcher(acct.ConnInfo.Root, debug)
		if err != nil {
			return err
		}
		watchers = append(watchers, watcher)
		byPath := make(map[string]string, len(folders))
		for _, folder := range folders {
			if folder.LocalOnly {
				continue
			}
			if err := watcher.Add(folder.ServerPath); err != nil {
				u.log.WithField("account", acct.ID).Warningf("%v", err)
				continue
			}
			byPath[folder.ServerPath] = folder.ID
		}

		wg.Add(1)
		go func(accountID string, watcher *mdir.Watcher) {
			defer wg.Done()
			_ = watcher.Run(ctx, func(name string) {
				folderID, ok := byPath[name]
				if !ok {
					return
				}
				u.log.WithFields(logrus.Fields{"account": accountID, "folder": folderID}).Debug("maildir changed")
				if _, err := u.RefreshFolder(ctx, folderID, "watch"); err != nil {
					u.log.WithField("folder", folderID).Warningf("cannot refresh: %v", err)
				}
			})
		}(acct.ID, watcher)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}
