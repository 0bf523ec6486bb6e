// Package universe wires the store, the task manager, the account types and the views together.
package universe

import (
	"context"
	"fmt"
	"sync"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/accounts/mdir"
	"github.com/creativeprojects/mailsync/accounts/remote"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/store"
	"github.com/creativeprojects/mailsync/task"
	"github.com/creativeprojects/mailsync/tasks"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// Database is the path of the store file
	Database string
	Workers  int
	Logger   logrus.FieldLogger
	// DebugLogger receives the protocol traces
	DebugLogger lib.Logger
	// Engines replace the default account types (IMAP and maildir)
	Engines []account.Engine
}

type Universe struct {
	db       *store.DB
	tasks    *task.Manager
	accounts *account.Manager
	log      logrus.FieldLogger

	mu      sync.Mutex
	boosts  map[string]int
	started bool
}

// Open opens the store and registers every task type. Nothing runs until Start.
func Open(config Config) (*Universe, error) {
	logger := lib.FieldLogger(config.Logger)
	db, err := store.Open(config.Database, logger)
	if err != nil {
		return nil, err
	}
	engines := config.Engines
	if len(engines) == 0 {
		debug := config.DebugLogger
		if debug == nil {
			debug = &lib.NoLog{}
		}
		engines = []account.Engine{
			remote.NewEngine(remote.WithDebugLogger(debug)),
			mdir.NewEngine(mdir.WithDebugLogger(debug)),
		}
	}
	manager := task.NewManager(db, task.Config{
		Workers: config.Workers,
		Logger:  logger,
	})
	accounts := account.NewManager(db, account.NewRegistry(engines...), manager, logger)
	manager.Register(tasks.Definitions(accounts)...)
	manager.SetFailureHandler(accounts.FailureBatch)

	return &Universe{
		db:       db,
		tasks:    manager,
		accounts: accounts,
		log:      logger,
		boosts:   make(map[string]int),
	}, nil
}

// Start sets the account resources, then resumes the persisted tasks.
func (u *Universe) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started {
		return nil
	}
	if err := u.accounts.Start(); err != nil {
		return err
	}
	if err := u.tasks.Start(ctx); err != nil {
		return err
	}
	u.started = true
	return nil
}

func (u *Universe) Close() error {
	u.tasks.Stop()
	if err := u.accounts.Close(); err != nil {
		u.log.Warningf("closing connections: %v", err)
	}
	return u.db.Close()
}

func (u *Universe) DB() *store.DB {
	return u.db
}

func (u *Universe) Tasks() *task.Manager {
	return u.tasks
}

func (u *Universe) Accounts() *account.Manager {
	return u.accounts
}

// CreateAccount returns the id of the new account once it is stored. Probing the server and
// listing its folders carry on in the background.
func (u *Universe) CreateAccount(ctx context.Context, args tasks.AccountCreateArgs) (string, error) {
	raw, err := tasks.CreateAccount(args)
	if err != nil {
		return "", err
	}
	result, err := u.tasks.ScheduleAndWait(ctx, raw)
	if err != nil {
		return "", err
	}
	accountID, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected account_create result %T", result)
	}
	return accountID, nil
}

// ModifyAccount replaces the credentials or the enabled flag, and clears the account problems.
func (u *Universe) ModifyAccount(ctx context.Context, accountID string, args tasks.AccountModifyArgs) error {
	raw, err := tasks.ModifyAccount(accountID, args)
	if err != nil {
		return err
	}
	_, err = u.tasks.Run(ctx, raw)
	return err
}

// SyncFolderList runs a sync_folder_list task to completion.
func (u *Universe) SyncFolderList(ctx context.Context, accountID string) (*tasks.FolderListResult, error) {
	raw, err := tasks.SyncFolderList(accountID)
	if err != nil {
		return nil, err
	}
	result, err := u.tasks.Run(ctx, raw)
	if err != nil {
		return nil, err
	}
	list, _ := result.(*tasks.FolderListResult)
	return list, nil
}

// RefreshFolder schedules a sync_refresh of the folder. The channel is closed once the refresh
// and the tasks it spawned are all finished.
func (u *Universe) RefreshFolder(ctx context.Context, folderID, why string) (<-chan struct{}, error) {
	raw, err := tasks.SyncRefresh(folderID, why)
	if err != nil {
		return nil, err
	}
	result, err := u.tasks.ScheduleAndWait(ctx, raw)
	if err != nil {
		return nil, err
	}
	settled, ok := result.(<-chan struct{})
	if !ok {
		return nil, fmt.Errorf("unexpected sync_refresh result %T", result)
	}
	return settled, nil
}

// RefreshAll schedules a refresh of every server folder of the enabled accounts. It doesn't wait.
func (u *Universe) RefreshAll(ctx context.Context, why string) error {
	accounts, err := u.db.ListAccounts()
	if err != nil {
		return err
	}
	raws := make([]task.RawTask, 0)
	for _, acct := range accounts {
		if !acct.Enabled {
			continue
		}
		folders, err := u.db.ListFolders(acct.ID)
		if err != nil {
			return err
		}
		for _, folder := range folders {
			if folder.LocalOnly {
				continue
			}
			raw, err := tasks.SyncRefresh(folder.ID, why)
			if err != nil {
				return err
			}
			raws = append(raws, raw)
		}
	}
	if len(raws) == 0 {
		return nil
	}
	_, err = u.tasks.Schedule(ctx, raws...)
	return err
}

// ListAccounts returns the stored accounts of a type, every account for an empty type.
func (u *Universe) ListAccounts(accountType entity.AccountType) ([]*entity.Account, error) {
	accounts, err := u.db.ListAccounts()
	if err != nil {
		return nil, err
	}
	if accountType == "" {
		return accounts, nil
	}
	filtered := make([]*entity.Account, 0, len(accounts))
	for _, acct := range accounts {
		if acct.Type == accountType {
			filtered = append(filtered, acct)
		}
	}
	return filtered, nil
}

// boost raises the priority of the refreshes of a folder while at least one view shows it.
func (u *Universe) boost(folderID string, active bool) {
	tag := tasks.ViewTag(folderID)
	u.mu.Lock()
	if active {
		u.boosts[tag]++
	} else if u.boosts[tag] > 0 {
		u.boosts[tag]--
	}
	count := u.boosts[tag]
	if count == 0 {
		delete(u.boosts, tag)
	}
	u.mu.Unlock()
	u.tasks.SetPriorityBoosts(map[string]int{tag: count})
}
