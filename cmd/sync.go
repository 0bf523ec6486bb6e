package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/term"
	"github.com/creativeprojects/mailsync/universe"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [account]",
	Short: "Synchronize the folders of the configured accounts",
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	names, err := selectAccounts(args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	u, err := openUniverse(ctx)
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer u.Close()

	pending := make([]refresh, 0)
	accountIDs := make(map[string]string, len(names))
	for _, name := range names {
		accountID, err := ensureAccount(ctx, u, name, config.Accounts[name])
		if err != nil {
			term.Error(err)
			continue
		}
		accountIDs[name] = accountID
		if config.Accounts[name].Disabled {
			term.Infof("%s: disabled", name)
			continue
		}
		settled, err := syncAccount(ctx, u, name, accountID)
		if err != nil {
			term.Errorf("%s: %s", name, err)
			continue
		}
		for _, done := range settled {
			pending = append(pending, refresh{accountID: accountID, settled: done})
		}
	}

	progress := startProgress("Folders", len(pending))
	err = waitRefreshes(ctx, u, pending, progress)
	settled := progress.Stop()
	if err != nil {
		return err
	}
	term.Infof("%d folder(s) refreshed", settled)
	return reportProblems(u, names, accountIDs)
}

type refresh struct {
	accountID string
	settled   <-chan struct{}
}

// waitRefreshes returns once every refresh settled. The refreshes of an account refused by its
// server are blocked until new credentials are given: they are not waited for.
func waitRefreshes(ctx context.Context, u *universe.Universe, pending []refresh, progress *progresser) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for _, item := range pending {
	wait:
		for {
			select {
			case <-item.settled:
				break wait
			case <-ticker.C:
				account, err := u.DB().ReadAccount(item.accountID)
				if err == nil && account.Problems.Has(entity.ProblemCredentials) {
					break wait
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		progress.Increment()
	}
	return nil
}

// syncAccount mirrors the folder list, then starts a refresh of every server folder.
func syncAccount(ctx context.Context, u *universe.Universe, name, accountID string) ([]<-chan struct{}, error) {
	list, err := u.SyncFolderList(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if list != nil {
		term.Infof("%s: %d new folder(s), %d changed, %d removed", name, len(list.Added), len(list.Changed), len(list.Removed))
	}
	folders, err := u.DB().ListFolders(accountID)
	if err != nil {
		return nil, err
	}
	settled := make([]<-chan struct{}, 0, len(folders))
	for _, folder := range folders {
		if folder.LocalOnly {
			continue
		}
		done, err := u.RefreshFolder(ctx, folder.ID, "cli")
		if err != nil {
			return settled, fmt.Errorf("cannot refresh %s: %w", folder.Path, err)
		}
		settled = append(settled, done)
	}
	return settled, nil
}

func reportProblems(u *universe.Universe, names []string, accountIDs map[string]string) error {
	failed := 0
	for _, name := range names {
		accountID, ok := accountIDs[name]
		if !ok {
			failed++
			continue
		}
		account, err := u.DB().ReadAccount(accountID)
		if err != nil {
			return err
		}
		for kind, message := range account.Problems {
			term.Warnf("%s: %s problem: %s", name, kind, message)
		}
		if len(account.Problems) > 0 {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d account(s) could not be synchronized", failed)
	}
	return nil
}
