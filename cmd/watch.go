package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the accounts synchronized until interrupted",
	Long:  "\nRefresh every account on the configured schedule, and the maildir folders as soon as they change",
	RunE:  runWatch,
}

var watchSchedule string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "cron schedule of the refreshes (default from the configuration)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	u, err := openUniverse(ctx)
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer u.Close()

	for _, name := range config.AccountNames() {
		if _, err := ensureAccount(ctx, u, name, config.Accounts[name]); err != nil {
			term.Error(err)
		}
	}

	schedule := watchSchedule
	if schedule == "" {
		schedule = config.RefreshSchedule
	}
	refresher, err := u.StartRefresher(ctx, schedule)
	if err != nil {
		return err
	}
	defer refresher.Stop()
	term.Infof("refreshing on schedule %q, press Ctrl-C to stop", schedule)

	// the first refresh doesn't wait for the schedule
	if err := u.RefreshAll(ctx, "startup"); err != nil {
		term.Warnf("cannot refresh: %s", err)
	}
	err = u.WatchMaildirs(ctx, term.NewLogger())
	if err != nil && ctx.Err() == nil {
		return err
	}
	term.Info("stopped")
	return nil
}
