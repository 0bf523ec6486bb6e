package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var selfUpdateCmd = &cobra.Command{
	Use:              "selfupdate",
	Short:            "Download newest release from Github and update",
	RunE:             runSelfUpdate,
	PersistentPreRun: noConfig,
}

var (
	appVersion = ""
	appCommit  = ""
	appDate    = ""
	appBuiltBy = ""
)

var versionCmd = &cobra.Command{
	Use:              "version",
	Short:            "Display the version of the binary",
	PersistentPreRun: noConfig,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailsync %s (commit %s, built %s by %s) %s/%s\n", appVersion, appCommit, appDate, appBuiltBy, runtime.GOOS, runtime.GOARCH)
	},
}

// noConfig replaces the loading of the configuration file
func noConfig(cmd *cobra.Command, args []string) {}

var selfUpdateCheck bool

func init() {
	rootCmd.AddCommand(selfUpdateCmd)
	rootCmd.AddCommand(versionCmd)
	selfUpdateCmd.Flags().BoolVar(&selfUpdateCheck, "check", false, "only check whether a newer version exists")
}

// SetApp records the build information, displayed by the version command.
func SetApp(version, commit, date, builtBy string) {
	appVersion = version
	appCommit = commit
	appDate = date
	appBuiltBy = builtBy
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	if global.verbose {
		selfupdate.SetLogger(term.NewLogger())
	}
	// only filters return an error
	updater, _ := selfupdate.NewUpdater(selfupdate.Config{
		Validator: &selfupdate.ChecksumValidator{UniqueFilename: "checksums.txt"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	latest, found, err := updater.DetectLatest(ctx, selfupdate.NewRepositorySlug("creativeprojects", "mailsync"))
	if err != nil {
		return fmt.Errorf("unable to detect latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("latest version for %s/%s could not be found from github repository", runtime.GOOS, runtime.GOARCH)
	}
	if latest.LessOrEqual(appVersion) {
		term.Infof("Current version (%s) is the latest", appVersion)
		return nil
	}
	if selfUpdateCheck {
		term.Infof("Version %s is available (current version is %s)", latest.Version(), appVersion)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.New("could not locate executable path")
	}
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return fmt.Errorf("unable to update binary: %w", err)
	}
	term.Infof("Successfully updated to version %s", latest.Version())
	return nil
}
