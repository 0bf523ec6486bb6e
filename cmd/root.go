package cmd

import (
	"os"

	"github.com/creativeprojects/mailsync/cfg"
	"github.com/creativeprojects/mailsync/term"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "mailsync",
	Short:        "Keep a local copy of mail and calendar accounts",
	Long:         "\nKeep a local copy of mail and calendar accounts, and browse it",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		initLog()
		return nil
	},
}

func init() {
	flag := rootCmd.PersistentFlags()
	flag.StringVarP(&global.configFile, "config", "c", "mailsync.yaml", "configuration file")
	flag.StringSliceVar(&global.envFiles, "env", []string{".env"}, "environment files loaded before the configuration")
	flag.BoolVarP(&global.quiet, "quiet", "q", false, "only display warnings and errors")
	flag.BoolVarP(&global.verbose, "verbose", "v", false, "display debugging information")
}

func initConfig() error {
	if err := cfg.LoadEnvFiles(global.envFiles...); err != nil {
		return err
	}
	var err error
	config, err = cfg.LoadFromFile(global.configFile)
	if err != nil {
		term.Errorf("cannot open or read configuration file: %s", err)
		return err
	}
	return nil
}

func initLog() {
	switch {
	case global.verbose:
		term.SetLevel(term.LevelDebug)
	case global.quiet:
		term.SetLevel(term.LevelWarn)
	default:
		level, err := term.ParseLevel(config.LogLevel)
		if err != nil {
			term.Warn(err)
		}
		term.SetLevel(level)
	}
	term.Debugf("database %s", config.Database)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		term.Error(err)
		os.Exit(1)
	}
}
