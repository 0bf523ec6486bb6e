package cmd

import (
	"context"

	"github.com/creativeprojects/mailsync/cfg"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/term"
	"github.com/creativeprojects/mailsync/universe"
)

type GlobalFlags struct {
	configFile string
	envFiles   []string
	quiet      bool
	verbose    bool
}

var (
	global GlobalFlags
	config *cfg.Config
)

// openUniverse opens the database and starts the workers. The protocol traces are only
// displayed in verbose mode.
func openUniverse(ctx context.Context) (*universe.Universe, error) {
	logger := term.NewLogger()
	var debug lib.Logger = &lib.NoLog{}
	if global.verbose {
		debug = logger
	}
	u, err := universe.Open(universe.Config{
		Database:    config.Database,
		Workers:     config.Workers,
		Logger:      logger,
		DebugLogger: debug,
	})
	if err != nil {
		return nil, err
	}
	if err := u.Start(ctx); err != nil {
		_ = u.Close()
		return nil, err
	}
	return u, nil
}
