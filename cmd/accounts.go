package cmd

import (
	"context"
	"fmt"

	"github.com/creativeprojects/mailsync/cfg"
	"github.com/creativeprojects/mailsync/tasks"
	"github.com/creativeprojects/mailsync/universe"
)

// selectAccounts returns the account named in the arguments, or every configured account.
func selectAccounts(args []string) ([]string, error) {
	if len(args) == 0 {
		names := config.AccountNames()
		if len(names) == 0 {
			return nil, fmt.Errorf("no account in %s", global.configFile)
		}
		return names, nil
	}
	for _, name := range args {
		if _, ok := config.Accounts[name]; !ok {
			return nil, fmt.Errorf("account not found: %s", name)
		}
	}
	return args, nil
}

// ensureAccount creates the account if the database doesn't know it yet, and brings the stored
// credentials and enabled flag in line with the configuration.
func ensureAccount(ctx context.Context, u *universe.Universe, name string, account cfg.Account) (string, error) {
	accountID, err := u.CreateAccount(ctx, tasks.AccountCreateArgs{
		Name:        name,
		Type:        account.Type,
		Credentials: account.Credentials(),
		ConnInfo:    account.ConnInfo(),
	})
	if err != nil {
		return "", fmt.Errorf("cannot create account %s: %w", name, err)
	}
	stored, err := u.DB().ReadAccount(accountID)
	if err != nil {
		return "", err
	}
	args := tasks.AccountModifyArgs{}
	modified := false
	if stored.Credentials != account.Credentials() {
		credentials := account.Credentials()
		args.Credentials = &credentials
		modified = true
	}
	if stored.Enabled == account.Disabled {
		enabled := !account.Disabled
		args.Enabled = &enabled
		modified = true
	}
	if !modified {
		return accountID, nil
	}
	if err := u.ModifyAccount(ctx, accountID, args); err != nil {
		return "", fmt.Errorf("cannot update account %s: %w", name, err)
	}
	return accountID, nil
}
