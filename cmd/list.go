package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/term"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

const dateFormat = "2006-01-02 15:04:05 MST"

var listCmd = &cobra.Command{
	Use:   "list [account]",
	Short: "Display the folders of the accounts with their local message count",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	u, err := openUniverse(context.Background())
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer u.Close()

	accounts, err := u.ListAccounts("")
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		term.Warn("No account synchronized yet")
		return nil
	}
	for _, account := range accounts {
		if len(args) > 0 && account.Name != args[0] {
			continue
		}
		term.Infof("%s (%s) %s", account.Name, account.Type, displayProblems(account.Problems))
		folders, err := u.DB().ListFolders(account.ID)
		if err != nil {
			return fmt.Errorf("cannot list folders of %s: %w", account.Name, err)
		}
		if err := folderTable(folders).Render(); err != nil {
			return err
		}
	}
	return nil
}

func folderTable(folders []*entity.Folder) *pterm.TablePrinter {
	table := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"ID", "Folder", "Type", "Messages", "Last sync"},
	})
	for _, folder := range folders {
		lastSync := ""
		if !folder.LastSyncedAt.IsZero() {
			lastSync = folder.LastSyncedAt.Local().Format(dateFormat)
		}
		path := folder.Path
		if folder.LocalOnly {
			path += " (local)"
		}
		table.Data = append(table.Data, []string{
			folder.ID,
			path,
			string(folder.Type),
			strconv.FormatInt(folder.LocalMessageCount, 10),
			lastSync,
		})
	}
	return table
}

func displayProblems(problems entity.Problems) string {
	if len(problems) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(problems))
	for kind := range problems {
		kinds = append(kinds, string(kind))
	}
	return "problems: " + strings.Join(kinds, ", ")
}
