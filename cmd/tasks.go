package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/creativeprojects/mailsync/task"
	"github.com/creativeprojects/mailsync/term"
	"github.com/creativeprojects/mailsync/universe"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Display the tasks waiting in the database",
	RunE:  runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

// runTasks doesn't start the workers: the persisted tasks are displayed as they are.
func runTasks(cmd *cobra.Command, args []string) error {
	u, err := universe.Open(universe.Config{
		Database: config.Database,
		Workers:  config.Workers,
		Logger:   term.NewLogger(),
	})
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer u.Close()

	persisted, err := loadTasks(u)
	if err != nil {
		return err
	}
	if len(persisted) == 0 {
		term.Info("No task waiting")
		return nil
	}
	return taskTable(persisted).Render()
}

func loadTasks(u *universe.Universe) ([]task.Task, error) {
	rows, err := u.DB().ReadTasks()
	if err != nil {
		return nil, err
	}
	list := make([]task.Task, 0, len(rows))
	for id, raw := range rows {
		var t task.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			term.Warnf("task %s cannot be read: %s", id, err)
			continue
		}
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Seq < list[j].Seq
	})
	return list, nil
}

func taskTable(list []task.Task) *pterm.TablePrinter {
	table := pterm.DefaultTable.WithBoxed(true).WithHasHeader().WithData(pterm.TableData{
		{"Seq", "Type", "Account", "State", "Enqueued", "Error"},
	})
	for _, t := range list {
		table.Data = append(table.Data, []string{
			fmt.Sprintf("%d", t.Seq),
			t.Type,
			t.AccountID,
			string(t.State),
			t.EnqueuedAt.Local().Format(dateFormat),
			t.Error,
		})
	}
	return table
}
