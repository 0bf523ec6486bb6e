package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/creativeprojects/mailsync/term"
	"github.com/creativeprojects/mailsync/toc"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var viewCmd = &cobra.Command{
	Use:   "view <folder id>",
	Short: "Display the first messages of a folder",
	RunE:  runView,
}

var viewFlags struct {
	count   int
	refresh bool
	search  string
	unread  bool
}

func init() {
	rootCmd.AddCommand(viewCmd)
	flag := viewCmd.Flags()
	flag.IntVarP(&viewFlags.count, "count", "n", 20, "number of messages to display")
	flag.BoolVarP(&viewFlags.refresh, "refresh", "r", false, "synchronize the folder first")
	flag.StringVarP(&viewFlags.search, "search", "s", "", "only display the messages whose subject or author contains the text")
	flag.BoolVarP(&viewFlags.unread, "unread", "u", false, "only display the conversations with unread messages")
}

func runView(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return errors.New("missing folder id")
	}
	if viewFlags.search != "" && viewFlags.unread {
		return errors.New("--search and --unread cannot be used together")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	u, err := openUniverse(ctx)
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer u.Close()

	var runner *toc.FilterRunner
	switch {
	case viewFlags.search != "":
		runner = toc.NewFilterRunner(toc.MatchAny, nil,
			toc.SubjectFilter(viewFlags.search),
			toc.AuthorFilter(viewFlags.search))
	case viewFlags.unread:
		runner = toc.NewFilterRunner(toc.MatchAll,
			map[string]toc.GatherFunc{toc.NeedConversation: toc.ConversationGatherer(u.DB())},
			toc.UnreadConversationFilter())
	}
	view, err := u.ViewFolder(ctx, args[0], runner, nil)
	if err != nil {
		return err
	}
	defer view.Release()

	view.SeekToTop(viewFlags.count, 0)
	if viewFlags.refresh {
		spinner, _ := pterm.DefaultSpinner.Start("Synchronizing")
		err = view.Refresh(ctx)
		if spinner != nil {
			_ = spinner.Stop()
		}
		if err != nil {
			return err
		}
	}
	return renderView(view.Items(), view.Meta())
}

func renderView(items []toc.Item, meta toc.Meta) error {
	table := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Date", "From", "Subject", "Snippet"},
	})
	for _, item := range items {
		message := item.Message
		if message == nil {
			continue
		}
		table.Data = append(table.Data, []string{
			message.Date.Local().Format(dateFormat),
			message.Author,
			message.Subject,
			truncate(message.Snippet, 40),
		})
	}
	if err := table.Render(); err != nil {
		return err
	}
	if meta.LastSyncedAt.IsZero() {
		term.Infof("%d of %d message(s), never synchronized", len(items), meta.Count)
		return nil
	}
	term.Infof("%d of %d message(s), synchronized %s", len(items), meta.Count, meta.LastSyncedAt.Local().Format(dateFormat))
	return nil
}

func truncate(text string, length int) string {
	runes := []rune(text)
	if len(runes) <= length {
		return text
	}
	return string(runes[:length-1]) + "…"
}
