package cmd

import (
	"github.com/creativeprojects/mailsync/term"
	"github.com/pterm/pterm"
)

// progresser counts the settled refreshes. The bar is only displayed at info level and below.
type progresser struct {
	pbar *pterm.ProgressbarPrinter
	done int
}

func startProgress(title string, total int) *progresser {
	if total == 0 || term.GetLevel() > term.LevelInfo {
		return &progresser{}
	}
	pbar, _ := pterm.DefaultProgressbar.WithTotal(total).WithTitle(title).Start()
	return &progresser{
		pbar: pbar,
	}
}

func (p *progresser) Increment() {
	p.done++
	if p.pbar == nil {
		return
	}
	p.pbar.Increment()
}

// Stop removes the bar and returns the count.
func (p *progresser) Stop() int {
	if p.pbar != nil {
		_, _ = p.pbar.Stop()
	}
	return p.done
}
