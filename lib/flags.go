package lib

import (
	"sort"

	"github.com/emersion/go-imap"
)

// StoredFlags drops the flags only valid for the current session (\Recent), and the
// duplicates. The result is sorted so two lists can be compared.
func StoredFlags(source []string) []string {
	output := make([]string, 0, len(source))
	seen := make(map[string]bool, len(source))
	for _, flag := range source {
		if flag == imap.RecentFlag || seen[flag] {
			continue
		}
		seen[flag] = true
		output = append(output, flag)
	}
	sort.Strings(output)
	return output
}
