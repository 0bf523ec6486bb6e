package toc

import (
	"time"

	"github.com/creativeprojects/mailsync/entity"
)

// Item is one entry of a TOC.
type Item struct {
	ID      string
	Date    time.Time
	Message *entity.Message
	Info    MatchInfo
	Derived map[string]any
}

// Less orders the items of a TOC.
type Less func(a, b Item) bool

// ByDateDesc puts the newest first. Equal dates are ordered by id, as strings.
func ByDateDesc(a, b Item) bool {
	if a.Date.Equal(b.Date) {
		return a.ID < b.ID
	}
	return a.Date.After(b.Date)
}

// ByDateAsc puts the oldest first, which is how calendar events are listed.
func ByDateAsc(a, b Item) bool {
	if a.Date.Equal(b.Date) {
		return a.ID < b.ID
	}
	return a.Date.Before(b.Date)
}

// OrderFor returns the ordering used for a folder type.
func OrderFor(folderType entity.FolderType) Less {
	if folderType == entity.FolderCalendar {
		return ByDateAsc
	}
	return ByDateDesc
}
