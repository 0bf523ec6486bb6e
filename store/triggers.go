package store

import "github.com/creativeprojects/mailsync/lib"

// Trigger derives aggregates inside the transaction of the causing mutation.
// Handle must be pure: it can only record deltas.
type Trigger struct {
	Name   string
	Events []string
	Handle func(ev Event, deltas *AtomicDeltas)
}

func (t Trigger) matches(ev Event) bool {
	for _, pattern := range t.Events {
		if Matches(pattern, ev) {
			return true
		}
	}
	return false
}

// MessageCountTrigger keeps Folder.LocalMessageCount equal to the number of messages in the folder.
var MessageCountTrigger = Trigger{
	Name: "message_count",
	Events: []string{
		EventName(KindMessage, Wildcard, OpAdd),
		EventName(KindMessage, Wildcard, OpChange),
		EventName(KindMessage, Wildcard, OpRemove),
	},
	Handle: func(ev Event, deltas *AtomicDeltas) {
		for _, folderID := range ev.Added {
			deltas.AddFolderMessages(folderID, 1)
		}
		for _, folderID := range ev.Removed {
			deltas.AddFolderMessages(folderID, -1)
		}
	},
}

// FolderCountTrigger keeps Account.FolderCount.
var FolderCountTrigger = Trigger{
	Name: "folder_count",
	Events: []string{
		EventName(KindFolder, Wildcard, OpAdd),
		EventName(KindFolder, Wildcard, OpRemove),
	},
	Handle: func(ev Event, deltas *AtomicDeltas) {
		accountID := lib.AccountIDFrom(ev.ID)
		switch ev.Op {
		case OpAdd:
			deltas.AddAccountFolders(accountID, 1)
		case OpRemove:
			deltas.AddAccountFolders(accountID, -1)
		}
	},
}
