package entity

import "time"

type FolderType string

const (
	FolderInbox       FolderType = "inbox"
	FolderNormal      FolderType = "normal"
	FolderSent        FolderType = "sent"
	FolderDrafts      FolderType = "drafts"
	FolderTrash       FolderType = "trash"
	FolderJunk        FolderType = "junk"
	FolderArchive     FolderType = "archive"
	FolderOutbox      FolderType = "outbox"
	FolderLocalDrafts FolderType = "localdrafts"
	FolderCalendar    FolderType = "calendar"
)

// Folder ids are accountId.folderNum, folderNum being issued from the account sync state.
type Folder struct {
	ID       string
	ParentID string
	Type     FolderType
	Name     string
	// Path is the canonical "/" separated path
	Path string
	// ServerPath is the name of the folder on the server, empty for local-only folders
	ServerPath        string
	Delimiter         string
	Depth             int
	LocalOnly         bool
	LastSyncedAt      time.Time
	LocalMessageCount int64
}

func (f *Folder) Clone() *Folder {
	clone := *f
	return &clone
}
