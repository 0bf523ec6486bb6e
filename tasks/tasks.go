// Package tasks implements the task types of the sync engine.
package tasks

import (
	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/creativeprojects/mailsync/task"
)

const (
	TypeAccountCreate  = "account_create"
	TypeAccountModify  = "account_modify"
	TypeSyncFolderList = "sync_folder_list"
	TypeSyncRefresh    = "sync_refresh"
	TypeSyncConv       = syncstate.TypeSyncConv
	TypeFolderDelete   = "folder_delete"
)

// nextAccountNumKey is the meta key of the account number counter.
const nextAccountNumKey = "nextAccountNum"

// RefreshGroup is the task group of the refresh of a folder.
func RefreshGroup(folderID string) string {
	return TypeSyncRefresh + ":" + folderID
}

// ViewTag is the priority tag of the tasks a view of the folder is waiting for.
func ViewTag(folderID string) string {
	return "view:folder:" + folderID
}

// Definitions returns every task type, bound to the account manager.
func Definitions(accounts *account.Manager) []task.Definition {
	return []task.Definition{
		&accountCreate{accounts: accounts},
		&accountModify{},
		&syncFolderList{accounts: accounts},
		&syncRefresh{accounts: accounts},
		&syncConv{},
		&folderDelete{},
	}
}

func newFolder(id, parentID string, folder mailbox.Folder) *entity.Folder {
	return &entity.Folder{
		ID:         id,
		ParentID:   parentID,
		Type:       folder.Type,
		Name:       folder.Name,
		Path:       folder.Path,
		ServerPath: folder.ServerPath,
		Delimiter:  folder.Delimiter,
		Depth:      folder.Depth,
		LocalOnly:  folder.ServerPath == "",
	}
}
