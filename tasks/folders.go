package tasks

import (
	"errors"
	"sort"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/store"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/creativeprojects/mailsync/task"
)

func SyncFolderList(accountID string) (task.RawTask, error) {
	return task.NewRaw(TypeSyncFolderList, accountID, nil)
}

type syncFolderList struct {
	accounts *account.Manager
}

func (d *syncFolderList) Name() string {
	return TypeSyncFolderList
}

func (d *syncFolderList) Plan(ctx *task.Context, t *task.Task) (*task.PlanResult, error) {
	if _, err := ctx.DB().ReadAccount(t.AccountID); err != nil {
		return nil, err
	}
	return &task.PlanResult{
		Planned: &task.Planned{
			Resources: task.AccountResources(t.AccountID),
		},
	}, nil
}

// FolderListResult is the result of a sync_folder_list task.
type FolderListResult struct {
	Added   []string
	Changed []string
	Removed []string
}

// Execute mirrors the server folders: new ones get a folder id from the account sync state,
// the local folders gone from the server are deleted with their messages.
func (d *syncFolderList) Execute(ctx *task.Context, t *task.Task) (*task.ExecuteResult, error) {
	if err := ctx.BeginMutate(t.AccountID); err != nil {
		return nil, err
	}
	db := ctx.DB()
	stored, err := db.ReadAccount(t.AccountID)
	if err != nil {
		return nil, err
	}
	conn, engine, err := d.accounts.Connection(ctx, stored)
	if err != nil {
		return nil, err
	}
	infos, err := engine.ListFolders(ctx, conn)
	if err != nil {
		return nil, err
	}

	rawState, err := db.ReadSyncState(stored.ID)
	if err != nil {
		return nil, err
	}
	state, err := syncstate.LoadAccountState(rawState)
	if err != nil {
		return nil, err
	}
	locals, err := db.ListFolders(stored.ID)
	if err != nil {
		return nil, err
	}
	localByID := make(map[string]*entity.Folder, len(locals))
	for _, folder := range locals {
		localByID[folder.ID] = folder
	}

	remotes := make([]mailbox.Folder, 0, len(infos))
	listed := make(map[string]bool, len(infos))
	for _, info := range infos {
		if !info.Selectable() {
			continue
		}
		folder := engine.NormalizeFolder(info)
		remotes = append(remotes, folder)
		listed[folder.Path] = true
	}
	sort.Slice(remotes, func(i, j int) bool {
		if remotes[i].Depth != remotes[j].Depth {
			return remotes[i].Depth < remotes[j].Depth
		}
		return remotes[i].Path < remotes[j].Path
	})

	batch := store.NewBatch()
	result := &FolderListResult{}
	idByPath := make(map[string]string, len(remotes))
	pending := remotes
	for len(pending) > 0 {
		var deferred []mailbox.Folder
		for _, remote := range pending {
			parentID, err := resolveParent(remote, idByPath, listed)
			if errors.Is(err, lib.ErrDefer) {
				deferred = append(deferred, remote)
				continue
			}
			id, known := state.FolderServerPaths[remote.ServerPath]
			local := localByID[id]
			if !known || local == nil {
				id = state.IssueFolderID(stored.ID)
				state.FolderServerPaths[remote.ServerPath] = id
				batch.NewFolders = append(batch.NewFolders, newFolder(id, parentID, remote))
				result.Added = append(result.Added, id)
			} else if folderChanged(local, parentID, remote) {
				updated := newFolder(id, parentID, remote)
				updated.LastSyncedAt = local.LastSyncedAt
				if remote.Type == entity.FolderNormal {
					// keep the type of the essential folders
					updated.Type = local.Type
				}
				batch.SetFolder(updated)
				result.Changed = append(result.Changed, id)
			}
			idByPath[remote.Path] = id
		}
		if len(deferred) == len(pending) {
			// a cycle in the hierarchy cannot be resolved: attach the rest at the top
			for _, remote := range deferred {
				listed[remote.ParentPath] = false
			}
		}
		pending = deferred
	}

	for _, local := range locals {
		if local.LocalOnly || local.ServerPath == "" {
			continue
		}
		if id, known := state.FolderServerPaths[local.ServerPath]; known && id == local.ID && serverPathListed(remotes, local.ServerPath) {
			continue
		}
		ctx.Log().WithField("folder", local.ID).Infof("folder %q is gone from the server", local.Path)
		batch.DeleteFolder(local.ID)
		batch.SetSyncState(local.ID, nil)
		if state.FolderServerPaths[local.ServerPath] == local.ID {
			delete(state.FolderServerPaths, local.ServerPath)
		}
		result.Removed = append(result.Removed, local.ID)
	}

	raw, err := syncstate.Marshal(state)
	if err != nil {
		return nil, err
	}
	batch.SetSyncState(stored.ID, raw)
	return &task.ExecuteResult{
		Batch:  batch,
		Result: result,
	}, nil
}

// resolveParent returns lib.ErrDefer while the parent folder is listed but has no id yet.
func resolveParent(folder mailbox.Folder, idByPath map[string]string, listed map[string]bool) (string, error) {
	if folder.ParentPath == "" {
		return "", nil
	}
	if id, found := idByPath[folder.ParentPath]; found {
		return id, nil
	}
	if listed[folder.ParentPath] {
		return "", lib.ErrDefer
	}
	return "", nil
}

func folderChanged(local *entity.Folder, parentID string, remote mailbox.Folder) bool {
	return local.ParentID != parentID ||
		local.Name != remote.Name ||
		local.Path != remote.Path ||
		local.Depth != remote.Depth ||
		local.Delimiter != remote.Delimiter ||
		(remote.Type != entity.FolderNormal && local.Type != remote.Type)
}

func serverPathListed(remotes []mailbox.Folder, serverPath string) bool {
	for _, remote := range remotes {
		if remote.ServerPath == serverPath {
			return true
		}
	}
	return false
}

type FolderDeleteArgs struct {
	FolderID string `json:"folderId"`
}

func DeleteFolder(folderID string) (task.RawTask, error) {
	return task.NewRaw(TypeFolderDelete, lib.AccountIDFrom(folderID), FolderDeleteArgs{FolderID: folderID})
}

type folderDelete struct{}

func (d *folderDelete) Name() string {
	return TypeFolderDelete
}

func (d *folderDelete) Plan(ctx *task.Context, t *task.Task) (*task.PlanResult, error) {
	args := FolderDeleteArgs{}
	if err := t.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if _, err := ctx.DB().ReadFolder(args.FolderID); err != nil {
		return nil, err
	}
	return &task.PlanResult{
		Planned: &task.Planned{
			AccountID: lib.AccountIDFrom(args.FolderID),
		},
	}, nil
}

// Execute deletes the folder locally, with the messages only found in it.
func (d *folderDelete) Execute(ctx *task.Context, t *task.Task) (*task.ExecuteResult, error) {
	args := FolderDeleteArgs{}
	if err := t.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err := ctx.BeginMutate(t.AccountID); err != nil {
		return nil, err
	}
	rawState, err := ctx.DB().ReadSyncState(t.AccountID)
	if err != nil {
		return nil, err
	}
	state, err := syncstate.LoadAccountState(rawState)
	if err != nil {
		return nil, err
	}
	for serverPath, id := range state.FolderServerPaths {
		if id == args.FolderID {
			delete(state.FolderServerPaths, serverPath)
		}
	}
	raw, err := syncstate.Marshal(state)
	if err != nil {
		return nil, err
	}
	batch := store.NewBatch()
	batch.DeleteFolder(args.FolderID)
	batch.SetSyncState(args.FolderID, nil)
	batch.SetSyncState(t.AccountID, raw)
	return &task.ExecuteResult{Batch: batch}, nil
}
