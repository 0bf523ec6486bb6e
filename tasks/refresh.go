package tasks

import (
	"time"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/store"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/creativeprojects/mailsync/task"
)

type SyncRefreshArgs struct {
	FolderID string `json:"folderId"`
	Why      string `json:"why,omitempty"`
}

// SyncRefresh returns the task bringing a folder up to date. Its plan result is a channel
// closed once the refresh and everything it spawned completed.
func SyncRefresh(folderID, why string) (task.RawTask, error) {
	return task.NewRaw(TypeSyncRefresh, lib.AccountIDFrom(folderID), SyncRefreshArgs{FolderID: folderID, Why: why})
}

type syncRefresh struct {
	accounts *account.Manager
}

func (d *syncRefresh) Name() string {
	return TypeSyncRefresh
}

// AtMostOnceKey merges the refreshes of the same folder waiting to run.
func (d *syncRefresh) AtMostOnceKey(t *task.Task) string {
	args := SyncRefreshArgs{}
	if err := t.DecodeArgs(&args); err != nil {
		return ""
	}
	return args.FolderID
}

func (d *syncRefresh) Plan(ctx *task.Context, t *task.Task) (*task.PlanResult, error) {
	args := SyncRefreshArgs{}
	if err := t.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if _, err := ctx.DB().ReadFolder(args.FolderID); err != nil {
		return nil, err
	}
	accountID := lib.AccountIDFrom(args.FolderID)
	group := ctx.TrackMeInTaskGroup(RefreshGroup(args.FolderID))
	return &task.PlanResult{
		Planned: &task.Planned{
			AccountID:    accountID,
			Resources:    task.AccountResources(accountID),
			PriorityTags: []string{ViewTag(args.FolderID)},
		},
		Result: group.Done(),
	}, nil
}

// Execute asks the engine what changed since the saved cursor. The new cursor is committed
// together with the sync_conv tasks applying the changes.
func (d *syncRefresh) Execute(ctx *task.Context, t *task.Task) (*task.ExecuteResult, error) {
	args := SyncRefreshArgs{}
	if err := t.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err := ctx.BeginMutate(t.AccountID); err != nil {
		return nil, err
	}
	db := ctx.DB()
	folder, err := db.ReadFolder(args.FolderID)
	if err != nil {
		return nil, err
	}
	if folder.LocalOnly {
		return &task.ExecuteResult{}, nil
	}
	stored, err := db.ReadAccount(t.AccountID)
	if err != nil {
		return nil, err
	}
	rawState, err := db.ReadSyncState(folder.ID)
	if err != nil {
		return nil, err
	}
	state, err := syncstate.LoadFolderState(rawState)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	state.LastAttempt = now
	result, err := d.sync(ctx, stored, folder, state, args.Why)
	if err != nil {
		state.FailedSyncs++
		batch, marshalErr := folderStateBatch(folder.ID, state)
		if marshalErr != nil {
			ctx.Log().Warningf("cannot save failed sync: %v", marshalErr)
		}
		return &task.ExecuteResult{Batch: batch}, err
	}

	state.FailedSyncs = 0
	state.LastSuccess = now
	state.Engine = result.State
	batch, err := folderStateBatch(folder.ID, state)
	if err != nil {
		return nil, err
	}
	batch.ClobberFolder(folder.ID, store.FolderClobber{LastSyncedAt: &now})
	ctx.Log().WithField("folder", folder.ID).Debugf("refresh found %d changes", len(result.Tasks))
	return &task.ExecuteResult{
		Batch:    batch,
		NewTasks: result.Tasks,
		Result:   len(result.Tasks),
	}, nil
}

func (d *syncRefresh) sync(ctx *task.Context, stored *entity.Account, folder *entity.Folder, state *syncstate.FolderState, why string) (*account.SyncResult, error) {
	conn, engine, err := d.accounts.Connection(ctx, stored)
	if err != nil {
		return nil, err
	}
	return engine.SyncFolder(ctx, conn, account.SyncRequest{
		AccountID:    stored.ID,
		Folder:       folder,
		RawState:     state.Engine,
		Why:          why,
		PriorityTags: []string{ViewTag(folder.ID)},
	})
}

func folderStateBatch(folderID string, state *syncstate.FolderState) (*store.Batch, error) {
	raw, err := syncstate.Marshal(state)
	if err != nil {
		return nil, err
	}
	batch := store.NewBatch()
	batch.SetSyncState(folderID, raw)
	return batch, nil
}
