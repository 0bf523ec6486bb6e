package tasks

import (
	"fmt"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/store"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/creativeprojects/mailsync/task"
)

type AccountCreateArgs struct {
	Name        string             `json:"name"`
	Type        entity.AccountType `json:"type"`
	Credentials entity.Credentials `json:"credentials"`
	ConnInfo    entity.ConnInfo    `json:"connInfo"`
}

// CreateAccount returns the task creating an account. Its plan result is the account id.
func CreateAccount(args AccountCreateArgs) (task.RawTask, error) {
	return task.NewRaw(TypeAccountCreate, "", args)
}

type accountCreate struct {
	accounts *account.Manager
}

func (d *accountCreate) Name() string {
	return TypeAccountCreate
}

// Plan writes the account with its essential folders. Creating an account already
// known (same server and user) returns the existing id.
func (d *accountCreate) Plan(ctx *task.Context, t *task.Task) (*task.PlanResult, error) {
	args := AccountCreateArgs{}
	if err := t.DecodeArgs(&args); err != nil {
		return nil, err
	}
	engine, err := d.accounts.Registry().Get(args.Type)
	if err != nil {
		return nil, err
	}
	tag := lib.AccountTag(args.ConnInfo.ServerURL+args.ConnInfo.Root, args.Credentials.Username)

	db := ctx.DB()
	existing, err := db.ListAccounts()
	if err != nil {
		return nil, err
	}
	for _, known := range existing {
		if known.Tag == tag {
			ctx.Log().Debugf("account %q already exists as %s", args.Name, known.ID)
			return &task.PlanResult{Result: known.ID}, nil
		}
	}

	var num uint64
	raw, err := db.ReadMeta(nextAccountNumKey)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		num = store.DeserializeUint64(raw)
	}
	accountID := lib.AccountID(num)

	batch := store.NewBatch()
	batch.SetMeta(nextAccountNumKey, store.SerializeUint64(num+1))
	batch.NewAccounts = append(batch.NewAccounts, &entity.Account{
		ID:          accountID,
		Name:        args.Name,
		Type:        args.Type,
		Tag:         tag,
		Credentials: args.Credentials,
		ConnInfo:    args.ConnInfo,
		Enabled:     true,
	})
	state := syncstate.NewAccountState()
	for _, essential := range engine.EssentialFolders() {
		id := state.IssueFolderID(accountID)
		batch.NewFolders = append(batch.NewFolders, newFolder(id, "", essential))
		if essential.ServerPath != "" {
			state.FolderServerPaths[essential.ServerPath] = id
		}
	}
	rawState, err := syncstate.Marshal(state)
	if err != nil {
		return nil, err
	}
	batch.SetSyncState(accountID, rawState)

	return &task.PlanResult{
		Planned: &task.Planned{
			AccountID: accountID,
			Resources: []string{task.ResourceOnline},
		},
		Result: accountID,
		Batch:  batch,
	}, nil
}

// Execute probes the new account, then lists its folders.
func (d *accountCreate) Execute(ctx *task.Context, t *task.Task) (*task.ExecuteResult, error) {
	stored, err := ctx.DB().ReadAccount(t.AccountID)
	if err != nil {
		return nil, err
	}
	if _, _, err := d.accounts.Connection(ctx, stored); err != nil {
		return nil, err
	}
	next, err := SyncFolderList(stored.ID)
	if err != nil {
		return nil, err
	}
	return &task.ExecuteResult{
		NewTasks: []task.RawTask{next},
		Result:   stored.ID,
	}, nil
}

type AccountModifyArgs struct {
	Name        *string             `json:"name,omitempty"`
	Credentials *entity.Credentials `json:"credentials,omitempty"`
	Enabled     *bool               `json:"enabled,omitempty"`
}

// ModifyAccount returns the task changing an account. It clears the account problems:
// the account manager provides the account resources again.
func ModifyAccount(accountID string, args AccountModifyArgs) (task.RawTask, error) {
	return task.NewRaw(TypeAccountModify, accountID, args)
}

type accountModify struct{}

func (d *accountModify) Name() string {
	return TypeAccountModify
}

func (d *accountModify) Plan(ctx *task.Context, t *task.Task) (*task.PlanResult, error) {
	args := AccountModifyArgs{}
	if err := t.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if _, err := ctx.DB().ReadAccount(t.AccountID); err != nil {
		return nil, fmt.Errorf("cannot modify account: %w", err)
	}
	cleared := entity.Problems{}
	batch := store.NewBatch()
	batch.ClobberAccount(t.AccountID, store.AccountClobber{
		Name:        args.Name,
		Credentials: args.Credentials,
		Enabled:     args.Enabled,
		Problems:    &cleared,
	})
	return &task.PlanResult{
		Result: t.AccountID,
		Batch:  batch,
	}, nil
}

func (d *accountModify) Execute(ctx *task.Context, t *task.Task) (*task.ExecuteResult, error) {
	return &task.ExecuteResult{}, nil
}
