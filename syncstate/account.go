package syncstate

import (
	"encoding/json"
	"time"

	"github.com/creativeprojects/mailsync/lib"
)

// AccountState is stored under the account id.
type AccountState struct {
	NextFolderNum uint64 `json:"nextFolderNum"`
	// FolderServerPaths maps a server folder path to the local folder id
	FolderServerPaths map[string]string `json:"folderServerPaths,omitempty"`
}

func NewAccountState() *AccountState {
	return &AccountState{
		FolderServerPaths: make(map[string]string),
	}
}

func LoadAccountState(raw []byte) (*AccountState, error) {
	state, err := Load(raw, NewAccountState)
	if err != nil {
		return nil, err
	}
	if state.FolderServerPaths == nil {
		state.FolderServerPaths = make(map[string]string)
	}
	return state, nil
}

// IssueFolderID returns a folder id never given before for this account.
func (s *AccountState) IssueFolderID(accountID string) string {
	id := lib.FolderID(accountID, s.NextFolderNum)
	s.NextFolderNum++
	return id
}

// FolderState wraps the engine specific state of a folder, stored under the folder id.
type FolderState struct {
	FailedSyncs int             `json:"failedSyncsSinceLastSuccessfulSync"`
	LastSuccess time.Time       `json:"lastSuccess,omitempty"`
	LastAttempt time.Time       `json:"lastAttempt,omitempty"`
	Engine      json.RawMessage `json:"engine,omitempty"`
}

func LoadFolderState(raw []byte) (*FolderState, error) {
	return Load(raw, func() *FolderState {
		return &FolderState{}
	})
}
