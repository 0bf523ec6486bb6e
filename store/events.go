package store

import (
	"strings"

	"github.com/creativeprojects/mailsync/entity"
)

type Kind string

const (
	KindAccount      Kind = "acct"
	KindFolder       Kind = "fldr"
	KindConversation Kind = "conv"
	KindMessage      Kind = "msg"
)

type Op string

const (
	OpAdd    Op = "add"
	OpChange Op = "change"
	OpRemove Op = "remove"
)

// Wildcard matches any id or any operation in an event name.
const Wildcard = "*"

// EventName formats "<kind>!<id|*>!<add|change|remove|*>".
func EventName(kind Kind, id string, op Op) string {
	return string(kind) + "!" + id + "!" + string(op)
}

// Event describes one committed change. Prev is nil for an add, New is nil for a remove.
// Added and Removed carry the folder relations gained or lost by a message.
type Event struct {
	Kind    Kind
	Op      Op
	ID      string
	Prev    any
	New     any
	Added   []string
	Removed []string
}

func (e Event) Name() string {
	return EventName(e.Kind, e.ID, e.Op)
}

func (e Event) PrevMessage() *entity.Message {
	msg, _ := e.Prev.(*entity.Message)
	return msg
}

func (e Event) NewMessage() *entity.Message {
	msg, _ := e.New.(*entity.Message)
	return msg
}

func (e Event) PrevFolder() *entity.Folder {
	folder, _ := e.Prev.(*entity.Folder)
	return folder
}

func (e Event) NewFolder() *entity.Folder {
	folder, _ := e.New.(*entity.Folder)
	return folder
}

func (e Event) PrevAccount() *entity.Account {
	account, _ := e.Prev.(*entity.Account)
	return account
}

func (e Event) NewAccount() *entity.Account {
	account, _ := e.New.(*entity.Account)
	return account
}

func (e Event) NewConversation() *entity.Conversation {
	conv, _ := e.New.(*entity.Conversation)
	return conv
}

// Matches reports whether the event name pattern (possibly with wildcards) selects the event.
func Matches(pattern string, ev Event) bool {
	parts := strings.Split(pattern, "!")
	if len(parts) != 3 {
		return false
	}
	if parts[0] != string(ev.Kind) {
		return false
	}
	if parts[1] != Wildcard && parts[1] != ev.ID {
		return false
	}
	return parts[2] == Wildcard || parts[2] == string(ev.Op)
}
