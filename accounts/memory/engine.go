// Package memory is a calendar account type served by an in-process Server.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/syncstate"
)

const (
	Delimiter       = "/"
	defaultPageSize = 50
)

// State is the sync state of one calendar.
type State struct {
	SyncToken uint64 `json:"syncToken"`
	// Horizon: the events starting before are not synced
	Horizon time.Time `json:"horizon"`
	// Known maps the id of the synced events to the sequence number of their last change
	Known map[string]uint64 `json:"known"`
}

type Engine struct {
	mu       sync.Mutex
	servers  map[string]*Server
	pageSize int
	horizon  time.Time
}

type Option func(*Engine)

// WithPageSize sets the number of changes fetched per request.
func WithPageSize(size int) Option {
	return func(e *Engine) {
		e.pageSize = size
	}
}

// WithHorizon ignores the events starting before the horizon on the first sync.
func WithHorizon(horizon time.Time) Option {
	return func(e *Engine) {
		e.horizon = horizon
	}
}

func NewEngine(options ...Option) *Engine {
	engine := &Engine{
		servers:  make(map[string]*Server),
		pageSize: defaultPageSize,
	}
	for _, option := range options {
		option(engine)
	}
	return engine
}

// AddServer makes the server reachable at the given URL.
func (e *Engine) AddServer(serverURL string, server *Server) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.servers[serverURL] = server
}

func (e *Engine) Type() entity.AccountType {
	return entity.TypeCalendar
}

type Conn struct {
	server   *Server
	username string
	password string
}

func (c *Conn) Close() error {
	return nil
}

func (e *Engine) Probe(ctx context.Context, acct *entity.Account) (account.Conn, error) {
	e.mu.Lock()
	server, ok := e.servers[acct.ConnInfo.ServerURL]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no calendar server at %q: %w", acct.ConnInfo.ServerURL, lib.ErrConnection)
	}
	if err := server.login(acct.Credentials.Username, acct.Credentials.Password); err != nil {
		return nil, err
	}
	return &Conn{
		server:   server,
		username: acct.Credentials.Username,
		password: acct.Credentials.Password,
	}, nil
}

func (e *Engine) EssentialFolders() []mailbox.Folder {
	return []mailbox.Folder{
		{
			ServerPath: DefaultCalendar,
			Delimiter:  Delimiter,
			Name:       DefaultCalendar,
			Path:       DefaultCalendar,
			Type:       entity.FolderCalendar,
		},
	}
}

func (e *Engine) ListFolders(ctx context.Context, conn account.Conn) ([]mailbox.Info, error) {
	c, err := asConn(conn)
	if err != nil {
		return nil, err
	}
	names, err := c.server.listCalendars(c.username, c.password)
	if err != nil {
		return nil, err
	}
	list := make([]mailbox.Info, len(names))
	for index, name := range names {
		list[index] = mailbox.Info{
			Delimiter: Delimiter,
			Name:      name,
		}
	}
	return list, nil
}

// NormalizeFolder: every folder of a calendar account is a calendar.
func (e *Engine) NormalizeFolder(info mailbox.Info) mailbox.Folder {
	folder := mailbox.Normalize(info)
	folder.Type = entity.FolderCalendar
	return folder
}

func (e *Engine) defaultState() *State {
	return &State{
		Horizon: e.horizon,
		Known:   make(map[string]uint64),
	}
}

// SyncFolder reads every change since the sync token, page by page. Nothing is kept of a sync
// failing half way: the next one starts again from the same token.
func (e *Engine) SyncFolder(ctx context.Context, conn account.Conn, request account.SyncRequest) (*account.SyncResult, error) {
	c, err := asConn(conn)
	if err != nil {
		return nil, err
	}
	helper, err := syncstate.NewHelper(request.RawState, request.AccountID, request.Why, e.defaultState)
	if err != nil {
		return nil, err
	}
	if helper.State.Known == nil {
		helper.State.Known = make(map[string]uint64)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, more, err := c.server.changes(c.username, c.password, request.Folder.ServerPath, helper.State.SyncToken, e.pageSize)
		if err != nil {
			return nil, err
		}
		for _, ev := range page {
			if err := ingestEvent(helper, request.Folder.ID, ev, request.PriorityTags); err != nil {
				return nil, err
			}
		}
		if !more {
			break
		}
	}
	raw, tasks, err := helper.Finalize()
	if err != nil {
		return nil, err
	}
	return &account.SyncResult{
		State: raw,
		Tasks: tasks,
	}, nil
}

// ingestEvent turns one change into at most one sync_conv task, planned with the priority tags,
// and moves the sync token. A change already ingested gives no task.
func ingestEvent(helper *syncstate.Helper[*State], folderID string, ev change, priority []string) error {
	state := helper.State
	if ev.Seq > state.SyncToken {
		state.SyncToken = ev.Seq
	}
	seen, known := state.Known[ev.ID]
	if known && seen >= ev.Seq {
		return nil
	}
	revision := syncstate.Revision(strconv.FormatUint(ev.Seq, 10))
	if ev.Deleted || ev.Start.Before(state.Horizon) {
		if !known {
			return nil
		}
		delete(state.Known, ev.ID)
		_, err := helper.Scheduler.SyncConversation(syncstate.ConversationSync{
			FolderID:     folderID,
			ConvKey:      ev.ID,
			Removals:     []string{ev.ID},
			PriorityTags: priority,
		}, revision)
		return err
	}
	state.Known[ev.ID] = ev.Seq
	_, err := helper.Scheduler.SyncConversation(syncstate.ConversationSync{
		FolderID:     folderID,
		ConvKey:      ev.ID,
		Upserts:      []syncstate.MessageInfo{eventInfo(ev.Event)},
		PriorityTags: priority,
	}, revision)
	return err
}

func eventInfo(event Event) syncstate.MessageInfo {
	return syncstate.MessageInfo{
		Key:     event.ID,
		UID:     event.ID,
		Date:    event.Start,
		Subject: event.Title,
		Author:  event.Organizer,
		Snippet: mailbox.Snippet(event.Description),
	}
}

func asConn(conn account.Conn) (*Conn, error) {
	c, ok := conn.(*Conn)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return c, nil
}
