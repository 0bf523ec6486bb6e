// Package remote is the IMAP account type.
package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/emersion/go-imap"
	uidplus "github.com/emersion/go-imap-uidplus"
)

const (
	InboxPath         = "INBOX"
	defaultFetchBatch = 100
)

// Known is what we remember of a synced message, enough to remove it later.
type Known struct {
	Conv string `json:"conv"`
	Key  string `json:"key"`
}

// State is the sync state of one IMAP folder.
type State struct {
	UidValidity uint32           `json:"uidValidity"`
	HighestUID  uint32           `json:"highestUid"`
	Known       map[uint32]Known `json:"known"`
}

type Engine struct {
	log     lib.Logger
	since   time.Time
	batch   int
	timeout time.Duration
}

type Option func(*Engine)

// WithDebugLogger traces the IMAP conversation.
func WithDebugLogger(log lib.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithSince ignores the messages received before since.
func WithSince(since time.Time) Option {
	return func(e *Engine) {
		e.since = since
	}
}

// WithFetchBatch sets the number of messages downloaded per UID FETCH.
func WithFetchBatch(size int) Option {
	return func(e *Engine) {
		e.batch = size
	}
}

// WithTimeout bounds the time spent waiting on any single command.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.timeout = timeout
	}
}

func NewEngine(options ...Option) *Engine {
	engine := &Engine{
		log:   &lib.NoLog{},
		batch: defaultFetchBatch,
	}
	for _, option := range options {
		option(engine)
	}
	if engine.batch < 1 {
		engine.batch = defaultFetchBatch
	}
	return engine
}

func (e *Engine) Type() entity.AccountType {
	return entity.TypeIMAP
}

func (e *Engine) Probe(ctx context.Context, acct *entity.Account) (account.Conn, error) {
	info := acct.ConnInfo
	if info.ServerURL == "" {
		return nil, fmt.Errorf("missing server address: %w", lib.ErrConnection)
	}
	if acct.Credentials.Username == "" || acct.Credentials.Password == "" {
		return nil, fmt.Errorf("missing username or password: %w", lib.ErrUnauthorized)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.log.Printf("Connecting to server %s...", info.ServerURL)
	imapClient, err := dial(info)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to server %s: %s: %w", info.ServerURL, err, lib.ErrConnection)
	}
	imapClient.ErrorLog = e.log
	imapClient.Timeout = e.timeout
	e.log.Print("Connected")

	if err := imapClient.Login(acct.Credentials.Username, acct.Credentials.Password); err != nil {
		_ = imapClient.Logout()
		return nil, fmt.Errorf("authentication failure: %s: %w", err, lib.ErrUnauthorized)
	}
	e.log.Printf("Logged in as %s", acct.Credentials.Username)

	if caps, err := imapClient.Capability(); err == nil {
		e.log.Printf("capabilities: %+v", caps)
	}

	// try to enable UIDPLUS extension
	uidExt := uidplus.NewClient(imapClient)
	supported, err := uidExt.SupportUidPlus()
	if err != nil || !supported {
		e.log.Print("IMAP server does NOT support UIDPLUS extension")
		uidExt = nil
	}

	return &Conn{
		client:        imapClient,
		uidplusClient: uidExt,
		log:           e.log,
		rateLimit:     info.RateLimit,
	}, nil
}

// EssentialFolders: the inbox on the server, plus the folders only living on this side.
func (e *Engine) EssentialFolders() []mailbox.Folder {
	return []mailbox.Folder{
		{
			ServerPath: InboxPath,
			Delimiter:  mailbox.PathDelimiter,
			Name:       InboxPath,
			Path:       InboxPath,
			Type:       entity.FolderInbox,
		},
		{
			Delimiter: mailbox.PathDelimiter,
			Name:      "Outbox",
			Path:      "Outbox",
			Type:      entity.FolderOutbox,
		},
		{
			Delimiter: mailbox.PathDelimiter,
			Name:      "Local Drafts",
			Path:      "Local Drafts",
			Type:      entity.FolderLocalDrafts,
		},
	}
}

func (e *Engine) ListFolders(ctx context.Context, conn account.Conn) ([]mailbox.Info, error) {
	c, err := asConn(conn)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listMailbox()
}

func (e *Engine) NormalizeFolder(info mailbox.Info) mailbox.Folder {
	return mailbox.Normalize(info)
}

func (e *Engine) defaultState() *State {
	return &State{
		Known: make(map[uint32]Known),
	}
}

// SyncFolder downloads the messages above the highest uid seen, and removes the messages gone
// from the folder. A new uid validity invalidates everything synced before.
func (e *Engine) SyncFolder(ctx context.Context, conn account.Conn, request account.SyncRequest) (*account.SyncResult, error) {
	c, err := asConn(conn)
	if err != nil {
		return nil, err
	}
	if request.Folder.ServerPath == "" {
		return nil, fmt.Errorf("folder %s only exists locally", request.Folder.ID)
	}
	helper, err := syncstate.NewHelper(request.RawState, request.AccountID, request.Why, e.defaultState)
	if err != nil {
		return nil, err
	}
	helper.Scheduler.SetPriorityTags(request.PriorityTags...)
	state := helper.State
	if state.Known == nil {
		state.Known = make(map[uint32]Known)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	status, err := c.selectMailbox(request.Folder.ServerPath)
	if err != nil {
		return nil, err
	}
	changes := newChanges(request.Folder.ID)
	if !status.SameGeneration(state.UidValidity) {
		c.log.Printf("uid validity of %q changed from %d to %d", request.Folder.ServerPath, state.UidValidity, status.UidValidity)
		for _, uid := range knownUids(state.Known) {
			changes.remove(uid, state.Known[uid])
		}
		state.Known = make(map[uint32]Known)
		state.HighestUID = 0
	}
	state.UidValidity = status.UidValidity
	if e.since.IsZero() && status.Unchanged(state.HighestUID, len(state.Known)) {
		c.log.Printf("%q unchanged since the last sync", request.Folder.ServerPath)
		return e.finalize(helper, changes)
	}

	criteria := &imap.SearchCriteria{}
	if !e.since.IsZero() {
		// SINCE only has a day granularity
		criteria.Since = e.since.AddDate(0, 0, -1)
	}
	uids, err := c.searchUids(criteria)
	if err != nil {
		return nil, err
	}
	present := make(map[uint32]bool, len(uids))
	fresh := make([]uint32, 0)
	for _, uid := range uids {
		present[uid] = true
		if uid > state.HighestUID {
			fresh = append(fresh, uid)
		}
	}
	for _, uid := range knownUids(state.Known) {
		if !present[uid] {
			changes.remove(uid, state.Known[uid])
			delete(state.Known, uid)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })

	for start := 0; start < len(fresh); start += e.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + e.batch
		if end > len(fresh) {
			end = len(fresh)
		}
		messages, err := c.fetchMessages(ctx, fresh[start:end])
		if err != nil {
			return nil, err
		}
		for _, message := range messages {
			uid := message.Uid.AsUint()
			info := message.Info()
			known := Known{Conv: message.ConversationKey(), Key: info.Key}
			changes.upsert(uid, known.Conv, info)
			state.Known[uid] = known
		}
		if fresh[end-1] > state.HighestUID {
			state.HighestUID = fresh[end-1]
		}
	}

	return e.finalize(helper, changes)
}

func (e *Engine) finalize(helper *syncstate.Helper[*State], pending *changes) (*account.SyncResult, error) {
	if err := pending.schedule(helper.Scheduler, helper.State.UidValidity); err != nil {
		return nil, err
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

// changes gathers the upserts and removals per conversation, in the order they were found.
type changes struct {
	folderID string
	order    []string
	convs    map[string]*convChange
}

type convChange struct {
	sync syncstate.ConversationSync
	uids []string
}

func newChanges(folderID string) *changes {
	return &changes{
		folderID: folderID,
		convs:    make(map[string]*convChange),
	}
}

func (c *changes) conv(key string) *convChange {
	change, ok := c.convs[key]
	if !ok {
		change = &convChange{
			sync: syncstate.ConversationSync{
				FolderID: c.folderID,
				ConvKey:  key,
			},
		}
		c.convs[key] = change
		c.order = append(c.order, key)
	}
	return change
}

func (c *changes) remove(uid uint32, known Known) {
	change := c.conv(known.Conv)
	change.sync.Removals = append(change.sync.Removals, known.Key)
	change.uids = append(change.uids, "-"+strconv.FormatUint(uint64(uid), 10))
}

func (c *changes) upsert(uid uint32, convKey string, info syncstate.MessageInfo) {
	change := c.conv(convKey)
	change.sync.Upserts = append(change.sync.Upserts, info)
	change.uids = append(change.uids, "+"+strconv.FormatUint(uint64(uid), 10))
}

func (c *changes) schedule(scheduler *syncstate.Scheduler, uidValidity uint32) error {
	for _, key := range c.order {
		change := c.convs[key]
		revision := syncstate.Revision(strconv.FormatUint(uint64(uidValidity), 10), strings.Join(change.uids, ","))
		if _, err := scheduler.SyncConversation(change.sync, revision); err != nil {
			return err
		}
	}
	return nil
}

func knownUids(known map[uint32]Known) []uint32 {
	uids := make([]uint32, 0, len(known))
	for uid := range known {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func asConn(conn account.Conn) (*Conn, error) {
	c, ok := conn.(*Conn)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return c, nil
}
