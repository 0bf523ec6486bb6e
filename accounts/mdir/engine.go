// Package mdir is the local maildir account type: each sub-directory of the account root is a folder.
package mdir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creativeprojects/mailsync/account"
	"github.com/creativeprojects/mailsync/entity"
	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mailbox"
	"github.com/creativeprojects/mailsync/syncstate"
	"github.com/emersion/go-maildir"
)

const (
	Delimiter = "."
	InboxPath = "INBOX"
	// maxMessageRead is enough for the header and the beginning of the body
	maxMessageRead = 256 * 1024
)

// Known is what we remember of a synced message file.
type Known struct {
	Conv  string `json:"conv"`
	Key   string `json:"key"`
	Flags string `json:"flags"`
}

// State is the sync state of one maildir folder, indexed by maildir key.
type State struct {
	Known map[string]Known `json:"known"`
}

type Engine struct {
	log   lib.Logger
	since time.Time
}

type Option func(*Engine)

func WithDebugLogger(log lib.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithSince ignores the messages older than since.
func WithSince(since time.Time) Option {
	return func(e *Engine) {
		e.since = since
	}
}

func NewEngine(options ...Option) *Engine {
	engine := &Engine{
		log: &lib.NoLog{},
	}
	for _, option := range options {
		option(engine)
	}
	return engine
}

func (e *Engine) Type() entity.AccountType {
	return entity.TypeMaildir
}

// Conn is an opened maildir root.
type Conn struct {
	mu   sync.Mutex
	root string
	log  lib.Logger
}

func (c *Conn) Close() error {
	return nil
}

func (c *Conn) Root() string {
	return c.root
}

// Probe checks the root directory, and creates the inbox when missing.
func (e *Engine) Probe(ctx context.Context, acct *entity.Account) (account.Conn, error) {
	if runtime.GOOS == "windows" {
		return nil, errors.New("maildir is not supported on Windows")
	}
	root := acct.ConnInfo.Root
	if root == "" {
		return nil, fmt.Errorf("missing maildir root: %w", lib.ErrConnection)
	}
	stat, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot open maildir %q: %s: %w", root, err, lib.ErrConnection)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("maildir %q is not a directory: %w", root, lib.ErrConnection)
	}
	conn := &Conn{
		root: root,
		log:  e.log,
	}
	if err := conn.createMailbox(InboxPath); err != nil {
		return nil, err
	}
	return conn, nil
}

func (e *Engine) EssentialFolders() []mailbox.Folder {
	return []mailbox.Folder{
		{
			ServerPath: InboxPath,
			Delimiter:  Delimiter,
			Name:       InboxPath,
			Path:       InboxPath,
			Type:       entity.FolderInbox,
		},
	}
}

func (e *Engine) ListFolders(ctx context.Context, conn account.Conn) ([]mailbox.Info, error) {
	c, err := asConn(conn)
	if err != nil {
		return nil, err
	}
	return c.listMailbox()
}

func (e *Engine) NormalizeFolder(info mailbox.Info) mailbox.Folder {
	return mailbox.Normalize(info)
}

func (e *Engine) defaultState() *State {
	return &State{
		Known: make(map[string]Known),
	}
}

// SyncFolder compares the files of the folder with the ones seen last time: new files and files
// with new flags are upserted, files gone are removed.
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
		state.Known = make(map[string]Known)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.keys(request.Folder.ServerPath)
	if err != nil {
		return nil, err
	}
	dir := c.dir(request.Folder.ServerPath)
	present := make(map[string]bool, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		present[key] = true
		flags, err := dir.Flags(key)
		if err != nil {
			return nil, fmt.Errorf("cannot read flags of key %q: %w", key, err)
		}
		revision := flagsRevision(flags)
		if known, found := state.Known[key]; found && known.Flags == revision {
			continue
		}
		message, err := c.readMessage(dir, key, flags, e.since)
		if err != nil {
			return nil, err
		}
		if message == nil {
			continue
		}
		info := message.Info()
		known := Known{Conv: message.ConversationKey(), Key: info.Key, Flags: revision}
		_, err = helper.Scheduler.SyncConversation(syncstate.ConversationSync{
			FolderID: request.Folder.ID,
			ConvKey:  known.Conv,
			Upserts:  []syncstate.MessageInfo{info},
		}, syncstate.Revision(key, revision))
		if err != nil {
			return nil, err
		}
		state.Known[key] = known
	}

	gone := make([]string, 0)
	for key := range state.Known {
		if !present[key] {
			gone = append(gone, key)
		}
	}
	sort.Strings(gone)
	for _, key := range gone {
		known := state.Known[key]
		_, err = helper.Scheduler.SyncConversation(syncstate.ConversationSync{
			FolderID: request.Folder.ID,
			ConvKey:  known.Conv,
			Removals: []string{known.Key},
		}, syncstate.Revision(key, "gone"))
		if err != nil {
			return nil, err
		}
		delete(state.Known, key)
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

func (c *Conn) dir(name string) maildir.Dir {
	return maildir.Dir(filepath.Join(c.root, name))
}

// createMailbox doesn't return an error if the mailbox already exists
func (c *Conn) createMailbox(name string) error {
	dirName := filepath.Join(c.root, name)
	if _, err := os.Stat(dirName); err == nil || errors.Is(err, fs.ErrExist) {
		return nil
	}
	c.log.Printf("Creating mailbox %q", name)
	return maildir.Dir(dirName).Init()
}

func (c *Conn) listMailbox() ([]mailbox.Info, error) {
	list := make([]mailbox.Info, 0)
	files, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, lib.ErrConnection)
	}
	for _, file := range files {
		if !file.IsDir() || strings.HasPrefix(file.Name(), ".") {
			continue
		}
		list = append(list, mailbox.Info{
			Delimiter: Delimiter,
			Name:      file.Name(),
		})
	}
	return list, nil
}

// keys moves the new deliveries to cur, then lists the folder.
func (c *Conn) keys(name string) ([]string, error) {
	dir := c.dir(name)
	if _, err := dir.Unseen(); err != nil {
		return nil, fmt.Errorf("cannot read new messages of %q: %w", name, err)
	}
	keys, err := dir.Keys()
	if err != nil {
		return nil, fmt.Errorf("cannot list messages of %q: %w", name, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// readMessage returns nil for a message older than since.
func (c *Conn) readMessage(dir maildir.Dir, key string, flags []maildir.Flag, since time.Time) (*mailbox.Message, error) {
	filename, err := dir.Filename(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot stat %q: %w", filename, err)
	}
	if !since.IsZero() && info.ModTime().Before(since) {
		return nil, nil
	}
	file, err := dir.Open(key)
	if err != nil {
		return nil, fmt.Errorf("cannot open key %q: %w", key, err)
	}
	defer file.Close()
	body, err := io.ReadAll(io.LimitReader(file, maxMessageRead))
	if err != nil {
		return nil, fmt.Errorf("cannot read key %q: %w", key, err)
	}
	message := &mailbox.Message{
		Flags:        flagsToStrings(flags),
		InternalDate: info.ModTime(),
		Size:         uint32(info.Size()),
		Uid:          mailbox.NewMessageIDFromString(key),
	}
	message.Envelope, message.Snippet, err = mailbox.ParseMessage(body)
	if err != nil {
		c.log.Printf("message key %q: %s", key, err)
	}
	return message, nil
}

// Deliver stores a new message in a folder, creating the folder when needed.
func (c *Conn) Deliver(name string, flags []string, date time.Time, body []byte) (mailbox.MessageID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.createMailbox(name); err != nil {
		return mailbox.EmptyMessageID, err
	}
	dir := c.dir(name)
	key, writer, err := dir.Create(toFlags(flags))
	if err != nil {
		return mailbox.EmptyMessageID, err
	}
	copied, err := io.Copy(writer, bytes.NewReader(body))
	if err != nil {
		_ = writer.Close()
		return mailbox.EmptyMessageID, err
	}
	if err := writer.Close(); err != nil {
		return mailbox.EmptyMessageID, err
	}
	c.log.Printf("Message saved: mailbox=%q key=%q size=%d flags=%v", name, key, copied, flags)
	if !date.IsZero() {
		if filename, err := dir.Filename(key); err == nil {
			_ = os.Chtimes(filename, time.Now(), date)
		}
	}
	return mailbox.NewMessageIDFromString(key), nil
}

func asConn(conn account.Conn) (*Conn, error) {
	c, ok := conn.(*Conn)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return c, nil
}
