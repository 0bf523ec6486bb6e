package toc

import (
	"context"
	"time"

	"github.com/creativeprojects/mailsync/entity"
)

// Change is one item changing from the point of view of a query. A zero PreDate means the item
// was not part of the query before, a zero PostDate means it is not anymore.
type Change struct {
	ID       string
	PreDate  time.Time
	PostDate time.Time
	Message  *entity.Message
}

type OpKind int

const (
	OpAdd OpKind = iota
	OpChange
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpChange:
		return "change"
	default:
		return "remove"
	}
}

// Op is what a TOC has to do with one item.
type Op struct {
	Kind OpKind
	Item Item
}

// MessageLoader loads a message by id, returning nil when it does not exist.
type MessageLoader func(ctx context.Context, id string) (*entity.Message, error)

// FilteringStream remembers which items matched and with which date, and turns changes into
// add/change/remove operations. A date change always gives a remove followed by an add.
type FilteringStream struct {
	runner  *FilterRunner
	load    MessageLoader
	pre     []Deriver
	post    []Deriver
	matched map[string]time.Time
}

func NewFilteringStream(runner *FilterRunner, load MessageLoader, pre, post []Deriver) *FilteringStream {
	if runner == nil {
		runner = NewFilterRunner(MatchAll, nil)
	}
	return &FilteringStream{
		runner:  runner,
		load:    load,
		pre:     pre,
		post:    post,
		matched: make(map[string]time.Time),
	}
}

// Check runs the filters on a message, without remembering anything.
func (s *FilteringStream) Check(ctx context.Context, id string, date time.Time, msg *entity.Message) (*Item, error) {
	if msg == nil && s.load != nil {
		var err error
		msg, err = s.load(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	g := newGathered(id, msg)
	for _, deriver := range s.pre {
		g.Derived[deriver.Name] = deriver.Derive(g, nil)
	}
	matched, info, err := s.runner.Run(ctx, g)
	if err != nil || !matched {
		return nil, err
	}
	for _, deriver := range s.post {
		g.Derived[deriver.Name] = deriver.Derive(g, info)
	}
	return &Item{
		ID:      id,
		Date:    date,
		Message: msg,
		Info:    info,
		Derived: g.Derived,
	}, nil
}

// Seed records an item of the initial snapshot.
func (s *FilteringStream) Seed(item Item) {
	s.matched[item.ID] = item.Date
}

func (s *FilteringStream) Consider(ctx context.Context, change Change) ([]Op, error) {
	prevDate, wasMatched := s.matched[change.ID]
	if change.PostDate.IsZero() {
		if !wasMatched {
			return nil, nil
		}
		delete(s.matched, change.ID)
		return []Op{{Kind: OpRemove, Item: Item{ID: change.ID, Date: prevDate}}}, nil
	}

	item, err := s.Check(ctx, change.ID, change.PostDate, change.Message)
	if err != nil {
		return nil, err
	}
	if item == nil {
		if !wasMatched {
			return nil, nil
		}
		delete(s.matched, change.ID)
		return []Op{{Kind: OpRemove, Item: Item{ID: change.ID, Date: prevDate}}}, nil
	}
	s.matched[change.ID] = item.Date
	if !wasMatched {
		return []Op{{Kind: OpAdd, Item: *item}}, nil
	}
	if !prevDate.Equal(item.Date) {
		return []Op{
			{Kind: OpRemove, Item: Item{ID: change.ID, Date: prevDate}},
			{Kind: OpAdd, Item: *item},
		}, nil
	}
	return []Op{{Kind: OpChange, Item: *item}}, nil
}
