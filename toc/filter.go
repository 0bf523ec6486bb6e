package toc

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/creativeprojects/mailsync/entity"
)

// Gathered is everything known about one item while it goes through the filters.
type Gathered struct {
	ID      string
	Message *entity.Message
	// Extra holds what the gatherers loaded, by need name
	Extra map[string]any
	// Derived holds what the derivers computed, by deriver name
	Derived map[string]any
}

func newGathered(id string, msg *entity.Message) *Gathered {
	return &Gathered{
		ID:      id,
		Message: msg,
		Extra:   make(map[string]any),
		Derived: make(map[string]any),
	}
}

// GatherFunc loads one need into g.Extra.
type GatherFunc func(ctx context.Context, g *Gathered) (any, error)

// MatchInfo is what the filters reported, by filter name.
type MatchInfo map[string]any

// Filter decides whether an item matches. Needs lists the gatherers the filter depends on:
// they only run when the filter runs.
type Filter struct {
	Name      string
	Cost      int
	AlwaysRun bool
	Needs     []string
	Match     func(g *Gathered) (bool, any)
}

type Mode int

const (
	// MatchAll requires every filter to match
	MatchAll Mode = iota
	// MatchAny requires one filter to match
	MatchAny
)

// FilterRunner runs the cheap filters first and skips the remaining ones as soon as the
// outcome is known, unless they are marked AlwaysRun.
type FilterRunner struct {
	mode      Mode
	filters   []Filter
	gatherers map[string]GatherFunc
}

func NewFilterRunner(mode Mode, gatherers map[string]GatherFunc, filters ...Filter) *FilterRunner {
	sorted := append([]Filter(nil), filters...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Cost < sorted[j].Cost
	})
	return &FilterRunner{
		mode:      mode,
		filters:   sorted,
		gatherers: gatherers,
	}
}

func (r *FilterRunner) decided(matched bool) bool {
	if r.mode == MatchAny {
		return matched
	}
	return !matched
}

func (r *FilterRunner) Run(ctx context.Context, g *Gathered) (bool, MatchInfo, error) {
	info := make(MatchInfo)
	if len(r.filters) == 0 {
		return true, info, nil
	}
	matched := r.mode == MatchAll
	for _, filter := range r.filters {
		if r.decided(matched) && !filter.AlwaysRun {
			continue
		}
		if err := r.gather(ctx, g, filter.Needs); err != nil {
			return false, nil, err
		}
		ok, detail := filter.Match(g)
		if detail != nil {
			info[filter.Name] = detail
		}
		if r.mode == MatchAll && !ok {
			matched = false
		}
		if r.mode == MatchAny && ok {
			matched = true
		}
	}
	return matched, info, nil
}

func (r *FilterRunner) gather(ctx context.Context, g *Gathered, needs []string) error {
	for _, need := range needs {
		if _, done := g.Extra[need]; done {
			continue
		}
		gatherer, found := r.gatherers[need]
		if !found {
			return fmt.Errorf("no gatherer for %q", need)
		}
		value, err := gatherer(ctx, g)
		if err != nil {
			return fmt.Errorf("gathering %s of %s: %w", need, g.ID, err)
		}
		g.Extra[need] = value
	}
	return nil
}

// Deriver computes a value for an item, stored in Gathered.Derived.
type Deriver struct {
	Name   string
	Derive func(g *Gathered, info MatchInfo) any
}

// FlagFilter matches the messages having (or not having) the flag.
func FlagFilter(flag string, want bool) Filter {
	return Filter{
		Name: "flag:" + flag,
		Cost: 1,
		Match: func(g *Gathered) (bool, any) {
			return g.Message != nil && g.Message.HasFlag(flag) == want, nil
		},
	}
}

// SubjectFilter matches the messages whose subject contains text, ignoring the case.
// The match position is reported.
func SubjectFilter(text string) Filter {
	needle := strings.ToLower(text)
	return Filter{
		Name: "subject",
		Cost: 10,
		Match: func(g *Gathered) (bool, any) {
			if g.Message == nil {
				return false, nil
			}
			index := strings.Index(strings.ToLower(g.Message.Subject), needle)
			if index < 0 {
				return false, nil
			}
			return true, index
		},
	}
}

// AuthorFilter matches the messages whose author contains text, ignoring the case.
func AuthorFilter(text string) Filter {
	needle := strings.ToLower(text)
	return Filter{
		Name: "author",
		Cost: 10,
		Match: func(g *Gathered) (bool, any) {
			if g.Message == nil {
				return false, nil
			}
			return strings.Contains(strings.ToLower(g.Message.Author), needle), nil
		},
	}
}

const NeedConversation = "conversation"

// UnreadConversationFilter matches the messages of conversations having unread messages.
// It needs the conversation gatherer.
func UnreadConversationFilter() Filter {
	return Filter{
		Name:  "unreadConversation",
		Cost:  100,
		Needs: []string{NeedConversation},
		Match: func(g *Gathered) (bool, any) {
			conv, _ := g.Extra[NeedConversation].(*entity.Conversation)
			return conv != nil && conv.HasUnread, nil
		},
	}
}
