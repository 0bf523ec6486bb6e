package store

import (
	"sort"
	"sync"
)

type Listener func(ev Event)

// Registry keeps the subscriptions keyed by event name. Delivery follows subscription order.
type Registry struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string][]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string][]*Subscription),
	}
}

// Subscribe registers fn for all the event names. Names can use the "*" wildcard for the id
// and the operation.
func (r *Registry) Subscribe(fn Listener, names ...string) *Subscription {
	sub := r.newSubscription(names)
	sub.fn = fn
	r.add(sub)
	return sub
}

// subscribeBuffered registers a subscription keeping events aside until Drain is called.
func (r *Registry) subscribeBuffered(names ...string) *Subscription {
	sub := r.newSubscription(names)
	sub.buffering = true
	r.add(sub)
	return sub
}

func (r *Registry) newSubscription(names []string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return &Subscription{
		seq:      r.seq,
		names:    names,
		registry: r,
	}
}

func (r *Registry) add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range sub.names {
		r.subs[name] = append(r.subs[name], sub)
	}
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range sub.names {
		list := r.subs[name]
		for i, existing := range list {
			if existing == sub {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(r.subs, name)
		} else {
			r.subs[name] = list
		}
	}
}

type delivery struct {
	event Event
	subs  []*Subscription
}

// route resolves the subscribers of each event at this instant.
func (r *Registry) route(events []Event) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	deliveries := make([]delivery, 0, len(events))
	for _, ev := range events {
		names := []string{
			ev.Name(),
			EventName(ev.Kind, Wildcard, ev.Op),
			EventName(ev.Kind, ev.ID, Wildcard),
			EventName(ev.Kind, Wildcard, Wildcard),
		}
		var subs []*Subscription
		seen := make(map[*Subscription]bool)
		for _, name := range names {
			for _, sub := range r.subs[name] {
				if seen[sub] {
					continue
				}
				seen[sub] = true
				subs = append(subs, sub)
			}
		}
		if len(subs) == 0 {
			continue
		}
		sort.Slice(subs, func(i, j int) bool {
			return subs[i].seq < subs[j].seq
		})
		deliveries = append(deliveries, delivery{event: ev, subs: subs})
	}
	return deliveries
}

type Subscription struct {
	seq      uint64
	names    []string
	registry *Registry

	mu        sync.Mutex
	fn        Listener
	buffering bool
	buffer    []Event
	closed    bool
}

// Unsubscribe stops any further delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.buffer = nil
	s.mu.Unlock()
	s.registry.remove(s)
}

// Drain replays the buffered events to fn and switches the subscription to direct delivery.
// No event can be lost or delivered twice across the switch.
func (s *Subscription) Drain(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ev := range s.buffer {
		fn(ev)
	}
	s.buffer = nil
	s.buffering = false
	s.fn = fn
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.buffering {
		s.buffer = append(s.buffer, ev)
		return
	}
	if s.fn != nil {
		s.fn(ev)
	}
}
