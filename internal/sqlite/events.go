package sqlite

import (
	"sort"
	"sync"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// EventKind identifies a store notification.
type EventKind int

// Notifications emitted after a mutation commits.
const (
	EventActionCreated EventKind = iota
	EventEntityCreated
	EventEntityUpdated
	EventEntityDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventActionCreated:
		return "action_created"
	case EventEntityCreated:
		return "entity_created"
	case EventEntityUpdated:
		return "entity_updated"
	case EventEntityDeleted:
		return "entity_deleted"
	}
	return "unknown"
}

// Event is delivered synchronously to subscribers after the commit that
// caused it. Action is set for EventActionCreated only. Remote is true when
// the change was replayed from the remote rather than written locally.
type Event struct {
	Kind   EventKind
	Entity string
	ID     types.Value
	Action *types.Action
	Remote bool
}

// observers is the subscriber list owned by an ActionLog.
type observers struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

func (o *observers) subscribe(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]func(Event))
	}
	id := o.next
	o.next++
	o.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// emit calls subscribers in subscription order outside the lock, so a
// subscriber may unsubscribe or write to the store.
func (o *observers) emit(events ...Event) {
	o.mu.Lock()
	ids := make([]int, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.subs[id])
	}
	o.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}
