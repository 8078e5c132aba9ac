// Package network provides connectivity monitors for hosts that do not
// supply their own.
package network

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"
)

// Static reports a fixed availability and never notifies.
type Static bool

// NewStatic returns a monitor that always reports available.
func NewStatic(available bool) Static { return Static(available) }

// IsAvailable reports the fixed availability.
func (s Static) IsAvailable() bool { return bool(s) }

// Subscribe never calls fn.
func (s Static) Subscribe(func(bool)) func() { return func() {} }

// Switchable is a monitor whose availability is set by the host, for
// example from a platform reachability callback.
type Switchable struct {
	mu        sync.Mutex
	available bool
	next      int
	subs      map[int]func(bool)
}

// NewSwitchable returns a monitor with the given initial availability.
func NewSwitchable(available bool) *Switchable {
	return &Switchable{available: available, subs: make(map[int]func(bool))}
}

// IsAvailable reports the current availability.
func (s *Switchable) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Set changes availability and notifies subscribers when it changed.
// Subscribers run synchronously, in subscription order, outside the lock.
func (s *Switchable) Set(available bool) {
	s.mu.Lock()
	if s.available == available {
		s.mu.Unlock()
		return
	}
	s.available = available
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), len(ids))
	for i, id := range ids {
		fns[i] = s.subs[id]
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(available)
	}
}

// Subscribe registers fn for availability changes.
func (s *Switchable) Subscribe(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Probe periodically dials addr and feeds the result into a Switchable.
// It stops when ctx is done.
func Probe(ctx context.Context, s *Switchable, addr string, every, timeout time.Duration) {
	check := func() {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
		}
		if ctx.Err() == nil {
			s.Set(err == nil)
		}
	}
	check()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
