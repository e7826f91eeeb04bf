package replication

import (
	"context"
	"errors"
	"sync"
)

// ErrLagging is delivered to a subscriber whose queue overflowed.
var ErrLagging = errors.New("replication: replica too far behind")

// Subscription is one replica's view of the backlog: an optional full
// snapshot followed by every entry after Offset.
type Subscription struct {
	ReplID   string
	Offset   uint64
	Full     bool
	Snapshot map[string]string

	backlog  *Backlog
	name     string
	maxQueue int

	mu     sync.Mutex
	queue  []Entry
	err    error
	notify chan struct{}
}

func newSubscription(b *Backlog, name string, maxQueue int) *Subscription {
	return &Subscription{
		backlog:  b,
		name:     name,
		maxQueue: maxQueue,
		notify:   make(chan struct{}, 1),
	}
}

// Next blocks until the next entry is available, the subscription fails, or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Entry, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = Entry{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Entry{}, err
		}

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscription from the backlog.
func (s *Subscription) Close() {
	s.backlog.unsubscribe(s)
	s.fail(ErrClosed)
}

// push queues e; it returns false when the queue overflowed and the
// subscription has been failed.
func (s *Subscription) push(e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	if len(s.queue) >= s.maxQueue {
		s.queue = nil
		s.err = ErrLagging
		s.wake()
		return false
	}
	s.queue = append(s.queue, e)
	s.wake()
	return true
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
