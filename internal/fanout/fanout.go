// Package fanout distributes values from one producer to any number of
// subscribers. Every subscriber owns a FIFO queue and sees every value
// published while it is subscribed, in publish order. Publishing never
// blocks on a slow subscriber.
package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// ErrClosed is returned by Next once the subscription or the fanout has
// been closed.
var ErrClosed = errors.New("fanout: subscription closed")

// Stats reports fanout counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Unrouted    uint64 `json:"unrouted"`
	Overflowed  uint64 `json:"overflowed"`
	Subscribers int    `json:"subscribers"`
}

// Fanout is a one-producer, many-consumer broadcast of T values.
//
// Values published while nobody is subscribed are discarded; there is no
// history. With maxBacklog > 0 a subscriber that falls more than
// maxBacklog values behind loses its oldest queued values.
type Fanout[T any] struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription[T]
	nextID     uint64
	maxBacklog int
	closed     bool

	published  atomic.Uint64
	unrouted   atomic.Uint64
	overflowed atomic.Uint64
}

// New creates a fanout. maxBacklog <= 0 means unbounded queues.
func New[T any](maxBacklog int) *Fanout[T] {
	if maxBacklog < 0 {
		maxBacklog = 0
	}
	return &Fanout[T]{
		subs:       make(map[uint64]*Subscription[T]),
		maxBacklog: maxBacklog,
	}
}

// Publish enqueues v for every current subscriber and returns how many
// subscribers received it.
func (f *Fanout[T]) Publish(v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return 0
	}
	f.published.Add(1)
	if len(f.subs) == 0 {
		f.unrouted.Add(1)
		return 0
	}
	for _, s := range f.subs {
		if s.push(v, f.maxBacklog) {
			f.overflowed.Add(1)
		}
	}
	return len(f.subs)
}

// Subscribe registers a new subscriber. It sees values published from now on.
// Subscribing to a closed fanout yields an already closed subscription.
func (f *Fanout[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		queue:  queue.New(),
		notify: make(chan struct{}, 1),
		fanout: f,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		s.closed = true
		return s
	}
	f.nextID++
	s.id = f.nextID
	f.subs[s.id] = s
	return s
}

// Close closes every subscription and rejects further publishing.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, s := range f.subs {
		s.close()
		delete(f.subs, id)
	}
}

// Stats returns a snapshot of the counters.
func (f *Fanout[T]) Stats() Stats {
	f.mu.RLock()
	n := len(f.subs)
	f.mu.RUnlock()

	return Stats{
		Published:   f.published.Load(),
		Unrouted:    f.unrouted.Load(),
		Overflowed:  f.overflowed.Load(),
		Subscribers: n,
	}
}

func (f *Fanout[T]) remove(id uint64) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

// Subscription is one consumer's view of a Fanout.
type Subscription[T any] struct {
	id     uint64
	fanout *Fanout[T]

	mu     sync.Mutex
	queue  *queue.Queue
	notify chan struct{}
	closed bool
}

// push enqueues v and reports whether an old value was dropped to make room.
func (s *Subscription[T]) push(v T, maxBacklog int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if maxBacklog > 0 && s.queue.Length() >= maxBacklog {
		s.queue.Remove()
		dropped = true
	}
	s.queue.Add(v)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a value is available, the subscription is closed, or
// ctx is done.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		if s.queue.Length() > 0 {
			v := s.queue.Remove().(T)
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued values.
func (s *Subscription[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Length()
}

// Close unsubscribes and discards queued values. It is safe to call more
// than once.
func (s *Subscription[T]) Close() {
	if s.fanout != nil && s.id != 0 {
		s.fanout.remove(s.id)
	}
	s.close()
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for s.queue.Length() > 0 {
		s.queue.Remove()
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
