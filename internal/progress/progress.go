// Package progress implements a per-job broadcast of progress snapshots
// terminated by a single result.
//
// Every subscriber has its own bounded queue, so a slow subscriber never
// blocks the publisher. When a queue is full, the oldest update which is not
// a transition is dropped. Transitions, the terminal result and the newest
// update are always delivered.
package progress

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by Next after the subscription was closed by its owner.
var ErrClosed = errors.New("subscription closed")

// DefaultBuffer is the per subscriber queue length used when none is given.
const DefaultBuffer = 32

// Update is a single delivery. Result is set on the last one only.
type Update[S, R any] struct {
	Snapshot   S
	Transition bool
	Result     *R
}

// Terminal is true for the last update of a subscription.
func (u Update[S, R]) Terminal() bool {
	return u.Result != nil
}

type Reporter[S, R any] struct {
	buffer int

	mx     sync.Mutex
	latest S
	has    bool
	result *R
	subs   map[uuid.UUID]*Subscription[S, R]
}

func NewReporter[S, R any](buffer int) *Reporter[S, R] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Reporter[S, R]{
		buffer: buffer,
		subs:   make(map[uuid.UUID]*Subscription[S, R]),
	}
}

// Publish delivers s to every subscriber. Transition marks updates which
// must never be dropped, like a stage change. Publish after Close is a no-op.
func (r *Reporter[S, R]) Publish(s S, transition bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.result != nil {
		return
	}
	r.latest, r.has = s, true
	for _, sub := range r.subs {
		sub.push(Update[S, R]{Snapshot: s, Transition: transition})
	}
}

// Close publishes the terminal result together with the last snapshot and
// ends all subscriptions. Only the first call has an effect.
func (r *Reporter[S, R]) Close(s S, res R) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.result != nil {
		return
	}
	r.latest, r.has = s, true
	r.result = &res
	for id, sub := range r.subs {
		sub.push(Update[S, R]{Snapshot: s, Transition: true, Result: r.result})
		delete(r.subs, id)
	}
}

// Latest returns the last published snapshot.
func (r *Reporter[S, R]) Latest() (S, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.latest, r.has
}

// Subscribe registers a new subscriber. It first receives the latest snapshot,
// if any, and the result when the reporter is already closed.
func (r *Reporter[S, R]) Subscribe() *Subscription[S, R] {
	sub := &Subscription[S, R]{
		id:     uuid.New(),
		owner:  r,
		buffer: r.buffer,
		notify: make(chan struct{}, 1),
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	switch {
	case r.result != nil:
		sub.push(Update[S, R]{Snapshot: r.latest, Transition: true, Result: r.result})
		return sub
	case r.has:
		sub.push(Update[S, R]{Snapshot: r.latest, Transition: true})
	}
	r.subs[sub.id] = sub
	return sub
}

// Subscribers returns the number of active subscriptions.
func (r *Reporter[S, R]) Subscribers() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.subs)
}

func (r *Reporter[S, R]) unsubscribe(id uuid.UUID) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.subs, id)
}

type Subscription[S, R any] struct {
	id     uuid.UUID
	owner  *Reporter[S, R]
	buffer int
	notify chan struct{}

	mx      sync.Mutex
	queue   []Update[S, R]
	dropped int
	ended   bool // terminal update queued
	closed  bool
}

func (s *Subscription[S, R]) ID() uuid.UUID {
	return s.id
}

// Dropped returns how many updates were discarded for this subscriber.
func (s *Subscription[S, R]) Dropped() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.dropped
}

func (s *Subscription[S, R]) push(u Update[S, R]) {
	s.mx.Lock()
	if s.closed || s.ended {
		s.mx.Unlock()
		return
	}
	if len(s.queue) >= s.buffer && u.Result == nil {
		for i, q := range s.queue {
			if !q.Transition {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.dropped++
				break
			}
		}
	}
	s.queue = append(s.queue, u)
	if u.Result != nil {
		s.ended = true
	}
	s.mx.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until the next update is available. After the terminal update
// it returns io.EOF, after Close it returns ErrClosed.
func (s *Subscription[S, R]) Next(ctx context.Context) (Update[S, R], error) {
	var zero Update[S, R]
	for {
		s.mx.Lock()
		switch {
		case s.closed:
			s.mx.Unlock()
			return zero, ErrClosed
		case len(s.queue) > 0:
			u := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mx.Unlock()
			return u, nil
		case s.ended:
			s.mx.Unlock()
			return zero, io.EOF
		}
		s.mx.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.notify:
		}
	}
}

// All iterates over updates until the terminal one. Iteration stops on the
// first error other than io.EOF, which is yielded.
func (s *Subscription[S, R]) All(ctx context.Context) iter.Seq2[Update[S, R], error] {
	return func(yield func(Update[S, R], error) bool) {
		for {
			u, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(u, err) || err != nil {
				return
			}
		}
	}
}

// Close unsubscribes. Pending updates are discarded.
func (s *Subscription[S, R]) Close() {
	s.owner.unsubscribe(s.id)
	s.mx.Lock()
	s.closed = true
	s.queue = nil
	s.mx.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
