// Package pubsub provides a typed fan-out broker. Every subscriber
// receives published values in publish order and Publish never blocks on
// a slow subscriber.
package pubsub

import "sync"

type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

type subscriber[T any] struct {
	mu      sync.Mutex
	queue   []T
	closing bool
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	out     chan T
}

// Subscribe registers a new subscriber. The returned channel is closed
// after cancel is called or after the broker is closed and every queued
// value has been delivered.
func (b *Broker[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	b.mu.Lock()
	if b.subs == nil {
		b.subs = map[uint64]*subscriber[T]{}
	}
	id := b.nextID
	b.nextID++
	if b.closed {
		s.closing = true
	} else {
		b.subs[id] = s
	}
	b.mu.Unlock()

	go s.run()
	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.once.Do(func() { close(s.done) })
	}
	return s.out, cancel
}

func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(v)
	}
}

// Close stops accepting values. Subscribers drain what is already queued.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.finish()
		delete(b.subs, id)
	}
}

func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closing {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.signal:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
