// Package bus is a bounded single-producer, multi-consumer broadcast with
// per-subscriber cursors. A subscriber that falls further behind than the
// buffer holds is told how many events it missed and is moved to the head;
// it is expected to resynchronize from a full snapshot.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1024

var (
	// ErrClosed is returned by Next after Close once the subscriber has
	// drained every retained event.
	ErrClosed = errors.New("bus closed")
	// ErrLagged matches any *LagError.
	ErrLagged = errors.New("subscriber lagged")
)

// LagError reports that a subscriber was overrun.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d events missed", e.Missed)
}

func (e *LagError) Is(target error) bool {
	return target == ErrLagged
}

// Bus is a ring buffer of the most recent events.
type Bus[T any] struct {
	mu       sync.RWMutex
	buf      []T
	capacity uint64
	head     uint64 // events published so far
	notify   chan struct{}
	closed   bool
}

// New returns a bus retaining the last capacity events.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{
		buf:      make([]T, capacity),
		capacity: uint64(capacity),
		notify:   make(chan struct{}),
	}
}

// Publish appends v and wakes waiting subscribers. It never blocks on
// subscribers and returns v's 1-based sequence number. Publishing to a
// closed bus is a no-op that returns 0.
func (b *Bus[T]) Publish(v T) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.buf[b.head%b.capacity] = v
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})
	return b.head
}

// Subscribe returns a subscriber positioned after the latest event.
func (b *Bus[T]) Subscribe() *Subscriber[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &Subscriber[T]{bus: b, cursor: b.head}
}

// Published returns the number of events published so far.
func (b *Bus[T]) Published() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.head
}

// Capacity returns the number of events retained.
func (b *Bus[T]) Capacity() int {
	return int(b.capacity)
}

// Close wakes every subscriber. Retained events are still delivered, then
// Next returns ErrClosed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Subscriber is one consumer's cursor into a Bus. It must be used by a
// single goroutine.
type Subscriber[T any] struct {
	bus    *Bus[T]
	cursor uint64
}

// Next blocks until the next event is available. If the subscriber has
// been overrun it returns a *LagError and skips to the head; the next call
// returns only events published after that point.
func (s *Subscriber[T]) Next(ctx context.Context) (T, error) {
	var zero T
	b := s.bus
	for {
		b.mu.RLock()
		if s.cursor < b.head {
			if behind := b.head - s.cursor; behind > b.capacity {
				s.cursor = b.head
				b.mu.RUnlock()
				return zero, &LagError{Missed: behind}
			}
			v := b.buf[s.cursor%b.capacity]
			s.cursor++
			b.mu.RUnlock()
			return v, nil
		}
		if b.closed {
			b.mu.RUnlock()
			return zero, ErrClosed
		}
		wait := b.notify
		b.mu.RUnlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Pending returns how many published events the subscriber has not read.
func (s *Subscriber[T]) Pending() uint64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.bus.head - s.cursor
}
