// Package queue provides the bounded FIFO channels that connect pipeline
// stages (checkers → renderer → sender).
//
// Queues are flow-control devices: capacities are small and a full queue
// suspends the producer until a consumer frees a slot. Nothing is ever
// dropped by the queue itself.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("queue closed")

// Queue is a bounded multi-producer/multi-consumer FIFO.
// It is safe for concurrent use.
type Queue[T any] struct {
	name string
	ch   chan T

	closeOnce sync.Once
	done      chan struct{}

	waiting atomic.Int64
	puts    atomic.Uint64
	gets    atomic.Uint64
}

func New[T any](name string, capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

func (q *Queue[T]) Name() string { return q.name }
func (q *Queue[T]) Len() int     { return len(q.ch) }
func (q *Queue[T]) Cap() int     { return cap(q.ch) }

// Put appends v, blocking while the queue is full.
// It returns ctx.Err() if ctx ends first, or ErrClosed after Close.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	// fast path
	select {
	case q.ch <- v:
		q.puts.Add(1)
		return nil
	default:
	}

	q.waiting.Add(1)
	defer q.waiting.Add(-1)
	select {
	case q.ch <- v:
		q.puts.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// TryPut appends v only if a slot is free right now.
func (q *Queue[T]) TryPut(v T) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- v:
		q.puts.Add(1)
		return true
	default:
		return false
	}
}

// Get removes the oldest item, blocking while the queue is empty.
// After Close, remaining items are still returned; ErrClosed is reported
// once the queue is empty.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.ch:
		q.gets.Add(1)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.done:
		select {
		case v := <-q.ch:
			q.gets.Add(1)
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Close stops intake. Blocked producers return ErrClosed. Idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Drain hands every buffered item to fn until the queue is empty or ctx ends.
// It does not wait for new items.
func (q *Queue[T]) Drain(ctx context.Context, fn func(T)) int {
	n := 0
	for {
		if ctx.Err() != nil {
			return n
		}
		select {
		case v := <-q.ch:
			q.gets.Add(1)
			fn(v)
			n++
		default:
			return n
		}
	}
}

// Stats is a point-in-time view for health reports.
type Stats struct {
	Name    string `json:"name"`
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Waiting int64  `json:"waiting"`
	Puts    uint64 `json:"puts"`
	Gets    uint64 `json:"gets"`
	Closed  bool   `json:"closed"`
}

func (q *Queue[T]) Stats() Stats {
	return Stats{
		Name:    q.name,
		Len:     len(q.ch),
		Cap:     cap(q.ch),
		Waiting: q.waiting.Load(),
		Puts:    q.puts.Load(),
		Gets:    q.gets.Load(),
		Closed:  q.Closed(),
	}
}

// StatsSource is implemented by every Queue regardless of item type.
type StatsSource interface {
	Stats() Stats
}
