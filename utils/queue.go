package utils

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("shapesync: feed/drain queue is closed")
var ErrOverflow = errors.New("shapesync: feed/drain queue is overflowed")

// FDQueue is a feed/drain buffer between an asynchronous producer (the
// change-feed transport, the server's outbox relay) and a blocking consumer.
// Drain appends a batch of items; Feed blocks until at least one item is
// available, then returns up to batchSize of them. Items are handed over in
// drain order.
type FDQueue[T any] struct {
	maxSize   int
	batchSize int

	lock   sync.Mutex
	wakeup chan struct{}
	items  []T
	closed bool
}

func NewFDQueue[T any](limit int, batchSize int) *FDQueue[T] {
	if batchSize <= 0 {
		batchSize = limit
	}
	return &FDQueue[T]{
		maxSize:   limit,
		batchSize: batchSize,
		wakeup:    make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.lock.Lock()
	q.closed = true
	q.items = nil
	q.lock.Unlock()
	q.signal()
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *FDQueue[T]) signal() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// Drain appends items to the queue, waking a blocked Feed. Returns
// ErrOverflow when the buffer limit would be exceeded; the queue stays
// usable, the rejected batch is the caller's to retry or drop.
func (q *FDQueue[T]) Drain(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return ErrClosed
	}
	if len(q.items)+len(items) > q.maxSize {
		q.lock.Unlock()
		return ErrOverflow
	}
	q.items = append(q.items, items...)
	q.lock.Unlock()
	q.signal()
	return nil
}

// Feed blocks until items are available or the context ends, then returns a
// batch of at most batchSize items. A closed, drained queue yields ErrClosed.
func (q *FDQueue[T]) Feed(ctx context.Context) (items []T, err error) {
	for {
		q.lock.Lock()
		if len(q.items) > 0 {
			n := len(q.items)
			if n > q.batchSize {
				n = q.batchSize
			}
			items = q.items[:n:n]
			q.items = q.items[n:]
			rest := len(q.items)
			q.lock.Unlock()
			if rest > 0 {
				q.signal()
			}
			return items, nil
		}
		if q.closed {
			q.lock.Unlock()
			return nil, ErrClosed
		}
		q.lock.Unlock()

		select {
		case <-q.wakeup:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
