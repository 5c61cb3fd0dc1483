// Package memory provides the bounded in-process queue that carries fetch
// results from workers to document processors.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations. Enqueue
// blocks while the queue is full, which back-pressures fetch workers.
type Queue struct {
	ch        chan crawler.FetchResult
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan crawler.FetchResult, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a result into the queue or returns if the context ends or the
// queue is closed.
func (q *Queue) Enqueue(ctx context.Context, result crawler.FetchResult) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- result:
		return nil
	}
}

// Dequeue pops the next result, respecting context cancellation. Buffered
// results are still handed out after Close; ErrClosed follows once none remain.
func (q *Queue) Dequeue(ctx context.Context) (crawler.FetchResult, error) {
	select {
	case result := <-q.ch:
		return result, nil
	default:
	}
	select {
	case <-ctx.Done():
		return crawler.FetchResult{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case result := <-q.ch:
		return result, nil
	case <-q.done:
		select {
		case result := <-q.ch:
			return result, nil
		default:
			return crawler.FetchResult{}, ErrClosed
		}
	}
}

// Len returns the number of buffered results.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
