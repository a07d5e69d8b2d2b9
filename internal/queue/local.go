package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
)

// LocalQueue is an in-process bounded queue. It keeps async work flowing when
// the broker is down; ids it holds are lost if the process exits.
type LocalQueue struct {
	ch     chan string
	closed atomic.Bool
}

func NewLocalQueue(size int) *LocalQueue {
	if size <= 0 {
		size = 100
	}
	return &LocalQueue{ch: make(chan string, size)}
}

func (q *LocalQueue) Name() string { return "local" }

func (q *LocalQueue) Enqueue(ctx context.Context, id string) error {
	if q.closed.Load() {
		return errs.QueueUnavailable(q.Name(), nil)
	}
	select {
	case q.ch <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errs.New(errs.ResourceExhausted, "local queue is full", nil)
	}
}

func (q *LocalQueue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *LocalQueue) Depth(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

func (q *LocalQueue) Close() error {
	q.closed.Store(true)
	return nil
}
