package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/task"
)

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Owner      string
	ActiveOnly bool
}

func (f Filter) match(t *task.Task) bool {
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if f.ActiveOnly && t.Status.Terminal() {
		return false
	}
	return true
}

// Store persists task records. Every status change goes through Transition,
// which only succeeds when the stored status still equals from.
type Store interface {
	Create(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	// Transition returns errs.ErrConflict when the stored status differs from
	// from, and errs.ErrNotFound when the record does not exist.
	Transition(ctx context.Context, id string, from, to task.Status, p task.Patch) (*task.Task, error)
	List(ctx context.Context, f Filter) ([]*task.Task, error)
	// Purge drops terminal records completed before the cutoff and reports how
	// many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

var ErrDuplicate = errors.New("task already exists")

func conflict(id string, want, got task.Status) error {
	return errs.New(errs.Conflict, "task "+id+" is "+string(got)+", expected "+string(want), nil)
}

// apply validates and performs a transition on a decoded record.
func apply(t *task.Task, from, to task.Status, p task.Patch, now time.Time) error {
	if t.Status != from {
		return conflict(t.ID, from, t.Status)
	}
	if err := t.Apply(to, p, now); err != nil {
		return errs.New(errs.Conflict, err.Error(), nil)
	}
	return nil
}

func expired(t *task.Task, before time.Time) bool {
	return t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(before)
}

// sortNewest orders tasks by submission time, newest first.
func sortNewest(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].SubmittedAt.After(tasks[j].SubmittedAt)
	})
}

func unavailable(backend string, err error) error {
	return errs.New(errs.Unavailable, backend+" store unavailable", err)
}
