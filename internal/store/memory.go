package store

import (
	"context"
	"sync"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/task"
)

// MemoryStore keeps records in process memory. It backs tests, single-process
// deployments and the failover path when the primary store is unreachable.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*task.Task), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrDuplicate
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errs.TaskNotFound(id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to task.Status, p task.Patch) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, errs.TaskNotFound(id)
	}
	next := cur.Clone()
	if err := apply(next, from, to, p, s.now()); err != nil {
		return nil, err
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*task.Task, error) {
	s.mu.RLock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.match(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()
	sortNewest(out)
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if expired(t, before) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
