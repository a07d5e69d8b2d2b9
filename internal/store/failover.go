package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/task"
)

// Failover writes new records to the primary store and falls back to the
// secondary while the primary reports itself unavailable. Records created on
// the secondary stay there for their whole life, so reads and transitions are
// routed by id.
type Failover struct {
	primary   Store
	secondary Store
	logger    *slog.Logger

	mu       sync.RWMutex
	fallback map[string]struct{}
}

func NewFailover(primary, secondary Store, logger *slog.Logger) *Failover {
	return &Failover{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		fallback:  make(map[string]struct{}),
	}
}

func (s *Failover) onSecondary(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fallback[id]
	return ok
}

func (s *Failover) route(id string) Store {
	if s.onSecondary(id) {
		return s.secondary
	}
	return s.primary
}

func (s *Failover) Create(ctx context.Context, t *task.Task) error {
	err := s.primary.Create(ctx, t)
	if !errs.IsCode(err, errs.Unavailable) {
		return err
	}
	s.logger.Warn("primary store unavailable, writing record to fallback",
		slog.String("task_id", t.ID), slog.Any("error", err))

	if err := s.secondary.Create(ctx, t); err != nil {
		return err
	}
	s.mu.Lock()
	s.fallback[t.ID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Failover) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.route(id).Get(ctx, id)
}

func (s *Failover) Transition(ctx context.Context, id string, from, to task.Status, p task.Patch) (*task.Task, error) {
	return s.route(id).Transition(ctx, id, from, to, p)
}

func (s *Failover) List(ctx context.Context, f Filter) ([]*task.Task, error) {
	primary, err := s.primary.List(ctx, f)
	if err != nil {
		if !errs.IsCode(err, errs.Unavailable) {
			return nil, err
		}
		s.logger.Warn("primary store unavailable, listing fallback only", slog.Any("error", err))
		primary = nil
	}
	secondary, err := s.secondary.List(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]*task.Task, 0, len(primary)+len(secondary))
	seen := make(map[string]struct{}, len(secondary))
	for _, t := range secondary {
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	for _, t := range primary {
		if _, dup := seen[t.ID]; !dup {
			out = append(out, t)
		}
	}
	sortNewest(out)
	return out, nil
}

func (s *Failover) Purge(ctx context.Context, before time.Time) (int, error) {
	n, err := s.primary.Purge(ctx, before)
	if err != nil && !errs.IsCode(err, errs.Unavailable) {
		return n, err
	}
	m, err := s.secondary.Purge(ctx, before)
	if err != nil {
		return n, err
	}

	s.mu.Lock()
	for id := range s.fallback {
		if _, err := s.secondary.Get(ctx, id); errs.IsCode(err, errs.NotFound) {
			delete(s.fallback, id)
		}
	}
	s.mu.Unlock()
	return n + m, nil
}

func (s *Failover) Close() error {
	err := s.primary.Close()
	if serr := s.secondary.Close(); err == nil {
		err = serr
	}
	return err
}
