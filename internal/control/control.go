package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/queue"
	"github.com/podushkina/taskdispatch/internal/store"
	"github.com/podushkina/taskdispatch/internal/task"
	"github.com/podushkina/taskdispatch/internal/worker"
)

// Workers is the part of worker.Group the control plane needs.
type Workers interface {
	Interrupt(ctx context.Context, id string) bool
	Stats() worker.Stats
	Queues() []queue.WorkQueue
}

type Options struct {
	// StaleAfter is how long a task may stay RUNNING before it is presumed
	// lost. It should exceed the worker time limit.
	StaleAfter time.Duration
	// Retention is how long terminal records are kept.
	Retention time.Duration
}

type Service struct {
	store   store.Store
	workers Workers
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

func New(st store.Store, workers Workers, opts Options, logger *slog.Logger) *Service {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 35 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &Service{store: st, workers: workers, opts: opts, logger: logger, now: time.Now}
}

func (s *Service) owned(ctx context.Context, id, caller string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Owner != caller {
		return nil, errs.Authorization(id)
	}
	return t, nil
}

func (s *Service) GetStatus(ctx context.Context, id, caller string) (*task.Task, error) {
	t, err := s.owned(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	return s.expireStale(ctx, t)
}

// ListActive returns the caller's PENDING and RUNNING tasks, newest first.
func (s *Service) ListActive(ctx context.Context, caller string) ([]*task.Task, error) {
	tasks, err := s.list(ctx, store.Filter{Owner: caller, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	active := tasks[:0]
	for _, t := range tasks {
		if !t.Status.Terminal() {
			active = append(active, t)
		}
	}
	return active, nil
}

// List returns all of the caller's retained tasks, newest first.
func (s *Service) List(ctx context.Context, caller string) ([]*task.Task, error) {
	return s.list(ctx, store.Filter{Owner: caller})
}

func (s *Service) list(ctx context.Context, f store.Filter) ([]*task.Task, error) {
	tasks, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	for i, t := range tasks {
		if tasks[i], err = s.expireStale(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// Cancel revokes a task. Cancelling a finished task is a no-op that returns it
// unchanged. With force, a running execution is interrupted as well.
func (s *Service) Cancel(ctx context.Context, id, caller string, force bool) (*task.Task, error) {
	for attempt := 0; attempt < 2; attempt++ {
		t, err := s.owned(ctx, id, caller)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}

		revoked, err := s.store.Transition(ctx, id, t.Status, task.StatusRevoked, task.Patch{})
		if errors.Is(err, errs.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("task revoked",
			slog.String("task_id", id),
			slog.String("was", string(t.Status)),
			slog.Bool("force", force))
		if force && t.Status == task.StatusRunning && s.workers != nil {
			s.workers.Interrupt(ctx, id)
		}
		return revoked, nil
	}

	t, err := s.owned(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	return nil, errs.New(errs.Conflict, fmt.Sprintf("task %s keeps changing, retry cancel", id), nil)
}

type Stats struct {
	QueueDepth  int64            `json:"queue_depth"`
	ActiveCount int              `json:"active_count"`
	WorkerCount int              `json:"worker_count"`
	Queues      map[string]int64 `json:"queues"`
}

// Stats reports queue backlog, tasks currently RUNNING across all processes
// and the size of the local worker pool.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	out := &Stats{Queues: map[string]int64{}}
	if s.workers != nil {
		out.WorkerCount = s.workers.Stats().Workers
		for _, q := range s.workers.Queues() {
			n, err := q.Depth(ctx)
			if err != nil {
				s.logger.Warn("queue depth unavailable", slog.String("queue", q.Name()), slog.Any("error", err))
				continue
			}
			out.Queues[q.Name()] = n
			out.QueueDepth += n
		}
	}

	active, err := s.store.List(ctx, store.Filter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for _, t := range active {
		if t.Status == task.StatusRunning {
			out.ActiveCount++
		}
	}
	return out, nil
}

// expireStale fails a task that has been RUNNING longer than StaleAfter: its
// worker is presumed gone. A lost race returns the fresher record.
func (s *Service) expireStale(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.Status != task.StatusRunning || t.StartedAt == nil {
		return t, nil
	}
	age := s.now().Sub(*t.StartedAt)
	if age <= s.opts.StaleAfter {
		return t, nil
	}

	failed, err := s.store.Transition(ctx, t.ID, task.StatusRunning, task.StatusFailure, task.Patch{
		Error: &task.Error{
			Code:    errs.DeadlineExceeded.String(),
			Message: fmt.Sprintf("no result after %s, worker presumed lost", age.Truncate(time.Second)),
		},
	})
	if errors.Is(err, errs.ErrConflict) {
		return s.store.Get(ctx, t.ID)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Warn("stale task failed", slog.String("task_id", t.ID), slog.Duration("age", age))
	return failed, nil
}

// SweepStale applies the stale check to every active task and reports how
// many were failed.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	tasks, err := s.store.List(ctx, store.Filter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		got, err := s.expireStale(ctx, t)
		if err != nil {
			return n, err
		}
		if got.Status == task.StatusFailure && t.Status == task.StatusRunning {
			n++
		}
	}
	return n, nil
}

// Purge drops terminal records older than the retention window.
func (s *Service) Purge(ctx context.Context) (int, error) {
	return s.store.Purge(ctx, s.now().Add(-s.opts.Retention))
}

// Run sweeps and purges every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepStale(ctx); err != nil {
				s.logger.Error("stale sweep failed", slog.Any("error", err))
			} else if n > 0 {
				s.logger.Info("stale tasks failed", slog.Int("count", n))
			}
			if n, err := s.Purge(ctx); err != nil {
				s.logger.Error("purge failed", slog.Any("error", err))
			} else if n > 0 {
				s.logger.Info("expired tasks purged", slog.Int("count", n))
			}
		}
	}
}
