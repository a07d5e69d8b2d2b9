package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/jobs"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/queue"
	"github.com/podushkina/taskdispatch/internal/store"
	"github.com/podushkina/taskdispatch/internal/task"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const (
	defaultPollWait  = 2 * time.Second
	defaultTimeLimit = 30 * time.Minute
	writeTimeout     = 5 * time.Second
	errorBackoff     = time.Second
)

type Options struct {
	// TaskTimeLimit bounds a single execution.
	TaskTimeLimit time.Duration
	PollWait      time.Duration
	// Revoker, when set, spreads interrupts to every process.
	Revoker *queue.Revoker
}

type pool struct {
	queue   queue.WorkQueue
	workers int
}

// Group runs one pool of workers per queue and tracks what they execute so
// running tasks can be interrupted.
type Group struct {
	store  store.Store
	jobs   *jobs.Registry
	logger *slog.Logger
	opts   Options

	pools []pool
	wg    *conc.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	active  atomic.Int64
}

func NewGroup(st store.Store, reg *jobs.Registry, logger *slog.Logger, opts Options) *Group {
	if opts.TaskTimeLimit <= 0 {
		opts.TaskTimeLimit = defaultTimeLimit
	}
	if opts.PollWait <= 0 {
		opts.PollWait = defaultPollWait
	}
	return &Group{
		store:   st,
		jobs:    reg,
		logger:  logger,
		opts:    opts,
		wg:      conc.NewWaitGroup(),
		running: make(map[string]context.CancelFunc),
	}
}

// AddPool registers workers for q. Call before Start.
func (g *Group) AddPool(q queue.WorkQueue, workers int) {
	if workers <= 0 {
		workers = 1
	}
	g.pools = append(g.pools, pool{queue: q, workers: workers})
}

func (g *Group) Queues() []queue.WorkQueue {
	out := make([]queue.WorkQueue, len(g.pools))
	for i, p := range g.pools {
		out[i] = p.queue
	}
	return out
}

func (g *Group) Start(ctx context.Context) {
	if g.opts.Revoker != nil {
		if err := g.opts.Revoker.Subscribe(ctx, func(id string) { g.cancelLocal(id) }); err != nil {
			g.logger.Warn("revoke broadcast unavailable, interrupts stay local", slog.Any("error", err))
		}
	}
	for _, p := range g.pools {
		for i := 0; i < p.workers; i++ {
			name := fmt.Sprintf("%s-%d", p.queue.Name(), i)
			q := p.queue
			g.wg.Go(func() { g.loop(ctx, name, q) })
		}
		g.logger.Info("worker pool started", slog.String("queue", p.queue.Name()), slog.Int("workers", p.workers))
	}
}

// Stop waits for every worker to return. Cancel the Start context first.
func (g *Group) Stop() {
	g.wg.Wait()
	g.logger.Info("all workers stopped")
}

type Stats struct {
	Workers int `json:"worker_count"`
	Active  int `json:"active_count"`
}

func (g *Group) Stats() Stats {
	n := 0
	for _, p := range g.pools {
		n += p.workers
	}
	return Stats{Workers: n, Active: int(g.active.Load())}
}

// Interrupt cancels the execution of id if this process runs it and asks the
// other processes to do the same. It reports whether a local execution was
// cancelled.
func (g *Group) Interrupt(ctx context.Context, id string) bool {
	local := g.cancelLocal(id)
	if g.opts.Revoker != nil {
		if err := g.opts.Revoker.Publish(ctx, id); err != nil {
			g.logger.Warn("revoke broadcast failed", slog.String("task_id", id), slog.Any("error", err))
		}
	}
	return local
}

func (g *Group) cancelLocal(id string) bool {
	g.mu.Lock()
	cancel, ok := g.running[id]
	g.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (g *Group) loop(ctx context.Context, name string, q queue.WorkQueue) {
	log := g.logger.With(slog.String("worker", name))
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker shutting down")
			return
		default:
		}

		id, err := q.Dequeue(ctx, g.opts.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", slog.Any("error", err))
			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if id == "" {
			continue
		}
		g.process(ctx, log, q, id)
	}
}

func (g *Group) process(ctx context.Context, log *slog.Logger, q queue.WorkQueue, id string) {
	log = log.With(slog.String("task_id", id))

	t, err := g.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			log.Warn("dropping queued id, no record", slog.Any("error", err))
			return
		}
		log.Error("read task failed", slog.Any("error", err))
		g.requeue(ctx, log, q, id)
		return
	}
	log = log.With(slog.String("kind", string(t.Kind)))

	job, ok := g.jobs.Lookup(t.Kind)
	if !ok {
		g.finish(ctx, log, id, task.StatusPending, task.StatusFailure, task.Patch{
			Error: &task.Error{Code: "unknown_kind", Message: fmt.Sprintf("unknown task kind %q", t.Kind)},
		})
		return
	}

	// Registered before the RUNNING transition so a force cancel racing the
	// pickup still reaches the execution.
	runCtx, cancel := context.WithTimeout(ctx, g.opts.TaskTimeLimit)
	g.mu.Lock()
	g.running[id] = cancel
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.running, id)
		g.mu.Unlock()
		cancel()
	}()

	if _, err := g.store.Transition(ctx, id, task.StatusPending, task.StatusRunning, task.Patch{}); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			log.Info("task no longer pending, skipping")
			return
		}
		if errors.Is(err, errs.ErrNotFound) {
			log.Warn("task record gone, skipping")
			return
		}
		log.Error("mark running failed", slog.Any("error", err))
		g.requeue(ctx, log, q, id)
		return
	}

	g.active.Add(1)
	defer g.active.Add(-1)

	log.Info("processing task")
	start := time.Now()

	var (
		catcher panics.Catcher
		value   any
		runErr  error
	)
	catcher.Try(func() {
		value, runErr = job.Run(runCtx, jobs.Input{TaskID: t.ID, Owner: t.Owner, Params: t.Params})
	})
	if rec := catcher.Recovered(); rec != nil {
		runErr = errs.New(errs.Internal, "task panicked", rec.AsError())
	}
	if runErr == nil && runCtx.Err() != nil {
		runErr = runCtx.Err()
	}

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
			runErr = errs.Timeout(fmt.Sprintf("task after %s", g.opts.TaskTimeLimit), runErr)
		}
		log.Warn("task failed", slog.Any("error", runErr), slog.Duration("elapsed", time.Since(start)))
		g.finish(ctx, log, id, task.StatusRunning, task.StatusFailure, task.Patch{Error: ErrorFor(runErr)})
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		g.finish(ctx, log, id, task.StatusRunning, task.StatusFailure, task.Patch{
			Error: &task.Error{Code: "internal", Message: "encode result: " + err.Error()},
		})
		return
	}
	log.Info("task completed", slog.Duration("elapsed", time.Since(start)))
	g.finish(ctx, log, id, task.StatusRunning, task.StatusSuccess, task.Patch{Result: data})
}

// requeue puts back an id whose pickup failed on a store error. When the
// queue refuses it too, the task is failed so it does not wait in PENDING
// with nothing left to run it.
func (g *Group) requeue(ctx context.Context, log *slog.Logger, q queue.WorkQueue, id string) {
	select {
	case <-time.After(errorBackoff):
	case <-ctx.Done():
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	err := q.Enqueue(wctx, id)
	if err == nil {
		log.Info("task requeued", slog.String("queue", q.Name()))
		return
	}
	log.Error("requeue failed", slog.Any("error", err))
	g.finish(ctx, log, id, task.StatusPending, task.StatusFailure, task.Patch{
		Error: &task.Error{Code: "queue_unavailable", Message: err.Error(), Retryable: true},
	})
}

// finish records an outcome. It outlives shutdown cancellation so a task
// interrupted by shutdown still gets a terminal status.
func (g *Group) finish(ctx context.Context, log *slog.Logger, id string, from, to task.Status, p task.Patch) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if _, err := g.store.Transition(wctx, id, from, to, p); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			log.Info("outcome discarded, task changed meanwhile", slog.String("outcome", string(to)))
			return
		}
		log.Error("record outcome failed", slog.Any("error", err))
	}
}

// ErrorFor converts an execution error into the structured error stored on
// the task.
func ErrorFor(err error) *task.Error {
	var perr *provider.ProviderError
	if errors.As(err, &perr) {
		return &task.Error{Code: "provider_error", Message: perr.Error(), Retryable: perr.Retryable}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &task.Error{Code: "interrupted", Message: "execution was interrupted", Retryable: true}
	case errors.Is(err, context.DeadlineExceeded):
		return &task.Error{Code: errs.DeadlineExceeded.String(), Message: err.Error()}
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		return &task.Error{Code: coded.Code.String(), Message: coded.Error()}
	}
	return &task.Error{Code: "internal", Message: err.Error()}
}
