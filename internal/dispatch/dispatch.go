package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/jobs"
	"github.com/podushkina/taskdispatch/internal/queue"
	"github.com/podushkina/taskdispatch/internal/store"
	"github.com/podushkina/taskdispatch/internal/task"
	"github.com/sourcegraph/conc/panics"
)

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Policy decides between inline and background execution. Work whose
// estimated cost is at most Threshold runs inline under SyncTimeout.
type Policy struct {
	Threshold   int
	SyncTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: 5, SyncTimeout: 60 * time.Second}
}

type Request struct {
	Kind   task.Kind       `json:"kind"`
	Owner  string          `json:"-"`
	Params json.RawMessage `json:"params,omitempty"`
	// Async forces background execution regardless of cost.
	Async bool `json:"async,omitempty"`
}

type Outcome struct {
	Mode   Mode            `json:"mode"`
	Result json.RawMessage `json:"result,omitempty"`
	TaskID string          `json:"task_id,omitempty"`
}

type Dispatcher struct {
	jobs     *jobs.Registry
	store    store.Store
	primary  queue.WorkQueue
	fallback queue.WorkQueue
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a dispatcher. fallback may be nil.
func New(reg *jobs.Registry, st store.Store, primary, fallback queue.WorkQueue, policy Policy, logger *slog.Logger) *Dispatcher {
	if policy.SyncTimeout <= 0 {
		policy.SyncTimeout = DefaultPolicy().SyncTimeout
	}
	return &Dispatcher{
		jobs:     reg,
		store:    st,
		primary:  primary,
		fallback: fallback,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Dispatcher) Policy() Policy { return d.policy }

func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Outcome, error) {
	if req.Owner == "" {
		return nil, errs.New(errs.Unauthenticated, "caller identity is required", nil)
	}
	job, ok := d.jobs.Lookup(req.Kind)
	if !ok {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown task kind %q", req.Kind), nil)
	}

	// Estimating also validates params, so bad input is rejected before any
	// record is written.
	cost, err := job.Estimate(req.Params)
	if err != nil {
		return nil, err
	}
	if req.Async || cost > d.policy.Threshold {
		return d.enqueue(ctx, req)
	}
	return d.runInline(ctx, job, req, cost)
}

// runInline executes the job on the request goroutine's behalf. When the
// timeout fires the call is abandoned; its context is cancelled and its result
// discarded. No task record is written.
func (d *Dispatcher) runInline(ctx context.Context, job jobs.Job, req Request, cost int) (*Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, d.policy.SyncTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var (
			catcher panics.Catcher
			r       result
		)
		catcher.Try(func() {
			r.value, r.err = job.Run(runCtx, jobs.Input{Owner: req.Owner, Params: req.Params})
		})
		if rec := catcher.Recovered(); rec != nil {
			r.err = errs.New(errs.Internal, "inline task panicked", rec.AsError())
		}
		done <- r
	}()

	var r result
	select {
	case r = <-done:
	case <-runCtx.Done():
		r.err = runCtx.Err()
	}

	if r.err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(r.err, context.DeadlineExceeded) {
			d.logger.Warn("inline task timed out",
				slog.String("kind", string(req.Kind)),
				slog.Int("cost", cost),
				slog.Duration("timeout", d.policy.SyncTimeout))
			return nil, errs.Timeout(fmt.Sprintf("inline %s", req.Kind), r.err)
		}
		return nil, r.err
	}

	data, err := json.Marshal(r.value)
	if err != nil {
		return nil, errs.New(errs.Internal, "encode result", err)
	}
	return &Outcome{Mode: ModeSync, Result: data}, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, req Request) (*Outcome, error) {
	t := &task.Task{
		ID:          uuid.New().String(),
		Kind:        req.Kind,
		Owner:       req.Owner,
		Params:      req.Params,
		Status:      task.StatusPending,
		SubmittedAt: d.now().UTC(),
	}
	if err := d.store.Create(ctx, t); err != nil {
		return nil, err
	}

	q, err := d.push(ctx, t.ID)
	if err != nil {
		d.logger.Error("no queue accepted task", slog.String("task_id", t.ID), slog.Any("error", err))
		patch := task.Patch{Error: &task.Error{Code: "queue_unavailable", Message: err.Error(), Retryable: true}}
		if _, terr := d.store.Transition(context.WithoutCancel(ctx), t.ID, task.StatusPending, task.StatusFailure, patch); terr != nil {
			d.logger.Warn("mark undeliverable task failed", slog.String("task_id", t.ID), slog.Any("error", terr))
		}
		return nil, err
	}

	d.logger.Info("task enqueued",
		slog.String("task_id", t.ID),
		slog.String("kind", string(t.Kind)),
		slog.String("queue", q))
	return &Outcome{Mode: ModeAsync, TaskID: t.ID}, nil
}

// push tries the primary queue and diverts to the fallback only when the
// primary reports itself unavailable.
func (d *Dispatcher) push(ctx context.Context, id string) (string, error) {
	err := d.primary.Enqueue(ctx, id)
	if err == nil {
		return d.primary.Name(), nil
	}
	if d.fallback == nil || !errors.Is(err, errs.ErrQueueUnavailable) {
		return "", err
	}
	d.logger.Warn("primary queue unavailable, using fallback",
		slog.String("task_id", id),
		slog.String("fallback", d.fallback.Name()),
		slog.Any("error", err))
	if ferr := d.fallback.Enqueue(ctx, id); ferr != nil {
		return "", ferr
	}
	return d.fallback.Name(), nil
}
