package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/jobs"
	"github.com/podushkina/taskdispatch/internal/logx"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/queue"
	"github.com/podushkina/taskdispatch/internal/store"
	"github.com/podushkina/taskdispatch/internal/task"
	"github.com/podushkina/taskdispatch/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyContent() provider.Adapter {
	return provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
		return provider.Result{"text": "Mental strength starts today #mindset", "model": "fake"}, nil
	})
}

type env struct {
	store    *store.MemoryStore
	primary  queue.WorkQueue
	fallback *queue.LocalQueue
	jobs     *jobs.Registry
	d        *Dispatcher
}

func newEnv(t *testing.T, content provider.Adapter, policy Policy, primary queue.WorkQueue) *env {
	providers := provider.NewRegistry(time.Second)
	providers.Register("content", content)
	e := &env{
		store:    store.NewMemoryStore(),
		fallback: queue.NewLocalQueue(10),
		jobs:     jobs.Defaults(jobs.Deps{Providers: providers, Logger: logx.Discard()}),
	}
	e.primary = primary
	if e.primary == nil {
		e.primary = queue.NewLocalQueue(10)
	}
	e.d = New(e.jobs, e.store, e.primary, e.fallback, policy, logx.Discard())
	return e
}

func batch(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"count":%d}`, n))
}

func TestSubmit_SmallBatchRunsInline(t *testing.T) {
	e := newEnv(t, healthyContent(), DefaultPolicy(), nil)

	out, err := e.d.Submit(context.Background(), Request{Kind: task.KindContentBatch, Owner: "u1", Params: batch(3)})
	require.NoError(t, err)

	assert.Equal(t, ModeSync, out.Mode)
	assert.Empty(t, out.TaskID)
	var res jobs.BatchResult
	require.NoError(t, json.Unmarshal(out.Result, &res))
	assert.Len(t, res.Posts, 3)

	all, err := e.store.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmit_LargeBatchRunsInBackground(t *testing.T) {
	e := newEnv(t, healthyContent(), DefaultPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	group := worker.NewGroup(e.store, e.jobs, logx.Discard(), worker.Options{PollWait: 20 * time.Millisecond})
	group.AddPool(e.primary, 1)
	group.Start(ctx)
	defer func() {
		cancel()
		group.Stop()
	}()

	out, err := e.d.Submit(context.Background(), Request{Kind: task.KindContentBatch, Owner: "u1", Params: batch(10)})
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, out.Mode)
	require.NotEmpty(t, out.TaskID)

	var done *task.Task
	require.Eventually(t, func() bool {
		tk, err := e.store.Get(context.Background(), out.TaskID)
		if err != nil {
			return false
		}
		done = tk
		return tk.Status == task.StatusSuccess
	}, 3*time.Second, 10*time.Millisecond)

	var res jobs.BatchResult
	require.NoError(t, json.Unmarshal(done.Result, &res))
	assert.Len(t, res.Posts, 10)
	assert.Equal(t, "u1", done.Owner)
}

func TestSubmit_AsyncFlagOverridesCost(t *testing.T) {
	e := newEnv(t, healthyContent(), DefaultPolicy(), nil)

	out, err := e.d.Submit(context.Background(), Request{Kind: task.KindContentBatch, Owner: "u1", Params: batch(1), Async: true})
	require.NoError(t, err)

	assert.Equal(t, ModeAsync, out.Mode)
	tk, err := e.store.Get(context.Background(), out.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)
	depth, _ := e.primary.Depth(context.Background())
	assert.Equal(t, int64(1), depth)
}

func TestSubmit_ThresholdIsConfigurable(t *testing.T) {
	e := newEnv(t, healthyContent(), Policy{Threshold: 20, SyncTimeout: time.Second}, nil)

	out, err := e.d.Submit(context.Background(), Request{Kind: task.KindContentBatch, Owner: "u1", Params: batch(10)})
	require.NoError(t, err)
	assert.Equal(t, ModeSync, out.Mode)

	e = newEnv(t, healthyContent(), Policy{Threshold: 0, SyncTimeout: time.Second}, nil)
	out, err = e.d.Submit(context.Background(), Request{Kind: task.KindContentBatch, Owner: "u1", Params: batch(1)})
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, out.Mode)
}

func TestSubmit_InlineProviderErrorIsReturned(t *testing.T) {
	failing := provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
		return nil, &provider.ProviderError{Provider: "content", Retryable: false, Message: "invalid api key", StatusCode: 401}
	})
	e := newEnv(t, failing, DefaultPolicy(), nil)

	_, err := e.d.Submit(context.Background(), Request{Kind: task.KindContentBatch, Owner: "u1", Params: batch(2)})

	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "invalid api key", perr.Message)
	all, _ := e.store.List(context.Background(), store.Filter{})
	assert.Empty(t, all)
}

func TestSubmit_InlineTimeout(t *testing.T) {
	slow := provider.AdapterFunc(func(ctx context.Context, op provider.Operation, p provider.Params) (provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := newEnv(t, slow, Policy{Threshold: 5, SyncTimeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := e.d.Submit(context.Background(), Request{Kind: task.KindContentBatch, Owner: "u1", Params: batch(1)})

	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmit_FallsBackWhenBrokerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	e := newEnv(t, healthyContent(), DefaultPolicy(), queue.NewRedisQueue(client))

	out, err := e.d.Submit(context.Background(), Request{Kind: task.KindContentBatch, Owner: "u1", Params: batch(10)})
	require.NoError(t, err)

	assert.Equal(t, ModeAsync, out.Mode)
	depth, _ := e.fallback.Depth(context.Background())
	assert.Equal(t, int64(1), depth)
	id, _ := e.fallback.Dequeue(context.Background(), time.Second)
	assert.Equal(t, out.TaskID, id)
}

func TestSubmit_NoQueueAcceptsWork(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	e := newEnv(t, healthyContent(), DefaultPolicy(), queue.NewRedisQueue(client))
	require.NoError(t, e.fallback.Close())

	_, err := e.d.Submit(context.Background(), Request{Kind: task.KindContentBatch, Owner: "u1", Params: batch(10)})
	assert.ErrorIs(t, err, errs.ErrQueueUnavailable)

	all, err := e.store.List(context.Background(), store.Filter{Owner: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, task.StatusFailure, all[0].Status)
	assert.Equal(t, "queue_unavailable", all[0].Error.Code)
}

func TestSubmit_Validation(t *testing.T) {
	e := newEnv(t, healthyContent(), DefaultPolicy(), nil)
	ctx := context.Background()

	_, err := e.d.Submit(ctx, Request{Kind: "nope", Owner: "u1"})
	assert.True(t, errs.IsCode(err, errs.InvalidArgument))

	_, err = e.d.Submit(ctx, Request{Kind: task.KindContentBatch, Params: batch(1)})
	assert.True(t, errs.IsCode(err, errs.Unauthenticated))

	_, err = e.d.Submit(ctx, Request{Kind: task.KindContentBatch, Owner: "u1", Params: json.RawMessage(`{"platforms":["myspace"]}`)})
	assert.True(t, errs.IsCode(err, errs.InvalidArgument))
}

func TestSubmit_AsyncRejectsInvalidParams(t *testing.T) {
	e := newEnv(t, healthyContent(), DefaultPolicy(), nil)
	ctx := context.Background()

	_, err := e.d.Submit(ctx, Request{Kind: task.KindContentBatch, Owner: "u1", Async: true, Params: batch(101)})
	assert.True(t, errs.IsCode(err, errs.InvalidArgument))

	_, err = e.d.Submit(ctx, Request{Kind: task.KindContentBatch, Owner: "u1", Async: true,
		Params: json.RawMessage(`{"platforms":["myspace"]}`)})
	assert.True(t, errs.IsCode(err, errs.InvalidArgument))

	all, err := e.store.List(ctx, store.Filter{Owner: "u1"})
	require.NoError(t, err)
	assert.Empty(t, all)
	depth, _ := e.primary.Depth(ctx)
	assert.Zero(t, depth)
}
