package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) (*RedisQueue, *redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client, err := Connect(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return NewRedisQueue(client), client, mr
}

func TestRedisQueue_EnqueueAndDequeue(t *testing.T) {
	q, _, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	id, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestRedisQueue_DequeueEmpty(t *testing.T) {
	q, _, mr := setupTestQueue(t)
	defer mr.Close()

	id, err := q.Dequeue(context.Background(), 100*time.Millisecond)

	assert.NoError(t, err)
	assert.Empty(t, id)
}

func TestRedisQueue_UnavailableWhenBrokerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	q := NewRedisQueue(client)
	mr.Close()

	err := q.Enqueue(context.Background(), "a")

	assert.ErrorIs(t, err, errs.ErrQueueUnavailable)
}

func TestConnect_Fails(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Connect(addr, "", 0)
	assert.Error(t, err)
}

func TestLocalQueue_FIFOAndCapacity(t *testing.T) {
	q := NewLocalQueue(2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	err := q.Enqueue(ctx, "c")
	assert.True(t, errs.IsCode(err, errs.ResourceExhausted))

	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(2), depth)

	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestLocalQueue_DequeueTimesOut(t *testing.T) {
	q := NewLocalQueue(1)

	id, err := q.Dequeue(context.Background(), 20*time.Millisecond)

	assert.NoError(t, err)
	assert.Empty(t, id)
}

func TestLocalQueue_ClosedIsUnavailable(t *testing.T) {
	q := NewLocalQueue(1)
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), "a")

	assert.ErrorIs(t, err, errs.ErrQueueUnavailable)
}

func TestRevoker_Broadcast(t *testing.T) {
	_, client, mr := setupTestQueue(t)
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	r := NewRevoker(client)
	require.NoError(t, r.Subscribe(ctx, func(id string) { got <- id }))
	require.NoError(t, r.Publish(ctx, "task-1"))

	select {
	case id := <-got:
		assert.Equal(t, "task-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("revoke not delivered")
	}
}
