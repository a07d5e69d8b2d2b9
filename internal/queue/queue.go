package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/redis/go-redis/v9"
)

// WorkQueue carries task ids from the dispatcher to workers. The task record
// itself lives in the store; a queue only orders work.
type WorkQueue interface {
	Name() string
	// Enqueue fails with an Unavailable error when the backend cannot accept
	// work, so callers can divert to another queue.
	Enqueue(ctx context.Context, id string) error
	// Dequeue waits up to wait for an id and returns "" when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
	Depth(ctx context.Context) (int64, error)
	Close() error
}

const pendingKey = "taskdispatch:pending"

// Connect opens a Redis client and verifies it answers.
func Connect(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}

// RedisQueue is a FIFO list shared by every server process.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Name() string { return "redis" }

func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	if err := q.client.RPush(ctx, pendingKey, id).Err(); err != nil {
		return errs.QueueUnavailable(q.Name(), err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	result, err := q.client.BLPop(ctx, wait, pendingKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("pop task: %w", err)
	}
	return result[1], nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Close leaves the shared client open; its owner closes it.
func (q *RedisQueue) Close() error { return nil }
