package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	taskPrefix  = "taskdispatch:task:"
	ownerPrefix = "taskdispatch:owner:"

	maxWatchRetries = 5
)

// RedisStore keeps each task as a JSON blob with a retention TTL, plus a set of
// task ids per owner. Transitions are optimistic WATCH/MULTI transactions.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, retention: retention, now: time.Now}
}

func (s *RedisStore) Create(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, taskPrefix+t.ID, data, s.retention)
		pipe.SAdd(ctx, ownerPrefix+t.Owner, t.ID)
		pipe.Expire(ctx, ownerPrefix+t.Owner, s.retention)
		return nil
	})
	if err != nil {
		return unavailable("redis", err)
	}
	if !created.Val() {
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, taskPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.TaskNotFound(id)
		}
		return nil, unavailable("redis", err)
	}
	return decode(data)
}

func (s *RedisStore) Transition(ctx context.Context, id string, from, to task.Status, p task.Patch) (*task.Task, error) {
	key := taskPrefix + id
	var out *task.Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return errs.TaskNotFound(id)
			}
			return err
		}
		t, err := decode(data)
		if err != nil {
			return err
		}
		if err := apply(t, from, to, p, s.now()); err != nil {
			return err
		}
		next, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.retention)
			return nil
		})
		if err == nil {
			out = t
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var coded *errs.Error
			if errors.As(err, &coded) {
				return nil, err
			}
			return nil, unavailable("redis", err)
		}
		return out, nil
	}
	return nil, errs.New(errs.Conflict, "task "+id+" changed concurrently", nil)
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*task.Task, error) {
	var ids []string
	if f.Owner != "" {
		members, err := s.client.SMembers(ctx, ownerPrefix+f.Owner).Result()
		if err != nil {
			return nil, unavailable("redis", err)
		}
		ids = members
	} else {
		iter := s.client.Scan(ctx, 0, taskPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			ids = append(ids, iter.Val()[len(taskPrefix):])
		}
		if err := iter.Err(); err != nil {
			return nil, unavailable("redis", err)
		}
	}

	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, taskPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("redis", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	var gone []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			gone = append(gone, ids[i])
			continue
		}
		t, err := decode(data)
		if err != nil {
			continue
		}
		if f.match(t) {
			tasks = append(tasks, t)
		}
	}
	// Expired blobs leave their ids behind in the owner set.
	if f.Owner != "" && len(gone) > 0 {
		s.client.SRem(ctx, ownerPrefix+f.Owner, gone...)
	}

	sortNewest(tasks)
	return tasks, nil
}

// Purge is a no-op: records expire through their TTL.
func (s *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return nil
}

func decode(data []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}
