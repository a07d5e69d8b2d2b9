package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/podushkina/taskdispatch/internal/errs"
	"github.com/podushkina/taskdispatch/internal/task"
	bolt "go.etcd.io/bbolt"
)

var taskBucket = []byte("tasks")

// BoltStore is a single-file embedded store. bbolt serializes writers, so a
// transition read-check-write inside one Update is atomic.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(taskBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Create(_ context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		if b.Get([]byte(t.ID)) != nil {
			return ErrDuplicate
		}
		return b.Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) Get(_ context.Context, id string) (*task.Task, error) {
	var out *task.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(taskBucket).Get([]byte(id))
		if data == nil {
			return errs.TaskNotFound(id)
		}
		t, err := decode(data)
		out = t
		return err
	})
	return out, err
}

func (s *BoltStore) Transition(_ context.Context, id string, from, to task.Status, p task.Patch) (*task.Task, error) {
	var out *task.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return errs.TaskNotFound(id)
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
		out = t
		return b.Put([]byte(id), next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) List(_ context.Context, f Filter) ([]*task.Task, error) {
	tasks := []*task.Task{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(taskBucket).ForEach(func(_, v []byte) error {
			t, err := decode(v)
			if err != nil {
				return nil
			}
			if f.match(t) {
				tasks = append(tasks, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNewest(tasks)
	return tasks, nil
}

func (s *BoltStore) Purge(_ context.Context, before time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		var doomed [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			t, err := decode(v)
			if err != nil {
				continue
			}
			if expired(t, before) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
