package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const revokeChannel = "taskdispatch:revoke"

// Revoker broadcasts force-cancel requests so whichever process runs the task
// can interrupt it.
type Revoker struct {
	client *redis.Client
}

func NewRevoker(client *redis.Client) *Revoker {
	return &Revoker{client: client}
}

func (r *Revoker) Publish(ctx context.Context, id string) error {
	if err := r.client.Publish(ctx, revokeChannel, id).Err(); err != nil {
		return fmt.Errorf("publish revoke: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed and then calls fn for
// every revoked id until ctx is done.
func (r *Revoker) Subscribe(ctx context.Context, fn func(id string)) error {
	pubsub := r.client.Subscribe(ctx, revokeChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe revoke: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
