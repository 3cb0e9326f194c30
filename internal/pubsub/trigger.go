package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const TriggerChannel = "queue"

const (
	ActionNew   = "new"
	ActionReset = "reset"
)

type Trigger struct {
	Action string `json:"action"`
	ID     string `json:"id"`
}

func (p *Publisher) Trigger(ctx context.Context, t Trigger) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return p.Redis.Publish(ctx, TriggerChannel, b).Err()
}

// ListenTriggers calls fn for every trigger until ctx is done. ready is
// closed once the subscription is active.
func ListenTriggers(ctx context.Context, rdb redis.UniversalClient, ready chan<- struct{}, fn func(Trigger)) error {
	ps := rdb.Subscribe(ctx, TriggerChannel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var t Trigger
			if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
				slog.Warn("trigger decode failed", "payload", msg.Payload, "err", err)
				continue
			}
			fn(t)
		}
	}
}
