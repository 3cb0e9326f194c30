package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"mailcast/internal/domain"
	"mailcast/internal/observability"
)

const Namespace = "mailcast"

func Channel(campaignID string) string { return Namespace + "." + campaignID }

type Publisher struct {
	Redis redis.UniversalClient
}

func NewPublisher(rdb redis.UniversalClient) *Publisher { return &Publisher{Redis: rdb} }

// Publish broadcasts a campaign snapshot on mailcast.<id>.
func (p *Publisher) Publish(ctx context.Context, snap domain.Snapshot) error {
	if snap.Counters == nil {
		snap.Counters = domain.Counters{}
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := p.Redis.Publish(ctx, Channel(snap.ID), b).Err(); err != nil {
		observability.Publishes.WithLabelValues("error").Inc()
		return err
	}
	observability.Publishes.WithLabelValues("ok").Inc()
	return nil
}

// Subscription streams snapshots for one campaign until Close.
type Subscription struct {
	ps *redis.PubSub
	C  <-chan domain.Snapshot
}

// Subscribe starts listening for a campaign's snapshots. The subscription is
// confirmed before returning, so nothing published afterwards is missed.
func Subscribe(ctx context.Context, rdb redis.UniversalClient, campaignID string) (*Subscription, error) {
	ps := rdb.Subscribe(ctx, Channel(campaignID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan domain.Snapshot, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var snap domain.Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				slog.Warn("progress snapshot decode failed", "channel", msg.Channel, "err", err)
				continue
			}
			select {
			case out <- snap:
			default:
				// drop for slow consumers
			}
		}
	}()
	return &Subscription{ps: ps, C: out}, nil
}

func (s *Subscription) Close() error { return s.ps.Close() }
