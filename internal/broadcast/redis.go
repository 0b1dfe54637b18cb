package broadcast

import (
	"context"
	"strings"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const topicPattern = "campaign:*"

// RedisPublisher publishes events on the campaign's Redis channel so
// processes other than the writer can observe them.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := encode(ev)
	if err != nil {
		logger.Error("encode broadcast event", "component", "broadcast", "type", string(ev.Type), "err", err)
		return
	}
	if err := p.client.Publish(ctx, Topic(ev.CampaignID), payload).Err(); err != nil {
		logger.Warn("publish broadcast event", "component", "broadcast",
			"campaign_id", ev.CampaignID, "type", string(ev.Type), "err", err)
	}
}

// Relay forwards every campaign channel from Redis into a local Hub.
type Relay struct {
	client *redis.Client
	hub    *Hub
}

func NewRelay(client *redis.Client, hub *Hub) *Relay {
	return &Relay{client: client, hub: hub}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, topicPattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	logger.Info("broadcast relay subscribed", "component", "broadcast", "pattern", topicPattern)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decode([]byte(msg.Payload))
			if err != nil {
				logger.Warn("drop malformed broadcast", "component", "broadcast", "channel", msg.Channel, "err", err)
				continue
			}
			if ev.CampaignID == "" {
				ev.CampaignID = strings.TrimPrefix(msg.Channel, "campaign:")
			}
			r.hub.Publish(ctx, ev)
		}
	}
}
