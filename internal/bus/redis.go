package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "onechat:events"

// RedisRelay connects buses running on different nodes through one Redis
// pub/sub channel. Each node forwards its own publishes and delivers
// everyone else's.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	bus     *Bus
	ready   chan struct{}
}

// NewRedisRelay builds a relay for b and attaches it with SetRelay.
func NewRedisRelay(client redis.UniversalClient, channel string, b *Bus) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	r := &RedisRelay{client: client, channel: channel, bus: b, ready: make(chan struct{})}
	b.SetRelay(r)
	return r
}

// Forward implements Relay.
func (r *RedisRelay) Forward(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Ready is closed once Run has an active subscription.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run subscribes to the channel and delivers remote envelopes until ctx is
// cancelled or the subscription breaks.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	log.Info().Str("channel", r.channel).Str("node_id", r.bus.NodeID()).Msg("bus relay subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("channel", r.channel).Msg("bus relay: bad envelope")
				continue
			}
			r.bus.DeliverRemote(env)
		}
	}
}
