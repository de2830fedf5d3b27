package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fleetward/fleetward/control_plane/observability"
)

const (
	agentChannelPrefix = "fleetward:agent:"
	publishTimeout     = 5 * time.Second
)

// AgentChannel is the pub/sub channel one agent listens on.
func AgentChannel(agentID string) string {
	return agentChannelPrefix + agentID
}

// RedisPublisher delivers commands over redis pub/sub. An agent with no
// subscriber simply misses the message; the claim window turns that into a
// retry on a later cycle.
type RedisPublisher struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisPublisher connects and verifies the redis backend.
func NewRedisPublisher(addr, password string, db int, log zerolog.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return NewRedisPublisherFromClient(client, log), nil
}

// NewRedisPublisherFromClient wraps an existing client (shared with the
// locker).
func NewRedisPublisherFromClient(client *redis.Client, log zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		log:    log.With().Str("component", "bus").Logger(),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, cmd Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	start := time.Now()
	err = p.client.Publish(ctx, AgentChannel(cmd.AgentID), data).Err()
	observability.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		p.log.Error().Err(err).
			Str("agent_id", cmd.AgentID).
			Str("kind", string(cmd.Kind)).
			Msg("publish failed")
		return err
	}
	return nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
