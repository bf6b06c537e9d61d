// internal/events/redis_publisher.go
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes events on the withdrawal_events pub/sub channel.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(rdb redis.UniversalClient, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: WithdrawalEventsChannel, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, event *WithdrawalEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("withdrawal event published",
		zap.String("event_type", event.EventType),
		zap.String("withdrawal_id", event.WithdrawalID))
	return nil
}

// Close is a no-op; the redis client is owned by the caller.
func (p *RedisPublisher) Close() error { return nil }
