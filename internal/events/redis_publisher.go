package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/creditcore/internal/models"
)

// RedisPublisher publishes JSON updates on the account's pub/sub channel.
type RedisPublisher struct {
	client redis.UniversalClient
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, update models.BalanceUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal balance update: %w", err)
	}
	if err := p.client.Publish(ctx, ChannelFor(update.AccountID), string(payload)).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", ChannelFor(update.AccountID), err)
	}
	return nil
}
