package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/creditcore/internal/events"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/sirupsen/logrus"
)

// RedisFeed reads the pub/sub channels written by events.RedisPublisher.
type RedisFeed struct {
	client redis.UniversalClient
	log    *logrus.Logger
}

func NewRedisFeed(client redis.UniversalClient, log *logrus.Logger) *RedisFeed {
	return &RedisFeed{client: client, log: log}
}

func (f *RedisFeed) Open(ctx context.Context, accountID string) (Stream, error) {
	channel := events.ChannelFor(accountID)
	ps := f.client.Subscribe(ctx, channel)
	// first reply confirms the subscription
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &redisStream{ps: ps, channel: channel, log: f.log}, nil
}

type redisStream struct {
	ps      *redis.PubSub
	channel string
	log     *logrus.Logger
}

func (s *redisStream) Receive(ctx context.Context) (Frame, error) {
	msg, err := s.ps.Receive(ctx)
	if err != nil {
		return Frame{}, err
	}
	switch m := msg.(type) {
	case *redis.Message:
		var update models.BalanceUpdate
		if err := json.Unmarshal([]byte(m.Payload), &update); err != nil {
			if s.log != nil {
				s.log.WithField("channel", s.channel).WithError(err).Warn("[NOTIFIER] Dropping malformed update")
			}
			return Frame{}, nil
		}
		return Frame{Update: &update}, nil
	default:
		// *redis.Pong, *redis.Subscription
		return Frame{}, nil
	}
}

func (s *redisStream) Ping(ctx context.Context) error {
	return s.ps.Ping(ctx)
}

func (s *redisStream) Close() error {
	return s.ps.Close()
}
