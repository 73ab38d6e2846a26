package service

import (
	"context"

	"github.com/redis/go-redis/v9"

	"buddy_client/client/chat/domain"
)

const redisChannelPrefix = "chat:pair:"

// RedisFeed listens on the pub/sub channel the backend fans chat events
// out on.
type RedisFeed struct {
	client *redis.Client
}

func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func RedisChannel(pair domain.Pair) string {
	return redisChannelPrefix + pair.Key()
}

func (f *RedisFeed) Subscribe(ctx context.Context, pair domain.Pair) (Stream, error) {
	pubsub := f.client.Subscribe(ctx, RedisChannel(pair))
	// wait for the subscription confirmation so failures surface here
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	p := newPipe(func() error {
		cancel()
		return pubsub.Close()
	})
	go func() {
		for {
			msg, err := pubsub.ReceiveMessage(readCtx)
			if err != nil {
				p.finish(err)
				return
			}
			m, ok := decodeEnvelope([]byte(msg.Payload))
			if !ok || !pair.Involves(m) {
				continue
			}
			if !p.push(m) {
				p.finish(nil)
				return
			}
		}
	}()
	return p, nil
}
