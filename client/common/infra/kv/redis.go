package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Redis stores client state under a per-installation key prefix, for
// headless deployments (bots, kiosks) that keep state off the device.
type Redis struct {
	client *redis.Client
	prefix string
	owned  bool
}

func NewRedis(client *redis.Client, prefix string, owned bool) *Redis {
	return &Redis{client: client, prefix: prefix, owned: owned}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) SetMany(ctx context.Context, entries map[string][]byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, r.key(k), v, 0)
		}
		return nil
	})
	return err
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, r.key(k))
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
