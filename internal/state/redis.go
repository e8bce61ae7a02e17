package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const redisDisabledKey = "opqbot:disabled_plugins"

// RedisStore keeps the disabled set in a redis set, shared across
// processes pointed at the same instance.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to redis at the given address ("host:port" or a
// redis:// URL) and verifies the connection.
func OpenRedis(ctx context.Context, addr string) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("state: redis address is required")
	}
	opts := &redis.Options{Addr: addr}
	if parsed, err := redis.ParseURL(addr); err == nil {
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("state: redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Disabled(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, redisDisabledKey).Result()
	if err != nil {
		return nil, fmt.Errorf("state: list disabled: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) SetDisabled(ctx context.Context, name string, disabled bool) error {
	if name == "" {
		return fmt.Errorf("state: plugin name is required")
	}
	var err error
	if disabled {
		err = s.client.SAdd(ctx, redisDisabledKey, name).Err()
	} else {
		err = s.client.SRem(ctx, redisDisabledKey, name).Err()
	}
	if err != nil {
		return fmt.Errorf("state: set disabled %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
