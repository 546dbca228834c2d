package configstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nnatri/modelmesh/internal/observability"
)

const redisConfigKey = "dispatcher:config"

// Redis implements Store as a single Redis hash; the connection is
// verified eagerly and every operation's latency is observed.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
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

	return &Redis{client: client}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	v, err := r.client.HGet(ctx, redisConfigKey, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	return r.client.HSet(ctx, redisConfigKey, key, value).Err()
}

func (r *Redis) All(ctx context.Context) (map[string]string, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	return r.client.HGetAll(ctx, redisConfigKey).Result()
}
