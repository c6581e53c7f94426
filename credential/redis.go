package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisRetention bounds how long an unused credential stays in Redis.
// It outlives the access token so a later process can still refresh.
const DefaultRedisRetention = 30 * 24 * time.Hour

// RedisBackend stores the credential as JSON under "<prefix><key>".
type RedisBackend struct {
	client    *redis.Client
	key       string
	retention time.Duration
}

// NewRedisBackend returns a backend using client. Prefix defaults to
// "session:" and retention to DefaultRedisRetention.
func NewRedisBackend(client *redis.Client, prefix, key string, retention time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "session:"
	}
	if retention <= 0 {
		retention = DefaultRedisRetention
	}
	return &RedisBackend{client: client, key: prefix + key, retention: retention}
}

// DialRedis parses redisURL (redis://:pass@host:6379/0) and pings the server.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisBackend) Load(ctx context.Context) (*Credential, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c Credential
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &c, nil
}

func (r *RedisBackend) Save(ctx context.Context, c *Credential) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, b, r.retention).Err()
}

func (r *RedisBackend) Delete(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}
