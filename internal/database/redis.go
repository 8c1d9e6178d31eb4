package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unica-wb/backend/internal/config"
)

// Redis wraps a Redis client. Apart from Ping, every method is best-effort:
// broker failures degrade to cache misses or dropped events so a flaky
// Redis never aborts a request. Job state lives in SQLite, not here.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a new Redis client and verifies the connection.
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client. Used by tests with miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Client returns the underlying Redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetJSON unmarshals the value at key into dest. Returns false on a miss,
// a decode failure, or any broker error.
func (r *Redis) GetJSON(ctx context.Context, key string, dest any) bool {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dest) == nil
}

// SetJSON stores value at key as JSON. A zero ttl means no expiry.
func (r *Redis) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	r.client.Set(ctx, key, raw, ttl)
}

// Delete removes keys.
func (r *Redis) Delete(ctx context.Context, keys ...string) {
	r.client.Del(ctx, keys...)
}

// HashGetAll returns all fields of a hash, empty on any failure.
func (r *Redis) HashGetAll(ctx context.Context, key string) map[string]string {
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return map[string]string{}
	}
	return raw
}

// HashSet stores field=value in a hash.
func (r *Redis) HashSet(ctx context.Context, key, field string, value any) {
	r.client.HSet(ctx, key, field, value)
}

// HashDelete removes a field from a hash.
func (r *Redis) HashDelete(ctx context.Context, key, field string) {
	r.client.HDel(ctx, key, field)
}

// HashIncrementBy bumps an integer hash field.
func (r *Redis) HashIncrementBy(ctx context.Context, key, field string, amount int64) {
	r.client.HIncrBy(ctx, key, field, amount)
}

// IncrWithExpire increments a counter and ensures a TTL is set. It
// returns the post-increment value.
func (r *Redis) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		r.client.Expire(ctx, key, ttl)
	}
	return count, nil
}

// Expire sets a key TTL.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) {
	r.client.Expire(ctx, key, ttl)
}

// ScanPrefix returns all keys matching prefix*. Empty on failure.
func (r *Redis) ScanPrefix(ctx context.Context, prefix string) []string {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return keys
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys
		}
		cursor = next
	}
}

// Publish sends payload (marshaled to JSON) on a channel. Lost messages are
// acceptable: subscribers receive a full snapshot on connect.
func (r *Redis) Publish(ctx context.Context, channel string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.client.Publish(ctx, channel, raw)
}

// PublishRaw sends an already-encoded payload on a channel.
func (r *Redis) PublishRaw(ctx context.Context, channel string, raw []byte) {
	r.client.Publish(ctx, channel, raw)
}

// Subscribe opens a subscription on a channel. The caller owns the returned
// PubSub and must Close it.
func (r *Redis) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.client.Subscribe(ctx, channel)
}
