package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "civicvoice:presence"

// Redis stores one key per session under <prefix>:<session_id> with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*Redis)

func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, ttl: DefaultTTL, prefix: DefaultPrefix}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OpenRedis parses a redis:// URL and verifies connectivity.
func OpenRedis(ctx context.Context, url string, opts ...RedisOption) (*Redis, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, opts...), nil
}

func (r *Redis) key(sessionID string) string {
	return r.prefix + ":" + sessionID
}

func (r *Redis) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(e.SessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Count scans the presence keyspace. It is meant for health reporting, not
// hot paths.
func (r *Redis) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+":*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan failed: %w", err)
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

// Lookup returns the stored entry for a session, or (nil, nil) when absent.
func (r *Redis) Lookup(ctx context.Context, sessionID string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal presence entry: %w", err)
	}
	return &e, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
