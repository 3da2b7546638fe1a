// ABOUTME: Redis-backed last-auth preferences for multi-instance deployments
// ABOUTME: Stores one key per identity with an optional retention TTL

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces preference keys.
const DefaultRedisPrefix = "biogate:last_auth:"

// RedisPreferences implements Preferences on Redis.
type RedisPreferences struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
}

var _ Preferences = (*RedisPreferences)(nil)

// NewRedisClient configures a Redis client from a URL and verifies
// connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}

	opt, err := redis.ParseURL(url)
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

// NewRedisPreferences wraps client. A zero retention keeps entries forever.
func NewRedisPreferences(client *redis.Client, prefix string, retention time.Duration) *RedisPreferences {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisPreferences{
		client:    client,
		prefix:    prefix,
		retention: retention,
		logger:    slog.Default().With("component", "store.redis"),
	}
}

func (p *RedisPreferences) key(identity string) string {
	return p.prefix + identity
}

// SetLastAuthTime records when identity last verified successfully.
func (p *RedisPreferences) SetLastAuthTime(ctx context.Context, identity string, t time.Time) error {
	if err := p.client.Set(ctx, p.key(identity), t.UTC().Format(time.RFC3339Nano), p.retention).Err(); err != nil {
		return fmt.Errorf("saving last auth time: %w", err)
	}
	p.logger.Debug("saved last auth time", "identity", identity)
	return nil
}

// LastAuthTime returns when identity last verified successfully.
func (p *RedisPreferences) LastAuthTime(ctx context.Context, identity string) (time.Time, bool, error) {
	val, err := p.client.Get(ctx, p.key(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("loading last auth time: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last auth time: %w", err)
	}
	return t, true, nil
}

// Close closes the underlying client.
func (p *RedisPreferences) Close() error {
	return p.client.Close()
}
