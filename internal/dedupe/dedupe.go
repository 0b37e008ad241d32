// Package dedupe remembers webhook event ids that were processed
// successfully so redeliveries can be acknowledged without work.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard reports and records processed event ids.
type Guard interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

// Config holds Redis guard settings.
type Config struct {
	// KeyPrefix is prepended to every key (default: "billing:event:").
	KeyPrefix string
	// TTL is how long an event id is remembered (default: 72h).
	TTL time.Duration
}

// DefaultConfig returns the default guard settings.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "billing:event:",
		TTL:       72 * time.Hour,
	}
}

// Redis is a Guard backed by Redis keys with a TTL.
type Redis struct {
	client redis.UniversalClient
	config Config
}

// NewRedis creates a Redis guard.
func NewRedis(client redis.UniversalClient, config Config) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	return &Redis{client: client, config: config}, nil
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("dedupe: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dedupe: ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) key(eventID string) string {
	return r.config.KeyPrefix + eventID
}

func (r *Redis) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: check %s: %w", eventID, err)
	}
	return n > 0, nil
}

func (r *Redis) Remember(ctx context.Context, eventID string) error {
	if err := r.client.SetNX(ctx, r.key(eventID), time.Now().Unix(), r.config.TTL).Err(); err != nil {
		return fmt.Errorf("dedupe: remember %s: %w", eventID, err)
	}
	return nil
}

// Noop never reports an event as seen.
type Noop struct{}

func (Noop) Seen(context.Context, string) (bool, error) { return false, nil }
func (Noop) Remember(context.Context, string) error     { return nil }
