package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence is an optional Redis-backed presence cache. When configured,
// heartbeats set a key with a TTL and lookups treat key existence as the
// online signal, avoiding a last_seen comparison against a possibly
// lagging database row.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPresence connects the presence cache.
func NewPresence(ctx context.Context, redisURL string, ttl time.Duration) (*Presence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Presence{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (p *Presence) Close() error {
	return p.client.Close()
}

func presenceKey(username string) string {
	return fmt.Sprintf("presence:%s", username)
}

// MarkOnline refreshes the presence key for username.
func (p *Presence) MarkOnline(ctx context.Context, username string) error {
	return p.client.Set(ctx, presenceKey(username), "1", p.ttl).Err()
}

// IsOnline reports whether username has heartbeat recently.
func (p *Presence) IsOnline(ctx context.Context, username string) (bool, error) {
	n, err := p.client.Exists(ctx, presenceKey(username)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
