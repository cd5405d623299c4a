// Package activity provides an optional Redis fast path for timer activity
// signals. Signals arrive at keystroke frequency; a TTL key per issue absorbs
// them cheaply while the ledger's last_activity_at stays authoritative for
// restart recovery. The auto-pause sweep only treats a timer as inactive when
// the ledger is stale AND no fresh key exists here.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTracker connects to Redis and pings it. ttl should equal the
// inactivity window: an expired key means no signal within the window.
func NewRedisTracker(redisURL string, ttl time.Duration) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisTrackerWithClient(client, ttl), nil
}

// NewRedisTrackerWithClient builds a tracker from an existing client.
func NewRedisTrackerWithClient(client *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{
		client: client,
		prefix: "activity:",
		ttl:    ttl,
	}
}

func (t *RedisTracker) key(issueID string) string {
	return t.prefix + issueID
}

// Touch records an activity signal for the issue, refreshing the TTL.
func (t *RedisTracker) Touch(ctx context.Context, issueID string) error {
	if err := t.client.Set(ctx, t.key(issueID), time.Now().Unix(), t.ttl).Err(); err != nil {
		return fmt.Errorf("touch activity key: %w", err)
	}
	return nil
}

// Fresh reports whether a signal for the issue is still inside the window.
func (t *RedisTracker) Fresh(ctx context.Context, issueID string) (bool, error) {
	count, err := t.client.Exists(ctx, t.key(issueID)).Result()
	if err != nil {
		return false, fmt.Errorf("check activity key: %w", err)
	}
	return count > 0, nil
}

// Clear drops the signal for an issue, used when a session ends.
func (t *RedisTracker) Clear(ctx context.Context, issueID string) error {
	if err := t.client.Del(ctx, t.key(issueID)).Err(); err != nil {
		return fmt.Errorf("clear activity key: %w", err)
	}
	return nil
}

func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}
