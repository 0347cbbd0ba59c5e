package presentation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the slice of *redis.Client RedisSink needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisSink publishes events on <prefix>events:<session> and keeps the
// current line in the hash <prefix>session:<session>, so dashboards can read
// "now playing" without subscribing.
type RedisSink struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedisSink(client RedisClient, prefix string, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// Channel is the pub/sub channel for a session's events.
func (r *RedisSink) Channel(sessionID string) string {
	return r.prefix + "events:" + sessionID
}

// Key is the hash holding a session's current line.
func (r *RedisSink) Key(sessionID string) string {
	return r.prefix + "session:" + sessionID
}

func (r *RedisSink) Publish(ctx context.Context, evt Event) error {
	msg := evt.Wire()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode redis event: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(evt.SessionID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	fields := []any{
		"kind", msg.Kind,
		"position_ms", msg.PositionMS,
		"generation", msg.Generation,
		"updated_at", msg.Timestamp.Format(time.RFC3339Nano),
	}
	switch evt.Kind {
	case KindTransition:
		current := ""
		if msg.Next != nil {
			current = *msg.Next
		}
		fields = append(fields, "current", current)
	case KindFinished:
		fields = append(fields, "current", "")
	case KindDiagnostic:
		// diagnostics do not change what is showing
		return nil
	}
	key := r.Key(evt.SessionID)
	if err := r.client.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return nil
}
