package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	onlineSetKey     = "presence:online"
	defaultMirrorTTL = 2 * time.Minute
)

func userKey(userID string) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

// RedisMirror publishes presence to Redis so other processes can read it.
// Each user gets a hash with status, last_seen and conn_id that expires after
// ttl unless refreshed; presence:online holds the set of online users.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMirror(ctx context.Context, redisURL string, ttl time.Duration) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	return &RedisMirror{client: client, ttl: ttl}, nil
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID, connID string, at time.Time) error {
	key := userKey(userID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", "online",
			"last_seen", at.UTC().Format(time.RFC3339Nano),
			"conn_id", connID,
		)
		pipe.Expire(ctx, key, m.ttl)
		pipe.SAdd(ctx, onlineSetKey, userID)
		return nil
	})
	return err
}

func (m *RedisMirror) SetOffline(ctx context.Context, userID string, at time.Time) error {
	key := userKey(userID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", "offline",
			"last_seen", at.UTC().Format(time.RFC3339Nano),
		)
		pipe.HDel(ctx, key, "conn_id")
		pipe.Expire(ctx, key, m.ttl)
		pipe.SRem(ctx, onlineSetKey, userID)
		return nil
	})
	return err
}

func (m *RedisMirror) Touch(ctx context.Context, userID string) error {
	return m.client.Expire(ctx, userKey(userID), m.ttl).Err()
}

// Status reads a user's mirrored status. Missing or expired entries read as
// offline.
func (m *RedisMirror) Status(ctx context.Context, userID string) (string, error) {
	status, err := m.client.HGet(ctx, userKey(userID), "status").Result()
	if err == redis.Nil {
		return "offline", nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// OnlineUsers returns the sorted members of presence:online.
func (m *RedisMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := m.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
