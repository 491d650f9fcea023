// Package presence records in Redis which server instance currently holds a
// user's connection for a channel. The authoritative membership lives in the
// per-process registry; this map exists for operational introspection and for
// collaborators that need to find a user's instance. Entries expire on their
// own if a process dies without cleanup.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// keyPrefix is the Redis key prefix for presence hashes.
	keyPrefix = "rt:presence:"

	// TTL is how long an entry survives without a refresh. The transport's
	// heartbeat drives refreshes, so a dead process's entries age out within
	// two heartbeat intervals.
	TTL = 90 * time.Second
)

// Entry describes one user's attachment as seen from Redis.
type Entry struct {
	Instance    string `redis:"instance"`
	Role        string `redis:"role"`
	ConnectedAt int64  `redis:"connected_at"`
}

// Store manages presence entries in Redis.
type Store struct {
	client   *redis.Client
	instance string // identifier of this server instance
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr, instance string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, instance: instance}, nil
}

func key(domain, channelID, userID string) string {
	return keyPrefix + domain + ":" + channelID + ":" + userID
}

// Track records that this instance holds a connection for the user.
func (s *Store) Track(ctx context.Context, domain, channelID, userID, role string) error {
	k := key(domain, channelID, userID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"instance":     s.instance,
		"role":         role,
		"connected_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, k, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh extends the entry's TTL. Called from the heartbeat path.
func (s *Store) Refresh(ctx context.Context, domain, channelID, userID string) error {
	return s.client.Expire(ctx, key(domain, channelID, userID), TTL).Err()
}

// Untrack removes the entry when the user's last local connection closes.
func (s *Store) Untrack(ctx context.Context, domain, channelID, userID string) error {
	return s.client.Del(ctx, key(domain, channelID, userID)).Err()
}

// Lookup returns the entry for a user, or nil if none exists.
func (s *Store) Lookup(ctx context.Context, domain, channelID, userID string) (*Entry, error) {
	var e Entry
	if err := s.client.HGetAll(ctx, key(domain, channelID, userID)).Scan(&e); err != nil {
		return nil, err
	}
	if e.Instance == "" {
		return nil, nil
	}
	return &e, nil
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
