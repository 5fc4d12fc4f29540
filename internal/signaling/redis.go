// internal/signaling/redis.go

// Package signaling implements the external peer-discovery boundary: a Redis
// rendezvous where the host publishes its dial target under the session key
// and the guest resolves it, plus a best-effort mirror of replicated actions
// for offline analysis. The core never depends on this package; it only
// consumes the opaque target the rendezvous yields.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aifedespaix/cki/internal/protocol"
)

// DefaultAdvertTTL bounds how long a host advertisement survives without
// re-advertising.
const DefaultAdvertTTL = 10 * time.Minute

// DefaultMirrorQueue is the Redis list receiving mirrored action records.
var DefaultMirrorQueue = "cki_actions"

// ErrNoSuchSession reports that no host is advertising under the session id.
var ErrNoSuchSession = errors.New("signaling: no host advertised for session")

// Advertisement is what a host publishes for guests to find it.
type Advertisement struct {
	PeerID   uuid.UUID `json:"peerId"`
	Target   string    `json:"target"`
	PostedAt time.Time `json:"postedAt"`
}

// ActionRecord is the mirrored shape pushed to the analysis queue.
type ActionRecord struct {
	SessionID  string    `json:"session_id"`
	ActionID   uuid.UUID `json:"action_id"`
	ActionType string    `json:"action_type"`
	ActorID    uuid.UUID `json:"actor_id"`
	IssuerRole string    `json:"issuer_role"`
	Timestamp  int64     `json:"timestamp"`
}

// Client wraps the Redis connection used for rendezvous and mirroring.
type Client struct {
	rdb *redis.Client
}

// Connect initializes the Redis client from environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func Connect(ctx context.Context) (*Client, error) {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("signaling: connect redis at %s: %w", addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Advertise publishes the host's dial target under the session key with a TTL.
// Re-advertising refreshes the TTL.
func (c *Client) Advertise(ctx context.Context, sessionID string, ad Advertisement, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultAdvertTTL
	}
	data, err := json.Marshal(ad)
	if err != nil {
		return fmt.Errorf("signaling: marshal advertisement: %w", err)
	}
	if err := c.rdb.Set(ctx, sessionKey(sessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("signaling: advertise session %s: %w", sessionID, err)
	}
	return nil
}

// Resolve looks the session's host up.
func (c *Client) Resolve(ctx context.Context, sessionID string) (Advertisement, error) {
	data, err := c.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Advertisement{}, ErrNoSuchSession
	}
	if err != nil {
		return Advertisement{}, fmt.Errorf("signaling: resolve session %s: %w", sessionID, err)
	}
	var ad Advertisement
	if err := json.Unmarshal(data, &ad); err != nil {
		return Advertisement{}, fmt.Errorf("signaling: corrupt advertisement for %s: %w", sessionID, err)
	}
	return ad, nil
}

// Withdraw removes the advertisement, typically on clean host shutdown.
func (c *Client) Withdraw(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("signaling: withdraw session %s: %w", sessionID, err)
	}
	return nil
}

// MirrorAction pushes a replicated action onto the analysis queue. Best
// effort: callers fire it from a goroutine and only log failures.
func (c *Client) MirrorAction(ctx context.Context, sessionID string, msg protocol.App) error {
	record := ActionRecord{
		SessionID:  sessionID,
		ActionID:   msg.ActionID,
		ActionType: string(msg.Action.Type),
		ActorID:    msg.Action.ActorID,
		IssuerRole: string(msg.IssuerRole),
		Timestamp:  msg.IssuedAt.Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("signaling: marshal action record: %w", err)
	}
	queue := getEnv("MIRROR_QUEUE_NAME", DefaultMirrorQueue)
	if err := c.rdb.RPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("signaling: push to %s: %w", queue, err)
	}
	return nil
}

func sessionKey(sessionID string) string {
	return "cki:session:" + sessionID
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
