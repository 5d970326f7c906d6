package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	syncErrors "github.com/aklyachkin/syncwire/errors"
	"github.com/aklyachkin/syncwire/logging"
)

// Presence tracks live sessions per store in Redis so admin info reflects
// connections across every server process, not just the local one. A nil
// *Presence is valid and turns every method into a no-op; a single-process
// deployment runs without Redis at all.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewPresence connects to Redis at redisURL. Session keys expire after ttl
// unless refreshed by a heartbeat.
func NewPresence(ctx context.Context, redisURL string, ttl time.Duration, logger *logging.Logger) (*Presence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("presence.New"), syncErrors.Component("server/presence"),
			syncErrors.KindInternal, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, syncErrors.E(syncErrors.Op("presence.New"), syncErrors.Component("server/presence"),
			syncErrors.KindStorage, err)
	}

	return &Presence{
		client: client,
		ttl:    ttl,
		logger: logger.WithComponent("server/presence"),
	}, nil
}

func presenceKey(storeID, sessionID string) string {
	return fmt.Sprintf("presence:%s:%s", storeID, sessionID)
}

// Join registers a session. Failures are logged and swallowed; presence is
// advisory and must never break a sync session.
func (p *Presence) Join(ctx context.Context, storeID, sessionID string) {
	if p == nil {
		return
	}
	if err := p.client.Set(ctx, presenceKey(storeID, sessionID), 1, p.ttl).Err(); err != nil {
		p.logger.Warn("presence join failed", "store_id", storeID, "error", err)
	}
}

// Heartbeat extends a session's registration.
func (p *Presence) Heartbeat(ctx context.Context, storeID, sessionID string) {
	if p == nil {
		return
	}
	if err := p.client.Expire(ctx, presenceKey(storeID, sessionID), p.ttl).Err(); err != nil {
		p.logger.Warn("presence heartbeat failed", "store_id", storeID, "error", err)
	}
}

// Leave removes a session's registration.
func (p *Presence) Leave(ctx context.Context, storeID, sessionID string) {
	if p == nil {
		return
	}
	if err := p.client.Del(ctx, presenceKey(storeID, sessionID)).Err(); err != nil {
		p.logger.Warn("presence leave failed", "store_id", storeID, "error", err)
	}
}

// Count reports the live sessions for a store across all server processes.
// Returns zero when presence is disabled.
func (p *Presence) Count(ctx context.Context, storeID string) int64 {
	if p == nil {
		return 0
	}

	var (
		count   int64
		cursor  uint64
		pattern = presenceKey(storeID, "*")
	)
	for {
		keys, next, err := p.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			p.logger.Warn("presence scan failed", "store_id", storeID, "error", err)
			return count
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return count
		}
	}
}

// Close releases the Redis connection.
func (p *Presence) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
