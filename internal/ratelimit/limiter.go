// Package ratelimit throttles client actions. Windows keeps per-connection
// sliding windows in memory for the realtime event path; Limiter uses the
// Redis INCR + EXPIRE fixed window for identities shared across server
// instances, such as the client IP at WebSocket handshake.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rule defines a rate limiting policy: the action key, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // action name, also the Redis key segment
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Per-connection rules for socket events.
var (
	RuleSendMessage = Rule{Key: "send_message", Limit: 30, Window: time.Minute}
	RuleReaction    = Rule{Key: "add_reaction", Limit: 60, Window: time.Minute}
	RuleTyping      = Rule{Key: "typing", Limit: 20, Window: 10 * time.Second}
	RuleJoinRoom    = Rule{Key: "join_room", Limit: 20, Window: time.Minute}
	RuleReport      = Rule{Key: "report_message", Limit: 5, Window: 5 * time.Minute}
	RuleModeration  = Rule{Key: "moderation", Limit: 30, Window: time.Minute}
	RuleGetRooms    = Rule{Key: "get_rooms", Limit: 30, Window: time.Minute}
)

// RuleConnect allows 5 WebSocket handshakes per minute per IP.
var RuleConnect = Rule{Key: "connect", Limit: 5, Window: time.Minute}

// keyPrefix namespaces limiter counters in Redis.
const keyPrefix = "rl:"

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

func redisKey(identifier string, rule Rule) string {
	return keyPrefix + rule.Key + ":" + identifier
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := redisKey(identifier, rule)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Str("module", "ratelimit").Str("key", key).Err(err).Msg("redis INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Warn().Str("module", "ratelimit").Str("key", key).Err(err).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

