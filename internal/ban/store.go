// Package ban keeps posting mutes in Redis. A muted user may stay connected
// and read rooms but cannot post. Mutes are applied by moderators or
// automatically once a user's messages collect enough reports, with a
// duration that escalates with repeat offenses:
//
//	Key:   mute:<userID>            hash {reason, offense}, TTL = mute length
//	Key:   mute_reports:<userID>    report counter, TTL = ReportsTTL
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// MutePrefix is the Redis key prefix for active mutes.
	MutePrefix = "mute:"

	// ReportsPrefix is the Redis key prefix for per-user report counters.
	ReportsPrefix = "mute_reports:"

	// Escalating mute durations.
	Mute15Min  = 15 * time.Minute // 1st offense
	Mute1Hour  = 1 * time.Hour    // 2nd offense
	Mute24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL bounds the report counter. The window is fixed from the
	// first report; it does not slide.
	ReportsTTL = 24 * time.Hour

	// AutoMuteThreshold is the number of reports within ReportsTTL that
	// mutes the author.
	AutoMuteThreshold = 3

	// ReasonReports is recorded on automatic mutes.
	ReasonReports = "multiple_reports"
)

// Store manages mutes in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a mute store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func muteKey(userID string) string    { return MutePrefix + userID }
func reportsKey(userID string) string { return ReportsPrefix + userID }

// IsBanned reports whether userID is muted, with the remaining seconds and
// the reason. Redis errors are returned; callers fail open.
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, int, string, error) {
	key := muteKey(userID)

	pipe := s.client.Pipeline()
	reasonCmd := pipe.HGet(ctx, key, "reason")
	ttlCmd := pipe.TTL(ctx, key)
	_, err := pipe.Exec(ctx)

	reason, rerr := reasonCmd.Result()
	if errors.Is(rerr, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, "", fmt.Errorf("ban: check %s: %w", userID, err)
	}

	remaining := 0
	if ttl, terr := ttlCmd.Result(); terr == nil && ttl > 0 {
		remaining = int((ttl + time.Second - 1) / time.Second)
	}
	return true, remaining, reason, nil
}

// Mute mutes userID for duration. A longer mute already in place is kept.
func (s *Store) Mute(ctx context.Context, userID string, duration time.Duration, reason string, offense int) error {
	key := muteKey(userID)

	current, err := s.client.TTL(ctx, key).Result()
	if err == nil && current > duration {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "reason", reason, "offense", strconv.Itoa(offense))
		pipe.Expire(ctx, key, duration)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ban: mute %s: %w", userID, err)
	}
	return nil
}

// escalationDuration returns the mute length for an offense count.
func escalationDuration(offenses int) time.Duration {
	switch {
	case offenses <= 1:
		return Mute15Min
	case offenses == 2:
		return Mute1Hour
	default:
		return Mute24Hour
	}
}

// count increments the report counter, starting its window on the first
// increment.
func (s *Store) count(ctx context.Context, userID string) (int, error) {
	key := reportsKey(userID)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, ReportsTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ban: count %s: %w", userID, err)
	}
	return int(incr.Val()), nil
}

// Escalate records a moderator-confirmed offense and mutes userID for the
// escalated duration.
func (s *Store) Escalate(ctx context.Context, userID, reason string) (time.Duration, error) {
	n, err := s.count(ctx, userID)
	if err != nil {
		return 0, err
	}
	duration := escalationDuration(n)
	if err := s.Mute(ctx, userID, duration, reason, n); err != nil {
		return 0, err
	}
	log.Info().Str("module", "ban").Str("user", userID).Int("offense", n).Dur("duration", duration).Msg("user muted")
	return duration, nil
}

// ReportAndCheck counts a report against userID and mutes them once the
// count reaches AutoMuteThreshold. It returns whether a mute was applied
// and for how long.
func (s *Store) ReportAndCheck(ctx context.Context, userID, reason string) (bool, time.Duration, error) {
	n, err := s.count(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	if n < AutoMuteThreshold {
		return false, 0, nil
	}

	// The first automatic mute is the first escalation step.
	duration := escalationDuration(n - AutoMuteThreshold + 1)
	if reason == "" {
		reason = ReasonReports
	}
	if err := s.Mute(ctx, userID, duration, reason, n); err != nil {
		return false, 0, err
	}
	log.Info().Str("module", "ban").Str("user", userID).Int("reports", n).Dur("duration", duration).Msg("user auto-muted")
	return true, duration, nil
}
