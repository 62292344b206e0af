package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all snapshot hashes.
	SessionPrefix = "session:"

	// DefaultRecoveryWindow is how long a snapshot outlives its connection.
	DefaultRecoveryWindow = 2 * time.Minute
)

// ErrNotFound is returned by Load when no snapshot exists or it expired.
var ErrNotFound = errors.New("session: not found")

// Snapshot is the state of a connection at the moment it went away.
type Snapshot struct {
	ID             string `redis:"id"`
	UserID         string `redis:"user_id"`
	Server         string `redis:"server"`          // which instance held the connection
	Rooms          string `redis:"rooms"`           // comma-separated room ids
	CreatedAt      int64  `redis:"created_at"`      // unix timestamp
	DisconnectedAt int64  `redis:"disconnected_at"` // unix timestamp
}

// RoomIDs splits Rooms.
func (s *Snapshot) RoomIDs() []string {
	if s.Rooms == "" {
		return nil
	}
	return strings.Split(s.Rooms, ",")
}

// Store manages recovery snapshots in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	window     time.Duration
}

// NewStore creates a snapshot store on an existing Redis client. A window
// of zero uses DefaultRecoveryWindow.
func NewStore(client *redis.Client, serverName string, window time.Duration) *Store {
	if window <= 0 {
		window = DefaultRecoveryWindow
	}
	return &Store{client: client, serverName: serverName, window: window}
}

// Save records a disconnected session's rooms with the recovery window as
// TTL.
func (s *Store) Save(ctx context.Context, sessionID, userID string, rooms []string, createdAt time.Time) error {
	key := SessionPrefix + sessionID
	snapshot := map[string]interface{}{
		"id":              sessionID,
		"user_id":         userID,
		"server":          s.serverName,
		"rooms":           strings.Join(rooms, ","),
		"created_at":      createdAt.Unix(),
		"disconnected_at": time.Now().Unix(),
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, snapshot)
	pipe.Expire(ctx, key, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the snapshot for sessionID, or ErrNotFound.
func (s *Store) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	key := SessionPrefix + sessionID
	var snap Snapshot
	if err := s.client.HGetAll(ctx, key).Scan(&snap); err != nil {
		return nil, fmt.Errorf("session: load %s: %w", sessionID, err)
	}
	if snap.ID == "" {
		return nil, ErrNotFound
	}
	return &snap, nil
}

// Delete removes a snapshot once it has been used.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, SessionPrefix+sessionID).Err()
}

