package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewStore(client, "ws-test", 0), client
}

func TestSaveLoad(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()
	created := time.Now().Add(-time.Hour)

	if err := s.Save(ctx, "s1", "alice", []string{"lisbon", "porto"}, created); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	snap, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if snap.UserID != "alice" || snap.Server != "ws-test" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	rooms := snap.RoomIDs()
	if len(rooms) != 2 || rooms[0] != "lisbon" || rooms[1] != "porto" {
		t.Errorf("RoomIDs() = %v", rooms)
	}
	if snap.CreatedAt != created.Unix() {
		t.Errorf("CreatedAt = %d, want %d", snap.CreatedAt, created.Unix())
	}

	ttl := client.TTL(ctx, SessionPrefix+"s1").Val()
	if ttl <= 0 || ttl > DefaultRecoveryWindow {
		t.Errorf("TTL = %v, want within (0, %v]", ttl, DefaultRecoveryWindow)
	}
}

func TestSave_NoRooms(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "s1", "alice", []string{"lisbon"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "s1", "alice", nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rooms := snap.RoomIDs(); rooms != nil {
		t.Errorf("RoomIDs() = %v, want nil", rooms)
	}
}

func TestLoad_Missing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Load(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, "s1", "alice", nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot still present after Delete: %v", err)
	}
}
