package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/auth"
	"github.com/voyago/chat/internal/ban"
	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/chat/memstore"
	"github.com/voyago/chat/internal/config"
	"github.com/voyago/chat/internal/lifecycle"
	"github.com/voyago/chat/internal/membership"
	"github.com/voyago/chat/internal/messaging"
	"github.com/voyago/chat/internal/permission"
	"github.com/voyago/chat/internal/pipeline"
	"github.com/voyago/chat/internal/profile"
	"github.com/voyago/chat/internal/ratelimit"
	"github.com/voyago/chat/internal/registry"
	"github.com/voyago/chat/internal/session"
	"github.com/voyago/chat/internal/store/postgres"
	"github.com/voyago/chat/internal/ws"
)

// memoryDSN selects the in-memory stores for single-instance development.
const memoryDSN = "memory"

// stores opens the room, message and user stores.
func stores(ctx context.Context, dsn string) (chat.RoomStore, chat.MessageStore, chat.UserStore, *sql.DB) {
	if dsn == memoryDSN {
		log.Warn().Str("module", "main").Msg("using in-memory stores; data is lost on restart")
		st := memstore.New()
		return st.Rooms(), st.Messages(), st.Users(), nil
	}

	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Postgres")
	}
	if err := postgres.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}
	st := postgres.New(db)
	return st.Rooms(), st.Messages(), st.Users(), db
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.SetupLogging()

	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
	}
	cancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "voyago-chat-" + cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	// --- Stores ---
	rooms, messages, users, db := stores(ctx, cfg.DatabaseURL)
	users = profile.NewCache(rdb, users, cfg.ProfileTTL)
	mutes := ban.NewStore(rdb)

	// --- Realtime core ---
	reg := registry.New()
	tracker := membership.NewTracker()
	limits := ratelimit.NewWindows()
	bridge := messaging.NewBridge(natsClient, pipeline.NewLocalFanout(reg, tracker))

	deps := &pipeline.Deps{
		Registry:     reg,
		Tracker:      tracker,
		Gate:         permission.NewGate(rooms, users, mutes),
		Limits:       limits,
		Rooms:        rooms,
		Messages:     messages,
		Users:        users,
		Fanout:       bridge,
		StoreTimeout: cfg.StoreTimeout,
	}
	presence := pipeline.NewPresence(deps)
	moderation := pipeline.NewModerationPipeline(deps, mutes)
	ctrl := lifecycle.New(lifecycle.Config{
		Deps:       deps,
		Messages:   pipeline.NewMessagePipeline(deps, bridge),
		Moderation: moderation,
		Presence:   presence,
		Rooms:      pipeline.NewRoomPipeline(deps, presence),
		Recovery:   session.NewStore(rdb, cfg.ServerName, cfg.RecoveryWindow),
		Evictions:  bridge,
	})

	if err := bridge.Start(natsClient, messaging.Handlers{
		Evict:  ctrl.EvictRemote,
		Pin:    moderation.ApplyPinEvent,
		Review: moderation.ApplyReview,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to NATS subjects")
	}

	reg.StartHeartbeat(ctx, registry.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}, func(h registry.Handle, reason string) {
		_ = h.Close(reason)
	})
	limits.StartSweeper(ctx, time.Minute, 10*time.Minute)

	// --- Transport ---
	verifier := auth.NewVerifier(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Leeway: 30 * time.Second})
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		AcceptTimeout:  cfg.StoreTimeout * 2,
		ServerName:     cfg.ServerName,
	}, ctrl, verifier, ratelimit.NewLimiter(rdb))

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Dur("heartbeat_timeout", cfg.HeartbeatTimeout).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("server_name", cfg.ServerName).
		Str("origin", bridge.Origin()).
		Msg("voyago chat server starting")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	natsClient.Close()
	if db != nil {
		_ = db.Close()
	}
	_ = rdb.Close()
	log.Info().Msg("server stopped")
}
