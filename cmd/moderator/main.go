package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/config"
	"github.com/voyago/chat/internal/messaging"
	"github.com/voyago/chat/internal/moderation"
	"github.com/voyago/chat/internal/report"
	"github.com/voyago/chat/internal/store/postgres"
)

// reportWindow is how far back a flagged sender's reports are counted.
const reportWindow = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.SetupLogging()
	log.Info().Msg("starting voyago moderation service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Report history is optional; without a database flagged results carry
	// no report count.
	var reports *report.Store
	if cfg.DatabaseURL != "" && cfg.DatabaseURL != "memory" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Postgres")
		}
		defer db.Close()
		reports = report.NewStore(db)
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "voyago-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	filter := moderation.NewFilter()

	err = natsClient.SubscribeModerationCheck(func(data []byte) {
		var req moderation.Request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Warn().Str("module", "moderator").Err(err).Msg("failed to unmarshal request")
			return
		}

		result := filter.Review(req)
		if !result.Flagged {
			log.Debug().Str("module", "moderator").Str("message", req.MessageID).Msg("clean")
			return
		}

		if reports != nil {
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			n, err := reports.CountRecent(cctx, req.SenderID, reportWindow)
			cancel()
			if err != nil {
				log.Warn().Str("module", "moderator").Err(err).Msg("count reports failed")
			}
			result.RecentReports = n
		}

		log.Info().Str("module", "moderator").
			Str("message", req.MessageID).
			Str("room", req.RoomID).
			Str("sender", req.SenderID).
			Str("reason", result.Reason).
			Str("term", result.Term).
			Int("recent_reports", result.RecentReports).
			Msg("flagged")

		respData, err := json.Marshal(result)
		if err != nil {
			log.Error().Str("module", "moderator").Err(err).Msg("failed to marshal result")
			return
		}
		if err := natsClient.PublishModerationResult(respData); err != nil {
			log.Warn().Str("module", "moderator").Err(err).Msg("failed to publish result")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to moderation checks")
	}

	log.Info().Str("nats_url", natsConfig.URL).Bool("report_history", reports != nil).Msg("moderation service running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	natsClient.Close()
}
