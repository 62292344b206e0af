package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to probe (default: 10s)
	Timeout  time.Duration // max silence before a connection is dead (default: 30s)
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 10 * time.Second,
		Timeout:  30 * time.Second,
	}
}

// ReasonHeartbeat is the close reason for connections that stopped answering.
const ReasonHeartbeat = "heartbeat timeout"

// StartHeartbeat begins a background goroutine that probes every registered
// connection each Interval and hands connections silent for longer than
// Timeout, or whose probe fails, to onDead. Probe failures are fatal and
// never retried. The goroutine exits when ctx is done.
func (r *Registry) StartHeartbeat(ctx context.Context, config HeartbeatConfig, onDead func(h Handle, reason string)) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.checkConnections(config, onDead)
			}
		}
	}()
}

// checkConnections runs one heartbeat round.
func (r *Registry) checkConnections(config HeartbeatConfig, onDead func(h Handle, reason string)) {
	now := r.now()

	for _, s := range r.snapshots() {
		if silent := now.Sub(s.lastSeen); silent > config.Timeout {
			log.Info().Str("module", "registry").
				Str("conn", s.handle.ID()).
				Str("user", s.handle.UserID()).
				Dur("silent", silent.Round(time.Second)).
				Msg("heartbeat timeout")
			onDead(s.handle, ReasonHeartbeat)
			continue
		}

		if err := s.handle.Ping(); err != nil {
			log.Info().Str("module", "registry").
				Str("conn", s.handle.ID()).
				Err(err).
				Msg("heartbeat probe failed")
			onDead(s.handle, ReasonHeartbeat)
		}
	}
}
