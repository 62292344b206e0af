// Package pipeline implements the event pipelines behind the socket layer:
// rooms (join, leave, listing), messages, moderation and presence. Each
// pipeline validates, consults the permission gate and rate limiter, calls
// the stores under a timeout, then fans the result out to room occupants.
package pipeline

import (
	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/membership"
	"github.com/voyago/chat/internal/registry"
)

// Fanout delivers encoded frames to users.
type Fanout interface {
	// ToRoom sends data to every user tracked in roomID except the user
	// named by except (empty for none).
	ToRoom(roomID string, data []byte, except string)
	// ToUsers sends data to each listed user that has a live connection.
	ToUsers(userIDs []string, data []byte)
}

// LocalFanout delivers to connections held by this process.
type LocalFanout struct {
	reg     *registry.Registry
	tracker *membership.Tracker
}

// NewLocalFanout creates a LocalFanout.
func NewLocalFanout(reg *registry.Registry, tracker *membership.Tracker) *LocalFanout {
	return &LocalFanout{reg: reg, tracker: tracker}
}

// ToRoom implements Fanout. Send failures are logged and otherwise ignored;
// dead connections are reaped by the heartbeat.
func (f *LocalFanout) ToRoom(roomID string, data []byte, except string) {
	for _, userID := range f.tracker.Occupants(roomID) {
		if userID == except {
			continue
		}
		f.send(userID, data)
	}
}

// ToUsers implements Fanout.
func (f *LocalFanout) ToUsers(userIDs []string, data []byte) {
	for _, userID := range userIDs {
		f.send(userID, data)
	}
}

func (f *LocalFanout) send(userID string, data []byte) {
	h, ok := f.reg.Get(userID)
	if !ok {
		return
	}
	if err := h.Send(data); err != nil {
		log.Debug().Str("module", "fanout").Str("user", userID).Str("conn", h.ID()).Err(err).Msg("send failed")
	}
}
