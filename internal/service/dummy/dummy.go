// Package dummy is a synthetic backend for tests and local development.
// It emits a room message on a fixed interval and fulfills send commands
// with generated message IDs.
package dummy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kelvinbot/kelvin/internal/bus"
	"github.com/kelvinbot/kelvin/internal/service"
)

const defaultInterval = time.Second

// Service ticks on a fixed interval, emitting one synthetic room message per
// tick.
type Service struct {
	*service.Base
	interval time.Duration
}

func New(id bus.ServiceID, evtTx chan<- bus.Event, interval time.Duration) *Service {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		Base:     service.NewBase(id, evtTx),
		interval: interval,
	}
}

func (s *Service) Run(ctx context.Context) error {
	slog.Info("dummy service running", "service_id", s.ID(), "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("dummy service shutdown requested", "service_id", s.ID())
			return nil
		case <-ticker.C:
			tick++
			ok := s.Emit(ctx, bus.RoomMessage{
				RoomID:      "dummy-room",
				Body:        fmt.Sprintf("tick %d", tick),
				IsLocalUser: true,
				SenderID:    "dummy-user",
				IsSelf:      false,
			})
			if !ok {
				return nil
			}
		}
	}
}

// HandleCommand fulfills sends with generated message IDs; edits are
// accepted silently and token generation is unsupported.
func (s *Service) HandleCommand(_ context.Context, cmd bus.Command) error {
	switch c := cmd.(type) {
	case bus.SendDirectMessage:
		slog.Debug("dummy direct message", "service_id", s.ID(), "user_id", c.UserID, "body", c.Body)
		c.Reply.Resolve(uuid.NewString())
	case bus.SendRoomMessage:
		slog.Debug("dummy room message", "service_id", s.ID(), "room_id", c.RoomID, "body", c.Body)
		c.Reply.Resolve(uuid.NewString())
	case bus.EditMessage:
		slog.Debug("dummy edit", "service_id", s.ID(), "message_id", c.MessageID)
	case bus.GenerateInviteToken:
		c.Reply.Reject(fmt.Errorf("dummy service cannot issue invite tokens"))
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}
