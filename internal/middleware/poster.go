package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/kelvinbot/kelvin/internal/bus"
)

// PosterConfig configures a scheduled room poster.
type PosterConfig struct {
	Schedule    string // cron expression
	DestService string
	DestRoom    string
	Body        string
}

// Poster posts a fixed body into a destination room on a cron schedule.
// It never reacts to events; all of its work lives in Run.
type Poster struct {
	cmdTx chan<- bus.Command
	cfg   PosterConfig
}

func NewPoster(cmdTx chan<- bus.Command, cfg PosterConfig) (*Poster, error) {
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid cron schedule %q", cfg.Schedule)
	}
	return &Poster{cmdTx: cmdTx, cfg: cfg}, nil
}

func (p *Poster) Run(ctx context.Context) error {
	slog.Info("poster middleware running",
		"schedule", p.cfg.Schedule,
		"dest_service", p.cfg.DestService,
		"dest_room", p.cfg.DestRoom)

	for {
		next, err := gronx.NextTick(p.cfg.Schedule, false)
		if err != nil {
			return fmt.Errorf("compute next tick: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("poster middleware shutting down")
			return nil
		case <-timer.C:
		}

		cmd := bus.SendRoomMessage{
			ServiceID:    bus.ServiceID(p.cfg.DestService),
			RoomID:       p.cfg.DestRoom,
			Body:         p.cfg.Body,
			MarkdownBody: p.cfg.Body,
		}
		select {
		case p.cmdTx <- cmd:
			slog.Info("scheduled post sent", "dest_room", p.cfg.DestRoom)
		case <-ctx.Done():
			slog.Info("poster middleware shutting down")
			return nil
		}
	}
}

func (p *Poster) OnEvent(_ *bus.Event) (bus.Verdict, error) {
	return bus.VerdictContinue, nil
}
