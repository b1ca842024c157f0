package middleware

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kelvinbot/kelvin/internal/bus"
)

// replyTimeout bounds background reply awaits so a service that never
// fulfills a reply cannot leak goroutines forever.
const replyTimeout = 30 * time.Second

// Echo answers any message whose body starts with "{command} " by sending the
// remainder back the way it came: a direct message for DMs, a room message
// for rooms.
type Echo struct {
	cmdTx   chan<- bus.Command
	command string

	runCtx runContext
}

func NewEcho(cmdTx chan<- bus.Command, command string) *Echo {
	return &Echo{cmdTx: cmdTx, command: command}
}

func (e *Echo) Run(ctx context.Context) error {
	e.runCtx.set(ctx)
	slog.Info("echo middleware running", "command", e.command)
	<-ctx.Done()
	slog.Info("echo middleware shutting down")
	return nil
}

func (e *Echo) OnEvent(ev *bus.Event) (bus.Verdict, error) {
	var body string
	switch k := ev.Kind.(type) {
	case bus.DirectMessage:
		body = k.Body
	case bus.RoomMessage:
		body = k.Body
	default:
		return bus.VerdictContinue, nil
	}

	content, ok := strings.CutPrefix(body, e.command+" ")
	if !ok {
		return bus.VerdictContinue, nil
	}

	reply := bus.NewReply()
	var cmd bus.Command
	switch k := ev.Kind.(type) {
	case bus.DirectMessage:
		cmd = bus.SendDirectMessage{
			ServiceID: ev.ServiceID,
			UserID:    k.UserID,
			Body:      content,
			Reply:     reply,
		}
	case bus.RoomMessage:
		cmd = bus.SendRoomMessage{
			ServiceID: ev.ServiceID,
			RoomID:    k.RoomID,
			Body:      content,
			Reply:     reply,
		}
	}

	go func() {
		ctx, cancel := e.runCtx.withTimeout(replyTimeout)
		defer cancel()

		select {
		case e.cmdTx <- cmd:
		case <-ctx.Done():
			slog.Error("failed to send echo command", "error", ctx.Err())
			return
		}

		messageID, err := reply.Await(ctx)
		if err != nil {
			slog.Error("failed to send echo message", "error", err)
			return
		}
		slog.Debug("echo message sent", "message_id", messageID, "content", content)
	}()

	slog.Info("processed echo command", "content", content)
	return bus.VerdictContinue, nil
}
