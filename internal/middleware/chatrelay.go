package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kelvinbot/kelvin/internal/bus"
)

// RelayRecorder archives relayed messages. Implemented by store.Store;
// nil disables archiving.
type RelayRecorder interface {
	RecordRelayedMessage(ctx context.Context, sourceService, destService, sender string) error
}

// ChatRelayConfig configures one relay direction.
type ChatRelayConfig struct {
	SourceService string
	SourceRoom    string // empty matches any room
	DestService   string
	DestRoom      string
	PrefixTag     string
}

// ChatRelay forwards room messages from one service to another with a
// sender-preserving prefix. Pure tap: always continues.
type ChatRelay struct {
	cmdTx    chan<- bus.Command
	cfg      ChatRelayConfig
	recorder RelayRecorder

	runCtx runContext
}

func NewChatRelay(cmdTx chan<- bus.Command, cfg ChatRelayConfig, recorder RelayRecorder) *ChatRelay {
	return &ChatRelay{cmdTx: cmdTx, cfg: cfg, recorder: recorder}
}

func (r *ChatRelay) Run(ctx context.Context) error {
	r.runCtx.set(ctx)
	slog.Info("chatrelay middleware running",
		"source_service", r.cfg.SourceService,
		"source_room", r.cfg.SourceRoom,
		"dest_service", r.cfg.DestService,
		"dest_room", r.cfg.DestRoom,
		"prefix_tag", r.cfg.PrefixTag)
	<-ctx.Done()
	slog.Info("chatrelay middleware shutting down")
	return nil
}

func (r *ChatRelay) OnEvent(ev *bus.Event) (bus.Verdict, error) {
	if ev.ServiceID != bus.ServiceID(r.cfg.SourceService) {
		return bus.VerdictContinue, nil
	}

	msg, ok := ev.Kind.(bus.RoomMessage)
	if !ok {
		return bus.VerdictContinue, nil
	}

	if r.cfg.SourceRoom != "" && msg.RoomID != r.cfg.SourceRoom {
		return bus.VerdictContinue, nil
	}

	// Bot loop prevention: never relay our own messages.
	if msg.IsSelf {
		slog.Debug("ignoring message from bot itself")
		return bus.VerdictContinue, nil
	}

	body := formatRelayedMessage(r.cfg.PrefixTag, msg.SenderID, msg.SenderDisplayName, msg.Body)
	sender := msg.SenderID

	go func() {
		ctx, cancel := r.runCtx.withTimeout(replyTimeout)
		defer cancel()

		cmd := bus.SendRoomMessage{
			ServiceID:    bus.ServiceID(r.cfg.DestService),
			RoomID:       r.cfg.DestRoom,
			Body:         body,
			MarkdownBody: body,
		}
		select {
		case r.cmdTx <- cmd:
		case <-ctx.Done():
			slog.Error("failed to send chat relay command",
				"dest_service", r.cfg.DestService, "dest_room", r.cfg.DestRoom, "error", ctx.Err())
			return
		}

		if r.recorder != nil {
			if err := r.recorder.RecordRelayedMessage(ctx, r.cfg.SourceService, r.cfg.DestService, sender); err != nil {
				slog.Debug("failed to archive relayed message", "error", err)
			}
		}
	}()

	return bus.VerdictContinue, nil
}

func formatRelayedMessage(prefixTag, senderID, senderDisplayName, body string) string {
	display := senderDisplayName
	if display == "" {
		display = senderID
	}
	return fmt.Sprintf("[%s] %s: %s", prefixTag, display, body)
}
