// Package middleware contains the policy elements that observe service
// events and issue commands: echo, invite, logger, chatrelay,
// attendancerelay and the scheduled poster.
package middleware

import (
	"context"
	"log/slog"

	"github.com/kelvinbot/kelvin/internal/bus"
)

// Logger traces every event it sees. Pure tap; always continues.
type Logger struct{}

func NewLogger() *Logger { return &Logger{} }

func (l *Logger) Run(ctx context.Context) error {
	slog.Info("logger middleware running")
	<-ctx.Done()
	slog.Info("logger middleware shutting down")
	return nil
}

func (l *Logger) OnEvent(ev *bus.Event) (bus.Verdict, error) {
	switch k := ev.Kind.(type) {
	case bus.DirectMessage:
		slog.Info("direct message", "service_id", ev.ServiceID, "sender", k.SenderID, "self", k.IsSelf)
	case bus.RoomMessage:
		slog.Info("room message", "service_id", ev.ServiceID, "room", k.RoomID, "sender", k.SenderID, "self", k.IsSelf)
	case bus.UserListUpdate:
		slog.Info("user list update", "service_id", ev.ServiceID, "users", len(k.Users))
	case bus.ServiceDisconnected:
		slog.Info("service disconnected", "service_id", ev.ServiceID, "reason", k.Reason, "attempt", k.Attempt)
	case bus.ServiceReconnecting:
		slog.Info("service reconnecting", "service_id", ev.ServiceID, "attempt", k.Attempt, "delay", k.Delay)
	case bus.ServiceReconnected:
		slog.Info("service reconnected", "service_id", ev.ServiceID, "downtime", k.Downtime, "total_attempts", k.TotalAttempts)
	default:
		slog.Info("event", "service_id", ev.ServiceID, "kind", bus.KindName(ev.Kind))
	}
	return bus.VerdictContinue, nil
}
