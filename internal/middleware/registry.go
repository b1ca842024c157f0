package middleware

import (
	"fmt"
	"log/slog"

	"github.com/kelvinbot/kelvin/internal/bus"
	"github.com/kelvinbot/kelvin/internal/config"
)

// Archive is the persistence surface middlewares optionally write to.
// Implemented by store.Store; nil disables archiving.
type Archive interface {
	RelayRecorder
	SessionRecorder
}

// Build materializes middleware instances from config, keyed by name.
// Unknown kinds are skipped with a warning (the Unknown sentinel);
// malformed known kinds are errors.
func Build(cfgs map[string]config.MiddlewareConfig, cmdTx chan<- bus.Command, archive Archive) (map[string]bus.Middleware, error) {
	out := make(map[string]bus.Middleware, len(cfgs))
	for name, mcfg := range cfgs {
		mw, err := build(name, mcfg, cmdTx, archive)
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", name, err)
		}
		if mw == nil {
			continue
		}
		out[name] = mw
	}
	return out, nil
}

func build(name string, mcfg config.MiddlewareConfig, cmdTx chan<- bus.Command, archive Archive) (bus.Middleware, error) {
	switch config.NormalizeMiddlewareKind(mcfg.Kind) {
	case config.MiddlewareLogger:
		return NewLogger(), nil

	case config.MiddlewareEcho:
		if mcfg.Command == "" {
			return nil, fmt.Errorf("echo requires a command string")
		}
		return NewEcho(cmdTx, mcfg.Command), nil

	case config.MiddlewareInvite:
		if mcfg.Command == "" {
			return nil, fmt.Errorf("invite requires a command string")
		}
		return NewInvite(cmdTx, mcfg.Command, mcfg.UsesAllowed, mcfg.Expiry), nil

	case config.MiddlewareChatRelay:
		if mcfg.SourceService == "" || mcfg.DestService == "" || mcfg.DestRoom == "" {
			return nil, fmt.Errorf("chatrelay requires source_service, dest_service and dest_room")
		}
		prefix := mcfg.PrefixTag
		if prefix == "" {
			prefix = mcfg.SourceService
		}
		return NewChatRelay(cmdTx, ChatRelayConfig{
			SourceService: mcfg.SourceService,
			SourceRoom:    mcfg.SourceRoom,
			DestService:   mcfg.DestService,
			DestRoom:      mcfg.DestRoom,
			PrefixTag:     prefix,
		}, archive), nil

	case config.MiddlewareAttendanceRelay:
		if mcfg.SourceService == "" || mcfg.DestService == "" || mcfg.DestRoom == "" {
			return nil, fmt.Errorf("attendancerelay requires source_service, dest_service and dest_room")
		}
		cfg := AttendanceRelayConfig{
			SourceService:           mcfg.SourceService,
			SourceRoom:              mcfg.SourceRoom,
			DestService:             mcfg.DestService,
			DestRoom:                mcfg.DestRoom,
			SessionStartMessage:     mcfg.SessionStartMessage,
			SessionEndMessage:       mcfg.SessionEndMessage,
			SessionEndedEditMessage: mcfg.SessionEndedEditMessage,
		}
		if cfg.SessionStartMessage == "" {
			cfg.SessionStartMessage = "Session in progress"
		}
		if cfg.SessionEndMessage == "" {
			cfg.SessionEndMessage = "Session ended"
		}
		if cfg.SessionEndedEditMessage == "" {
			cfg.SessionEndedEditMessage = "This session has ended."
		}
		return NewAttendanceRelay(cmdTx, cfg, archive), nil

	case config.MiddlewarePoster:
		if mcfg.Schedule == "" || mcfg.DestService == "" || mcfg.DestRoom == "" {
			return nil, fmt.Errorf("poster requires schedule, dest_service and dest_room")
		}
		return NewPoster(cmdTx, PosterConfig{
			Schedule:    mcfg.Schedule,
			DestService: mcfg.DestService,
			DestRoom:    mcfg.DestRoom,
			Body:        mcfg.Body,
		})

	default:
		slog.Warn("unknown middleware kind, skipping", "name", name, "kind", mcfg.Kind)
		return nil, nil
	}
}
