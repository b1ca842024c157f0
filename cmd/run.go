package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kelvinbot/kelvin/internal/bus"
	"github.com/kelvinbot/kelvin/internal/config"
	"github.com/kelvinbot/kelvin/internal/middleware"
	"github.com/kelvinbot/kelvin/internal/service/discord"
	"github.com/kelvinbot/kelvin/internal/service/dummy"
	"github.com/kelvinbot/kelvin/internal/service/matrix"
	"github.com/kelvinbot/kelvin/internal/service/telegram"
	"github.com/kelvinbot/kelvin/internal/service/wsbridge"
	"github.com/kelvinbot/kelvin/internal/store"
	"github.com/kelvinbot/kelvin/internal/telemetry"
)

func runBot() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Version = Version
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	archive, err := store.Open(filepath.Join(cfg.DataDirectory, "kelvin.db"))
	if err != nil {
		slog.Error("failed to open archive database", "error", err)
		os.Exit(1)
	}
	defer archive.Close()

	if cfgPath != "" {
		if err := config.Watch(ctx, cfgPath); err != nil {
			slog.Warn("config watch unavailable", "error", err)
		}
	}

	evtCh := bus.NewEventChannel(bus.DefaultChannelCapacity)
	cmdCh := bus.NewCommandChannel(bus.DefaultChannelCapacity)

	middlewares, err := middleware.Build(cfg.Middlewares, cmdCh, archive)
	if err != nil {
		slog.Error("failed to build middlewares", "error", err)
		os.Exit(1)
	}

	services := make(map[bus.ServiceID]bus.Service, len(cfg.Services))
	pipelines := make(map[bus.ServiceID][]bus.Middleware, len(cfg.Services))
	for name, svcCfg := range cfg.Services {
		id := bus.ServiceID(name)

		svc, err := buildService(id, svcCfg, evtCh, cfg.DataDirectory)
		if err != nil {
			slog.Error("failed to build service", "service_id", name, "error", err)
			os.Exit(1)
		}
		if svc == nil {
			continue
		}
		services[id] = svc

		pipeline := make([]bus.Middleware, 0, len(svcCfg.Middleware))
		for _, ref := range svcCfg.Middleware {
			mw, ok := middlewares[ref]
			if !ok {
				// Skipped unknown middleware kind; validation already
				// guaranteed the name itself is defined.
				continue
			}
			pipeline = append(pipeline, mw)
		}
		pipelines[id] = pipeline
	}

	if len(services) == 0 {
		slog.Error("no services configured")
		os.Exit(1)
	}

	b := bus.New(evtCh, cmdCh, services, pipelines, cfg.Reconnection.ToBus())
	if err := b.Run(ctx); err != nil {
		slog.Error("bus terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("kelvin stopped")
}

// buildService materializes one configured service. Unknown kinds return
// (nil, nil) and are skipped with a warning.
func buildService(id bus.ServiceID, svcCfg config.ServiceConfig, evtCh chan bus.Event, dataDir string) (bus.Service, error) {
	switch config.NormalizeServiceKind(svcCfg.Kind) {
	case config.ServiceDummy:
		return dummy.New(id, evtCh, svcCfg.Interval), nil

	case config.ServiceDiscord:
		return discord.New(id, evtCh, discord.Config{
			Token:           svcCfg.Token,
			GuildID:         svcCfg.GuildID,
			VoiceChannelID:  svcCfg.VoiceChannelID,
			InviteChannelID: svcCfg.InviteChannelID,
		})

	case config.ServiceTelegram:
		return telegram.New(id, evtCh, svcCfg.Token)

	case config.ServiceMatrix:
		return matrix.New(id, evtCh, matrix.Config{
			HomeserverURL: svcCfg.HomeserverURL,
			UserID:        svcCfg.UserID,
			Password:      svcCfg.Password,
			DeviceID:      svcCfg.DeviceID,
			DataDir:       filepath.Join(dataDir, "matrix", string(id)),
		})

	case config.ServiceWebsocket:
		return wsbridge.New(id, evtCh, svcCfg.URL)

	default:
		slog.Warn("unknown service kind, skipping", "service_id", id, "kind", svcCfg.Kind)
		return nil, nil
	}
}
