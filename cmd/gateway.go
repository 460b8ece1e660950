package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/attachments"
	"github.com/nextlevelbuilder/clawgate/internal/bridge"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/discord"
	"github.com/nextlevelbuilder/clawgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/metrics"
	"github.com/nextlevelbuilder/clawgate/internal/security"
	"github.com/nextlevelbuilder/clawgate/internal/tracing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func runGateway() {
	cfgPath := config.ResolvePath(cfgFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if verbose || cfg.Gateway.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing is optional; a missing collector should never keep the
	// gateway from starting.
	traceShutdown, err := tracing.Init(ctx, cfg.Gateway.Tracing)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	} else if traceShutdown != nil {
		defer traceShutdown(context.Background())
	}

	media, err := attachments.New(attachments.Options{
		Dir:               cfg.Gateway.Uploads.Dir,
		TTLHours:          cfg.Gateway.Uploads.TTLHours,
		CleanupCron:       cfg.Gateway.Uploads.CleanupCron,
		MaxImageDimension: cfg.Gateway.Uploads.MaxImageDimension,
	})
	if err != nil {
		slog.Error("failed to prepare attachment staging", "error", err)
		os.Exit(1)
	}
	media.StartCleanup(ctx)

	agentClient := agent.NewClient(cfg.Gateway.Agent.BaseURL,
		agent.WithTimeout(time.Duration(cfg.Gateway.Agent.TimeoutSeconds)*time.Second))

	collector := metrics.NewCollector()
	sec := security.NewManager(cfg)
	msgBus := bus.New()
	agentBridge := bridge.New(agentClient)

	manager := channels.NewManager(agentBridge, sec, collector, cfg, msgBus, media)
	manager.RegisterFactory("telegram", telegram.NewFactory(media))
	manager.RegisterFactory("discord", discord.NewFactory(media))
	manager.RegisterFromConfig()

	cleaner := bridge.NewCleaner(agentBridge,
		cfg.Gateway.Session.MaxIdleHours,
		cfg.Gateway.Session.CleanupIntervalSeconds)

	server := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    Version,
		Manager:    manager,
		Bridge:     agentBridge,
		Cleaner:    cleaner,
		Security:   sec,
		Metrics:    collector,
		Agent:      agentClient,
		Media:      media,
		Events:     msgBus,
	})

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	cleaner.Start()

	var watcher *config.Watcher
	if cfg.Gateway.HotReload {
		watcher, err = config.NewWatcher(cfgPath, cfg, func(next *config.Config) {
			server.ApplyConfig(ctx, next)
			slog.Info("config reloaded from file", "config_hash", next.Hash())
		})
		if err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		} else if err := watcher.Start(); err != nil {
			slog.Warn("config watcher start failed", "error", err)
			watcher = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		// Tear down in reverse start order: watcher, channels, cleaner.
		// BeginShutdown first so health flips and subscribers get the
		// shutdown event while channels are still draining.
		server.BeginShutdown()
		if watcher != nil {
			watcher.Stop()
		}
		manager.StopAll(context.Background())
		cleaner.Stop()
		cancel()
	}()

	slog.Info("clawgate gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"config", cfgPath,
		"config_hash", cfg.Hash(),
		"channels", manager.Keys(),
	)

	// Build the mux first so the same routes are served on both the main
	// listener and the optional tailnet listener.
	mux := server.BuildMux()
	if tsCleanup := gateway.StartTailscale(ctx, cfg, mux); tsCleanup != nil {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
