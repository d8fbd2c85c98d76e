package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"logbid/internal/alert"
	"logbid/internal/cache"
	"logbid/internal/config"
	"logbid/internal/dashboard"
	"logbid/internal/flow"
	"logbid/internal/gateway"
	"logbid/internal/infrastructure/health"
	"logbid/internal/infrastructure/metrics"
	"logbid/internal/notify"
	"logbid/internal/realtime"
	"logbid/internal/session"
	apperrors "logbid/pkg/errors"
	"logbid/pkg/logging"
	"logbid/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		bootLogger, _ := logging.NewZapLogger("INFO")
		bootLogger.Fatal("Failed to load configuration", "path", *configFile, "error", err)
	}

	// 2. Initialize Logger
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		logger, _ = logging.NewZapLogger("INFO")
		logger.Warn("Invalid log level, falling back to INFO", "configured", cfg.System.LogLevel)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting LogBid sync daemon", "backend", cfg.Backend.URL)

	// 3. Telemetry
	tel, err := telemetry.Setup("logbid-syncd")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	// 4. Gateway + health probe
	gw := gateway.New(cfg.Backend, logger)

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := gw.CheckHealth(probeCtx); err != nil {
		probeCancel()
		logger.Fatal("Backend unreachable, check backend.url and credentials", "error", err)
	}
	probeCancel()
	logger.Info("Backend reachable")

	// 5. Query cache
	qc := cache.New(logger,
		cache.WithDefaultFreshness(time.Duration(cfg.Cache.DefaultFreshnessMillis)*time.Millisecond),
		cache.WithRevalidateRetries(cfg.Cache.RevalidateRetries),
	)

	// 6. Notification fan-out
	fanout := notify.NewFanout(gw, cfg.Notify.PoolSize, cfg.Notify.PoolCapacity,
		time.Duration(cfg.Notify.TimeoutSecs)*time.Second, logger)
	defer fanout.Stop()

	// 7. Mutation flows, with durable progress markers when configured
	flowOpts := []flow.Option{}
	if cfg.Alerts.SlackWebhookURL != "" || cfg.Alerts.TelegramBotToken != "" {
		am := alert.NewAlertManager(logger)
		if cfg.Alerts.SlackWebhookURL != "" {
			am.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL.Reveal()))
		}
		if cfg.Alerts.TelegramBotToken != "" {
			am.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken.Reveal(), cfg.Alerts.TelegramChatID))
		}
		flowOpts = append(flowOpts, flow.WithAlertManager(am))
	}
	if cfg.FlowStore.Path != "" {
		store, err := flow.NewSQLiteProgressStore(cfg.FlowStore.Path)
		if err != nil {
			logger.Fatal("Failed to open flow progress store", "path", cfg.FlowStore.Path, "error", err)
		}
		defer store.Close()
		flowOpts = append(flowOpts, flow.WithProgressStore(store))
		logger.Info("Flow progress store enabled", "path", cfg.FlowStore.Path)
	}
	runner := flow.NewRunner(gw, qc, fanout, logger, flowOpts...)

	// 8. Realtime bridge and session
	bridge := realtime.New(cfg.Realtime, qc, logger)
	bridge.Start()
	defer bridge.Close()

	sessions := session.NewStore(qc, bridge, logger)
	defer sessions.Close()

	// Read services share the cache with the flows above
	reads := dashboard.NewService(gw, qc, logger)
	inbox := notify.NewService(gw, qc, logger)

	api := newAPIServer(runner, reads, inbox, sessions, gw, logger)
	api.start(cfg.API.Port)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := api.stop(ctx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
	}()

	// 9. Health aggregation + metrics server
	hm := health.NewHealthManager(logger)
	hm.Register("backend", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return gw.CheckHealth(ctx)
	})
	hm.Register("realtime", func() error {
		if !bridge.Connected() {
			return apperrors.ErrChannelClosed
		}
		return nil
	})

	if cfg.Telemetry.EnableMetrics {
		ms := metrics.NewServer(cfg.Telemetry.MetricsPort, hm, logger)
		ms.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ms.Stop(ctx); err != nil {
				logger.Error("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	logger.Info("Sync daemon running")

	// 10. Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", "signal", sig.String())
}
