package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/command"
	"github.com/whisker-ha/litterrobot-bridge/internal/config"
	"github.com/whisker-ha/litterrobot-bridge/internal/httpapi"
	"github.com/whisker-ha/litterrobot-bridge/internal/litterrobot"
	"github.com/whisker-ha/litterrobot-bridge/internal/logging"
	"github.com/whisker-ha/litterrobot-bridge/internal/metrics"
	"github.com/whisker-ha/litterrobot-bridge/internal/mqtt"
	"github.com/whisker-ha/litterrobot-bridge/internal/poller"
	"github.com/whisker-ha/litterrobot-bridge/internal/registry"
	"github.com/whisker-ha/litterrobot-bridge/internal/service"
	"github.com/whisker-ha/litterrobot-bridge/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logging.New(logging.ParseLevel("")).Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level))

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}
	repo, err := storage.New(ctx, cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	session := litterrobot.NewSession(ctx, litterrobot.Credentials{
		Username:     cfg.Cloud.Username,
		Password:     cfg.Cloud.Password,
		ClientID:     cfg.Cloud.ClientID,
		ClientSecret: cfg.Cloud.ClientSecret,
	}, cfg.Cloud.TokenURL, repo, logger)
	defer session.Close()

	client := litterrobot.NewClient(cfg.Cloud.BaseURL, cfg.Cloud.APIKey, session)

	reg := registry.New(repo, logger)
	if err := reg.Load(ctx); err != nil {
		logger.Error("failed to restore device state", "err", err)
		os.Exit(1)
	}

	session.SetDisconnectHandler(func(reason string) {
		metrics.AuthFailed()
		markCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reg.MarkAllDisconnected(markCtx, reason)
	})

	svc := service.New(client, reg, repo, logger)
	dispatcher := command.NewDispatcher(client, reg, svc.RefreshRobot, logger)
	defer dispatcher.Close()

	forceClean := command.NewForceCleanMonitor(reg, repo, dispatcher, logger)
	go forceClean.Run(ctx)

	hub := httpapi.NewEventHub(logger)
	reg.OnUpdate(hub.Broadcast)
	reg.OnUpdate(metrics.ObserveRecord)

	if cfg.MQTT.Enabled {
		publisher, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			logger.Error("mqtt connect failed", "err", err)
			os.Exit(1)
		}
		defer publisher.Close()
		reg.OnUpdate(publisher.PublishRecord)
	}

	devicePoller := poller.New(svc, cfg.Poll.Interval, logger)
	go devicePoller.Run(ctx)
	devicePoller.TriggerRefresh()

	promRegistry := metrics.NewRegistry()
	api := httpapi.New(svc, reg, dispatcher, devicePoller, session, hub, metrics.Handler(promRegistry), logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting", "addr", httpServer.Addr)
	if err := httpapi.RunServer(ctx, httpServer, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
