package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"safesight/internal/api"
	"safesight/internal/config"
	"safesight/internal/dispatch"
	"safesight/internal/engine"
	"safesight/internal/ingest"
	"safesight/internal/logging"
	"safesight/internal/model"
	"safesight/internal/storage"
	"safesight/internal/ws"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (json or yaml); defaults apply when omitted")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("safesightd", version)
		return
	}

	var (
		manager *config.Manager
		err     error
	)
	if *configPath != "" {
		manager, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
	} else {
		manager = config.NewStaticManager(nil)
	}
	cfg := manager.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("safesightd starting", "version", version, "config", manager.Path())

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if store != nil {
		if err := store.Init(context.Background()); err != nil {
			logger.Error("storage schema init failed", "err", err)
			os.Exit(1)
		}
		defer store.Close()
		logger.Info("incident history storage enabled", "driver", cfg.Storage.Driver)
	}

	var dispatcher dispatch.Dispatcher
	switch cfg.Alerts.Dispatcher {
	case "webhook":
		dispatcher = dispatch.NewWebhookDispatcher(cfg.Alerts.Webhook.URL, cfg.Alerts.Timeout)
		logger.Info("webhook alert dispatcher enabled", "url", cfg.Alerts.Webhook.URL)
	default:
		dispatcher = &dispatch.LogDispatcher{Logger: logger}
	}

	eng := engine.New(cfg, logger, dispatcher, store)
	for _, def := range cfg.Fleet {
		if _, err := eng.RegisterCamera(def); err != nil {
			logger.Error("fleet camera registration failed", "camera_id", def.ID, "err", err)
			os.Exit(1)
		}
	}
	logger.Info("fleet registered", "cameras", len(cfg.Fleet))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	samples := make(chan model.DetectionSample, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, samples)

	ingest.StartKafka(ctx, manager, samples, logger)
	ingest.StartREST(ctx, manager, samples, logger)
	ingest.StartReplay(ctx, manager, samples, logger)
	ingest.StartSimulator(ctx, manager, samples, logger)

	hub := ws.NewHub(logger)
	eng.Subscribe(hub)

	api.Start(ctx, manager, eng, hub, logger, version)

	if manager.Path() != "" {
		go manager.Watch(3*time.Second,
			func(next *config.Config) {
				logger.Info("config reloaded", "path", manager.Path())
				eng.UpdateConfig(next)
			},
			func(err error) {
				logger.Warn("config reload error", "err", err)
			},
			ctx.Done(),
		)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())
	cancel()
	time.Sleep(200 * time.Millisecond)
}
