package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/flotilla/internal/api"
	"github.com/seantiz/flotilla/internal/cloud"
	"github.com/seantiz/flotilla/internal/config"
	"github.com/seantiz/flotilla/internal/fleet"
	"github.com/seantiz/flotilla/internal/keeper"
	"github.com/seantiz/flotilla/internal/logstream"
	"github.com/seantiz/flotilla/internal/proxy"
	"github.com/seantiz/flotilla/internal/store"
	"github.com/seantiz/flotilla/internal/transport"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Info("flotillad: starting",
		"listen_addr", cfg.ListenAddr,
		"backend", cfg.Backend,
		"exec_mode", cfg.ExecMode,
		"transport_mode", cfg.TransportMode,
	)

	for _, dir := range []string{cfg.JobsDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	registry := cloud.NewRegistry()
	registry.Register(cloud.StaticName, cloud.NewStatic)

	provider, err := registry.Resolve(cfg.Backend, cloud.Settings{
		Host:       cfg.WorkerHost,
		InstanceID: cfg.WorkerInstanceID,
	}, logger)
	if err != nil {
		log.Fatalf("failed to resolve cloud provider: %v", err)
	}

	tf := transport.NewSSHFactory(transport.SSHConfig{
		User:     cfg.SSHUser,
		Password: cfg.SSHPassword,
		KeyPath:  cfg.SSHKeyPath,
	})

	clients, err := proxy.NewFactory(cfg, tf)
	if err != nil {
		log.Fatalf("failed to build proxy client factory: %v", err)
	}

	broker := logstream.NewBroker()
	streams := logstream.New(cfg, broker, logger)

	ctrl := fleet.NewController(cfg, provider, tf, clients, streams, logger)

	if cfg.AccessDataPath != "" {
		ad, err := config.LoadAccessData(cfg.AccessDataPath)
		if err != nil {
			logger.Warn("access data unavailable", "path", cfg.AccessDataPath, "error", err)
		} else {
			ctrl.AdoptSelf(ad)
		}
	}
	if cfg.ExecMode == config.ExecModeConsume && cfg.WorkerHost != "" {
		ctrl.BindWorker(cfg.WorkerHost, cfg.WorkerInstanceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaper := keeper.New(ctrl, cfg.JobsDir(), logger, keeper.WithDoneHook(func(jobKey string) {
		if err := db.MarkJobDone(context.Background(), jobKey); err != nil {
			logger.Error("mark job done in store", "job_key", jobKey, "error", err)
		}
	}))
	go reaper.Run(ctx)

	srv := api.NewServer(cfg.ListenAddr, ctrl, db, broker, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	cancel()
	streams.Wait()
}
