package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lenscloud/lenscloud/internal/cluster"
	"github.com/lenscloud/lenscloud/internal/config"
	"github.com/lenscloud/lenscloud/internal/logger"
	"github.com/lenscloud/lenscloud/internal/media"
	"github.com/lenscloud/lenscloud/internal/metrics"
	"github.com/lenscloud/lenscloud/internal/server"
	"github.com/lenscloud/lenscloud/internal/session"
	"github.com/lenscloud/lenscloud/internal/store"
	"github.com/lenscloud/lenscloud/internal/store/pg"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	// Persistence.
	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := pg.InitDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to initialize database", "error", err.Error())
			os.Exit(1)
		}
		defer db.DB.Close()
		st = db
		log.Info("database ready")
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewFakeStore()
	}

	// Media backend for managed streams.
	var backend media.Backend
	if cfg.CloudflareAccountID != "" && cfg.CloudflareAPIToken != "" {
		backend = media.NewCloudflareBackend(cfg.CloudflareAccountID, cfg.CloudflareAPIToken, log)
		log.Info("cloudflare media backend ready")
	} else {
		log.Warn("cloudflare credentials not set, managed streaming uses fake backend")
		backend = media.NewFakeBackend()
	}

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	registry := session.NewRegistry(session.Deps{
		Cfg:       cfg,
		Log:       log,
		Met:       met,
		Store:     st,
		Media:     backend,
		ServerURL: os.Getenv("PUBLIC_URL"),
	})

	// Optional NATS relay for multi-instance deployments.
	var disposeSvc *cluster.DisposeService
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Error("failed to connect to NATS", "error", err.Error())
			os.Exit(1)
		}
		defer nc.Close()

		disposeSvc = cluster.NewDisposeService(nc, registry, log)
		if err := disposeSvc.Start(); err != nil {
			log.Error("failed to start cluster service", "error", err.Error())
			os.Exit(1)
		}
		log.Info("cluster relay ready", "nats_url", cfg.NatsURL)
	}

	srvHandler, err := server.New(cfg, log, met, promReg, registry, st, disposeSvc)
	if err != nil {
		log.Error("failed to build server", "error", err.Error())
		os.Exit(1)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: srvHandler.Handler(),
	}

	go func() {
		log.Info("session broker listening", "addr", addr, "instance_id", logger.GetInstanceID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop accepting, then dispose every session within
	// its timeout so glasses and Apps see clean closes.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err.Error())
	}

	registry.DisposeAll()

	if disposeSvc != nil {
		if err := disposeSvc.Stop(); err != nil {
			log.Warn("cluster service stop failed", "error", err.Error())
		}
	}

	log.Info("server exited")
}
