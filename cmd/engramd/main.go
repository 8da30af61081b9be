package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/coordinator"
	"github.com/engram-ai/engram/internal/events"
	"github.com/engram-ai/engram/internal/memory"
	"github.com/engram-ai/engram/internal/pool"
	msync "github.com/engram-ai/engram/internal/sync"
	"github.com/engram-ai/engram/internal/vector"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(os.Getenv("ENGRAM_LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg := config.Load()

	logger.WithFields(logrus.Fields{
		"durable": cfg.Postgres.Host + ":" + cfg.Postgres.Port,
		"cache":   cfg.Redis.Addr(),
		"backend": cfg.Vector.Backend,
	}).Info("Starting engram memory engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(nil)
	defer bus.Close()

	pools := pool.NewManager(cfg, bus, logger)
	if err := pools.Initialize(ctx); err != nil {
		// Degraded startup is allowed; the stores fall back in-process
		// and the reconnect loop keeps probing.
		logger.WithError(err).Warn("Backend initialization incomplete, running degraded")
	}

	working := memory.NewWorkingStore(pools, bus, cfg.Working, logger)
	episodic := memory.NewEpisodicStore(pools, cfg.Episodic, logger)
	if err := episodic.InitSchema(ctx); err != nil {
		logger.WithError(err).Warn("Episodic schema init failed, durable writes deferred")
	}

	index, err := vector.New(cfg.Vector, logger)
	if err != nil {
		logger.WithError(err).Fatal("Semantic index construction failed")
	}
	if err := index.LoadIndex(); err != nil {
		logger.WithError(err).Info("No persisted index loaded, starting empty")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Sync.OutboxPath), 0o755); err != nil {
		logger.WithError(err).Fatal("Outbox directory creation failed")
	}
	outbox, err := msync.OpenOutbox(cfg.Sync.OutboxPath, cfg.Sync.MaxRetries, cfg.Sync.RetryBackoff, logger)
	if err != nil {
		logger.WithError(err).Fatal("Outbox open failed")
	}
	defer outbox.Close()

	syncer := msync.New(working, episodic, index, outbox, bus, cfg.Sync,
		cfg.Episodic.ImportanceThreshold, logger)
	syncer.StartBackground()

	coord := coordinator.New(working, episodic, index, syncer, nil, bus, cfg.Coordinator, logger)
	coord.RegisterHandlers(bus)

	registry := events.NewRegistry()
	registry.Register("pool", pools)
	registry.Register("working", working)
	registry.Register("episodic", episodic)
	registry.Register("index", index)
	registry.Register("synchronizer", syncer)
	registry.Register("coordinator", coord)

	logger.Info("Memory engine ready")
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	syncer.Stop(shutdownCtx)
	if err := index.SaveIndex(); err != nil {
		logger.WithError(err).Warn("Index persistence failed on shutdown")
	}
	if err := pools.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Pool shutdown incomplete")
	}
	logger.Info("Memory engine stopped")
}
