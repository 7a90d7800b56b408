package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paveldudka/async-job-scheduler/internal/bus"
	"github.com/paveldudka/async-job-scheduler/internal/config"
	"github.com/paveldudka/async-job-scheduler/internal/db"
	"github.com/paveldudka/async-job-scheduler/internal/handlers"
	"github.com/paveldudka/async-job-scheduler/internal/jobs"
	"github.com/paveldudka/async-job-scheduler/internal/logger"
	"github.com/paveldudka/async-job-scheduler/internal/server"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	cfg, err := config.Load(log)
	if err != nil {
		log.Error("Could not load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Job store
	log.Info("Setting up job store...", "driver", cfg.StoreDriver)
	var store jobs.Store
	switch cfg.StoreDriver {
	case "memory":
		store = jobs.NewMemoryStore(log)
	case "sqlite", "postgres":
		dsn := cfg.SQLitePath
		if cfg.StoreDriver == "postgres" {
			dsn = cfg.PostgresDSN
		}
		gdb, err := db.Open(cfg.StoreDriver, dsn, log)
		if err != nil {
			log.Error("Could not open database", "error", err)
			os.Exit(1)
		}
		store, err = jobs.NewGormStore(gdb, log)
		if err != nil {
			log.Error("Could not init job store", "error", err)
			os.Exit(1)
		}
	default:
		log.Error("Unknown store driver", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	// Notification bus
	log.Info("Setting up notification bus...")
	hub := bus.NewHub(log)
	var notifier jobs.Notifier = hub
	if cfg.RedisAddr != "" {
		relay, err := bus.NewRedisRelay(log, cfg.RedisAddr, cfg.RedisChannel, hub)
		if err != nil {
			log.Error("Could not init Redis relay", "error", err)
			os.Exit(1)
		}
		defer relay.Close()
		if err := relay.Start(ctx); err != nil {
			log.Error("Could not start Redis relay", "error", err)
			os.Exit(1)
		}
		notifier = relay
		log.Info("Redis relay active", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}

	// Lifecycle engine and worker pool
	engine := jobs.NewEngine(store, notifier, log, jobs.EngineOptions{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
	})
	defer engine.Stop()

	workload := jobs.NewSimulatedWorkload(cfg.StepDuration, cfg.FailureRate)
	pool := jobs.NewPool(engine, workload, log, jobs.PoolOptions{
		Concurrency: cfg.WorkerConcurrency,
	})
	pool.Start(ctx)

	// HTTP
	router := server.NewRouter(server.RouterConfig{
		JobsHandler:   handlers.NewJobsHandler(engine, store, log),
		AdminHandler:  handlers.NewAdminHandler(engine, store, log, cfg.QueueName, cfg.WorkerConcurrency),
		StreamHandler: handlers.NewStreamHandler(hub, store, log, cfg.HeartbeatInterval),
	})
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", cfg.Addr, "workers", cfg.WorkerConcurrency)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", "error", err)
	}
	pool.Wait()
	log.Info("Shutdown complete")
}
