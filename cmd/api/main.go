package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dialcore/internal/agents"
	"dialcore/internal/auth"
	"dialcore/internal/calls"
	"dialcore/internal/config"
	"dialcore/internal/dialqueue"
	"dialcore/internal/dispositions"
	"dialcore/internal/events"
	"dialcore/internal/flows"
	"dialcore/internal/httpapi"
	"dialcore/internal/reconcile"
	"dialcore/internal/telephony"
	"dialcore/pkg/logger"
	"dialcore/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Core wiring. The queue and the agent tracker reference each other, so
	// the claim gate is bound after construction.
	bus := events.NewBus(events.Config{
		Log:         events.NewPostgresLog(db),
		Logger:      logger.Component(log, "events"),
		MaxAttempts: cfg.Core.DeliveryMaxAttempts,
		BaseBackoff: cfg.Core.DeliveryBaseBackoff,
	})
	defer bus.Close()

	queue := dialqueue.NewManager(bus, dialqueue.NewRedisLease(rdb), nil, dialqueue.Config{
		ClaimTTL:       cfg.Core.ClaimTTL,
		MaxDepth:       cfg.Core.QueueMaxDepth,
		RedialOutcomes: cfg.Core.RedialOutcomes,
		Logger:         logger.Component(log, "dialqueue"),
	})
	tracker := agents.NewTracker(bus, queue, agents.Config{
		Logger: logger.Component(log, "agents"),
	})
	queue.BindGate(tracker)

	registry := dispositions.NewRegistry()
	flowTracker := flows.NewTracker(bus, flows.Config{
		DefaultStepTimeout: cfg.Core.StepTimeout,
		Logger:             logger.Component(log, "flows"),
	})

	// TODO: swap in a real provider driver once one lands; the fake driver
	// answers every command locally.
	driver := telephony.NewFakeDriver()

	callStore := calls.NewPostgresStore(db)
	engine := calls.NewEngine(callStore, bus, registry, driver, calls.Config{
		SetupTimeout: cfg.Core.SetupTimeout,
		Agents:       tracker,
		Queue:        queue,
		Flows:        flowTracker,
		Logger:       logger.Component(log, "calls"),
	})

	sweeper := reconcile.NewSweeper(callStore, bus, tracker, reconcile.Config{
		Grace:  cfg.Core.ReconcileGrace,
		Logger: logger.Component(log, "reconcile"),
	})
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Core.ReconcileSpec, func() {
		if n, err := sweeper.Run(rootCtx); err != nil {
			log.Error("reconcile sweep failed", "err", err)
		} else if n > 0 {
			log.Warn("reconcile sweep found violations", "count", n)
		}
	}); err != nil {
		log.Error("reconcile schedule failed", "spec", cfg.Core.ReconcileSpec, "err", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	// Re-deliver events logged shortly before the previous process died;
	// deliveries that were in flight at the crash would be lost otherwise.
	if n, err := bus.Replay(rootCtx, time.Now().Add(-cfg.Core.ReplayWindow)); err != nil {
		log.Error("event replay failed", "err", err)
	} else if n > 0 {
		log.Info("replayed events from durable log", "count", n, "window", cfg.Core.ReplayWindow)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:         authManager,
		Agents:       tracker,
		Queue:        queue,
		Engine:       engine,
		Flows:        flowTracker,
		Dispositions: registry,
		Bus:          bus,
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager), db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
