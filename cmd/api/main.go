package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tempo/api/internal/activity"
	"tempo/api/internal/app"
	"tempo/api/internal/config"
	"tempo/api/internal/logger"
	"tempo/api/internal/scheduler"
	"tempo/api/internal/store"
	"tempo/api/internal/timer"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		zlog.Fatal("migrations failed", zap.Error(err))
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		zlog.Fatal("invalid timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}
	cutoff, err := timer.ParseCutoff(cfg.EndOfDayCutoff, loc)
	if err != nil {
		zlog.Fatal("invalid end-of-day cutoff", zap.Error(err))
	}
	startOfDay, err := timer.ParseCutoff(cfg.StartOfDay, loc)
	if err != nil {
		zlog.Fatal("invalid start-of-day boundary", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	var service *app.Service
	var tracker *activity.RedisTracker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		zlog.Info("using Redis activity fast path")
		tracker, err = activity.NewRedisTracker(cfg.RedisURL, cfg.InactivityThreshold)
		if err != nil {
			zlog.Fatal("redis connection failed", zap.Error(err))
		}
		defer tracker.Close()
		service = app.NewWithSignals(cfg, dataStore, tracker, zlog)
	} else {
		zlog.Info("activity fast path disabled, ledger only")
		service = app.New(cfg, dataStore, zlog)
	}

	var autoPause *scheduler.AutoPause
	if tracker != nil {
		autoPause = scheduler.NewAutoPause(service, tracker, zlog, cfg.AutoPauseInterval, cfg.InactivityThreshold, cutoff)
	} else {
		autoPause = scheduler.NewAutoPause(service, nil, zlog, cfg.AutoPauseInterval, cfg.InactivityThreshold, cutoff)
	}
	resumeSweep := scheduler.NewResumeSweep(service, zlog, cfg.ResumeSweepInterval, startOfDay, cutoff)
	go autoPause.Run(ctx)
	go resumeSweep.Run(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, zlog)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info("Tempo API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("shutdown error", zap.Error(err))
	}
}
