// Package main is the entrypoint for the pressroom render worker. Run
// exactly one instance per database.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pressroom/pressroom/internal/config"
	"github.com/pressroom/pressroom/internal/metrics"
	"github.com/pressroom/pressroom/internal/queue"
	"github.com/pressroom/pressroom/internal/render"
	"github.com/pressroom/pressroom/internal/store"
	"github.com/pressroom/pressroom/internal/worker"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log)
	slog.Info("config loaded", "db_path", cfg.Database.Path, "worker_id", cfg.Worker.ID)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := store.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database ready", "path", cfg.Database.Path)

	st := store.NewSQLiteStore(db)
	svc := queue.NewService(st, cfg.Jobs)

	renderer := render.NewChromeRenderer(cfg.Render.ChromePath)
	if err := renderer.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer renderer.Close()
	slog.Info("browser started")

	if cfg.Metrics.Addr != "" {
		go metrics.Expose(cfg.Metrics.Addr)
	}

	w := worker.New(svc, st, renderer, cfg)
	cleaner := worker.NewCleaner(svc, cfg.Cleanup.Interval, cfg.Cleanup.FileAge)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gCtx) })
	g.Go(func() error { return cleaner.Run(gCtx) })

	slog.Info("worker running", "worker_id", cfg.Worker.ID)
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// setupLogger installs a JSON slog handler, rotating through lumberjack when
// LOG_FILE is set.
func setupLogger(cfg config.LogConfig) {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	})))
}
