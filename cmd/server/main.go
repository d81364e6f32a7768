// Package main is the entrypoint for the pressroom API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pressroom/pressroom/internal/api"
	"github.com/pressroom/pressroom/internal/api/handler"
	mw "github.com/pressroom/pressroom/internal/api/middleware"
	"github.com/pressroom/pressroom/internal/cache"
	"github.com/pressroom/pressroom/internal/config"
	"github.com/pressroom/pressroom/internal/queue"
	"github.com/pressroom/pressroom/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log)
	slog.Info("config loaded", "db_path", cfg.Database.Path, "pdf_dir", cfg.Storage.PDFDir)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open database and run migrations
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

	// 3. Optional Redis-backed rate limiting
	var rateLimit *mw.RateLimit
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected, rate limiting enabled",
			"requests_per_minute", cfg.Redis.RequestsPerMinute)
		rateLimit = mw.NewRateLimit(redisCache, cfg.Redis.RequestsPerMinute)
	}

	// 4. Build router with dependencies
	svc := queue.NewService(st, cfg.Jobs)
	jobs := handler.NewJobs(svc)
	health := handler.NewHealth(st, cfg.Worker.ID)

	router := api.NewRouter(api.Dependencies{
		RateLimit:       rateLimit,
		HealthHandler:   health.Check,
		SubmitHandler:   jobs.Submit,
		StatusHandler:   jobs.Status,
		DownloadHandler: jobs.Download,
	})

	// 5. Start HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
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
