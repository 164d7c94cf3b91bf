package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/al4/orlo/internal/app/migrate"
	"github.com/al4/orlo/internal/filter"
	httpx "github.com/al4/orlo/internal/http"
	"github.com/al4/orlo/internal/lifecycle"
	"github.com/al4/orlo/internal/repository"
	"github.com/al4/orlo/internal/repository/memory"
	"github.com/al4/orlo/internal/repository/postgres"
	"github.com/al4/orlo/internal/service/events"
	"github.com/al4/orlo/internal/service/release"
	"github.com/al4/orlo/internal/ws"
	"github.com/al4/orlo/pkg/config"
	"github.com/al4/orlo/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", cfg.Level())
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	loc, _ := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo repository.ReleaseRepository
	switch cfg.Storage {
	case config.StorageMemory:
		log.Warn("using in-memory storage, releases are lost on restart")
		repo = memory.New()
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err, "source", runner.Source())
			os.Exit(1)
		}
		repo = postgres.New(pool)
	}

	hub := ws.NewHub()
	defer hub.Close()

	engine := lifecycle.New(lifecycle.Settings{Location: loc})
	compiler := filter.NewCompiler(filter.Settings{TimeFormat: cfg.TimeFormat, Location: loc})
	releaseSvc := release.New(repo, engine, compiler, events.New(hub, log), log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, releaseSvc, hub, limiter, httpx.Options{
		WriteLimit:   cfg.RateLimitWrite,
		ReadLimit:    cfg.RateLimitRead,
		SSEHeartbeat: cfg.SSEHeartbeat,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "storage", cfg.Storage, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
