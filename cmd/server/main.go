// Command schoolsync-server starts the reference sync backend.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/config"
	"github.com/and161185/schoolsync/internal/limiter"
	"github.com/and161185/schoolsync/internal/migrate"
	"github.com/and161185/schoolsync/internal/repository/postgres"
	"github.com/and161185/schoolsync/internal/server/httpapi"
	"github.com/and161185/schoolsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and serves the HTTP API until SIGINT/SIGTERM.
func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Fatal("load .env", zap.Error(err))
	}
	cfg, err := config.LoadServer()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.DurationVar(&cfg.AccessTTL, "access-ttl", cfg.AccessTTL, "access token TTL")
	flag.DurationVar(&cfg.RefreshTTL, "refresh-ttl", cfg.RefreshTTL, "refresh token TTL")
	flag.IntVar(&cfg.MaxBatch, "max-batch", cfg.MaxBatch, "max operations per sync batch")
	limKind := flag.String("limiter", "pg", "login limiter backend: pg or memory")
	maxConns := flag.Int("db-max-conns", 0, "max PostgreSQL connections (0 = pgxpool default)")
	flag.Parse()

	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL, int32(*maxConns))
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer db.Close()

	// Repositories
	userRepo := postgres.NewUserRepo(db)
	tokenRepo := postgres.NewTokenRepo(db)
	entityRepo := postgres.NewEntityRepo(db)

	var lim limiter.Limiter
	switch *limKind {
	case "pg":
		lim = limiter.NewPG(db.Pool, 15*time.Minute, 5, 15*time.Minute)
	case "memory":
		lim = limiter.NewMemory(15*time.Minute, 5, 15*time.Minute)
	default:
		logger.Fatal("unknown limiter", zap.String("limiter", *limKind))
	}

	// Services
	authSvc := service.NewAuthService(userRepo, tokenRepo, []byte(cfg.JWTSecret), cfg.AccessTTL, cfg.RefreshTTL, lim)
	syncSvc := service.NewSyncService(entityRepo, cfg.MaxBatch, logger.Named("sync"))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.New(authSvc, syncSvc, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Warn("graceful shutdown", zap.Error(err))
			_ = srv.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
