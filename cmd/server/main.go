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

	"github.com/cafehub/cafeguard/internal/audit"
	"github.com/cafehub/cafeguard/internal/auth"
	"github.com/cafehub/cafeguard/internal/authz"
	"github.com/cafehub/cafeguard/internal/clock"
	"github.com/cafehub/cafeguard/internal/config"
	"github.com/cafehub/cafeguard/internal/database"
	"github.com/cafehub/cafeguard/internal/handler"
	"github.com/cafehub/cafeguard/internal/logger"
	"github.com/cafehub/cafeguard/internal/metrics"
	"github.com/cafehub/cafeguard/internal/middleware"
	"github.com/cafehub/cafeguard/internal/repository"
	"github.com/cafehub/cafeguard/internal/router"
	"github.com/cafehub/cafeguard/internal/security"
	"github.com/cafehub/cafeguard/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", "0.1.0").Msg("starting cafeguard server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Redis is optional; it only mirrors the audit log
	var (
		rdb   handler.HealthChecker
		sinks []audit.Sink
	)
	if cfg.Redis.Enabled() {
		client, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer client.Close()
		rdb = client
		log.Info().Str("addr", cfg.Redis.Addr()).Msg("connected to Redis")

		if stream := cfg.Security.Audit.RedisStream; stream != "" {
			sinks = append(sinks, audit.NewRedisSink(client, stream, cfg.Security.Audit.RedisStreamMaxLen))
			log.Info().Str("stream", stream).Msg("audit entries mirrored to Redis stream")
		}
	}

	m := metrics.New()
	clk := clock.Real{}

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	outletRepo := repository.NewOutletRepository(db)

	// Security stores
	sec := security.New(cfg.Security, clk, log, m, sinks...)
	defer sec.Close()

	// Initialize services
	tokenSvc := auth.NewTokenService(cfg.Security.Tokens, clk)
	hasher := auth.NewPasswordHasher(cfg.Security.Password)
	authSvc := service.NewAuthService(userRepo, hasher, tokenSvc, sec.Audit, log)
	outlets := service.NewOutletDirectory(outletRepo, cfg.Outlets.CacheTTL, log)
	resolver := authz.NewResolver(tokenSvc, outlets, log, m)

	// Handlers, middleware, router
	h := handler.New(db, rdb, sec, resolver, authSvc, outlets, log, cfg)
	mw := middleware.New(sec, resolver, cfg, log, m)
	r := router.New(h, mw, m, cfg.Security.CORS.AllowedOrigins)

	if cfg.Security.Sweep.Enabled {
		sweeper := security.NewSweeper(sec, cfg.Security.Sweep.Interval, log)
		go sweeper.Run(ctx)
		log.Info().Dur("interval", cfg.Security.Sweep.Interval).Msg("security sweeper started")
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
