package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zinnnn37/loglens/internal/app/migrate"
	httpx "github.com/zinnnn37/loglens/internal/http"
	"github.com/zinnnn37/loglens/internal/repository/postgres"
	"github.com/zinnnn37/loglens/internal/service/alerts"
	"github.com/zinnnn37/loglens/internal/service/flow"
	"github.com/zinnnn37/loglens/internal/service/ingest"
	"github.com/zinnnn37/loglens/internal/service/logs"
	"github.com/zinnnn37/loglens/internal/service/metrics"
	"github.com/zinnnn37/loglens/internal/ws"
	"github.com/zinnnn37/loglens/pkg/config"
	"github.com/zinnnn37/loglens/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	alertHub := ws.NewHub(cfg.StreamIdleTimeout, cfg.StreamSweepEvery)
	defer alertHub.Close()

	logSvc := logs.New(repo, log)
	flowSvc := flow.New(repo, repo, log, cfg.TraceRecordCap)
	metricsSvc := metrics.New(repo, repo, repo, log, cfg.AggregateMinWindow)
	ingestSvc := ingest.New(repo, repo, log)
	alertPub := alerts.NewPublisher(repo, alertHub, log)

	evaluator := alerts.NewEvaluator(repo, repo, repo, alertPub, log, cfg.EvaluatorInterval, cfg.AlertCooldown)
	go evaluator.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, logSvc, flowSvc, metricsSvc, ingestSvc, alertPub, limiter, cfg.AgentAuthToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
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
