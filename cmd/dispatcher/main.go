package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comptaflow/comptaflow/internal/cache"
	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/comptaflow/comptaflow/internal/database"
	"github.com/comptaflow/comptaflow/internal/logging"
	"github.com/comptaflow/comptaflow/internal/monitoring"
	"github.com/comptaflow/comptaflow/internal/webhook"
	"github.com/rs/zerolog/log"
)

// The dispatcher runs the webhook retry worker on its own, so API replicas
// can keep WEBHOOK_WORKER_ENABLED off.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)
	monitoring.Init()

	db, err := database.New(cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	var limiter webhook.Limiter = webhook.NewLocalLimiter()
	if cfg.Redis.Enabled() {
		rdb, err := cache.NewFromURL(cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, rate limiting per process")
		} else {
			defer rdb.Close()
			limiter = webhook.NewRedisLimiter(rdb)
		}
	}

	sender := webhook.NewSender(cfg.Webhook.DeliveryTimeout, webhook.BreakerSettings{
		FailureThreshold: cfg.Webhook.BreakerFailures,
		Timeout:          cfg.Webhook.BreakerTimeout,
	})
	dispatcher := webhook.NewDispatcher(webhook.NewPgStore(db.Pool), sender, limiter, &cfg.Webhook)
	scheduler := webhook.NewScheduler(dispatcher, cfg.Webhook.WorkerInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start webhook retry worker")
	}
	go db.ReportStats(ctx, 15*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Int("port", cfg.Monitoring.PrometheusPort).
			Dur("interval", cfg.Webhook.WorkerInterval).
			Msg("Webhook dispatcher running")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down webhook dispatcher...")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics server forced to shutdown")
	}

	log.Info().Msg("Webhook dispatcher exited")
}
