package server

import (
	"github.com/comptaflow/comptaflow/internal/activity"
	"github.com/comptaflow/comptaflow/internal/audit"
	"github.com/comptaflow/comptaflow/internal/cache"
	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/comptaflow/comptaflow/internal/database"
	"github.com/comptaflow/comptaflow/internal/payment"
	"github.com/comptaflow/comptaflow/internal/realtime"
	"github.com/comptaflow/comptaflow/internal/webhook"
)

// BuildServices wires the Postgres stores into the domain services.
// rdb may be nil, in which case the catalog is uncached and rate limits
// are enforced per process.
func BuildServices(cfg *config.Config, db *database.DB, rdb *cache.Redis, hub *realtime.Hub) Services {
	webhookStore := webhook.NewPgStore(db.Pool)
	webhooks := webhook.NewService(webhookStore, &cfg.Webhook)

	var limiter webhook.Limiter = webhook.NewLocalLimiter()
	health := map[string]HealthChecker{"database": db}
	if rdb != nil {
		webhooks.WithCatalogCache(rdb, cfg.Redis.CatalogTTL)
		limiter = webhook.NewRedisLimiter(rdb)
		health["redis"] = rdb
	}

	sender := webhook.NewSender(cfg.Webhook.DeliveryTimeout, webhook.BreakerSettings{
		FailureThreshold: cfg.Webhook.BreakerFailures,
		Timeout:          cfg.Webhook.BreakerTimeout,
	})
	dispatcher := webhook.NewDispatcher(webhookStore, sender, limiter, &cfg.Webhook)

	var scheduler *webhook.Scheduler
	if cfg.Webhook.WorkerEnabled {
		scheduler = webhook.NewScheduler(dispatcher, cfg.Webhook.WorkerInterval)
	}

	var gateway payment.Gateway = payment.NewStripeGateway(cfg.Stripe.SecretKey)

	return Services{
		Webhooks:   webhooks,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Audit:      audit.NewService(audit.NewPgStore(db.Pool), &cfg.Audit),
		Activity:   activity.NewService(activity.NewPgStore(db.Pool), hub, &cfg.Realtime),
		Payments:   payment.NewService(payment.NewPgStore(db.Pool), gateway, dispatcher),
		Health:     health,
	}
}
