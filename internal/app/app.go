// Package app wires the reservation services from configuration. Every
// binary builds the same graph so they agree on stores and topics.
package app

import (
	"context"
	"fmt"

	"ms-reservations/internal/cancellation"
	"ms-reservations/internal/capacity"
	"ms-reservations/internal/checkout"
	"ms-reservations/internal/clock"
	"ms-reservations/internal/config"
	"ms-reservations/internal/database"
	"ms-reservations/internal/database/migrations"
	"ms-reservations/internal/expiry"
	"ms-reservations/internal/holds"
	holddb "ms-reservations/internal/holds/db"
	"ms-reservations/internal/kafka"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/metrics"
	"ms-reservations/internal/models"
	"ms-reservations/internal/notify"
	"ms-reservations/internal/payment"
	"ms-reservations/internal/readiness"
	regdb "ms-reservations/internal/registrations/db"
	"ms-reservations/internal/validators"
	"ms-reservations/internal/webhook"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

type App struct {
	Config   *config.Config
	Log      *logger.Logger
	DB       *bun.DB
	Redis    *redis.Client
	Producer *kafka.Producer
	Registry *prometheus.Registry

	Registrations *regdb.DB
	Counters      *capacity.Redis
	Holds         *holds.Manager
	Assigner      *holds.Assigner
	Timer         *expiry.RedisTimer
	Checkout      *checkout.Service
	Cancellation  *cancellation.Service
	Sweeper       *expiry.Sweeper
	Readiness     *readiness.Service
	Reconciler    *webhook.Reconciler
}

// New connects to Postgres and Redis and builds every service. The
// payment gateway is optional: without a Stripe key checkout and refunds
// fail with an upstream error.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}

	var err error
	if a.DB, err = database.ConnectPostgres(ctx, cfg.Database, log); err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(a.DB, cfg.Database.MigrationsDir, log)
		err := runner.Up()
		runner.Close()
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	if a.Redis, err = database.ConnectRedis(ctx, cfg.Redis, log); err != nil {
		a.Close()
		return nil, err
	}

	var (
		events   *kafka.EventPublisher
		notifier *notify.Dispatcher
	)
	if cfg.Kafka.Enabled {
		a.Producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		topics := []string{cfg.Kafka.Topics.RegistrationEvents, cfg.Kafka.Topics.EmailQueue, cfg.Kafka.Topics.SMSQueue}
		if err := kafka.EnsureTopicsExist(ctx, cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		events = kafka.NewEventPublisher(a.Producer, cfg.Kafka.Topics.RegistrationEvents)
		notifier = notify.NewDispatcher(a.Producer, cfg.Kafka.Topics.EmailQueue, cfg.Kafka.Topics.SMSQueue, log)
	} else {
		log.Warn("KAFKA", "Kafka disabled; lifecycle events and notifications are not published")
	}

	gateway, err := payment.NewStripe(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, log)
	if err != nil {
		log.Warn("PAYMENT", fmt.Sprintf("Stripe not configured: %v", err))
	}

	clk := clock.NewSystem()
	m := metrics.MustNew(a.Registry)

	a.Registrations = &regdb.DB{Bun: a.DB}
	a.Counters = capacity.NewRedis(a.Redis, log)
	a.Holds = holds.NewManager(&holddb.DB{Bun: a.DB}, clk, log)
	a.Assigner = holds.NewAssigner(a.Holds, a.Registrations, map[models.ItemType]holds.ResourceValidator{
		models.ItemStall:      validators.NewStalls(a.Registrations),
		models.ItemRV:         validators.NewRVs(a.Registrations),
		models.ItemClassEntry: validators.NewLines(a.Registrations),
	})
	a.Timer = expiry.NewRedisTimer(a.Redis)
	releaser := cancellation.NewReleaser(a.Counters, a.Holds, log, m)

	checkoutOpts := []checkout.Option{
		checkout.WithHoldTTL(cfg.Reservation.HoldTTL),
		checkout.WithCurrency(cfg.Reservation.Currency),
		checkout.WithMetrics(m),
		checkout.WithHoldTimer(a.Timer),
	}
	cancelOpts := []cancellation.Option{cancellation.WithHoldTimer(a.Timer)}
	sweepOpts := []expiry.Option{expiry.WithMetrics(m)}
	webhookOpts := []webhook.Option{webhook.WithHoldTimer(a.Timer)}
	var readinessEvents readiness.EventPublisher
	if events != nil {
		checkoutOpts = append(checkoutOpts, checkout.WithEventPublisher(events))
		cancelOpts = append(cancelOpts, cancellation.WithEventPublisher(events), cancellation.WithNotifier(notifier))
		sweepOpts = append(sweepOpts, expiry.WithEventPublisher(events), expiry.WithNotifier(notifier))
		webhookOpts = append(webhookOpts, webhook.WithEventPublisher(events), webhook.WithNotifier(notifier))
		readinessEvents = events
	}

	var gw payment.Gateway = unconfiguredGateway{}
	var verifier payment.WebhookVerifier = unconfiguredGateway{}
	if gateway != nil {
		gw, verifier = gateway, gateway
	}

	passes, err := readiness.NewPassIssuer(cfg.Reservation.PassSecret)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Checkout = checkout.NewService(a.Registrations, a.Registrations, a.Counters, a.Holds, gw, clk, log, checkoutOpts...)
	a.Cancellation = cancellation.NewService(a.Registrations, releaser, gw, clk, log, cancelOpts...)
	a.Sweeper = expiry.NewSweeper(a.Registrations, releaser, clk, log, sweepOpts...)
	a.Readiness = readiness.NewService(a.Registrations, a.Holds, passes, clk, log, readinessEvents)
	a.Reconciler = webhook.NewReconciler(verifier, a.Registrations, a.Holds, clk, log, webhookOpts...)
	return a, nil
}

func (a *App) Close() {
	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			a.Log.Warn("KAFKA", fmt.Sprintf("Producer close: %v", err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

type unconfiguredGateway struct{}

func (unconfiguredGateway) CreateIntent(context.Context, payment.IntentRequest) (*payment.Intent, error) {
	return nil, payment.ErrNotConfigured
}

func (unconfiguredGateway) Refund(context.Context, payment.RefundRequest) (*payment.Refund, error) {
	return nil, payment.ErrNotConfigured
}

func (unconfiguredGateway) VerifyWebhook([]byte, string) (*payment.WebhookEvent, error) {
	return nil, payment.ErrNotConfigured
}
