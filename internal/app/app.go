// Package app wires the bot, scheduler, alert monitor and admin API
// together and runs them until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/coingecko"
	"github.com/suspectuso/crypto-reminder/internal/config"
	"github.com/suspectuso/crypto-reminder/internal/events"
	"github.com/suspectuso/crypto-reminder/internal/httpapi"
	"github.com/suspectuso/crypto-reminder/internal/notifier"
	"github.com/suspectuso/crypto-reminder/internal/schedule"
	"github.com/suspectuso/crypto-reminder/internal/storage"
	"github.com/suspectuso/crypto-reminder/internal/subscriptions"
	"github.com/suspectuso/crypto-reminder/internal/telegram"
)

const alertPollerName = "price-alerts"

// Run starts every component and blocks until ctx is done.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}

	// Initialize storage
	store, err := storage.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()
	log.Info("storage initialized", zap.String("driver", cfg.StoreDriver))

	// Initialize CoinGecko client
	gecko := coingecko.NewClient(coingecko.Options{
		BaseURL:     cfg.CoinGeckoBaseURL,
		APIKey:      cfg.CoinGeckoAPIKey,
		Timeout:     cfg.HTTPTimeout,
		TopCoinsTTL: cfg.TopCoinsTTL,
	}, log.Named("coingecko"))
	log.Info("coingecko client initialized", zap.String("base_url", cfg.CoinGeckoBaseURL))

	pub := newPublisher(cfg, log)
	defer pub.Close()

	// Initialize telegram bot
	bot, err := telegram.New(cfg.BotToken, gecko, cfg.TopCoinsLimit, log.Named("telegram"))
	if err != nil {
		return fmt.Errorf("init telegram bot: %w", err)
	}

	digester := notifier.NewDigester(store, gecko, pub, log.Named("digest"))
	sched, err := schedule.New(store, digester, bot, schedule.Options{
		DefaultTimezone: cfg.DefaultTimezone,
		JobTimeout:      cfg.JobTimeout,
	}, log.Named("schedule"))
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	svc := subscriptions.New(store, sched, gecko, cfg.SubscriberDefaults(), log.Named("subscriptions"))
	bot.SetCommands(svc)

	if err := sched.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	alerts := notifier.NewAlertMonitor(store, gecko, bot, pub, cfg.AlertThreshold, log.Named("alerts"))
	if err := sched.AddPoller(alertPollerName, cfg.AlertInterval, cfg.AlertFirstRun, alerts.Poll); err != nil {
		return err
	}

	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
	}()

	go sched.SyncLoop(ctx, cfg.ResyncInterval)

	// Start admin server
	admin := httpapi.NewServer(sched, svc, log.Named("http"))
	go func() {
		if err := admin.Start(ctx, cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server", zap.Error(err))
		}
	}()

	log.Info("starting bot polling...")
	bot.Start(ctx)
	log.Info("shutting down...")
	return nil
}

// newPublisher connects to RabbitMQ when configured. Events are optional,
// so a broker failure only disables them.
func newPublisher(cfg *config.Config, log *zap.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		log.Info("event publishing disabled: AMQP_URL not set")
		return events.Nop{}
	}
	pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, log.Named("events"))
	if err != nil {
		log.Error("connect to rabbitmq, event publishing disabled", zap.Error(err))
		return events.Nop{}
	}
	log.Info("event publisher connected", zap.String("exchange", cfg.AMQPExchange))
	return pub
}
