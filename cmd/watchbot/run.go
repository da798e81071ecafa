package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"portfolio-watch-bot/internal/alerts"
	"portfolio-watch-bot/internal/api"
	"portfolio-watch-bot/internal/binance"
	"portfolio-watch-bot/internal/jobs"
	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/notify"
	"portfolio-watch-bot/internal/oracle"
	"portfolio-watch-bot/internal/portfolio"
	"portfolio-watch-bot/internal/reconcile"
	"portfolio-watch-bot/internal/scheduler"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const streamSyncInterval = 5 * time.Minute

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot: scheduler, notifier, user streams and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := root.load()
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, e)
		},
	}
}

// logSender stands in for Telegram when no bot token is configured.
type logSender struct {
	log *zap.Logger
}

func (s logSender) Send(_ context.Context, chatID int64, text string) error {
	s.log.Info("Notification", zap.Int64("chat", chatID), zap.String("text", text))
	return nil
}

func run(ctx context.Context, e *env) error {
	cfg, log := e.cfg, e.log
	log.Info("Configuration loaded", zap.Any("config", cfg.Redacted()))

	g, err := e.tenantGuard(ctx)
	if err != nil {
		return err
	}
	tenants, err := e.tenants()
	if err != nil {
		return err
	}
	tenants.WithGuard(g)
	store := ledger.NewGormStore(e.db)

	rest := binance.NewRestClient(&cfg.Binance, log)
	if _, err := rest.GetServerTime(ctx); err != nil {
		return fmt.Errorf("failed to connect to Binance API: %w", err)
	}
	log.Info("Successfully connected to Binance API.")

	prices := oracle.New(oracle.NewBinanceSource(rest), log)
	quote, cash := cfg.Reconcile.QuoteAsset, cfg.Reconcile.CashAssets
	source := portfolio.NewBinanceSource(rest, quote, cash)

	var sender notify.Sender
	tg, err := notify.NewTelegramSender(cfg.Telegram.Token)
	switch {
	case errors.Is(err, notify.ErrNoToken):
		log.Warn("No Telegram token configured, notifications go to the log")
		sender = logSender{log: log.Named("notify")}
	case err != nil:
		return err
	default:
		log.Info("Telegram bot authorized", zap.String("username", tg.Username()))
		sender = tg
	}
	dispatcher := notify.NewDispatcher(sender, tenants, notify.Options{
		ChannelID:   cfg.Telegram.ChannelID,
		Cooldown:    cfg.Notify.Cooldown,
		QueueSize:   cfg.Notify.QueueSize,
		SendTimeout: cfg.Notify.SendTimeout,
	}, log)

	engine := reconcile.NewEngine(tenants, g, prices, source, store, dispatcher, reconcile.Options{
		Quote:       quote,
		Cash:        cash,
		Threshold:   decimal.NewFromFloat(cfg.Reconcile.MaterialityThreshold),
		Timeout:     cfg.Reconcile.Timeout,
		PriceMaxAge: cfg.Reconcile.PriceMaxAge,
	}, log)

	checker := alerts.NewChecker(alerts.NewStore(e.db), prices, dispatcher, quote, cfg.Reconcile.PriceMaxAge, log)

	sc := cfg.Scheduler
	sched := scheduler.New(tenants, scheduler.Options{
		Workers:     sc.Workers,
		TenantDelay: sc.TenantDelay,
		Jitter:      sc.Jitter,
		MaxBackoff:  sc.MaxBackoff,
	}, log,
		jobs.NewReconcile(engine, dispatcher, sc.ReconcileInterval, log),
		jobs.NewSnapshot(tenants, prices, source, store, quote, cash, cfg.Reconcile.PriceMaxAge, sc.SnapshotInterval),
		jobs.NewAlerts(checker, sc.AlertInterval),
	)

	var wg sync.WaitGroup
	defer wg.Wait()

	var streams api.StreamCounter
	if cfg.Binance.UserStream {
		mgr := binance.NewStreamManager(&cfg.Binance, rest, func(tenantID int64) {
			sched.Trigger(jobs.NameReconcile, tenantID)
		}, log)
		streams = mgr
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs.SyncStreams(ctx, tenants, mgr, streamSyncInterval, log)
			mgr.Close()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	server := api.NewServer(api.Options{
		Port:        cfg.Server.Port,
		AuthToken:   cfg.Server.AuthToken,
		Version:     version,
		Quote:       quote,
		PriceMaxAge: cfg.Reconcile.PriceMaxAge,
	}, tenants, store, prices, source, streams, log)
	server.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(sctx); err != nil {
			log.Warn("API server shutdown failed", zap.Error(err))
		}
	}()

	log.Info("Bot started")
	err = sched.Run(ctx)
	log.Info("Shutdown signal received, gracefully shutting down...")
	return err
}
