package main

import (
	"context"
	"fmt"
	"strconv"

	"portfolio-watch-bot/internal/config"
	"portfolio-watch-bot/internal/database"
	"portfolio-watch-bot/internal/guard"
	"portfolio-watch-bot/internal/logger"
	"portfolio-watch-bot/internal/tenant"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const guardPrefix = "watchbot:reconcile"

type rootOptions struct {
	configDir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "watchbot",
		Short: "Portfolio watch bot for Binance accounts",
		Long: `watchbot follows linked Binance accounts, infers buys, sells and closed
positions from balance changes and reports them on Telegram.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", "./configs", "directory containing config.yml")

	cmd.AddCommand(
		newRunCmd(opts),
		newTenantCmd(opts),
		newAlertCmd(opts),
		newTradesCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// env is what every command needs before it can touch state.
type env struct {
	cfg config.Config
	log *zap.Logger
	db  *gorm.DB
	rdb *redis.Client
}

func (o *rootOptions) load() (*env, error) {
	cfg, err := config.LoadConfig(o.configDir)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("could not initialize logger: %w", err)
	}
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &env{cfg: cfg, log: log, db: db}, nil
}

func (e *env) tenants() (*tenant.Store, error) {
	sealer, err := tenant.NewSealer(e.cfg.Security.MasterKey, e.cfg.Security.Salt)
	if err != nil {
		return nil, err
	}
	return tenant.NewStore(e.db, sealer), nil
}

// tenantGuard returns the per-tenant guard. Only the Redis guard is shared with
// other processes.
func (e *env) tenantGuard(ctx context.Context) (guard.Guard, error) {
	if !e.cfg.Redis.Enabled {
		return guard.NewLocal(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     e.cfg.Redis.Addr,
		Password: e.cfg.Redis.Password,
		DB:       e.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	e.rdb = rdb
	e.log.Info("Using distributed tenant guard", zap.String("addr", e.cfg.Redis.Addr))
	return guard.NewRedis(rdb, guardPrefix, 2*e.cfg.Reconcile.Timeout, e.log), nil
}

func (e *env) close() {
	if sqlDB, err := e.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	_ = e.log.Sync()
}

func parseTenantID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tenant id %q", s)
	}
	return id, nil
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "watchbot", version)
		},
	}
}
