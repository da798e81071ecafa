package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance   Binance   `mapstructure:"binance"`
	Telegram  Telegram  `mapstructure:"telegram"`
	Logger    Logger    `mapstructure:"logger"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Redis     Redis     `mapstructure:"redis"`
	Security  Security  `mapstructure:"security"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Notify    Notify    `mapstructure:"notify"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	BaseURL        string  `mapstructure:"base_url"`
	WsURL          string  `mapstructure:"ws_url"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	RecvWindow     int     `mapstructure:"recv_window"`
	UserStream     bool    `mapstructure:"user_stream"`
}

// Telegram holds the bot token and the optional public channel.
type Telegram struct {
	Token     string `mapstructure:"token"`
	ChannelID int64  `mapstructure:"channel_id"`
}

// Server holds the configuration for the HTTP API.
type Server struct {
	Port      int    `mapstructure:"port"`
	AuthToken string `mapstructure:"auth_token"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Redis enables the distributed tenant guard when several instances share one database.
type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Security holds the secret used to seal exchange credentials at rest.
type Security struct {
	MasterKey string `mapstructure:"master_key"`
	Salt      string `mapstructure:"salt"`
}

// Reconcile holds the position-inference parameters.
type Reconcile struct {
	QuoteAsset           string        `mapstructure:"quote_asset"`
	CashAssets           []string      `mapstructure:"cash_assets"`
	MaterialityThreshold float64       `mapstructure:"materiality_threshold"`
	Timeout              time.Duration `mapstructure:"timeout"`
	PriceMaxAge          time.Duration `mapstructure:"price_max_age"`
}

// Scheduler holds job intervals and per-tick pacing.
type Scheduler struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
	AlertInterval     time.Duration `mapstructure:"alert_interval"`
	TenantDelay       time.Duration `mapstructure:"tenant_delay"`
	Workers           int           `mapstructure:"workers"`
	Jitter            time.Duration `mapstructure:"jitter"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
}

// Notify holds the notification queue settings.
type Notify struct {
	Cooldown    time.Duration `mapstructure:"cooldown"`
	QueueSize   int           `mapstructure:"queue_size"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (config Config, err error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("binance.rate_limit", 10)
	v.SetDefault("binance.rate_limit_burst", 5)
	v.SetDefault("binance.recv_window", 5000)
	v.SetDefault("database.dsn", "watchbot.db")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("reconcile.quote_asset", "USDT")
	v.SetDefault("reconcile.cash_assets", []string{"USDT"})
	v.SetDefault("reconcile.materiality_threshold", 1.0)
	v.SetDefault("reconcile.timeout", 30*time.Second)
	v.SetDefault("reconcile.price_max_age", 15*time.Second)

	v.SetDefault("scheduler.reconcile_interval", 60*time.Second)
	v.SetDefault("scheduler.snapshot_interval", 60*time.Minute)
	v.SetDefault("scheduler.alert_interval", 60*time.Second)
	v.SetDefault("scheduler.tenant_delay", 500*time.Millisecond)
	v.SetDefault("scheduler.workers", 1)
	v.SetDefault("scheduler.jitter", 5*time.Second)
	v.SetDefault("scheduler.max_backoff", 10*time.Minute)

	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.send_timeout", 10*time.Second)
}

// Validate checks the values the reconciliation pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Reconcile.QuoteAsset) == "" {
		errs = append(errs, errors.New("reconcile.quote_asset is empty"))
	}
	if c.Reconcile.MaterialityThreshold <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.materiality_threshold must be positive, got %v", c.Reconcile.MaterialityThreshold))
	}
	if c.Reconcile.Timeout <= 0 {
		errs = append(errs, errors.New("reconcile.timeout must be positive"))
	}
	if c.Scheduler.ReconcileInterval <= 0 || c.Scheduler.SnapshotInterval <= 0 || c.Scheduler.AlertInterval <= 0 {
		errs = append(errs, errors.New("scheduler intervals must be positive"))
	}
	if c.Security.MasterKey == "" {
		errs = append(errs, errors.New("security.master_key is not set"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with secrets masked, for logging.
func (c Config) Redacted() Config {
	out := c
	redact(&out.Telegram.Token)
	redact(&out.Server.AuthToken)
	redact(&out.Redis.Password)
	redact(&out.Security.MasterKey)
	redact(&out.Security.Salt)
	out.Reconcile.CashAssets = append([]string(nil), c.Reconcile.CashAssets...)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
