package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig drives the orchestrator tick. ScanLockMargin is subtracted
// from TickInterval to size the scan-lock lease, so a crashed holder's lease
// always expires before the next tick would otherwise overlap it.
type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	ScanLockMargin time.Duration `mapstructure:"scan_lock_margin"`
	BatchLimit     int           `mapstructure:"batch_limit"`
}

type EngineConfig struct {
	PlanLockLease time.Duration `mapstructure:"plan_lock_lease"`
	TxMaxWait     time.Duration `mapstructure:"tx_max_wait"`
	TxTimeout     time.Duration `mapstructure:"tx_timeout"`
}

type OracleConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
	FreshTTL time.Duration `mapstructure:"fresh_ttl"`
	StaleTTL time.Duration `mapstructure:"stale_ttl"`
}

type LedgerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	Mode       string        `mapstructure:"mode"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.scan_lock_margin", "5s")
	v.SetDefault("scheduler.batch_limit", 100)
	v.SetDefault("engine.plan_lock_lease", "30s")
	v.SetDefault("engine.tx_max_wait", "5s")
	v.SetDefault("engine.tx_timeout", "20s")
	v.SetDefault("oracle.endpoint", "https://api.binance.com/api/v3/ticker/price")
	v.SetDefault("oracle.timeout", "10s")
	v.SetDefault("oracle.fresh_ttl", "30s")
	v.SetDefault("oracle.stale_ttl", "24h")
	v.SetDefault("ledger.timeout", "15s")
	v.SetDefault("notify.mode", "log")
	v.SetDefault("notify.timeout", "5s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects configuration the scheduler cannot run safely with.
// These are startup faults, not per-tick conditions.
func (c Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive, got %s", c.Scheduler.TickInterval)
	}
	if c.Scheduler.ScanLockMargin < 0 || c.Scheduler.ScanLockMargin >= c.Scheduler.TickInterval {
		return fmt.Errorf("scheduler.scan_lock_margin must be in [0, tick_interval), got %s", c.Scheduler.ScanLockMargin)
	}
	if c.Scheduler.BatchLimit <= 0 {
		return fmt.Errorf("scheduler.batch_limit must be positive, got %d", c.Scheduler.BatchLimit)
	}
	if c.Engine.PlanLockLease <= 0 {
		return fmt.Errorf("engine.plan_lock_lease must be positive, got %s", c.Engine.PlanLockLease)
	}
	if c.Engine.TxTimeout > 0 && c.Engine.PlanLockLease <= c.Engine.TxTimeout {
		return fmt.Errorf("engine.plan_lock_lease (%s) must exceed engine.tx_timeout (%s)", c.Engine.PlanLockLease, c.Engine.TxTimeout)
	}
	if strings.TrimSpace(c.Oracle.Endpoint) == "" {
		return fmt.Errorf("oracle.endpoint is required")
	}
	if strings.TrimSpace(c.Ledger.BaseURL) == "" {
		return fmt.Errorf("ledger.base_url is required")
	}
	if c.Notify.Mode == "webhook" && strings.TrimSpace(c.Notify.WebhookURL) == "" {
		return fmt.Errorf("notify.webhook_url is required in webhook mode")
	}
	return nil
}

// ScanLockLease is the scan-lock lease for one tick: the tick interval minus
// a small margin, so a stuck holder's lease expires before the next tick.
func (c SchedulerConfig) ScanLockLease() time.Duration {
	lease := c.TickInterval - c.ScanLockMargin
	if lease <= 0 {
		lease = c.TickInterval
	}
	return lease
}
