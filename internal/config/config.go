package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"ves-rates/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	API       APIConfig       `mapstructure:"api"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// SchedulerConfig governs sync and cleanup cadence.
type SchedulerConfig struct {
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	RunOnStartup    bool          `mapstructure:"run_on_startup"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	CleanupOffset   time.Duration `mapstructure:"cleanup_offset"`
	RetentionDays   int           `mapstructure:"retention_days"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	AdapterTimeout  time.Duration `mapstructure:"adapter_timeout"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// SourcesConfig groups the rate source adapters.
type SourcesConfig struct {
	BCV         SourceConfig  `mapstructure:"bcv"`
	Binance     BinanceConfig `mapstructure:"binance"`
	Italcambios SourceConfig  `mapstructure:"italcambios"`
}

// SourceConfig is shared by the HTTP based adapters.
type SourceConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	URL                string        `mapstructure:"url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Retries            int           `mapstructure:"retries"`
}

// BinanceConfig adds the P2P search payload knobs.
type BinanceConfig struct {
	SourceConfig  `mapstructure:",squash"`
	Fiat          string   `mapstructure:"fiat"`
	Asset         string   `mapstructure:"asset"`
	Rows          int      `mapstructure:"rows"`
	PublisherType string   `mapstructure:"publisher_type"`
	PayTypes      []string `mapstructure:"pay_types"`
}

// APIConfig configures the read HTTP surface.
type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	ThrottleWindow  time.Duration `mapstructure:"throttle_window"`
	// TrustedProxies lists the CIDRs whose X-Forwarded-For header names the
	// throttled client. Empty means the TCP peer is the client.
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

// RedisConfig configures the current rates cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// KafkaConfig configures sync event publishing.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VESRATES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

const chromeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "vesrates")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("scheduler.sync_interval", "30m")
	v.SetDefault("scheduler.run_on_startup", true)
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.cleanup_interval", "24h")
	v.SetDefault("scheduler.cleanup_offset", "2h")
	v.SetDefault("scheduler.retention_days", 30)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x76657372))
	v.SetDefault("scheduler.adapter_timeout", "30s")
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("sources.bcv.enabled", true)
	v.SetDefault("sources.bcv.url", "https://www.bcv.org.ve/")
	v.SetDefault("sources.bcv.timeout", "15s")
	v.SetDefault("sources.bcv.user_agent", chromeUserAgent)
	v.SetDefault("sources.bcv.insecure_skip_verify", true)
	v.SetDefault("sources.bcv.retries", 2)

	v.SetDefault("sources.binance.enabled", true)
	v.SetDefault("sources.binance.url", "https://p2p.binance.com/bapi/c2c/v2/friendly/c2c/adv/search")
	v.SetDefault("sources.binance.timeout", "15s")
	v.SetDefault("sources.binance.user_agent", chromeUserAgent)
	v.SetDefault("sources.binance.retries", 2)
	v.SetDefault("sources.binance.fiat", "VES")
	v.SetDefault("sources.binance.asset", "USDT")
	v.SetDefault("sources.binance.rows", 10)
	v.SetDefault("sources.binance.publisher_type", "merchant")
	v.SetDefault("sources.binance.pay_types", []string{"PagoMovil"})

	v.SetDefault("sources.italcambios.enabled", true)
	v.SetDefault("sources.italcambios.url", "https://www.italcambio.com/")
	v.SetDefault("sources.italcambios.timeout", "15s")
	v.SetDefault("sources.italcambios.user_agent", chromeUserAgent)
	v.SetDefault("sources.italcambios.retries", 2)

	v.SetDefault("api.addr", ":3000")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("api.history_limit", 10)
	v.SetDefault("api.throttle_window", "1m")
	v.SetDefault("api.trusted_proxies", []string{})

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "5m")
	v.SetDefault("redis.prefix", "vesrates")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "rates.synced")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.SyncInterval <= 0 {
		return fmt.Errorf("scheduler.sync_interval must be greater than zero")
	}
	if c.Scheduler.CleanupInterval <= 0 {
		return fmt.Errorf("scheduler.cleanup_interval must be greater than zero")
	}
	if c.Scheduler.CleanupOffset < 0 || c.Scheduler.CleanupOffset >= c.Scheduler.CleanupInterval {
		return fmt.Errorf("scheduler.cleanup_offset must be within [0, cleanup_interval)")
	}
	if c.Scheduler.RetentionDays <= 0 {
		return fmt.Errorf("scheduler.retention_days must be greater than zero")
	}
	if c.Sources.Binance.Enabled && c.Sources.Binance.Rows <= 0 {
		return fmt.Errorf("sources.binance.rows must be greater than zero")
	}
	if c.API.HistoryLimit <= 0 {
		return fmt.Errorf("api.history_limit must be greater than zero")
	}
	if c.API.ThrottleWindow <= 0 {
		return fmt.Errorf("api.throttle_window must be greater than zero")
	}
	for _, cidr := range c.API.TrustedProxies {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, err := netip.ParsePrefix(cidr); err != nil {
			if _, addrErr := netip.ParseAddr(cidr); addrErr != nil {
				return fmt.Errorf("api.trusted_proxies: invalid entry %q", cidr)
			}
		}
	}
	if c.Scheduler.AdvisoryLockKey != 0 && c.Database.MaxOpenConns > 0 && c.Database.MaxOpenConns < 2 {
		return fmt.Errorf("database.max_open_conns must be at least 2 while scheduler.advisory_lock_key is set")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveRetentionDays returns either the CLI override or config default.
func (c *Config) ResolveRetentionDays(override int) int {
	if override > 0 {
		return override
	}
	return c.Scheduler.RetentionDays
}
