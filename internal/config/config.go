package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"oraclewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
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
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// OracleConfig describes the price sources and the read policy applied to
// their samples.
type OracleConfig struct {
	Assets       []string        `mapstructure:"assets"`
	MaxAge       time.Duration   `mapstructure:"max_age"`
	TwapWindow   time.Duration   `mapstructure:"twap_window"`
	TwapInterval time.Duration   `mapstructure:"twap_interval"`
	Reflector    ReflectorConfig `mapstructure:"reflector"`
	Chainlink    ChainlinkConfig `mapstructure:"chainlink"`
}

// ReflectorConfig covers the primary HTTP gateway source.
type ReflectorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ChainlinkConfig covers the fallback EVM aggregator source.
type ChainlinkConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	RPCURL         string            `mapstructure:"rpc_url"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	Feeds          map[string]string `mapstructure:"feeds"`
}

// AlertingConfig defines the deviation circuit breaker and routing.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	MaxDeviationBps uint32         `mapstructure:"max_deviation_bps"`
	Cooldown        time.Duration  `mapstructure:"cooldown"`
	Channels        []string       `mapstructure:"channels"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
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

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLEWATCH")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "oraclewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f726163))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("oracle.assets", []string{"XLM"})
	v.SetDefault("oracle.max_age", "10m")
	v.SetDefault("oracle.twap_window", "30m")
	v.SetDefault("oracle.twap_interval", "5m")
	v.SetDefault("oracle.reflector.request_timeout", "10s")
	v.SetDefault("oracle.reflector.user_agent", "oraclewatch/1.0")
	v.SetDefault("oracle.chainlink.enabled", false)
	v.SetDefault("oracle.chainlink.request_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.max_deviation_bps", 400)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Oracle.Assets) == 0 {
		return fmt.Errorf("oracle.assets must list at least one asset")
	}
	if c.Oracle.MaxAge <= 0 {
		return fmt.Errorf("oracle.max_age must be greater than zero")
	}
	if c.Oracle.TwapInterval <= 0 {
		return fmt.Errorf("oracle.twap_interval must be greater than zero")
	}
	if c.Oracle.TwapWindow < c.Oracle.TwapInterval {
		return fmt.Errorf("oracle.twap_window must not be shorter than oracle.twap_interval")
	}
	if c.Oracle.Chainlink.Enabled && c.Oracle.Chainlink.RPCURL == "" {
		return fmt.Errorf("oracle.chainlink.rpc_url must be configured when the fallback is enabled")
	}
	if c.Alerting.Enabled && c.Alerting.MaxDeviationBps == 0 {
		return fmt.Errorf("alerting.max_deviation_bps must be greater than zero when alerting is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
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
