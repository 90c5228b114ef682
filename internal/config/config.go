package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"ohlcv-merge/internal/logging"
)

// Provider kinds.
const (
	KindHTTP     = "http"
	KindTushare  = "tushare"
	KindCSV      = "csv"
	KindDatabase = "database"
	KindStub     = "stub"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Calendar  CalendarConfig  `mapstructure:"calendar"`
	Symbols   SymbolsConfig   `mapstructure:"symbols"`
	Align     AlignConfig     `mapstructure:"align"`
	Export    ExportConfig    `mapstructure:"export"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ProvidersConfig lists upstream sources and their priority.
type ProvidersConfig struct {
	// Priority orders sources; sources missing from it follow in name order.
	Priority []string                  `mapstructure:"priority"`
	Sources  map[string]ProviderConfig `mapstructure:"sources"`
	// Timeout bounds one provider call of a query, retries included.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProviderConfig describes one upstream source.
type ProviderConfig struct {
	Kind            string        `mapstructure:"kind"`
	Enabled         *bool         `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	SymbolStyle     string        `mapstructure:"symbol_style"`
	Dir             string        `mapstructure:"dir"`
	Seed            int64         `mapstructure:"seed"`
	Bias            float64       `mapstructure:"bias"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSec      float64       `mapstructure:"rate_per_sec"`
	Burst           int           `mapstructure:"burst"`
	Retries         int           `mapstructure:"retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// IsEnabled reports whether the source should be built. Sources are enabled unless disabled explicitly.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// CacheConfig controls the local file cache.
type CacheConfig struct {
	Enabled bool                     `mapstructure:"enabled"`
	Root    string                   `mapstructure:"root"`
	TTL     map[string]time.Duration `mapstructure:"ttl"`
}

// MergeConfig tunes reconciliation.
type MergeConfig struct {
	ConflictTolerance      float64 `mapstructure:"conflict_tolerance"`
	FreshnessTolerance     int     `mapstructure:"freshness_tolerance"`
	AllowOverrideOnInvalid bool    `mapstructure:"allow_override_on_invalid"`
}

// CalendarConfig picks the trading calendar.
type CalendarConfig struct {
	Default string `mapstructure:"default"`
}

// SymbolsConfig governs symbol normalisation.
type SymbolsConfig struct {
	DefaultVenue string `mapstructure:"default_venue"`
}

// AlignConfig governs alignment.
type AlignConfig struct {
	FillLeading bool `mapstructure:"fill_leading"`
}

// ExportConfig sets batch export behaviour.
type ExportConfig struct {
	Dir     string `mapstructure:"dir"`
	Workers int    `mapstructure:"workers"`
	Format  string `mapstructure:"format"`
	Chart   bool   `mapstructure:"chart"`
}

// SchedulerConfig governs the refresh cadence of the run command.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	SessionsOnly    bool          `mapstructure:"sessions_only"`
	Watchlist       []string      `mapstructure:"watchlist"`
	LookbackDays    int           `mapstructure:"lookback_days"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	Audit           bool          `mapstructure:"audit"`
}

// AlertingConfig defines data-quality alert routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	MinConflicts int            `mapstructure:"min_conflicts"`
	Channels     []string       `mapstructure:"channels"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint of the run command.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OHLCVMERGE")
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
	v.SetDefault("app.name", "ohlcvmerge")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("providers.priority", []string{})
	v.SetDefault("providers.timeout", "30s")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.root", ".cache")
	v.SetDefault("cache.ttl", map[string]interface{}{"1d": "12h"})

	v.SetDefault("merge.conflict_tolerance", 0.01)
	v.SetDefault("merge.freshness_tolerance", 3)
	v.SetDefault("merge.allow_override_on_invalid", true)

	v.SetDefault("calendar.default", "XSHG")
	v.SetDefault("symbols.default_venue", "XSHG")
	v.SetDefault("align.fill_leading", false)

	v.SetDefault("export.dir", "export")
	v.SetDefault("export.workers", 4)
	v.SetDefault("export.format", "csv")
	v.SetDefault("export.chart", false)

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f686c63))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.sessions_only", true)
	v.SetDefault("scheduler.lookback_days", 30)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.audit", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_conflicts", 1)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.addr", "")
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
	if c.Merge.ConflictTolerance < 0 {
		return fmt.Errorf("merge.conflict_tolerance cannot be negative")
	}
	if c.Merge.FreshnessTolerance < 0 {
		return fmt.Errorf("merge.freshness_tolerance cannot be negative")
	}
	if c.Export.Workers <= 0 {
		return fmt.Errorf("export.workers must be greater than zero")
	}
	switch c.Export.Format {
	case "csv", "parquet":
	default:
		return fmt.Errorf("export.format must be csv or parquet, got %q", c.Export.Format)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.LookbackDays <= 0 {
		return fmt.Errorf("scheduler.lookback_days must be greater than zero")
	}
	if c.Providers.Timeout < 0 {
		return fmt.Errorf("providers.timeout cannot be negative")
	}
	for name, p := range c.Providers.Sources {
		if err := p.validate(name); err != nil {
			return err
		}
	}
	for _, name := range c.Providers.Priority {
		if _, ok := c.Providers.Sources[name]; !ok {
			return fmt.Errorf("providers.priority references unknown source %q", name)
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

func (p ProviderConfig) validate(name string) error {
	switch p.Kind {
	case KindHTTP, KindTushare:
		if p.BaseURL == "" {
			return fmt.Errorf("providers.sources.%s.base_url is required", name)
		}
	case KindCSV:
		if p.Dir == "" {
			return fmt.Errorf("providers.sources.%s.dir is required", name)
		}
	case KindDatabase, KindStub:
	default:
		return fmt.Errorf("providers.sources.%s.kind %q is not supported", name, p.Kind)
	}
	if p.Retries < 0 {
		return fmt.Errorf("providers.sources.%s.retries cannot be negative", name)
	}
	if p.RatePerSec < 0 {
		return fmt.Errorf("providers.sources.%s.rate_per_sec cannot be negative", name)
	}
	return nil
}

// ProviderOrder returns enabled source names: the priority list first, then the rest by name.
func (c *Config) ProviderOrder() []string {
	seen := make(map[string]bool, len(c.Providers.Sources))
	order := make([]string, 0, len(c.Providers.Sources))
	for _, name := range c.Providers.Priority {
		p, ok := c.Providers.Sources[name]
		if !ok || seen[name] || !p.IsEnabled() {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}

	rest := make([]string, 0)
	for name, p := range c.Providers.Sources {
		if !seen[name] && p.IsEnabled() {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// ResolveWorkers returns either the CLI override or config default.
func (c *Config) ResolveWorkers(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.Workers
}
